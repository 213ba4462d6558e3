package otlpconv

import (
	"encoding/hex"
	"strconv"
	"strings"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"

	"github.com/szibis/telemetry-governor/internal/model"
)

// anyValueString renders an attribute value as a label value.
func anyValueString(v *commonpb.AnyValue) string {
	if v == nil {
		return ""
	}
	switch x := v.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return x.StringValue
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(x.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(x.DoubleValue, 'g', -1, 64)
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(x.BoolValue)
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(x.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		parts := make([]string, 0, len(x.ArrayValue.GetValues()))
		for _, e := range x.ArrayValue.GetValues() {
			parts = append(parts, anyValueString(e))
		}
		return "[" + strings.Join(parts, ",") + "]"
	case *commonpb.AnyValue_KvlistValue:
		parts := make([]string, 0, len(x.KvlistValue.GetValues()))
		for _, kv := range x.KvlistValue.GetValues() {
			parts = append(parts, kv.GetKey()+"="+anyValueString(kv.GetValue()))
		}
		return "{" + strings.Join(parts, ",") + "}"
	}
	return ""
}

// labelsFromAttributes converts OTLP attributes to a sorted label set.
func labelsFromAttributes(attrs []*commonpb.KeyValue) model.LabelSet {
	if len(attrs) == 0 {
		return nil
	}
	ls := make([]model.Label, 0, len(attrs))
	for _, kv := range attrs {
		ls = append(ls, model.Label{Key: kv.GetKey(), Value: anyValueString(kv.GetValue())})
	}
	return model.NewLabelSet(ls)
}

// attributesFromLabels rebuilds attributes for ls. Original attributes whose
// key and rendered value survive are reused so their type is kept; anything
// else becomes a string attribute.
func attributesFromLabels(ls model.LabelSet, orig []*commonpb.KeyValue) []*commonpb.KeyValue {
	if len(ls) == 0 {
		return nil
	}
	byKey := make(map[string]*commonpb.KeyValue, len(orig))
	for _, kv := range orig {
		byKey[kv.GetKey()] = kv
	}
	out := make([]*commonpb.KeyValue, 0, len(ls))
	for _, l := range ls {
		if kv, ok := byKey[l.Key]; ok && anyValueString(kv.GetValue()) == l.Value {
			out = append(out, kv)
			continue
		}
		out = append(out, &commonpb.KeyValue{
			Key:   l.Key,
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: l.Value}},
		})
	}
	return out
}

// sameLabels reports whether attrs render to exactly ls.
func sameLabels(ls model.LabelSet, attrs []*commonpb.KeyValue) bool {
	if len(ls) != len(attrs) {
		return false
	}
	for _, kv := range attrs {
		v, ok := ls.Get(kv.GetKey())
		if !ok || v != anyValueString(kv.GetValue()) {
			return false
		}
	}
	return true
}
