// Package otlpconv converts OTLP export requests to telemetry batches and
// back. Every point keeps the proto encoding of its single-record OTLP
// message so it can be re-exported unchanged apart from its labels.
package otlpconv

import (
	"errors"
	"fmt"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/telemetry-governor/internal/model"
)

// ErrUnknownKind is returned for a signal kind without an OTLP mapping.
var ErrUnknownKind = errors.New("unknown signal kind")

var jsonUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// NewRequest returns an empty export request message for kind.
func NewRequest(kind model.SignalKind) (proto.Message, error) {
	switch kind {
	case model.KindMetric:
		return &colmetricspb.ExportMetricsServiceRequest{}, nil
	case model.KindTrace:
		return &coltracepb.ExportTraceServiceRequest{}, nil
	case model.KindLog:
		return &collogspb.ExportLogsServiceRequest{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
}

// NewResponse returns the empty success response for kind.
func NewResponse(kind model.SignalKind) proto.Message {
	switch kind {
	case model.KindTrace:
		return &coltracepb.ExportTraceServiceResponse{}
	case model.KindLog:
		return &collogspb.ExportLogsServiceResponse{}
	}
	return &colmetricspb.ExportMetricsServiceResponse{}
}

// Decode parses an OTLP request body (protobuf, or OTLP/JSON when isJSON is
// set) into batches, one per resource and scope.
func Decode(kind model.SignalKind, body []byte, isJSON bool) ([]*model.TelemetryBatch, error) {
	msg, err := NewRequest(kind)
	if err != nil {
		return nil, err
	}
	if isJSON {
		err = jsonUnmarshal.Unmarshal(body, msg)
	} else {
		err = proto.Unmarshal(body, msg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s request: %w", kind, err)
	}
	return FromRequest(msg)
}

// FromRequest converts a decoded export request.
func FromRequest(msg proto.Message) ([]*model.TelemetryBatch, error) {
	switch req := msg.(type) {
	case *colmetricspb.ExportMetricsServiceRequest:
		return FromMetrics(req)
	case *coltracepb.ExportTraceServiceRequest:
		return FromTraces(req)
	case *collogspb.ExportLogsServiceRequest:
		return FromLogs(req)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
}

// Encode builds the export request for b.
func Encode(b *model.TelemetryBatch) (proto.Message, error) {
	switch b.Kind {
	case model.KindMetric:
		return ToMetrics(b)
	case model.KindTrace:
		return ToTraces(b)
	case model.KindLog:
		return ToLogs(b)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, b.Kind)
}

// Marshal encodes b as a protobuf export request body.
func Marshal(b *model.TelemetryBatch) ([]byte, error) {
	msg, err := Encode(b)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

func resourceFromLabels(ls model.LabelSet) *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: attributesFromLabels(ls, nil)}
}

func scopeFromName(name string) *commonpb.InstrumentationScope {
	if name == "" {
		return nil
	}
	return &commonpb.InstrumentationScope{Name: name}
}

// relabel rewrites attrs in place when the point's labels were changed.
func relabel(ls model.LabelSet, attrs *[]*commonpb.KeyValue) {
	if !sameLabels(ls, *attrs) {
		*attrs = attributesFromLabels(ls, *attrs)
	}
}
