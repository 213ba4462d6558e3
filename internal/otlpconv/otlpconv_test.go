package otlpconv

import (
	"testing"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/telemetry-governor/internal/model"
)

func strAttr(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func intAttr(k string, v int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}}}
}

func testMetricsRequest() *colmetricspb.ExportMetricsServiceRequest {
	return &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{strAttr("service.name", "api")}},
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Scope: &commonpb.InstrumentationScope{Name: "otel"},
				Metrics: []*metricspb.Metric{
					{
						Name: "requests",
						Unit: "1",
						Data: &metricspb.Metric_Sum{Sum: &metricspb.Sum{
							IsMonotonic:            true,
							AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
							DataPoints: []*metricspb.NumberDataPoint{
								{Attributes: []*commonpb.KeyValue{strAttr("route", "/a"), intAttr("code", 200)}, TimeUnixNano: 10, Value: &metricspb.NumberDataPoint_AsInt{AsInt: 7}},
								{Attributes: []*commonpb.KeyValue{strAttr("route", "/b"), intAttr("code", 500)}, TimeUnixNano: 11, Value: &metricspb.NumberDataPoint_AsInt{AsInt: 2}},
							},
						}},
					},
					{
						Name: "latency",
						Data: &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
							DataPoints: []*metricspb.HistogramDataPoint{{TimeUnixNano: 12, Count: 3, Sum: proto.Float64(1.5)}},
						}},
					},
				},
			}},
		}},
	}
}

func TestFromMetricsSplitsDataPoints(t *testing.T) {
	batches, err := FromMetrics(testMetricsRequest())
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	b := batches[0]
	if b.Kind != model.KindMetric || b.Scope != "otel" {
		t.Errorf("batch header = %v %q", b.Kind, b.Scope)
	}
	if v, _ := b.Resource.Get("service.name"); v != "api" {
		t.Errorf("resource = %v", b.Resource)
	}
	if len(b.Points) != 3 {
		t.Fatalf("points = %d, want 3", len(b.Points))
	}
	p := b.Points[0]
	if p.Name != "requests" || !p.Numeric || p.Value != 7 || p.TimeUnixNano != 10 {
		t.Errorf("first point = %+v", p)
	}
	if v, _ := p.Labels.Get("code"); v != "200" {
		t.Errorf("code label = %q", v)
	}
	if h := b.Points[2]; h.Numeric || h.Value != 1.5 {
		t.Errorf("histogram point = %+v", h)
	}
	for _, p := range b.Points {
		if len(p.Payload) == 0 {
			t.Errorf("point %q has no payload", p.Name)
		}
	}
}

func TestToMetricsKeepsTypesAndAppliesFoldedLabels(t *testing.T) {
	batches, err := FromMetrics(testMetricsRequest())
	if err != nil {
		t.Fatal(err)
	}
	b := batches[0]
	// Drop the route label from the second point, as the limiter would.
	b.Points[1].Labels = b.Points[1].Labels.Without(func(k string) bool { return k == "route" })

	req, err := ToMetrics(b)
	if err != nil {
		t.Fatal(err)
	}
	metrics := req.GetResourceMetrics()[0].GetScopeMetrics()[0].GetMetrics()
	if len(metrics) != 3 {
		t.Fatalf("metrics = %d, want 3", len(metrics))
	}
	first := metrics[0].GetSum()
	if first == nil || !first.GetIsMonotonic() {
		t.Fatalf("first metric lost its sum shape: %v", metrics[0])
	}
	dp := first.GetDataPoints()[0]
	if len(dp.GetAttributes()) != 2 || dp.GetValue().(*metricspb.NumberDataPoint_AsInt).AsInt != 7 {
		t.Errorf("untouched point changed: %v", dp)
	}
	for _, kv := range dp.GetAttributes() {
		if kv.GetKey() == "code" && kv.GetValue().GetIntValue() != 200 {
			t.Errorf("code attribute lost its int type: %v", kv)
		}
	}
	folded := metrics[1].GetSum().GetDataPoints()[0]
	if len(folded.GetAttributes()) != 1 || folded.GetAttributes()[0].GetKey() != "code" {
		t.Errorf("folded attributes = %v", folded.GetAttributes())
	}
	if metrics[2].GetHistogram() == nil {
		t.Error("histogram shape lost")
	}
}

func TestAggregatedPointsExportAsGauge(t *testing.T) {
	b := &model.TelemetryBatch{
		Kind:     model.KindMetric,
		Resource: model.NewLabelSet([]model.Label{{Key: "service.name", Value: "api"}}),
		Points: []model.DataPoint{{
			Name:         "requests",
			Labels:       model.NewLabelSet([]model.Label{{Key: "route", Value: "/a"}}),
			TimeUnixNano: 99,
			Value:        42,
			Numeric:      true,
		}},
	}
	req, err := ToMetrics(b)
	if err != nil {
		t.Fatal(err)
	}
	m := req.GetResourceMetrics()[0].GetScopeMetrics()[0].GetMetrics()[0]
	g := m.GetGauge()
	if g == nil {
		t.Fatalf("aggregate exported as %T", m.GetData())
	}
	if v := g.GetDataPoints()[0].GetAsDouble(); v != 42 {
		t.Errorf("value = %v", v)
	}
}

func TestDecodeJSON(t *testing.T) {
	body, err := protojson.Marshal(testMetricsRequest())
	if err != nil {
		t.Fatal(err)
	}
	batches, err := Decode(model.KindMetric, body, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 || len(batches[0].Points) != 3 {
		t.Fatalf("decoded %d batches", len(batches))
	}
	if _, err := Decode(model.KindMetric, []byte("{not json"), true); err == nil {
		t.Error("invalid JSON accepted")
	}
}

func TestTracesRoundTrip(t *testing.T) {
	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{strAttr("service.name", "api")}},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Spans: []*tracepb.Span{{
					Name:              "GET /",
					TraceId:           []byte("0123456789abcdef"),
					SpanId:            []byte("01234567"),
					StartTimeUnixNano: 5,
					EndTimeUnixNano:   9,
					Attributes:        []*commonpb.KeyValue{strAttr("http.method", "GET")},
				}},
			}},
		}},
	}
	body, err := proto.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	batches, err := Decode(model.KindTrace, body, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 || batches[0].Points[0].Name != "GET /" {
		t.Fatalf("batches = %+v", batches)
	}
	msg, err := Encode(batches[0])
	if err != nil {
		t.Fatal(err)
	}
	sp := msg.(*coltracepb.ExportTraceServiceRequest).GetResourceSpans()[0].GetScopeSpans()[0].GetSpans()[0]
	if !proto.Equal(sp, req.ResourceSpans[0].ScopeSpans[0].Spans[0]) {
		t.Errorf("span changed in round trip: %v", sp)
	}
}

func TestLogsRoundTrip(t *testing.T) {
	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			ScopeLogs: []*logspb.ScopeLogs{{
				LogRecords: []*logspb.LogRecord{
					{ObservedTimeUnixNano: 3, SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_ERROR, Body: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "boom"}}},
					{TimeUnixNano: 4, SeverityText: "INFO"},
				},
			}},
		}},
	}
	batches, err := FromLogs(req)
	if err != nil {
		t.Fatal(err)
	}
	pts := batches[0].Points
	if pts[0].Name != "SEVERITY_NUMBER_ERROR" || pts[0].TimeUnixNano != 3 {
		t.Errorf("first record = %+v", pts[0])
	}
	if pts[1].Name != "INFO" {
		t.Errorf("second record name = %q", pts[1].Name)
	}
	out, err := ToLogs(batches[0])
	if err != nil {
		t.Fatal(err)
	}
	got := out.GetResourceLogs()[0].GetScopeLogs()[0].GetLogRecords()
	if len(got) != 2 || got[0].GetBody().GetStringValue() != "boom" {
		t.Errorf("records = %v", got)
	}
}

func TestAnyValueString(t *testing.T) {
	tests := []struct {
		v    *commonpb.AnyValue
		want string
	}{
		{nil, ""},
		{&commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: true}}, "true"},
		{&commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: 0.5}}, "0.5"},
		{&commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: []byte{0xab}}}, "ab"},
		{&commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{Values: []*commonpb.AnyValue{
			{Value: &commonpb.AnyValue_IntValue{IntValue: 1}},
			{Value: &commonpb.AnyValue_StringValue{StringValue: "x"}},
		}}}}, "[1,x]"},
	}
	for _, tt := range tests {
		if got := anyValueString(tt.v); got != tt.want {
			t.Errorf("anyValueString(%v) = %q, want %q", tt.v, got, tt.want)
		}
	}
}
