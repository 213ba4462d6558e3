package otlpconv

import (
	"fmt"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/telemetry-governor/internal/model"
)

// FromTraces converts a trace request; each span becomes one point.
func FromTraces(req *coltracepb.ExportTraceServiceRequest) ([]*model.TelemetryBatch, error) {
	var out []*model.TelemetryBatch
	for _, rs := range req.GetResourceSpans() {
		res := labelsFromAttributes(rs.GetResource().GetAttributes())
		for _, ss := range rs.GetScopeSpans() {
			b := &model.TelemetryBatch{Kind: model.KindTrace, Resource: res, Scope: ss.GetScope().GetName()}
			for _, sp := range ss.GetSpans() {
				payload, err := proto.Marshal(sp)
				if err != nil {
					return nil, fmt.Errorf("encode span %q: %w", sp.GetName(), err)
				}
				b.Points = append(b.Points, model.DataPoint{
					Name:         sp.GetName(),
					Labels:       labelsFromAttributes(sp.GetAttributes()),
					TimeUnixNano: int64(sp.GetStartTimeUnixNano()),
					Payload:      payload,
				})
			}
			if len(b.Points) > 0 {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

// ToTraces rebuilds a trace request.
func ToTraces(b *model.TelemetryBatch) (*coltracepb.ExportTraceServiceRequest, error) {
	ss := &tracepb.ScopeSpans{Scope: scopeFromName(b.Scope), Spans: make([]*tracepb.Span, 0, len(b.Points))}
	for i := range b.Points {
		p := &b.Points[i]
		sp := &tracepb.Span{}
		if p.Payload != nil {
			if err := proto.Unmarshal(p.Payload, sp); err != nil {
				return nil, fmt.Errorf("decode payload of span %q: %w", p.Name, err)
			}
			relabel(p.Labels, &sp.Attributes)
		} else {
			sp.Name = p.Name
			sp.StartTimeUnixNano = uint64(p.TimeUnixNano)
			sp.EndTimeUnixNano = uint64(p.TimeUnixNano)
			sp.Attributes = attributesFromLabels(p.Labels, nil)
		}
		ss.Spans = append(ss.Spans, sp)
	}
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource:   resourceFromLabels(b.Resource),
			ScopeSpans: []*tracepb.ScopeSpans{ss},
		}},
	}, nil
}

// FromLogs converts a logs request; each record becomes one point named by
// its severity text.
func FromLogs(req *collogspb.ExportLogsServiceRequest) ([]*model.TelemetryBatch, error) {
	var out []*model.TelemetryBatch
	for _, rl := range req.GetResourceLogs() {
		res := labelsFromAttributes(rl.GetResource().GetAttributes())
		for _, sl := range rl.GetScopeLogs() {
			b := &model.TelemetryBatch{Kind: model.KindLog, Resource: res, Scope: sl.GetScope().GetName()}
			for _, lr := range sl.GetLogRecords() {
				payload, err := proto.Marshal(lr)
				if err != nil {
					return nil, fmt.Errorf("encode log record: %w", err)
				}
				ts := lr.GetTimeUnixNano()
				if ts == 0 {
					ts = lr.GetObservedTimeUnixNano()
				}
				name := lr.GetSeverityText()
				if name == "" {
					name = lr.GetSeverityNumber().String()
				}
				b.Points = append(b.Points, model.DataPoint{
					Name:         name,
					Labels:       labelsFromAttributes(lr.GetAttributes()),
					TimeUnixNano: int64(ts),
					Value:        float64(lr.GetSeverityNumber()),
					Payload:      payload,
				})
			}
			if len(b.Points) > 0 {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

// ToLogs rebuilds a logs request.
func ToLogs(b *model.TelemetryBatch) (*collogspb.ExportLogsServiceRequest, error) {
	sl := &logspb.ScopeLogs{Scope: scopeFromName(b.Scope), LogRecords: make([]*logspb.LogRecord, 0, len(b.Points))}
	for i := range b.Points {
		p := &b.Points[i]
		lr := &logspb.LogRecord{}
		if p.Payload != nil {
			if err := proto.Unmarshal(p.Payload, lr); err != nil {
				return nil, fmt.Errorf("decode payload of log record: %w", err)
			}
			relabel(p.Labels, &lr.Attributes)
		} else {
			lr.TimeUnixNano = uint64(p.TimeUnixNano)
			lr.SeverityText = p.Name
			lr.SeverityNumber = logspb.SeverityNumber(int32(p.Value))
			lr.Attributes = attributesFromLabels(p.Labels, nil)
		}
		sl.LogRecords = append(sl.LogRecords, lr)
	}
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource:  resourceFromLabels(b.Resource),
			ScopeLogs: []*logspb.ScopeLogs{sl},
		}},
	}, nil
}
