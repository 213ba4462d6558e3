package otlpconv

import (
	"fmt"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/telemetry-governor/internal/model"
)

// FromMetrics splits a metrics request into one point per data point.
func FromMetrics(req *colmetricspb.ExportMetricsServiceRequest) ([]*model.TelemetryBatch, error) {
	var out []*model.TelemetryBatch
	for _, rm := range req.GetResourceMetrics() {
		res := labelsFromAttributes(rm.GetResource().GetAttributes())
		for _, sm := range rm.GetScopeMetrics() {
			b := &model.TelemetryBatch{Kind: model.KindMetric, Resource: res, Scope: sm.GetScope().GetName()}
			for _, m := range sm.GetMetrics() {
				if err := appendMetric(b, m); err != nil {
					return nil, err
				}
			}
			if len(b.Points) > 0 {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

func appendMetric(b *model.TelemetryBatch, m *metricspb.Metric) error {
	single := func(data isMetricData) *metricspb.Metric {
		s := &metricspb.Metric{
			Name:        m.GetName(),
			Description: m.GetDescription(),
			Unit:        m.GetUnit(),
			Metadata:    m.GetMetadata(),
		}
		data.set(s)
		return s
	}
	emit := func(s *metricspb.Metric, p model.DataPoint) error {
		payload, err := proto.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode metric %q: %w", m.GetName(), err)
		}
		p.Name = m.GetName()
		p.Payload = payload
		b.Points = append(b.Points, p)
		return nil
	}

	switch d := m.GetData().(type) {
	case *metricspb.Metric_Gauge:
		for _, dp := range d.Gauge.GetDataPoints() {
			s := single(gaugeData{dp})
			if err := emit(s, numberPoint(dp)); err != nil {
				return err
			}
		}
	case *metricspb.Metric_Sum:
		for _, dp := range d.Sum.GetDataPoints() {
			s := single(sumData{d.Sum, dp})
			if err := emit(s, numberPoint(dp)); err != nil {
				return err
			}
		}
	case *metricspb.Metric_Histogram:
		for _, dp := range d.Histogram.GetDataPoints() {
			s := single(histogramData{d.Histogram, dp})
			p := model.DataPoint{Labels: labelsFromAttributes(dp.GetAttributes()), TimeUnixNano: int64(dp.GetTimeUnixNano()), Value: dp.GetSum()}
			if err := emit(s, p); err != nil {
				return err
			}
		}
	case *metricspb.Metric_ExponentialHistogram:
		for _, dp := range d.ExponentialHistogram.GetDataPoints() {
			s := single(expHistogramData{d.ExponentialHistogram, dp})
			p := model.DataPoint{Labels: labelsFromAttributes(dp.GetAttributes()), TimeUnixNano: int64(dp.GetTimeUnixNano()), Value: dp.GetSum()}
			if err := emit(s, p); err != nil {
				return err
			}
		}
	case *metricspb.Metric_Summary:
		for _, dp := range d.Summary.GetDataPoints() {
			s := single(summaryData{dp})
			p := model.DataPoint{Labels: labelsFromAttributes(dp.GetAttributes()), TimeUnixNano: int64(dp.GetTimeUnixNano()), Value: dp.GetSum()}
			if err := emit(s, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func numberPoint(dp *metricspb.NumberDataPoint) model.DataPoint {
	p := model.DataPoint{
		Labels:       labelsFromAttributes(dp.GetAttributes()),
		TimeUnixNano: int64(dp.GetTimeUnixNano()),
		Numeric:      true,
	}
	switch v := dp.GetValue().(type) {
	case *metricspb.NumberDataPoint_AsDouble:
		p.Value = v.AsDouble
	case *metricspb.NumberDataPoint_AsInt:
		p.Value = float64(v.AsInt)
	}
	return p
}

// isMetricData installs a single data point of one metric type.
type isMetricData interface {
	set(m *metricspb.Metric)
}

type gaugeData struct{ dp *metricspb.NumberDataPoint }

func (g gaugeData) set(m *metricspb.Metric) {
	m.Data = &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: []*metricspb.NumberDataPoint{g.dp}}}
}

type sumData struct {
	sum *metricspb.Sum
	dp  *metricspb.NumberDataPoint
}

func (s sumData) set(m *metricspb.Metric) {
	m.Data = &metricspb.Metric_Sum{Sum: &metricspb.Sum{
		AggregationTemporality: s.sum.GetAggregationTemporality(),
		IsMonotonic:            s.sum.GetIsMonotonic(),
		DataPoints:             []*metricspb.NumberDataPoint{s.dp},
	}}
}

type histogramData struct {
	h  *metricspb.Histogram
	dp *metricspb.HistogramDataPoint
}

func (h histogramData) set(m *metricspb.Metric) {
	m.Data = &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
		AggregationTemporality: h.h.GetAggregationTemporality(),
		DataPoints:             []*metricspb.HistogramDataPoint{h.dp},
	}}
}

type expHistogramData struct {
	h  *metricspb.ExponentialHistogram
	dp *metricspb.ExponentialHistogramDataPoint
}

func (h expHistogramData) set(m *metricspb.Metric) {
	m.Data = &metricspb.Metric_ExponentialHistogram{ExponentialHistogram: &metricspb.ExponentialHistogram{
		AggregationTemporality: h.h.GetAggregationTemporality(),
		DataPoints:             []*metricspb.ExponentialHistogramDataPoint{h.dp},
	}}
}

type summaryData struct{ dp *metricspb.SummaryDataPoint }

func (s summaryData) set(m *metricspb.Metric) {
	m.Data = &metricspb.Metric_Summary{Summary: &metricspb.Summary{DataPoints: []*metricspb.SummaryDataPoint{s.dp}}}
}

// ToMetrics rebuilds a metrics request. Points without a payload are
// aggregates and are exported as gauges.
func ToMetrics(b *model.TelemetryBatch) (*colmetricspb.ExportMetricsServiceRequest, error) {
	sm := &metricspb.ScopeMetrics{Scope: scopeFromName(b.Scope), Metrics: make([]*metricspb.Metric, 0, len(b.Points))}
	for i := range b.Points {
		m, err := metricFromPoint(&b.Points[i])
		if err != nil {
			return nil, err
		}
		sm.Metrics = append(sm.Metrics, m)
	}
	return &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource:     resourceFromLabels(b.Resource),
			ScopeMetrics: []*metricspb.ScopeMetrics{sm},
		}},
	}, nil
}

func metricFromPoint(p *model.DataPoint) (*metricspb.Metric, error) {
	if p.Payload == nil {
		return &metricspb.Metric{
			Name: p.Name,
			Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: []*metricspb.NumberDataPoint{{
				Attributes:   attributesFromLabels(p.Labels, nil),
				TimeUnixNano: uint64(p.TimeUnixNano),
				Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: p.Value},
			}}}},
		}, nil
	}
	m := &metricspb.Metric{}
	if err := proto.Unmarshal(p.Payload, m); err != nil {
		return nil, fmt.Errorf("decode payload of metric %q: %w", p.Name, err)
	}
	switch d := m.GetData().(type) {
	case *metricspb.Metric_Gauge:
		for _, dp := range d.Gauge.GetDataPoints() {
			relabel(p.Labels, &dp.Attributes)
		}
	case *metricspb.Metric_Sum:
		for _, dp := range d.Sum.GetDataPoints() {
			relabel(p.Labels, &dp.Attributes)
		}
	case *metricspb.Metric_Histogram:
		for _, dp := range d.Histogram.GetDataPoints() {
			relabel(p.Labels, &dp.Attributes)
		}
	case *metricspb.Metric_ExponentialHistogram:
		for _, dp := range d.ExponentialHistogram.GetDataPoints() {
			relabel(p.Labels, &dp.Attributes)
		}
	case *metricspb.Metric_Summary:
		for _, dp := range d.Summary.GetDataPoints() {
			relabel(p.Labels, &dp.Attributes)
		}
	}
	return m, nil
}
