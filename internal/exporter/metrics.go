package exporter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/telemetry-governor/internal/model"
)

var (
	exportRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_export_requests_total",
		Help: "Export requests sent to the destination",
	}, []string{"signal"})

	exportErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_export_errors_total",
		Help: "Failed export requests by error type",
	}, []string{"error_type"})

	exportDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telemetry_governor_export_duration_seconds",
		Help:    "Duration of export requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"signal"})

	exportBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_export_bytes_total",
		Help: "Request body bytes sent, by compression",
	}, []string{"compression"})

	exportPointsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_export_points_total",
		Help: "Points delivered to the destination",
	}, []string{"signal"})

	exportDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_export_dropped_total",
		Help: "Points dropped after a non-retryable export error or a failed spill",
	}, []string{"reason"})

	exportSpilledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_export_spilled_total",
		Help: "Batches handed to the dead-letter queue by the export workers",
	}, []string{"reason"})

	coalescedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_governor_export_coalesced_batches_total",
		Help: "Queue items merged into larger export batches under degradation",
	})
)

const dropSpillFailed = "spill_failed"

func init() {
	prometheus.MustRegister(
		exportRequestsTotal, exportErrorsTotal, exportDuration, exportBytesTotal,
		exportPointsTotal, exportDroppedTotal, exportSpilledTotal, coalescedTotal,
	)
	for k := model.SignalKind(0); int(k) < model.NumKinds; k++ {
		exportRequestsTotal.WithLabelValues(k.String()).Add(0)
		exportPointsTotal.WithLabelValues(k.String()).Add(0)
	}
	for _, t := range errorTypes {
		exportErrorsTotal.WithLabelValues(string(t)).Add(0)
	}
	exportDroppedTotal.WithLabelValues(dropSpillFailed).Add(0)
}
