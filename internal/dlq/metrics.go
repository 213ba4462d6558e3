package dlq

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/telemetry-governor/internal/queue"
)

const (
	// SpillExportFailed is the spill reason for batches whose export failed.
	SpillExportFailed = "export_failed"
	// SpillBreakerOpen is the spill reason for batches refused by an open breaker.
	SpillBreakerOpen = "breaker_open"
	// SpillShutdown is the spill reason for items drained at shutdown.
	SpillShutdown = "shutdown"
)

var (
	diskBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_governor_dlq_disk_bytes",
		Help: "Bytes held by dead-letter queue segments on disk",
	})

	diskUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_governor_dlq_disk_utilization_ratio",
		Help: "Dead-letter queue disk usage as a ratio of max_bytes",
	})

	diskAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_governor_dlq_disk_available_bytes",
		Help: "Free bytes on the filesystem holding the dead-letter queue",
	})

	segmentsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_governor_dlq_segments",
		Help: "Sealed segments awaiting replay",
	})

	oldestSegmentAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_governor_dlq_oldest_segment_age_seconds",
		Help: "Age of the oldest sealed segment",
	})

	quarantinedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_governor_dlq_quarantined_segments_total",
		Help: "Segments moved to quarantine after failing verification",
	})

	expiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_governor_dlq_expired_segments_total",
		Help: "Segments deleted by retention before being replayed",
	})

	recoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_governor_dlq_recovered_segments_total",
		Help: "Unsealed segments recovered and sealed at startup",
	})

	replayedItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_governor_dlq_replayed_items_total",
		Help: "Items handed back to the priority queue by replay",
	})

	replayedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_governor_dlq_replayed_bytes_total",
		Help: "Record bytes replayed",
	})

	replayBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_governor_dlq_replay_backlog_bytes",
		Help: "Uncompressed record bytes in sealed segments not yet replayed",
	})

	spilledItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_dlq_spilled_items_total",
		Help: "Items committed to the dead-letter queue by spill reason",
	}, []string{"reason"})

	rejectedItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_dlq_rejected_items_total",
		Help: "Spills refused by the dead-letter queue",
	}, []string{"reason"})

	fsyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_governor_dlq_fsync_duration_seconds",
		Help:    "Duration of block fsyncs",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	writerFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_governor_dlq_writer_failed",
		Help: "1 if the segment writer stopped after a durability error",
	})

	diskFullTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_governor_dlq_disk_full_total",
		Help: "Write failures caused by a full disk",
	})
)

const (
	rejectSaturated = "saturated"
	rejectBudget    = "budget"
	rejectFailed    = "writer_failed"
	rejectClosed    = "closed"
)

func init() {
	prometheus.MustRegister(
		diskBytes, diskUtilization, diskAvailable, segmentsGauge, oldestSegmentAge,
		quarantinedTotal, expiredTotal, recoveredTotal,
		replayedItems, replayedBytes, replayBacklog,
		spilledItems, rejectedItems, fsyncDuration, writerFailed, diskFullTotal,
	)
	for _, r := range []string{SpillExportFailed, SpillBreakerOpen, SpillShutdown, queue.SpillOverflow} {
		spilledItems.WithLabelValues(r).Add(0)
	}
	for _, r := range []string{rejectSaturated, rejectBudget, rejectFailed, rejectClosed} {
		rejectedItems.WithLabelValues(r).Add(0)
	}
}
