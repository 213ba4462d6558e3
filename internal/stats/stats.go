// Package stats logs a periodic summary of pipeline activity and serves the
// latest snapshot as JSON.
package stats

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/szibis/telemetry-governor/internal/logging"
	"github.com/szibis/telemetry-governor/internal/pipeline"
)

var log = logging.Component("stats")

// Source provides pipeline snapshots. *pipeline.Pipeline implements it.
type Source interface {
	Stats() pipeline.Stats
}

// Snapshot is a pipeline snapshot with per-second rates since the previous
// report.
type Snapshot struct {
	Time             time.Time `json:"time"`
	QueuedItems      int       `json:"queued_items"`
	QueueUtilization float64   `json:"queue_utilization"`
	DegradationLevel string    `json:"degradation_level"`
	AdmittedPoints   uint64    `json:"admitted_points"`
	AggregatedPoints uint64    `json:"aggregated_points"`
	DroppedByLimiter uint64    `json:"dropped_by_limiter"`
	ExportedPoints   uint64    `json:"exported_points"`
	ExportRate       float64   `json:"export_points_per_second"`
	SpilledBatches   uint64    `json:"spilled_batches"`
	DroppedPoints    uint64    `json:"dropped_points"`
	ReplayedItems    uint64    `json:"replayed_items"`
	DLQSegments      int       `json:"dlq_segments"`
	DLQDiskBytes     int64     `json:"dlq_disk_bytes"`
	DLQActiveEntries uint64    `json:"dlq_active_entries"`
	DLQWriterFailed  bool      `json:"dlq_writer_failed"`
}

// Reporter periodically logs snapshots.
type Reporter struct {
	src      Source
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last Snapshot
}

// NewReporter creates a reporter logging every interval.
func NewReporter(src Source, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{src: src, interval: interval, now: time.Now}
}

// Run logs a snapshot every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := r.Collect()
			log.Info("stats", logging.F(
				"queued_items", s.QueuedItems,
				"queue_utilization", s.QueueUtilization,
				"degradation_level", s.DegradationLevel,
				"exported_points", s.ExportedPoints,
				"export_points_per_second", s.ExportRate,
				"spilled_batches", s.SpilledBatches,
				"dropped_points", s.DroppedPoints,
				"replayed_items", s.ReplayedItems,
				"dlq_disk_bytes", s.DLQDiskBytes,
			))
		}
	}
}

// Collect takes a snapshot and computes rates against the previous one.
func (r *Reporter) Collect() Snapshot {
	st := r.src.Stats()
	s := Snapshot{
		Time:             r.now(),
		QueuedItems:      st.Queued,
		QueueUtilization: st.Utilization,
		DegradationLevel: st.Level.String(),
		AdmittedPoints:   st.Limiter.Admitted,
		AggregatedPoints: st.Limiter.Aggregated + st.Limiter.AggregatedLossy,
		DroppedByLimiter: st.Limiter.Dropped,
		ExportedPoints:   st.Export.ExportedPoints,
		SpilledBatches:   st.Export.SpilledBatches,
		DroppedPoints:    st.Export.DroppedPoints,
		ReplayedItems:    st.Replayed,
		DLQSegments:      st.DLQ.Segments,
		DLQDiskBytes:     st.DLQ.DiskBytes,
		DLQActiveEntries: st.DLQ.ActiveEntries,
		DLQWriterFailed:  st.DLQ.Failed,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.last.Time.IsZero() {
		if elapsed := s.Time.Sub(r.last.Time).Seconds(); elapsed > 0 && s.ExportedPoints >= r.last.ExportedPoints {
			s.ExportRate = float64(s.ExportedPoints-r.last.ExportedPoints) / elapsed
		}
	}
	r.last = s
	return s
}

// ServeHTTP returns the most recent snapshot, taking one if none exists.
func (r *Reporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	s := r.last
	r.mu.Unlock()
	if s.Time.IsZero() {
		s = r.Collect()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}
