package exporter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/telemetry-governor/internal/breaker"
	"github.com/szibis/telemetry-governor/internal/dlq"
	"github.com/szibis/telemetry-governor/internal/logging"
	"github.com/szibis/telemetry-governor/internal/model"
)

var log = logging.Component("exporter")

// Source is where workers take items from. *queue.APQ implements it.
type Source interface {
	Dequeue(ctx context.Context) (model.QueueItem, error)
	TryDequeue() (model.QueueItem, bool)
}

// DeadLetter takes items the destination did not accept. *dlq.DLQ
// implements it.
type DeadLetter interface {
	SpillWait(ctx context.Context, item model.QueueItem, reason string) error
}

// DispatcherConfig holds export worker settings.
type DispatcherConfig struct {
	Workers int
	// ExportTimeout bounds a single export attempt.
	ExportTimeout time.Duration
	// MaxBatchPoints caps a coalesced batch at batch scale 1.
	MaxBatchPoints int
	// SpillTimeout bounds how long a worker waits for room in the
	// dead-letter queue before the item is dropped.
	SpillTimeout time.Duration
}

// DefaultDispatcherConfig returns four workers with a 10s export timeout.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{Workers: 4, ExportTimeout: 10 * time.Second, MaxBatchPoints: 1000, SpillTimeout: 30 * time.Second}
}

// Dispatcher runs the export workers. Each worker pulls the next item in
// weighted round robin order, checks the breaker, exports and spills
// retryable failures to the dead-letter queue.
type Dispatcher struct {
	cfg   DispatcherConfig
	src   Source
	exp   Exporter
	brk   *breaker.Breaker
	spill DeadLetter

	batchScale atomic.Int32
	exported   atomic.Uint64
	spilled    atomic.Uint64
	dropped    atomic.Uint64
}

// NewDispatcher wires the export path.
func NewDispatcher(cfg DispatcherConfig, src Source, exp Exporter, brk *breaker.Breaker, spill DeadLetter) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = def.ExportTimeout
	}
	if cfg.MaxBatchPoints <= 0 {
		cfg.MaxBatchPoints = def.MaxBatchPoints
	}
	if cfg.SpillTimeout <= 0 {
		cfg.SpillTimeout = def.SpillTimeout
	}
	d := &Dispatcher{cfg: cfg, src: src, exp: exp, brk: brk, spill: spill}
	d.batchScale.Store(1)
	return d
}

// SetBatchScale multiplies the coalescing limit. Scale 1 exports queue items
// as they are.
func (d *Dispatcher) SetBatchScale(scale int) {
	if scale < 1 {
		scale = 1
	}
	d.batchScale.Store(int32(scale))
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight export has finished.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	for ctx.Err() == nil {
		item, err := d.src.Dequeue(ctx)
		if err != nil {
			return
		}
		for _, it := range d.coalesce(item) {
			d.handle(ctx, it)
		}
	}
}

type coalesceKey struct {
	kind     model.SignalKind
	resource uint64
	scope    string
	priority model.Priority
}

func keyOf(it model.QueueItem) coalesceKey {
	return coalesceKey{
		kind:     it.Batch.Kind,
		resource: it.Batch.Resource.Hash(""),
		scope:    it.Batch.Scope,
		priority: it.Priority,
	}
}

// coalesce merges further queued items with the same destination shape
// while the batch scale is above 1.
func (d *Dispatcher) coalesce(first model.QueueItem) []model.QueueItem {
	scale := int(d.batchScale.Load())
	if scale <= 1 {
		return []model.QueueItem{first}
	}
	limit := d.cfg.MaxBatchPoints * scale
	points := first.Batch.Len()
	order := []coalesceKey{keyOf(first)}
	groups := map[coalesceKey][]model.QueueItem{order[0]: {first}}
	for points < limit {
		next, ok := d.src.TryDequeue()
		if !ok {
			break
		}
		k := keyOf(next)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], next)
		points += next.Batch.Len()
	}

	out := make([]model.QueueItem, 0, len(order))
	for _, k := range order {
		items := groups[k]
		if len(items) == 1 {
			out = append(out, items[0])
			continue
		}
		coalescedTotal.Add(float64(len(items) - 1))
		out = append(out, merge(items))
	}
	return out
}

func merge(items []model.QueueItem) model.QueueItem {
	n := 0
	for _, it := range items {
		n += it.Batch.Len()
	}
	head := items[0]
	points := make([]model.DataPoint, 0, n)
	enqueued := head.EnqueuedAt
	replayed := head.Replayed
	for _, it := range items {
		points = append(points, it.Batch.Points...)
		if it.EnqueuedAt.Before(enqueued) {
			enqueued = it.EnqueuedAt
		}
		replayed = replayed || it.Replayed
	}
	merged := head
	merged.Batch = head.Batch.CloneWith(points)
	merged.EnqueuedAt = enqueued
	merged.Replayed = replayed
	return merged
}

func (d *Dispatcher) handle(ctx context.Context, item model.QueueItem) {
	ticket, ok := d.brk.Allow()
	if !ok {
		d.toDLQ(ctx, item, dlq.SpillBreakerOpen)
		return
	}

	ectx, cancel := context.WithTimeout(ctx, d.cfg.ExportTimeout)
	err := d.exp.Export(ectx, item.Batch)
	cancel()
	if err == nil {
		ticket.Success()
		d.exported.Add(uint64(item.Batch.Len()))
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the export; this says nothing about the destination.
		ticket.Release()
		d.toDLQ(ctx, item, dlq.SpillShutdown)
		return
	}
	if IsRetryable(err) {
		ticket.Failure()
		log.Debug("export failed, spilling", logging.F("error", err.Error(), "points", item.Batch.Len()))
		d.toDLQ(ctx, item, dlq.SpillExportFailed)
		return
	}

	// The destination answered; it is reachable but rejected this batch.
	ticket.Success()
	d.dropped.Add(uint64(item.Batch.Len()))
	exportDroppedTotal.WithLabelValues(string(TypeOf(err))).Add(float64(item.Batch.Len()))
	log.Warn("export rejected, dropping batch", logging.F(
		"error", err.Error(),
		"signal", item.Batch.Kind.String(),
		"points", item.Batch.Len(),
	))
}

// toDLQ waits for the dead-letter queue to take item. The wait outlives
// ctx so that items in flight at shutdown are still handed off.
func (d *Dispatcher) toDLQ(ctx context.Context, item model.QueueItem, reason string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SpillTimeout)
	err := d.spill.SpillWait(sctx, item, reason)
	cancel()
	if err != nil {
		d.dropped.Add(uint64(item.Batch.Len()))
		exportDroppedTotal.WithLabelValues(dropSpillFailed).Add(float64(item.Batch.Len()))
		log.Error("dead-letter queue did not accept batch, dropping", logging.F(
			"error", err.Error(),
			"reason", reason,
			"signal", item.Batch.Kind.String(),
			"points", item.Batch.Len(),
		))
		return
	}
	d.spilled.Add(1)
	exportSpilledTotal.WithLabelValues(reason).Inc()
}

// Stats is a snapshot of worker outcomes.
type Stats struct {
	ExportedPoints uint64
	SpilledBatches uint64
	DroppedPoints  uint64
}

// Stats returns counters since start.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		ExportedPoints: d.exported.Load(),
		SpilledBatches: d.spilled.Load(),
		DroppedPoints:  d.dropped.Load(),
	}
}
