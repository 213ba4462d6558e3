// Package cardinality bounds the number of distinct label combinations that
// leave the pipeline. Points whose keyset cannot be admitted are aggregated
// into coarser series or dropped, depending on how surprising they are.
package cardinality

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/telemetry-governor/internal/logging"
	"github.com/szibis/telemetry-governor/internal/model"
)

var log = logging.Component("cardinality")

// Outcome is the decision for one data point.
type Outcome uint8

const (
	OutcomeAdmit Outcome = iota
	OutcomeAggregate
	OutcomeAggregateLossy
	OutcomeDrop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdmit:
		return "admitted"
	case OutcomeAggregate:
		return "aggregated"
	case OutcomeAggregateLossy:
		return "aggregated_lossy"
	case OutcomeDrop:
		return "dropped"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Decision is the limiter's verdict on a point.
type Decision struct {
	Outcome  Outcome
	Score    float64
	PerLabel []float64
}

// Counts is a snapshot of decisions taken since creation.
type Counts struct {
	Admitted        uint64
	Aggregated      uint64
	AggregatedLossy uint64
	Dropped         uint64
}

// Total returns the number of decided points.
func (c Counts) Total() uint64 {
	return c.Admitted + c.Aggregated + c.AggregatedLossy + c.Dropped
}

// Limiter decides admit, aggregate or drop for every point of the signal
// kinds it is configured for.
type Limiter struct {
	cfg        Config
	table      *Table
	scorer     *EntropyScorer
	agg        *Aggregator
	signals    [model.NumKinds]bool
	idle       int64
	counts     [4]atomic.Uint64
	flushEvery atomic.Int64

	// testHook, when set, runs inside the guarded decision path.
	testHook func()

	now     func() time.Time
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a limiter. Zero config fields fall back to DefaultConfig.
func New(cfg Config) (*Limiter, error) {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.AggregateThreshold == 0 && cfg.DropThreshold == 0 {
		cfg.AggregateThreshold, cfg.DropThreshold = def.AggregateThreshold, def.DropThreshold
	}
	if cfg.OffendingSurprisal <= 0 {
		cfg.OffendingSurprisal = def.OffendingSurprisal
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.ScorerWindow <= 0 {
		cfg.ScorerWindow = def.ScorerWindow
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = def.Signals
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	agg, err := newAggregator(cfg)
	if err != nil {
		return nil, err
	}
	l := &Limiter{
		cfg:    cfg,
		table:  NewTable(cfg.Capacity),
		scorer: NewEntropyScorer(cfg.ScorerMaxKeys, cfg.ScorerExpectedValues),
		agg:    agg,
		idle:   int64(cfg.IdleTimeout),
		now:    time.Now,
	}
	for _, k := range cfg.Signals {
		if k < model.NumKinds {
			l.signals[k] = true
		}
	}
	l.flushEvery.Store(int64(cfg.FlushInterval))
	tableCapacity.Set(float64(cfg.Capacity))
	return l, nil
}

// Table exposes the underlying keyset table.
func (l *Limiter) Table() *Table { return l.table }

// Aggregator exposes the aggregation stage.
func (l *Limiter) Aggregator() *Aggregator { return l.agg }

// SetOutput sets where flushed aggregate batches go.
func (l *Limiter) SetOutput(fn func(*model.TelemetryBatch)) { l.agg.SetOutput(fn) }

// SetFlushScale multiplies the base flush interval, used under degradation.
func (l *Limiter) SetFlushScale(scale int) {
	if scale < 1 {
		scale = 1
	}
	l.flushEvery.Store(int64(l.cfg.FlushInterval) * int64(scale))
}

// Applies reports whether the limiter governs kind.
func (l *Limiter) Applies(kind model.SignalKind) bool {
	return kind < model.NumKinds && l.signals[kind]
}

// Stats returns decision counts.
func (l *Limiter) Stats() Counts {
	return Counts{
		Admitted:        l.counts[OutcomeAdmit].Load(),
		Aggregated:      l.counts[OutcomeAggregate].Load(),
		AggregatedLossy: l.counts[OutcomeAggregateLossy].Load(),
		Dropped:         l.counts[OutcomeDrop].Load(),
	}
}

// Decide classifies one keyset of stream. It never fails: a panic inside
// the table resets it and admits the point.
func (l *Limiter) Decide(stream string, labels model.LabelSet) Decision {
	start := time.Now()
	d := l.decide(stream, labels)
	l.record(d.Outcome, start)
	return d
}

func (l *Limiter) record(o Outcome, start time.Time) {
	l.counts[o].Add(1)
	decisionsTotal.WithLabelValues(o.String()).Inc()
	decisionDuration.Observe(time.Since(start).Seconds())
}

func (l *Limiter) decide(stream string, labels model.LabelSet) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			l.table.Reset()
			resetsTotal.WithLabelValues("panic").Inc()
			log.Error("cardinality decision panicked, table reset", logging.F("panic", fmt.Sprint(r)))
			d = Decision{Outcome: OutcomeAdmit}
		}
	}()

	if l.testHook != nil {
		l.testHook()
	}

	now := l.now().UnixNano()
	h := labels.Hash(stream)
	if l.table.Lookup(h, now) {
		l.scorer.Observe(labels)
		return Decision{Outcome: OutcomeAdmit}
	}
	if l.table.Insert(h, now, l.idle) != Full {
		l.scorer.Observe(labels)
		return Decision{Outcome: OutcomeAdmit}
	}

	score, perLabel := l.scorer.Score(labels, make([]float64, 0, len(labels)))
	l.scorer.Observe(labels)
	d = Decision{Score: score, PerLabel: perLabel}
	switch {
	case score >= l.cfg.DropThreshold:
		d.Outcome = OutcomeDrop
	case score >= l.cfg.AggregateThreshold:
		d.Outcome = OutcomeAggregateLossy
	default:
		d.Outcome = OutcomeAggregate
	}
	return d
}

// Process applies Decide to every point of b and returns the points to
// forward, in order. Aggregated metric points are absorbed until the next
// flush; a point refused at the group limit is counted as dropped. Batches
// of other kinds pass through untouched.
func (l *Limiter) Process(b *model.TelemetryBatch) *model.TelemetryBatch {
	if b == nil || !l.Applies(b.Kind) {
		return b
	}
	prefix := b.Kind.String() + "\x00" + b.Resource.String() + "\x00"
	kept := b.Points[:0]
	for i := range b.Points {
		p := b.Points[i]
		start := time.Now()
		d := l.decide(prefix+p.Name, p.Labels)
		outcome := d.Outcome
		switch d.Outcome {
		case OutcomeAdmit:
			kept = append(kept, p)
		case OutcomeAggregate, OutcomeAggregateLossy:
			fwd, ok := l.agg.Add(b, &p, d.PerLabel, d.Outcome == OutcomeAggregateLossy)
			if fwd != nil {
				kept = append(kept, *fwd)
			}
			if !ok {
				outcome = OutcomeDrop
				log.Debug("aggregation group limit reached, point dropped", logging.F("metric", p.Name))
			}
		}
		l.record(outcome, start)
	}
	clear(b.Points[len(kept):])
	b.Points = kept
	return b
}

// Start launches the sweep and flush loops.
func (l *Limiter) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(2)
	go l.sweepLoop(ctx)
	go l.flushLoop(ctx)
}

// Stop halts background loops and flushes pending aggregates.
func (l *Limiter) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	l.cancel()
	l.mu.Unlock()
	l.wg.Wait()
	l.agg.Flush(l.now())
	aggregateGroups.Set(0)
}

func (l *Limiter) sweepLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	lastScorerReset := l.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := l.now()
			l.Maintain(now)
			if now.Sub(lastScorerReset) >= l.cfg.ScorerWindow {
				l.scorer.Reset()
				lastScorerReset = now
			}
		}
	}
}

// Maintain reclaims idle keysets and verifies table integrity, resetting it
// when the bookkeeping is inconsistent.
func (l *Limiter) Maintain(now time.Time) {
	if l.idle > 0 {
		if n := l.table.Sweep(now.UnixNano(), l.idle); n > 0 {
			evictionsTotal.Add(float64(n))
		}
	}
	if err := l.table.Verify(); err != nil {
		l.table.Reset()
		resetsTotal.WithLabelValues("verify").Inc()
		log.Error("cardinality table corrupted, reset", logging.F("error", err.Error()))
	}
	keysInUse.Set(float64(l.table.Len()))
	aggregateGroups.Set(float64(l.agg.Groups()))
}

func (l *Limiter) flushLoop(ctx context.Context) {
	defer l.wg.Done()
	timer := time.NewTimer(time.Duration(l.flushEvery.Load()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if batches := l.agg.Flush(l.now()); len(batches) > 0 {
				log.Debug("flushed aggregates", logging.F("batches", len(batches)))
			}
			aggregateGroups.Set(0)
			keysInUse.Set(float64(l.table.Len()))
			timer.Reset(time.Duration(l.flushEvery.Load()))
		}
	}
}
