// Package pipeline wires the processing core: sampling, cardinality
// limiting, classification, the priority queue, export workers, the
// dead-letter queue and its replay governor.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szibis/telemetry-governor/internal/breaker"
	"github.com/szibis/telemetry-governor/internal/cardinality"
	"github.com/szibis/telemetry-governor/internal/classify"
	"github.com/szibis/telemetry-governor/internal/degrade"
	"github.com/szibis/telemetry-governor/internal/dlq"
	"github.com/szibis/telemetry-governor/internal/exporter"
	"github.com/szibis/telemetry-governor/internal/logging"
	"github.com/szibis/telemetry-governor/internal/model"
	"github.com/szibis/telemetry-governor/internal/queue"
)

var log = logging.Component("pipeline")

// ErrStopped is returned by Ingest once shutdown has begun.
var ErrStopped = errors.New("pipeline stopped")

// Transform is an optional hook run on every batch before sampling, e.g. a
// masking plugin. Returning nil discards the batch.
type Transform func(*model.TelemetryBatch) *model.TelemetryBatch

// Config groups the settings of every stage.
type Config struct {
	// Destination names the export target's circuit breaker.
	Destination string
	Cardinality cardinality.Config
	Classifier  classify.Config
	Queue       queue.Config
	Breaker     breaker.Config
	Dispatcher  exporter.DispatcherConfig
	DLQ         dlq.Config
	Degradation degrade.Config
	// ShutdownTimeout bounds moving queued items to the DLQ on stop.
	ShutdownTimeout time.Duration
	Transform       Transform
}

// Pipeline owns every processing stage.
type Pipeline struct {
	cfg Config

	limiter    *cardinality.Limiter
	classifier *classify.Classifier
	queue      *queue.APQ
	dlq        *dlq.DLQ
	breakers   *breaker.Registry
	dispatcher *exporter.Dispatcher
	governor   *dlq.Governor
	degrade    *degrade.Manager
	sampler    *degrade.Sampler

	nextID        atomic.Uint64
	intervalScale atomic.Int32
	stopping      atomic.Bool
	stopOnce      sync.Once
}

// New builds the pipeline around exp. The DLQ directory is opened and
// recovered here.
func New(cfg Config, exp exporter.Exporter) (*Pipeline, error) {
	if cfg.Destination == "" {
		cfg.Destination = "default"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	limiter, err := cardinality.New(cfg.Cardinality)
	if err != nil {
		return nil, fmt.Errorf("cardinality limiter: %w", err)
	}
	classifier, err := classify.New(cfg.Classifier)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	d, err := dlq.Open(cfg.DLQ)
	if err != nil {
		return nil, fmt.Errorf("dead-letter queue: %w", err)
	}
	q, err := queue.New(cfg.Queue, d)
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("queue: %w", err)
	}

	p := &Pipeline{
		cfg:        cfg,
		limiter:    limiter,
		classifier: classifier,
		queue:      q,
		dlq:        d,
		breakers:   breaker.NewRegistry(cfg.Breaker),
	}
	p.intervalScale.Store(1)
	p.breakers.OnTransition(func(name string, from, to breaker.State) {
		log.Warn("circuit breaker state changed", logging.F("destination", name, "from", from.String(), "to", to.String()))
	})
	p.dispatcher = exporter.NewDispatcher(cfg.Dispatcher, q, exp, p.breakers.Get(cfg.Destination), d)
	p.governor = dlq.NewGovernor(d, q, p.replayHealth)
	q.OnLiveEnqueue(p.governor.Credit)

	p.degrade = degrade.New(cfg.Degradation, q.Utilization, nil)
	p.sampler = degrade.NewSampler(p.degrade)
	p.degrade.Subscribe(func(_ degrade.Level, t degrade.Tuning) {
		p.dispatcher.SetBatchScale(t.BatchScale)
		p.limiter.SetFlushScale(t.IntervalScale)
		p.intervalScale.Store(int32(t.IntervalScale))
	})

	limiter.SetOutput(func(b *model.TelemetryBatch) {
		if err := p.enqueue(b); err != nil {
			log.Warn("failed to enqueue aggregated batch", logging.F("error", err.Error(), "points", b.Len()))
		}
	})
	return p, nil
}

// replayHealth maps breaker state to replay pacing: full speed when every
// destination is closed, one trial item when an open breaker is ready for
// its trial, paused otherwise.
func (p *Pipeline) replayHealth() dlq.Health {
	switch {
	case !p.breakers.AnyOpen():
		return dlq.HealthUp
	case p.breakers.TrialDue():
		return dlq.HealthTrial
	}
	return dlq.HealthDown
}

// Ingest runs b through sampling, the cardinality limiter and the
// classifier, then enqueues one item per priority class. An error wrapping
// queue.ErrBackpressure means the queue and the DLQ are both saturated.
func (p *Pipeline) Ingest(b *model.TelemetryBatch) error {
	if p.stopping.Load() {
		return ErrStopped
	}
	if b.Len() == 0 {
		return nil
	}
	b.ID = p.nextID.Add(1)
	if b.ReceivedAt.IsZero() {
		b.ReceivedAt = time.Now()
	}

	if p.cfg.Transform != nil {
		done := Track(StageTransform)
		b = p.cfg.Transform(b)
		done()
		if b.Len() == 0 {
			return nil
		}
	}

	if b = p.sampler.Apply(b); b == nil {
		return nil
	}
	RecordPoints(StageSample, b.Len())

	start := time.Now()
	b = p.limiter.Process(b)
	Record(StageCardinality, time.Since(start))
	RecordPoints(StageCardinality, b.Len())
	if b.Len() == 0 {
		return nil
	}
	return p.enqueue(b)
}

func (p *Pipeline) enqueue(b *model.TelemetryBatch) error {
	start := time.Now()
	parts := p.classifier.Classify(b)
	Record(StageClassify, time.Since(start))

	now := time.Now()
	var errs []error
	for _, part := range parts {
		if err := p.queue.Enqueue(model.NewQueueItem(part, now)); err != nil {
			errs = append(errs, err)
			continue
		}
		RecordPoints(StageEnqueue, part.Len())
	}
	Record(StageEnqueue, time.Since(now))
	return errors.Join(errs...)
}

// Run starts the background stages and blocks until ctx is cancelled. On
// return every queued item has been handed to the DLQ and the DLQ is closed.
func (p *Pipeline) Run(ctx context.Context) error {
	p.limiter.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return p.governor.Run(gctx)
	})
	g.Go(func() error {
		p.degrade.Run(gctx)
		return nil
	})
	err := g.Wait()
	if stopErr := p.stop(); err == nil {
		err = stopErr
	}
	return err
}

// stop flushes aggregates into the queue, then moves everything queued to
// the DLQ and closes it. Close commits and seals whatever was handed off.
func (p *Pipeline) stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.limiter.Stop()
		p.stopping.Store(true)
		p.queue.Close()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
		defer cancel()
		items := p.queue.Drain()
		lost := 0
		for _, it := range items {
			if serr := p.dlq.SpillWait(ctx, it, dlq.SpillShutdown); serr != nil {
				lost += it.Batch.Len()
			}
		}
		if lost > 0 {
			log.Error("points lost while draining queue on shutdown", logging.F("points", lost, "items", len(items)))
		} else if len(items) > 0 {
			log.Info("queued items moved to dead-letter queue", logging.F("items", len(items)))
		}
		err = p.dlq.Close()
	})
	return err
}

// IntervalScale is the client flush-interval multiplier for the current
// degradation level.
func (p *Pipeline) IntervalScale() int { return int(p.intervalScale.Load()) }

// Ready reports whether the pipeline can accept data durably.
func (p *Pipeline) Ready() error {
	if p.stopping.Load() {
		return ErrStopped
	}
	if p.dlq.Failed() {
		return dlq.ErrWriterFailed
	}
	return nil
}

// Degraded describes conditions that leave the pipeline serving with reduced
// guarantees. It returns nil when everything is nominal.
func (p *Pipeline) Degraded() error {
	if p.breakers.AnyOpen() {
		return fmt.Errorf("destination %s circuit breaker is %s", p.cfg.Destination, p.breakers.Get(p.cfg.Destination).State())
	}
	if l := p.degrade.Level(); l != degrade.LevelNormal {
		return fmt.Errorf("degradation level %s", l)
	}
	return nil
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Queued      int
	Utilization float64
	Limiter     cardinality.Counts
	Export      exporter.Stats
	DLQ         dlq.Stats
	Replayed    uint64
	Level       degrade.Level
}

// Stats returns a snapshot of every stage.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Queued:      p.queue.Len(),
		Utilization: p.queue.Utilization(),
		Limiter:     p.limiter.Stats(),
		Export:      p.dispatcher.Stats(),
		DLQ:         p.dlq.Stats(),
		Replayed:    p.governor.Replayed(),
		Level:       p.degrade.Level(),
	}
}

// Degradation exposes the degradation manager.
func (p *Pipeline) Degradation() *degrade.Manager { return p.degrade }
