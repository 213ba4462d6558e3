// Package queue implements the adaptive priority queue: one bounded ring per
// priority class, drained by weighted round robin, spilling to the
// dead-letter queue when full.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/telemetry-governor/internal/logging"
	"github.com/szibis/telemetry-governor/internal/model"
)

var log = logging.Component("queue")

var (
	// ErrBackpressure means the queue and the spill path are both saturated.
	// Nothing was accepted; the caller must retry later.
	ErrBackpressure = errors.New("priority queue and spill path saturated")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("priority queue closed")
)

// SpillOverflow is the spill reason for arrivals at the overflow threshold.
const SpillOverflow = "overflow"

// Spiller accepts items the queue cannot hold. It must not block.
type Spiller interface {
	Spill(item model.QueueItem, reason string) error
}

// SpillFunc adapts a function to Spiller.
type SpillFunc func(item model.QueueItem, reason string) error

func (f SpillFunc) Spill(item model.QueueItem, reason string) error { return f(item, reason) }

// Config holds queue settings.
type Config struct {
	// Capacity is the total number of items across all classes.
	Capacity int
	// Shares splits Capacity between critical, high and normal.
	Shares [model.NumPriorities]float64
	// Weights is the number of dequeues per class in one round robin cycle.
	Weights [model.NumPriorities]int
	// OverflowThreshold is the fill ratio at which arrivals spill.
	OverflowThreshold float64
}

// DefaultConfig returns a 2000 item queue weighted 5:3:1.
func DefaultConfig() Config {
	return Config{
		Capacity:          2000,
		Shares:            [model.NumPriorities]float64{0.2, 0.3, 0.5},
		Weights:           [model.NumPriorities]int{5, 3, 1},
		OverflowThreshold: 0.95,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Capacity < model.NumPriorities {
		return fmt.Errorf("queue capacity must be at least %d, got %d", model.NumPriorities, c.Capacity)
	}
	sum := 0.0
	for i, s := range c.Shares {
		if s <= 0 {
			return fmt.Errorf("queue share for %s must be positive", model.Priority(i))
		}
		sum += s
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("queue shares must sum to 1, got %.3f", sum)
	}
	for i, w := range c.Weights {
		if w <= 0 {
			return fmt.Errorf("queue weight for %s must be positive", model.Priority(i))
		}
	}
	if c.OverflowThreshold <= 0 || c.OverflowThreshold > 1 {
		return fmt.Errorf("queue overflow threshold must be in (0,1], got %.2f", c.OverflowThreshold)
	}
	return nil
}

// APQ is the adaptive priority queue. Any number of goroutines may enqueue;
// one scheduler goroutine dequeues.
type APQ struct {
	mu       sync.Mutex
	rings    [model.NumPriorities]*Ring
	limits   [model.NumPriorities]int
	weights  [model.NumPriorities]int
	credits  [model.NumPriorities]int
	total    int
	capacity int
	limit    int
	live     int
	spill    Spiller
	closed   bool
	onLive   func()
	notify   chan struct{}
	done     chan struct{}
	dequeued atomic.Uint64
}

// New creates a queue. spill may be nil, in which case overflow returns
// ErrBackpressure.
func New(cfg Config, spill Spiller) (*APQ, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &APQ{
		weights:  cfg.Weights,
		capacity: cfg.Capacity,
		limit:    thresholdCount(cfg.Capacity, cfg.OverflowThreshold),
		spill:    spill,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	assigned := 0
	for i, share := range cfg.Shares {
		n := int(float64(cfg.Capacity) * share)
		if i == model.NumPriorities-1 {
			n = cfg.Capacity - assigned
		}
		if n < 1 {
			n = 1
		}
		assigned += n
		q.rings[i] = NewRing(n)
		q.limits[i] = thresholdCount(n, cfg.OverflowThreshold)
	}
	q.credits = q.weights
	return q, nil
}

// thresholdCount is the item count at which a ring of n counts as full.
func thresholdCount(n int, ratio float64) int {
	c := int(math.Ceil(float64(n) * ratio))
	if c < 1 {
		c = 1
	}
	if c > n {
		c = n
	}
	return c
}

// OnLiveEnqueue registers a callback run after every accepted non-replayed
// item. The replay governor uses it to interleave replay with live traffic.
func (q *APQ) OnLiveEnqueue(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onLive = fn
}

// Enqueue admits item into its class ring. When the ring or the queue as a
// whole is at its overflow threshold the arrival is spilled instead.
// ErrBackpressure means the spill failed too and nothing was accepted.
func (q *APQ) Enqueue(item model.QueueItem) error {
	if !item.Priority.Valid() {
		item.Priority = model.PriorityNormal
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	c := item.Priority

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.rings[c].Len() >= q.limits[c] || q.total >= q.limit {
		err := q.spillLocked(item, SpillOverflow)
		q.mu.Unlock()
		return err
	}
	q.pushLocked(item)
	onLive := q.onLive
	q.mu.Unlock()

	if onLive != nil && !item.Replayed {
		onLive()
	}
	return nil
}

// Offer admits item only if there is room below the thresholds. It never
// spills. Used for replayed items, which must not loop back to the DLQ.
func (q *APQ) Offer(item model.QueueItem) bool {
	if !item.Priority.Valid() {
		item.Priority = model.PriorityNormal
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	c := item.Priority
	if q.closed || q.rings[c].Len() >= q.limits[c] || q.total >= q.limit {
		return false
	}
	q.pushLocked(item)
	return true
}

func (q *APQ) pushLocked(item model.QueueItem) {
	c := item.Priority
	q.rings[c].PushBack(item)
	q.total++
	if !item.Replayed {
		q.live++
	}
	enqueuedTotal.WithLabelValues(c.String()).Inc()
	q.updateGaugesLocked(c)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *APQ) spillLocked(item model.QueueItem, reason string) error {
	if q.spill == nil {
		backpressureTotal.Inc()
		return ErrBackpressure
	}
	if err := q.spill.Spill(item, reason); err != nil {
		backpressureTotal.Inc()
		log.Debug("spill rejected", logging.F("class", item.Priority.String(), "error", err.Error()))
		return fmt.Errorf("%w: %v", ErrBackpressure, err)
	}
	spilledTotal.WithLabelValues(item.Priority.String(), reason).Inc()
	return nil
}

// next picks the following item by weighted round robin. Classes without
// items are skipped; a new cycle starts when no class with remaining
// credit holds items.
func (q *APQ) nextLocked() (model.QueueItem, bool) {
	if q.total == 0 {
		return model.QueueItem{}, false
	}
	for attempt := 0; attempt < 2; attempt++ {
		for c := range q.rings {
			if q.credits[c] > 0 && q.rings[c].Len() > 0 {
				q.credits[c]--
				item, _ := q.rings[c].PopFront()
				q.total--
				if !item.Replayed {
					q.live--
				}
				q.updateGaugesLocked(model.Priority(c))
				return item, true
			}
		}
		q.credits = q.weights
	}
	return model.QueueItem{}, false
}

// TryDequeue returns the next item without waiting.
func (q *APQ) TryDequeue() (model.QueueItem, bool) {
	q.mu.Lock()
	item, ok := q.nextLocked()
	q.mu.Unlock()
	if ok {
		q.dequeued.Add(1)
		dequeuedTotal.WithLabelValues(item.Priority.String()).Inc()
	}
	return item, ok
}

// Dequeue blocks until an item is available, ctx is done or the queue is
// closed and empty.
func (q *APQ) Dequeue(ctx context.Context) (model.QueueItem, error) {
	for {
		if item, ok := q.TryDequeue(); ok {
			return item, nil
		}
		select {
		case <-ctx.Done():
			return model.QueueItem{}, ctx.Err()
		case <-q.done:
			if item, ok := q.TryDequeue(); ok {
				return item, nil
			}
			return model.QueueItem{}, ErrClosed
		case <-q.notify:
		}
	}
}

// Close stops accepting items and wakes a blocked Dequeue.
func (q *APQ) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Drain removes and returns everything still queued, most important first.
func (q *APQ) Drain() []model.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.QueueItem, 0, q.total)
	for c, r := range q.rings {
		for {
			item, ok := r.PopFront()
			if !ok {
				break
			}
			out = append(out, item)
		}
		q.updateGaugesLocked(model.Priority(c))
	}
	q.total, q.live = 0, 0
	return out
}

func (q *APQ) updateGaugesLocked(c model.Priority) {
	r := q.rings[c]
	fillRatio.WithLabelValues(c.String()).Set(float64(r.Len()) / float64(r.Cap()))
	queueItems.WithLabelValues(c.String()).Set(float64(r.Len()))
}

// Len returns the total number of queued items.
func (q *APQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// LiveLen returns the number of queued items that did not come from replay.
func (q *APQ) LiveLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.live
}

// LenByClass returns per-class item counts.
func (q *APQ) LenByClass() [model.NumPriorities]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out [model.NumPriorities]int
	for c, r := range q.rings {
		out[c] = r.Len()
	}
	return out
}

// Capacity returns the total capacity.
func (q *APQ) Capacity() int { return q.capacity }

// Utilization returns queued items over capacity.
func (q *APQ) Utilization() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(q.total) / float64(q.capacity)
}

// AboveThreshold reports whether the queue as a whole is at its overflow threshold.
func (q *APQ) AboveThreshold() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total >= q.limit
}

// Dequeued returns the number of items handed out since creation.
func (q *APQ) Dequeued() uint64 { return q.dequeued.Load() }
