package dlq

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/szibis/telemetry-governor/internal/logging"
	"github.com/szibis/telemetry-governor/internal/model"
)

// Target receives replayed items. *queue.APQ implements it.
type Target interface {
	Offer(item model.QueueItem) bool
	AboveThreshold() bool
	LiveLen() int
}

// Health describes whether the destination can take replayed traffic.
type Health int

const (
	// HealthDown pauses replay.
	HealthDown Health = iota
	// HealthTrial lets a single item through so a trial call can happen.
	HealthTrial
	// HealthUp replays at the configured rate.
	HealthUp
)

const (
	offerBackoff = 10 * time.Millisecond
	maxCredits   = 1 << 16
)

// Governor is the single replay reader. It moves sealed segments back into
// the priority queue, oldest first, while the destination is healthy.
type Governor struct {
	d       *DLQ
	target  Target
	health  func() Health
	limiter *rate.Limiter
	burst   int
	ratio   int64
	poll    time.Duration

	credits  atomic.Int64
	replayed atomic.Uint64
	cursor   Cursor
}

// NewGovernor creates a replay governor. A nil health func means always up.
func NewGovernor(d *DLQ, target Target, health func() Health) *Governor {
	if health == nil {
		health = func() Health { return HealthUp }
	}
	return &Governor{
		d:       d,
		target:  target,
		health:  health,
		limiter: rate.NewLimiter(rate.Limit(d.cfg.ReplayBytesPerSecond), d.cfg.ReplayBurstBytes),
		burst:   d.cfg.ReplayBurstBytes,
		ratio:   int64(d.cfg.InterleaveRatio),
		poll:    d.cfg.ReplayPollInterval,
	}
}

// Credit grants replay credits for one live enqueue. Register it with
// APQ.OnLiveEnqueue.
func (g *Governor) Credit() {
	if n := g.credits.Add(g.ratio); n > maxCredits {
		g.credits.Store(maxCredits)
	}
}

// Replayed returns the number of items handed back to the target.
func (g *Governor) Replayed() uint64 { return g.replayed.Load() }

// Run replays until ctx is cancelled.
func (g *Governor) Run(ctx context.Context) error {
	c, err := loadCursor(g.d.cfg.Dir)
	switch {
	case err == nil:
		g.cursor = c
	case !os.IsNotExist(err):
		log.Warn("ignoring unreadable replay cursor", logging.F("error", err.Error()))
	}

	for ctx.Err() == nil {
		h := g.health()
		if h == HealthDown {
			sleepCtx(ctx, g.poll)
			continue
		}
		seg, ok := g.d.oldest()
		if !ok {
			if h == HealthUp && g.d.Stats().ActiveEntries > 0 && !g.d.Failed() {
				if err := g.d.Rotate(ctx); errors.Is(err, ErrClosed) {
					return nil
				}
				continue
			}
			sleepCtx(ctx, g.poll)
			continue
		}

		err := g.replaySegment(ctx, seg, h == HealthTrial)
		switch {
		case err == nil:
			if err := g.d.removeSegment(seg.ID); err != nil {
				log.Error("failed to remove replayed segment", logging.F("segment", seg.ID, "error", err.Error()))
				sleepCtx(ctx, g.poll)
				continue
			}
			log.Info("replayed segment", logging.F("segment", seg.ID, "entries", seg.Entries))
		case errors.Is(err, errTrialSent):
			sleepCtx(ctx, g.poll)
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrCorrupted):
			log.Error("segment failed verification, quarantined", logging.F("segment", seg.ID, "error", err.Error()))
			if err := g.d.quarantine(seg.ID); err != nil {
				log.Error("failed to quarantine segment", logging.F("segment", seg.ID, "error", err.Error()))
				sleepCtx(ctx, g.poll)
			}
		case os.IsNotExist(err):
			g.d.unindex(seg.ID)
		default:
			log.Error("segment replay failed", logging.F("segment", seg.ID, "error", err.Error()))
			sleepCtx(ctx, g.poll)
		}
	}
	return nil
}

var errTrialSent = errors.New("trial item sent")

// replaySegment delivers the records of seg from the cursor onwards. With
// trial set it stops after one item.
func (g *Governor) replaySegment(ctx context.Context, seg SegmentInfo, trial bool) error {
	if seg.ID < g.cursor.SegmentID {
		return nil
	}
	r, err := openSegment(seg.Path)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := r.Verify(); err != nil {
		return err
	}

	pos := Cursor{SegmentID: seg.ID, Offset: headerSize}
	if g.cursor.SegmentID == seg.ID && g.cursor.Offset >= headerSize {
		pos = g.cursor
	}
	for pos.Offset < r.end {
		recs, next, err := r.ReadBlock(pos.Offset)
		if err != nil {
			return err
		}
		for i := pos.Entry; i < len(recs); i++ {
			item, err := decodeRecord(recs[i])
			if err != nil {
				return err
			}
			if err := g.deliver(ctx, item, len(recs[i])); err != nil {
				g.persist(Cursor{SegmentID: seg.ID, Offset: pos.Offset, Entry: i})
				return err
			}
			if trial {
				if i+1 < len(recs) {
					g.persist(Cursor{SegmentID: seg.ID, Offset: pos.Offset, Entry: i + 1})
				} else {
					g.persist(Cursor{SegmentID: seg.ID, Offset: next})
				}
				if i+1 < len(recs) || next < r.end {
					return errTrialSent
				}
				return nil
			}
		}
		pos = Cursor{SegmentID: seg.ID, Offset: next}
		g.persist(pos)
	}
	return nil
}

func (g *Governor) persist(c Cursor) {
	g.cursor = c
	if err := saveCursor(g.d.cfg.Dir, c); err != nil {
		log.Error("failed to persist replay cursor", logging.F("error", err.Error()))
	}
}

// deliver waits for byte tokens and an interleave turn, then offers the
// item until the target accepts it.
func (g *Governor) deliver(ctx context.Context, item model.QueueItem, size int) error {
	for n := size; n > 0; {
		k := min(n, g.burst)
		if err := g.limiter.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	for {
		if !g.target.AboveThreshold() {
			if ok, credited := g.takeTurn(); ok {
				if g.target.Offer(item) {
					g.replayed.Add(1)
					replayedItems.Inc()
					replayedBytes.Add(float64(size))
					return nil
				}
				if credited {
					g.credits.Add(1)
				}
			}
		}
		if !sleepCtx(ctx, offerBackoff) {
			return ctx.Err()
		}
	}
}

// takeTurn consumes a replay credit. No credit is needed while no live
// items are waiting.
func (g *Governor) takeTurn() (ok, credited bool) {
	for {
		c := g.credits.Load()
		if c <= 0 {
			return g.target.LiveLen() == 0, false
		}
		if g.credits.CompareAndSwap(c, c-1) {
			return true, true
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
