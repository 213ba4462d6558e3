// Package dlq implements the enhanced dead-letter queue: batches that could
// not be delivered are group-committed to checksummed, zstd-compressed
// segment files and replayed into the priority queue once the destination
// recovers.
package dlq

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/telemetry-governor/internal/logging"
	"github.com/szibis/telemetry-governor/internal/model"
)

var log = logging.Component("dlq")

var (
	// ErrSaturated means the writer's hand-off channel is full.
	ErrSaturated = errors.New("dlq: writer saturated")
	// ErrBudgetExceeded means accepting the item would exceed max_bytes.
	ErrBudgetExceeded = errors.New("dlq: disk budget exceeded")
	// ErrWriterFailed is returned by every spill after a durability error.
	ErrWriterFailed = errors.New("dlq: writer failed")
	// ErrCorrupted marks a segment that failed integrity checks.
	ErrCorrupted = errors.New("dlq: segment corrupted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dlq: closed")
)

const quarantineDir = "quarantine"

type spillReq struct {
	item   model.QueueItem
	reason string
	size   int64
	at     time.Time
	done   chan error
}

func (r *spillReq) reply(err error) {
	if r.done != nil {
		r.done <- err
	}
}

type activeSegment struct {
	f      *os.File
	path   string
	hdr    header
	digest hash.Hash
	opened time.Time
}

// DLQ owns the segment directory. A single writer goroutine appends spilled
// items; a Governor reads sealed segments back.
type DLQ struct {
	cfg Config
	now func() time.Time

	reqs     chan spillReq
	rotateCh chan chan error
	stop     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	failed       atomic.Bool
	pendingBytes atomic.Int64
	used         atomic.Int64

	// active is owned by the writer goroutine.
	active *activeSegment

	mu            sync.Mutex
	sealed        []SegmentInfo
	activeBytes   int64
	activeEntries uint64
	nextID        uint64
}

// Open recovers the segment directory and starts the writer and janitor.
func Open(cfg Config) (*DLQ, error) {
	return open(cfg, time.Now)
}

func open(cfg Config, now func() time.Time) (*DLQ, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, quarantineDir), 0o755); err != nil {
		return nil, fmt.Errorf("create dlq dir: %w", err)
	}

	d := &DLQ{
		cfg:      cfg,
		now:      now,
		reqs:     make(chan spillReq, cfg.PendingItems),
		rotateCh: make(chan chan error),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := d.recover(); err != nil {
		return nil, err
	}
	if c, err := loadCursor(cfg.Dir); err == nil && c.SegmentID >= d.nextID {
		d.nextID = c.SegmentID + 1
	}
	writerFailed.Set(0)
	diskAvailable.Set(float64(availableDiskSpace(cfg.Dir)))

	go d.run()
	d.wg.Add(1)
	go d.janitor()
	return d, nil
}

// recover indexes sealed segments and seals any left open by a crash.
func (d *DLQ) recover() error {
	ids, err := listSegments(d.cfg.Dir, d.cfg.Prefix)
	if err != nil {
		return fmt.Errorf("list dlq segments: %w", err)
	}
	for _, id := range ids {
		path := filepath.Join(d.cfg.Dir, segmentName(d.cfg.Prefix, id))
		if id >= d.nextID {
			d.nextID = id + 1
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open segment %d: %w", id, err)
		}
		h, err := readHeader(f)
		f.Close()
		if err != nil {
			log.Warn("segment header unreadable, quarantining", logging.F("segment", id, "error", err.Error()))
			if err := d.moveToQuarantine(path); err != nil {
				return err
			}
			continue
		}
		if h.sealed() {
			d.sealed = append(d.sealed, infoFromHeader(path, h))
			continue
		}
		info, ok, err := recoverSegment(path, h)
		if err != nil {
			return fmt.Errorf("recover segment %d: %w", id, err)
		}
		if !ok {
			log.Info("removed empty unsealed segment", logging.F("segment", id))
			continue
		}
		recoveredTotal.Inc()
		log.Warn("recovered unsealed segment", logging.F("segment", id, "entries", info.Entries, "payload_bytes", info.PayloadBytes))
		d.sealed = append(d.sealed, info)
	}
	if len(ids) > 0 {
		if err := syncDir(d.cfg.Dir); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.updateUsageLocked()
	d.mu.Unlock()
	if len(d.sealed) > 0 {
		log.Info("dead-letter queue opened with backlog", logging.F("segments", len(d.sealed), "disk_bytes", d.used.Load()))
	}
	return nil
}

// Spill hands an item to the writer without blocking. It implements
// queue.Spiller and returns ErrSaturated when the hand-off channel is full.
func (d *DLQ) Spill(item model.QueueItem, reason string) error {
	return d.submit(nil, spillReq{item: item, reason: reason})
}

// SpillWait hands an item to the writer, waiting for room in the hand-off
// channel until ctx ends. It does not wait for the commit.
func (d *DLQ) SpillWait(ctx context.Context, item model.QueueItem, reason string) error {
	return d.submit(ctx, spillReq{item: item, reason: reason})
}

// SpillSync is SpillWait followed by waiting until the item's block is
// durable. If ctx ends after the hand-off the item may still be committed.
func (d *DLQ) SpillSync(ctx context.Context, item model.QueueItem, reason string) error {
	done := make(chan error, 1)
	if err := d.submit(ctx, spillReq{item: item, reason: reason, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit reserves budget and hands r to the writer. A nil ctx never blocks.
// The writer keeps draining the channel until Close, which cannot proceed
// while a submit holds closeMu, so a waiting send always makes progress.
func (d *DLQ) submit(ctx context.Context, r spillReq) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		rejectedItems.WithLabelValues(rejectClosed).Inc()
		return ErrClosed
	}
	if d.failed.Load() {
		rejectedItems.WithLabelValues(rejectFailed).Inc()
		return ErrWriterFailed
	}
	r.size = int64(r.item.Batch.SizeBytes())
	r.at = d.now()
	if d.used.Load()+d.pendingBytes.Add(r.size) > d.cfg.MaxBytes {
		d.pendingBytes.Add(-r.size)
		rejectedItems.WithLabelValues(rejectBudget).Inc()
		return ErrBudgetExceeded
	}
	if ctx == nil {
		select {
		case d.reqs <- r:
			return nil
		default:
			d.pendingBytes.Add(-r.size)
			rejectedItems.WithLabelValues(rejectSaturated).Inc()
			return ErrSaturated
		}
	}
	select {
	case d.reqs <- r:
		return nil
	case <-ctx.Done():
		d.pendingBytes.Add(-r.size)
		rejectedItems.WithLabelValues(rejectSaturated).Inc()
		return fmt.Errorf("%w: %w", ErrSaturated, ctx.Err())
	}
}

// Rotate commits pending items and seals the active segment.
func (d *DLQ) Rotate(ctx context.Context) error {
	d.closeMu.RLock()
	if d.closed {
		d.closeMu.RUnlock()
		return ErrClosed
	}
	ack := make(chan error, 1)
	select {
	case d.rotateCh <- ack:
	case <-ctx.Done():
		d.closeMu.RUnlock()
		return ctx.Err()
	}
	d.closeMu.RUnlock()
	select {
	case err := <-ack:
		return err
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close commits everything already accepted, seals the active segment and
// stops background work.
func (d *DLQ) Close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	d.closeMu.Unlock()

	close(d.stop)
	<-d.done
	d.wg.Wait()
	if d.failed.Load() {
		return ErrWriterFailed
	}
	return nil
}

// Failed reports whether the writer stopped after a durability error.
func (d *DLQ) Failed() bool { return d.failed.Load() }

// Dir returns the segment directory.
func (d *DLQ) Dir() string { return d.cfg.Dir }

func (d *DLQ) run() {
	defer close(d.done)

	tick := d.cfg.SegmentMaxAge / 4
	if tick > time.Second {
		tick = time.Second
	}
	ageTicker := time.NewTicker(tick)
	defer ageTicker.Stop()

	var (
		group      []spillReq
		groupBytes int64
		timer      *time.Timer
		timerC     <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		d.commit(group)
		group = group[:0]
		groupBytes = 0
	}

	for {
		select {
		case r := <-d.reqs:
			group = append(group, r)
			groupBytes += r.size
			if groupBytes >= int64(d.cfg.GroupMaxBytes) {
				flush()
			} else if timer == nil {
				timer = time.NewTimer(d.cfg.CommitInterval)
				timerC = timer.C
			}
		case <-timerC:
			timer, timerC = nil, nil
			flush()
		case ack := <-d.rotateCh:
			group = d.drainInto(group)
			flush()
			ack <- d.seal()
		case <-ageTicker.C:
			if d.active != nil && d.now().Sub(d.active.opened) >= d.cfg.SegmentMaxAge {
				flush()
				_ = d.seal()
			}
		case <-d.stop:
			group = d.drainInto(group)
			flush()
			_ = d.seal()
			return
		}
	}
}

// drainInto appends every request already handed off.
func (d *DLQ) drainInto(group []spillReq) []spillReq {
	for {
		select {
		case r := <-d.reqs:
			group = append(group, r)
		default:
			return group
		}
	}
}

// commit writes one block for the group and fsyncs it. Replies are sent
// only after the fsync returns.
func (d *DLQ) commit(group []spillReq) {
	if len(group) == 0 {
		return
	}
	var reserved int64
	for i := range group {
		reserved += group[i].size
	}
	defer d.pendingBytes.Add(-reserved)

	if d.failed.Load() {
		for i := range group {
			group[i].reply(ErrWriterFailed)
		}
		return
	}

	raw := make([]byte, 0, reserved)
	accepted := group[:0:0]
	for i := range group {
		next, err := encodeRecord(raw, group[i].item, group[i].reason, group[i].at)
		if err != nil {
			log.Error("dropping unencodable item", logging.F("error", err.Error()))
			group[i].reply(err)
			continue
		}
		raw = next
		accepted = append(accepted, group[i])
	}
	if len(accepted) == 0 {
		return
	}

	if err := d.writeBlock(raw, len(accepted)); err != nil {
		d.fail(err)
		for i := range accepted {
			accepted[i].reply(ErrWriterFailed)
		}
		return
	}
	for i := range accepted {
		spilledItems.WithLabelValues(accepted[i].reason).Inc()
		accepted[i].reply(nil)
	}
	if headerSize+int64(d.active.hdr.PayloadBytes) >= d.cfg.SegmentMaxBytes {
		_ = d.seal()
	}
}

func (d *DLQ) writeBlock(raw []byte, entries int) error {
	if err := d.ensureActive(); err != nil {
		return err
	}
	a := d.active
	block := appendBlock(nil, raw)
	if _, err := a.f.Write(block); err != nil {
		return fmt.Errorf("write block to %s: %w", a.path, err)
	}
	start := time.Now()
	if err := a.f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", a.path, err)
	}
	fsyncDuration.Observe(time.Since(start).Seconds())

	a.digest.Write(block)
	a.hdr.Entries += uint64(entries)
	a.hdr.PayloadBytes += uint64(len(block))
	a.hdr.UncompressedBytes += uint64(len(raw))

	d.mu.Lock()
	d.activeBytes = headerSize + int64(a.hdr.PayloadBytes)
	d.activeEntries = a.hdr.Entries
	d.updateUsageLocked()
	d.mu.Unlock()
	return nil
}

func (d *DLQ) ensureActive() error {
	if d.active != nil {
		return nil
	}
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.mu.Unlock()

	path := filepath.Join(d.cfg.Dir, segmentName(d.cfg.Prefix, id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	now := d.now()
	h := header{Version: segmentVersion, ID: id, Created: now.UnixNano()}
	if _, err := f.Write(h.marshal()); err != nil {
		f.Close()
		return fmt.Errorf("write segment header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync segment header: %w", err)
	}
	if err := syncDir(d.cfg.Dir); err != nil {
		f.Close()
		return fmt.Errorf("fsync dlq dir: %w", err)
	}
	d.active = &activeSegment{f: f, path: path, hdr: h, digest: sha256.New(), opened: now}
	log.Debug("opened segment", logging.F("segment", id))
	return nil
}

// seal finalizes the active segment header and publishes it to the index.
func (d *DLQ) seal() error {
	a := d.active
	if a == nil {
		return nil
	}
	d.active = nil

	if a.hdr.Entries == 0 {
		a.f.Close()
		d.mu.Lock()
		d.activeBytes, d.activeEntries = 0, 0
		d.updateUsageLocked()
		d.mu.Unlock()
		return os.Remove(a.path)
	}

	a.hdr.Flags |= flagSealed
	a.hdr.SealedAt = d.now().UnixNano()
	copy(a.hdr.Digest[:], a.digest.Sum(nil))
	err := func() error {
		defer a.f.Close()
		if _, err := a.f.WriteAt(a.hdr.marshal(), 0); err != nil {
			return fmt.Errorf("seal %s: %w", a.path, err)
		}
		if err := a.f.Sync(); err != nil {
			return fmt.Errorf("fsync %s: %w", a.path, err)
		}
		return nil
	}()
	if err == nil {
		err = syncDir(d.cfg.Dir)
	}
	if err != nil {
		d.fail(err)
		return err
	}

	info := infoFromHeader(a.path, a.hdr)
	d.mu.Lock()
	d.sealed = append(d.sealed, info)
	d.activeBytes, d.activeEntries = 0, 0
	d.updateUsageLocked()
	d.mu.Unlock()
	log.Info("sealed segment", logging.F("segment", info.ID, "entries", info.Entries, "payload_bytes", info.PayloadBytes))
	return nil
}

func (d *DLQ) fail(err error) {
	if a := d.active; a != nil {
		a.f.Close()
		d.active = nil
	}
	if !d.failed.CompareAndSwap(false, true) {
		return
	}
	writerFailed.Set(1)
	if isDiskFullError(err) {
		diskFullTotal.Inc()
	}
	log.Error("dead-letter queue writer failed, spills are rejected until restart", logging.F(
		"dir", d.cfg.Dir,
		"error", err.Error(),
		"disk_full", isDiskFullError(err),
	))
}

// updateUsageLocked recomputes disk usage and the index gauges. d.mu must be held.
func (d *DLQ) updateUsageLocked() {
	used := d.activeBytes
	var backlog uint64
	for _, s := range d.sealed {
		used += s.FileBytes()
		backlog += s.UncompressedBytes
	}
	d.used.Store(used)
	diskBytes.Set(float64(used))
	diskUtilization.Set(float64(used) / float64(d.cfg.MaxBytes))
	segmentsGauge.Set(float64(len(d.sealed)))
	replayBacklog.Set(float64(backlog))
	if len(d.sealed) > 0 {
		oldestSegmentAge.Set(d.now().Sub(d.sealed[0].Created).Seconds())
	} else {
		oldestSegmentAge.Set(0)
	}
}

// Segments returns the sealed segments, oldest first.
func (d *DLQ) Segments() []SegmentInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SegmentInfo, len(d.sealed))
	copy(out, d.sealed)
	return out
}

// Stats summarises the queue for health checks and logs.
type Stats struct {
	Segments      int
	DiskBytes     int64
	ActiveEntries uint64
	Failed        bool
}

// Stats returns a snapshot.
func (d *DLQ) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Segments:      len(d.sealed),
		DiskBytes:     d.used.Load(),
		ActiveEntries: d.activeEntries,
		Failed:        d.failed.Load(),
	}
}

func (d *DLQ) oldest() (SegmentInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sealed) == 0 {
		return SegmentInfo{}, false
	}
	return d.sealed[0], true
}

// unindex removes a segment from the index and returns it.
func (d *DLQ) unindex(id uint64) (SegmentInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.sealed {
		if s.ID == id {
			d.sealed = append(d.sealed[:i], d.sealed[i+1:]...)
			d.updateUsageLocked()
			return s, true
		}
	}
	return SegmentInfo{}, false
}

// removeSegment deletes a fully replayed segment.
func (d *DLQ) removeSegment(id uint64) error {
	s, ok := d.unindex(id)
	if !ok {
		return nil
	}
	if err := removeFile(s.Path); err != nil {
		return fmt.Errorf("remove segment %d: %w", id, err)
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// quarantine moves a segment that failed verification out of the replay path.
func (d *DLQ) quarantine(id uint64) error {
	s, ok := d.unindex(id)
	if !ok {
		return nil
	}
	quarantinedTotal.Inc()
	return d.moveToQuarantine(s.Path)
}

func (d *DLQ) moveToQuarantine(path string) error {
	dst := filepath.Join(d.cfg.Dir, quarantineDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("quarantine %s: %w", path, err)
	}
	return syncDir(d.cfg.Dir)
}

// VerifySegment checks the header checksum and payload digest of a sealed
// segment file.
func VerifySegment(path string) error {
	r, err := openSegment(path)
	if err != nil {
		return err
	}
	defer r.Close()
	return r.Verify()
}
