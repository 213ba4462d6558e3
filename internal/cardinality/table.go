package cardinality

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

const (
	maxShards         = 64
	minShardCapacity  = 64
	reclaimScanLimit = 32
)

// record is one admitted keyset. hash 0 marks an empty slot.
type record struct {
	hash     uint64
	lastSeen int64
	uses     uint64
}

type shard struct {
	mu    sync.Mutex
	slots []record
	mask  uint64
	count int
	cap   int
}

// InsertResult reports what Insert did.
type InsertResult uint8

const (
	Inserted InsertResult = iota
	Exists
	Full
)

// Table is a fixed-size, sharded open-addressing set of keyset hashes.
// Len never exceeds Capacity.
type Table struct {
	shards    []shard
	shardBits uint
	capacity  int
	size      atomic.Int64
	evictions atomic.Uint64
}

// NewTable allocates a table for capacity keysets.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = 1
	}
	n := 1
	for n*2 <= maxShards && capacity/(n*2) >= minShardCapacity {
		n *= 2
	}
	t := &Table{
		shards:    make([]shard, n),
		shardBits: uint(bits.TrailingZeros(uint(n))),
		capacity:  capacity,
	}
	base, rem := capacity/n, capacity%n
	for i := range t.shards {
		c := base
		if i < rem {
			c++
		}
		slots := 1 << bits.Len(uint(2*c-1))
		t.shards[i] = shard{slots: make([]record, slots), mask: uint64(slots - 1), cap: c}
	}
	return t
}

// Capacity returns the configured maximum.
func (t *Table) Capacity() int { return t.capacity }

// Len returns the number of keysets held.
func (t *Table) Len() int { return int(t.size.Load()) }

// Shards returns the shard count.
func (t *Table) Shards() int { return len(t.shards) }

// Evictions returns the number of slots reclaimed since creation.
func (t *Table) Evictions() uint64 { return t.evictions.Load() }

func (t *Table) shardFor(h uint64) *shard {
	if t.shardBits == 0 {
		return &t.shards[0]
	}
	return &t.shards[h>>(64-t.shardBits)]
}

// find returns the slot holding h, or the empty slot where it would go.
func (s *shard) find(h uint64) (uint64, bool) {
	i := h & s.mask
	for {
		switch s.slots[i].hash {
		case h:
			return i, true
		case 0:
			return i, false
		}
		i = (i + 1) & s.mask
	}
}

// removeAt clears slot i with backward-shift deletion so collision chains stay intact.
func (s *shard) removeAt(i uint64) {
	j := i
	for {
		j = (j + 1) & s.mask
		if s.slots[j].hash == 0 {
			break
		}
		home := s.slots[j].hash & s.mask
		if i <= j {
			if i < home && home <= j {
				continue
			}
		} else if i < home || home <= j {
			continue
		}
		s.slots[i] = s.slots[j]
		i = j
	}
	s.slots[i] = record{}
	s.count--
}

// Lookup refreshes and reports the presence of h.
func (t *Table) Lookup(h uint64, now int64) bool {
	s := t.shardFor(h)
	s.mu.Lock()
	i, ok := s.find(h)
	if ok {
		s.slots[i].lastSeen = now
		s.slots[i].uses++
	}
	s.mu.Unlock()
	return ok
}

// Insert adds h unless its shard is full. When full, the least recently seen
// slot in h's collision neighbourhood is reclaimed if it has been idle longer
// than idle nanoseconds.
func (t *Table) Insert(h uint64, now, idle int64) InsertResult {
	s := t.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.find(h)
	if ok {
		s.slots[i].lastSeen = now
		s.slots[i].uses++
		return Exists
	}
	if s.count >= s.cap {
		if idle <= 0 || !t.reclaim(s, h, now, idle) {
			return Full
		}
		i, _ = s.find(h)
	}
	s.slots[i] = record{hash: h, lastSeen: now, uses: 1}
	s.count++
	t.size.Add(1)
	return Inserted
}

func (t *Table) reclaim(s *shard, h uint64, now, idle int64) bool {
	victim, oldest := uint64(0), now
	found := false
	i := h & s.mask
	for n := 0; n < reclaimScanLimit && n < len(s.slots); n++ {
		r := &s.slots[i]
		if r.hash != 0 && r.lastSeen < oldest {
			victim, oldest, found = i, r.lastSeen, true
		}
		i = (i + 1) & s.mask
	}
	if !found || now-oldest < idle {
		return false
	}
	s.removeAt(victim)
	t.size.Add(-1)
	t.evictions.Add(1)
	return true
}

// Sweep removes every keyset idle for longer than idle and returns the count.
func (t *Table) Sweep(now, idle int64) int {
	removed := 0
	for si := range t.shards {
		s := &t.shards[si]
		s.mu.Lock()
		for i := uint64(0); i < uint64(len(s.slots)); {
			r := &s.slots[i]
			if r.hash != 0 && now-r.lastSeen > idle {
				// removeAt may shift a later entry into i; look at it again
				s.removeAt(i)
				removed++
				continue
			}
			i++
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		t.size.Add(int64(-removed))
		t.evictions.Add(uint64(removed))
	}
	return removed
}

// Reset empties the table.
func (t *Table) Reset() {
	for si := range t.shards {
		s := &t.shards[si]
		s.mu.Lock()
		clear(s.slots)
		s.count = 0
		s.mu.Unlock()
	}
	t.size.Store(0)
}

// Verify recounts occupied slots and checks them against the bookkeeping.
func (t *Table) Verify() error {
	total := 0
	for si := range t.shards {
		s := &t.shards[si]
		s.mu.Lock()
		n := 0
		for i := range s.slots {
			if s.slots[i].hash != 0 {
				n++
			}
		}
		count, limit := s.count, s.cap
		s.mu.Unlock()
		if n != count {
			return fmt.Errorf("shard %d: %d occupied slots, bookkeeping says %d", si, n, count)
		}
		if n > limit {
			return fmt.Errorf("shard %d: %d entries exceed shard capacity %d", si, n, limit)
		}
		total += n
	}
	if total > t.capacity {
		return fmt.Errorf("%d entries exceed capacity %d", total, t.capacity)
	}
	return nil
}
