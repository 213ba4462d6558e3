package cardinality

import (
	"math/rand"
	"sync"
	"testing"
)

func TestNewTable_ShardLayout(t *testing.T) {
	tests := []struct {
		capacity int
		shards   int
	}{
		{1, 1},
		{100, 1},
		{128, 2},
		{4096, 64},
		{65536, 64},
	}
	for _, tt := range tests {
		tbl := NewTable(tt.capacity)
		if tbl.Shards() != tt.shards {
			t.Errorf("capacity %d: shards = %d, want %d", tt.capacity, tbl.Shards(), tt.shards)
		}
		sum := 0
		for i := range tbl.shards {
			s := &tbl.shards[i]
			sum += s.cap
			if len(s.slots) < 2*s.cap || len(s.slots)&(len(s.slots)-1) != 0 {
				t.Errorf("capacity %d: shard %d has %d slots for cap %d", tt.capacity, i, len(s.slots), s.cap)
			}
		}
		if sum != tt.capacity {
			t.Errorf("capacity %d: shard caps sum to %d", tt.capacity, sum)
		}
	}
}

func TestTable_NeverExceedsCapacity(t *testing.T) {
	tbl := NewTable(100)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		h := rng.Uint64() | 1
		tbl.Insert(h, int64(i), 0)
		if tbl.Len() > tbl.Capacity() {
			t.Fatalf("after %d inserts Len = %d > Capacity %d", i+1, tbl.Len(), tbl.Capacity())
		}
	}
	if tbl.Len() != 100 {
		t.Errorf("Len = %d, want 100", tbl.Len())
	}
	if err := tbl.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestTable_IdempotentInsert(t *testing.T) {
	tbl := NewTable(10)
	if got := tbl.Insert(42, 1, 0); got != Inserted {
		t.Fatalf("first insert = %v, want Inserted", got)
	}
	for i := 0; i < 5; i++ {
		if got := tbl.Insert(42, int64(2+i), 0); got != Exists {
			t.Fatalf("repeat insert = %v, want Exists", got)
		}
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d, want 1", tbl.Len())
	}
	if !tbl.Lookup(42, 10) {
		t.Error("Lookup(42) = false")
	}
}

func TestTable_ReclaimsIdleSlotWhenFull(t *testing.T) {
	tbl := NewTable(4)
	for h := uint64(1); h <= 4; h++ {
		tbl.Insert(h, 100, 50)
	}
	tbl.Lookup(1, 200)
	tbl.Lookup(2, 200)
	tbl.Lookup(3, 200)

	// 4 has been idle for 100 > 50
	if got := tbl.Insert(99, 200, 50); got != Inserted {
		t.Fatalf("insert into full table with idle slot = %v, want Inserted", got)
	}
	if tbl.Lookup(4, 200) {
		t.Error("idle keyset 4 still present")
	}
	if tbl.Len() != 4 {
		t.Errorf("Len = %d, want 4", tbl.Len())
	}
	if got := tbl.Insert(100, 201, 50); got != Full {
		t.Errorf("insert with no idle slot = %v, want Full", got)
	}
	if tbl.Evictions() != 1 {
		t.Errorf("Evictions = %d, want 1", tbl.Evictions())
	}
}

func TestTable_SweepKeepsCollisionChainsIntact(t *testing.T) {
	tbl := NewTable(64)
	rng := rand.New(rand.NewSource(7))
	live := make(map[uint64]bool)
	// Force collisions within the single shard by sharing low bits.
	for len(live) < 64 {
		h := (rng.Uint64() << 4) | 3
		if tbl.Insert(h, int64(len(live)), 0) == Inserted {
			live[h] = len(live)%2 == 0
		}
	}
	// Refresh every other keyset, then sweep the rest.
	for h, keep := range live {
		if keep {
			tbl.Lookup(h, 1000)
		}
	}
	removed := tbl.Sweep(1000, 500)
	if removed != 32 {
		t.Fatalf("Sweep removed %d, want 32", removed)
	}
	for h, keep := range live {
		if got := tbl.Lookup(h, 1001); got != keep {
			t.Errorf("Lookup(%x) = %v, want %v", h, got, keep)
		}
	}
	if err := tbl.Verify(); err != nil {
		t.Fatalf("Verify after sweep: %v", err)
	}
}

func TestTable_RandomOpsMatchModel(t *testing.T) {
	tbl := NewTable(256)
	model := make(map[uint64]int64)
	rng := rand.New(rand.NewSource(42))
	for step := int64(1); step <= 20000; step++ {
		h := uint64(rng.Intn(1024)) + 1
		switch rng.Intn(10) {
		case 0:
			removed := tbl.Sweep(step, 300)
			n := 0
			for k, seen := range model {
				if step-seen > 300 {
					delete(model, k)
					n++
				}
			}
			if n != removed {
				t.Fatalf("step %d: Sweep removed %d, model %d", step, removed, n)
			}
		default:
			res := tbl.Insert(h, step, 0)
			_, had := model[h]
			switch {
			case had && res != Exists:
				t.Fatalf("step %d: insert of present key = %v", step, res)
			case !had && res == Exists:
				t.Fatalf("step %d: insert of absent key reported Exists", step)
			}
			if res != Full {
				model[h] = step
			}
		}
		if tbl.Len() != len(model) {
			t.Fatalf("step %d: Len = %d, model %d", step, tbl.Len(), len(model))
		}
	}
	if err := tbl.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestTable_ConcurrentInsert(t *testing.T) {
	tbl := NewTable(4096)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 5000; i++ {
				tbl.Insert(rng.Uint64()|1, int64(i), 0)
			}
		}(int64(g))
	}
	wg.Wait()
	if tbl.Len() > tbl.Capacity() {
		t.Fatalf("Len = %d > Capacity %d", tbl.Len(), tbl.Capacity())
	}
	if err := tbl.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestTable_Reset(t *testing.T) {
	tbl := NewTable(8)
	for h := uint64(1); h <= 8; h++ {
		tbl.Insert(h, 1, 0)
	}
	tbl.Reset()
	if tbl.Len() != 0 || tbl.Lookup(1, 2) {
		t.Fatal("Reset left entries behind")
	}
	if got := tbl.Insert(1, 3, 0); got != Inserted {
		t.Errorf("insert after reset = %v", got)
	}
}

func TestTable_VerifyDetectsCorruption(t *testing.T) {
	tbl := NewTable(8)
	tbl.Insert(5, 1, 0)
	tbl.shards[0].count = 3
	if err := tbl.Verify(); err == nil {
		t.Fatal("Verify accepted a bookkeeping mismatch")
	}
}
