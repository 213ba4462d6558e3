package degrade

import (
	"math"
	"runtime"
	"runtime/debug"

	"github.com/KimMachineGun/automemlimit/memlimit"
)

// MemorySampler reports heap usage relative to the memory limit.
type MemorySampler struct {
	limit uint64
}

// NewMemorySampler uses limit when positive, else GOMEMLIMIT, else the
// cgroup limit, else system memory.
func NewMemorySampler(limit int64) *MemorySampler {
	return &MemorySampler{limit: detectLimit(limit)}
}

func detectLimit(override int64) uint64 {
	if override > 0 {
		return uint64(override)
	}
	if l := debug.SetMemoryLimit(-1); l > 0 && l != math.MaxInt64 {
		return uint64(l)
	}
	provider := memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)
	if l, err := provider(); err == nil && l > 0 {
		return l
	}
	return 0
}

// Limit returns the detected limit in bytes, 0 if unknown.
func (s *MemorySampler) Limit() uint64 { return s.limit }

// Ratio returns heap in use divided by the limit, 0 when no limit is known.
func (s *MemorySampler) Ratio() float64 {
	if s.limit == 0 {
		return 0
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapInuse) / float64(s.limit)
}
