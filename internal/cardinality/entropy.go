package cardinality

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/axiomhq/hyperloglog"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"

	"github.com/szibis/telemetry-governor/internal/model"
)

const (
	cmsDepth = 4
	cmsWidth = 2048
)

// countMin is a count-min sketch of label value frequencies. Cells are
// atomic so observers of different keys never serialize on it.
type countMin struct {
	rows [cmsDepth][cmsWidth]atomic.Uint32
}

func (c *countMin) indexes(h uint64) [cmsDepth]uint32 {
	h1, h2 := uint32(h), uint32(h>>32)|1
	var idx [cmsDepth]uint32
	for i := range idx {
		idx[i] = (h1 + uint32(i)*h2) % cmsWidth
	}
	return idx
}

func (c *countMin) add(h uint64) {
	for i, j := range c.indexes(h) {
		if c.rows[i][j].Load() < math.MaxUint32 {
			c.rows[i][j].Add(1)
		}
	}
}

func (c *countMin) estimate(h uint64) uint32 {
	est := uint32(math.MaxUint32)
	for i, j := range c.indexes(h) {
		if v := c.rows[i][j].Load(); v < est {
			est = v
		}
	}
	return est
}

// keyStats holds the sketches of one label key. mu guards the sketches.
type keyStats struct {
	mu       sync.Mutex
	distinct *hyperloglog.Sketch
	seen     *bloom.BloomFilter
	total    atomic.Uint64
}

func (ks *keyStats) observe(value string) {
	ks.mu.Lock()
	ks.distinct.Insert([]byte(value))
	ks.seen.AddString(value)
	ks.mu.Unlock()
	ks.total.Add(1)
}

// EntropyScorer estimates how surprising a label combination is given the
// values observed so far. Scores are in [0,1]; 1 means every value is new.
//
// mu guards the key map and the sketch pointer only. Observations of
// existing keys run under the read lock and contend per key.
type EntropyScorer struct {
	mu             sync.RWMutex
	keys           map[string]*keyStats
	maxKeys        int
	expectedValues uint
	freq           *countMin
}

// NewEntropyScorer creates a scorer tracking at most maxKeys label keys.
func NewEntropyScorer(maxKeys int, expectedValues uint) *EntropyScorer {
	if maxKeys <= 0 {
		maxKeys = 256
	}
	if expectedValues == 0 {
		expectedValues = 20000
	}
	return &EntropyScorer{
		keys:           make(map[string]*keyStats),
		maxKeys:        maxKeys,
		expectedValues: expectedValues,
		freq:           &countMin{},
	}
}

func valueHash(key, value string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(key)
	_, _ = d.Write(sepKV)
	_, _ = d.WriteString(value)
	return d.Sum64()
}

var sepKV = []byte{0}

// Observe records one occurrence of every label in ls.
func (s *EntropyScorer) Observe(ls model.LabelSet) {
	var missing []model.Label
	s.mu.RLock()
	full := len(s.keys) >= s.maxKeys
	for _, l := range ls {
		ks := s.keys[l.Key]
		if ks == nil {
			if !full {
				missing = append(missing, l)
			}
			continue
		}
		ks.observe(l.Value)
		s.freq.add(valueHash(l.Key, l.Value))
	}
	s.mu.RUnlock()
	if len(missing) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range missing {
		ks := s.keys[l.Key]
		if ks == nil {
			if len(s.keys) >= s.maxKeys {
				continue
			}
			ks = &keyStats{
				distinct: hyperloglog.New14(),
				seen:     bloom.NewWithEstimates(s.expectedValues, 0.01),
			}
			s.keys[l.Key] = ks
		}
		ks.observe(l.Value)
		s.freq.add(valueHash(l.Key, l.Value))
	}
}

// Score returns the mean normalized surprisal of ls and the per-label values
// in label order. perLabel is appended to buf.
func (s *EntropyScorer) Score(ls model.LabelSet, buf []float64) (float64, []float64) {
	perLabel := buf[:0]
	if len(ls) == 0 {
		return 0, perLabel
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	for _, l := range ls {
		v := s.surprisal(l)
		perLabel = append(perLabel, v)
		sum += v
	}
	return sum / float64(len(ls)), perLabel
}

// surprisal is -log2(p)/log2(N+D+1) with p = (c+1)/(N+D+1), clipped to [0,1].
// Unknown keys and never-seen values score 1.
func (s *EntropyScorer) surprisal(l model.Label) float64 {
	ks := s.keys[l.Key]
	if ks == nil {
		return 1
	}
	total := float64(ks.total.Load())
	ks.mu.Lock()
	if total == 0 || !ks.seen.TestString(l.Value) {
		ks.mu.Unlock()
		return 1
	}
	d := float64(ks.distinct.Estimate())
	ks.mu.Unlock()

	denom := total + d + 1
	c := float64(s.freq.estimate(valueHash(l.Key, l.Value)))
	if c > total {
		c = total
	}
	p := (c + 1) / denom
	v := -math.Log2(p) / math.Log2(denom)
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Distinct returns the estimated number of values seen for key.
func (s *EntropyScorer) Distinct(key string) uint64 {
	s.mu.RLock()
	ks := s.keys[key]
	s.mu.RUnlock()
	if ks == nil {
		return 0
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.distinct.Estimate()
}

// Reset forgets all statistics.
func (s *EntropyScorer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string]*keyStats)
	s.freq = &countMin{}
}
