package degrade

import (
	"sync"

	"github.com/szibis/telemetry-governor/internal/model"
)

// Sampler thins batches at LevelSampling. Selection is systematic: with rate
// r, one point is kept every time the running sum of r crosses an integer,
// so the kept fraction is exact over any run of points.
type Sampler struct {
	mgr *Manager

	mu  sync.Mutex
	acc float64
}

// NewSampler returns a sampler driven by mgr's tuning.
func NewSampler(mgr *Manager) *Sampler {
	return &Sampler{mgr: mgr}
}

// Apply returns b unchanged below LevelSampling, otherwise a batch holding
// the sampled points. It returns nil when no point is kept.
func (s *Sampler) Apply(b *model.TelemetryBatch) *model.TelemetryBatch {
	t := s.mgr.Tuning()
	if t.SampleRate >= 1 || b.Len() == 0 {
		return b
	}
	kept := make([]model.DataPoint, 0, int(float64(b.Len())*t.SampleRate)+1)
	s.mu.Lock()
	for i := range b.Points {
		s.acc += t.SampleRate
		if s.acc >= 1 {
			s.acc--
			kept = append(kept, b.Points[i])
		}
	}
	s.mu.Unlock()

	if dropped := b.Len() - len(kept); dropped > 0 {
		sampledOutTotal.WithLabelValues(b.Kind.String()).Add(float64(dropped))
	}
	if len(kept) == 0 {
		return nil
	}
	return b.CloneWith(kept)
}
