// Package degrade watches memory and queue pressure and steps the pipeline
// through degradation levels: relaxed batching first, then head sampling.
package degrade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/szibis/telemetry-governor/internal/logging"
)

var log = logging.Component("degrade")

// Level is the degradation level.
type Level int

const (
	LevelNormal Level = iota
	// LevelRelaxed doubles batch sizes and flush intervals.
	LevelRelaxed
	// LevelSampling additionally samples data points before the limiter.
	LevelSampling
)

// MaxLevel is the highest level.
const MaxLevel = LevelSampling

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelRelaxed:
		return "relaxed"
	case LevelSampling:
		return "sampling"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Tuning is what subscribers apply for a level.
type Tuning struct {
	Level Level
	// BatchScale multiplies export batch sizes.
	BatchScale int
	// IntervalScale multiplies flush intervals and the client hint.
	IntervalScale int
	// SampleRate is the fraction of points kept; 1 keeps everything.
	SampleRate float64
}

// Config holds degradation thresholds.
type Config struct {
	Enabled         bool
	SampleInterval  time.Duration
	MemoryHighWater float64
	QueueHighWater  float64
	Hysteresis      float64
	EscalateAfter   int
	RecoverAfter    int
	// SampleRate applies at LevelSampling.
	SampleRate float64
	// MemoryLimit overrides limit detection when positive.
	MemoryLimit int64
}

// DefaultConfig returns 1s sampling with 0.75/0.70 marks.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		SampleInterval:  time.Second,
		MemoryHighWater: 0.75,
		QueueHighWater:  0.70,
		Hysteresis:      0.10,
		EscalateAfter:   3,
		RecoverAfter:    5,
		SampleRate:      0.5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MemoryHighWater <= 0 || c.MemoryHighWater > 1 {
		return fmt.Errorf("degradation memory high water must be in (0,1], got %.2f", c.MemoryHighWater)
	}
	if c.QueueHighWater <= 0 || c.QueueHighWater > 1 {
		return fmt.Errorf("degradation queue high water must be in (0,1], got %.2f", c.QueueHighWater)
	}
	if c.Hysteresis < 0 || c.Hysteresis >= c.MemoryHighWater || c.Hysteresis >= c.QueueHighWater {
		return fmt.Errorf("degradation hysteresis %.2f must be below both high water marks", c.Hysteresis)
	}
	if c.EscalateAfter <= 0 || c.RecoverAfter <= 0 {
		return fmt.Errorf("degradation escalate_after and recover_after must be positive")
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		return fmt.Errorf("degradation sample rate must be in (0,1], got %.2f", c.SampleRate)
	}
	return nil
}

// Manager samples pressure and moves between levels.
type Manager struct {
	cfg    Config
	memory func() float64
	queue  func() float64

	mu    sync.Mutex
	level Level
	above int
	below int
	subs  []func(Level, Tuning)
}

// New creates a manager. queue reports the queue utilization in [0,1];
// memory defaults to the heap in use over the detected memory limit.
func New(cfg Config, queue func() float64, memory func() float64) *Manager {
	def := DefaultConfig()
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = def.EscalateAfter
	}
	if cfg.RecoverAfter <= 0 {
		cfg.RecoverAfter = def.RecoverAfter
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.MemoryHighWater <= 0 {
		cfg.MemoryHighWater = def.MemoryHighWater
	}
	if cfg.QueueHighWater <= 0 {
		cfg.QueueHighWater = def.QueueHighWater
	}
	if memory == nil {
		memory = NewMemorySampler(cfg.MemoryLimit).Ratio
	}
	if queue == nil {
		queue = func() float64 { return 0 }
	}
	return &Manager{cfg: cfg, memory: memory, queue: queue}
}

// Subscribe registers fn for level changes. fn is called once immediately
// with the current tuning.
func (m *Manager) Subscribe(fn func(Level, Tuning)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	l := m.level
	m.mu.Unlock()
	fn(l, m.tuningFor(l))
}

// Level returns the current level.
func (m *Manager) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Tuning returns the tuning of the current level.
func (m *Manager) Tuning() Tuning {
	return m.tuningFor(m.Level())
}

func (m *Manager) tuningFor(l Level) Tuning {
	t := Tuning{Level: l, BatchScale: 1, IntervalScale: 1, SampleRate: 1}
	if l >= LevelRelaxed {
		t.BatchScale = 2
		t.IntervalScale = 2
	}
	if l >= LevelSampling {
		t.SampleRate = m.cfg.SampleRate
	}
	return t
}

// Run samples until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Observe(m.memory(), m.queue())
		}
	}
}

// Observe feeds one sample and returns the resulting level.
func (m *Manager) Observe(mem, queue float64) Level {
	memoryRatio.Set(mem)
	queuePressure.Set(queue)

	m.mu.Lock()
	hot := mem >= m.cfg.MemoryHighWater || queue >= m.cfg.QueueHighWater
	cool := mem < m.cfg.MemoryHighWater-m.cfg.Hysteresis && queue < m.cfg.QueueHighWater-m.cfg.Hysteresis
	switch {
	case hot:
		m.above++
		m.below = 0
	case cool:
		m.below++
		m.above = 0
	default:
		m.above, m.below = 0, 0
	}

	from := m.level
	to := from
	if m.above >= m.cfg.EscalateAfter && from < MaxLevel {
		to = from + 1
		m.above = 0
	} else if m.below >= m.cfg.RecoverAfter && from > LevelNormal {
		to = from - 1
		m.below = 0
	}
	if to == from {
		m.mu.Unlock()
		return from
	}
	m.level = to
	subs := append(([]func(Level, Tuning))(nil), m.subs...)
	m.mu.Unlock()

	levelGauge.Set(float64(to))
	direction := "up"
	if to < from {
		direction = "down"
	}
	transitionsTotal.WithLabelValues(direction).Inc()
	log.Warn("degradation level changed", logging.F(
		"from", from.String(),
		"to", to.String(),
		"memory_ratio", mem,
		"queue_ratio", queue,
	))

	t := m.tuningFor(to)
	for _, fn := range subs {
		fn(to, t)
	}
	return to
}
