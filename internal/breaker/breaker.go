// Package breaker implements the per-destination circuit breaker that guards
// export calls.
package breaker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/telemetry-governor/internal/logging"
)

var log = logging.Component("breaker")

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds breaker thresholds.
type Config struct {
	// ConsecutiveFailures opens the breaker after this many failures in a row.
	ConsecutiveFailures int
	// FailureRate opens the breaker when the failure ratio over the last
	// Window outcomes reaches it, once at least MinRequests were recorded.
	FailureRate float64
	Window      int
	MinRequests int
	// ResetTimeout is how long the breaker stays open before allowing a trial.
	ResetTimeout time.Duration
}

// DefaultConfig returns 5 consecutive failures, 30% over 50 calls and 60s.
func DefaultConfig() Config {
	return Config{
		ConsecutiveFailures: 5,
		FailureRate:         0.30,
		Window:              50,
		MinRequests:         20,
		ResetTimeout:        60 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ConsecutiveFailures <= 0 {
		return fmt.Errorf("breaker consecutive failures must be positive, got %d", c.ConsecutiveFailures)
	}
	if c.FailureRate <= 0 || c.FailureRate > 1 {
		return fmt.Errorf("breaker failure rate must be in (0,1], got %.2f", c.FailureRate)
	}
	if c.Window <= 0 || c.MinRequests <= 0 || c.MinRequests > c.Window {
		return fmt.Errorf("breaker window (%d) and min requests (%d) must satisfy 0 < min <= window", c.Window, c.MinRequests)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("breaker reset timeout must be positive")
	}
	return nil
}

// Breaker is a closed/open/half-open state machine. Closed admits every
// call, Open rejects until ResetTimeout has passed, HalfOpen admits exactly
// one trial whose outcome decides the next state. Outcomes are reported on
// the Ticket returned by Allow; outcomes of calls admitted before the last
// transition are ignored.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	state atomic.Int32
	trial atomic.Bool

	mu          sync.Mutex
	generation  uint64
	outcomes    []bool // ring of recent outcomes, true = failure
	next        int
	filled      int
	failures    int
	consecutive int
	openedAt    time.Time

	onTransition func(name string, from, to State)
}

// New creates a closed breaker for destination name.
func New(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = def.FailureRate
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinRequests <= 0 || cfg.MinRequests > cfg.Window {
		cfg.MinRequests = min(def.MinRequests, cfg.Window)
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	b := &Breaker{
		name:     name,
		cfg:      cfg,
		now:      time.Now,
		outcomes: make([]bool, cfg.Window),
	}
	initMetrics(name)
	return b
}

// Name returns the destination name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. An open breaker whose timeout has
// elapsed still reports Open until the next Allow.
func (b *Breaker) State() State { return State(b.state.Load()) }

// SetTransitionCallback registers fn to run on every state change.
func (b *Breaker) SetTransitionCallback(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Ticket is the admission of one call. Report its outcome with Success or
// Failure, or Release it when the call never reached the destination.
type Ticket struct {
	b     *Breaker
	gen   uint64
	trial bool
}

// Trial reports whether the ticket is the half-open trial call.
func (t Ticket) Trial() bool { return t.trial }

// Success records that the call succeeded.
func (t Ticket) Success() { t.b.record(t, false) }

// Failure records that the call failed, timeouts included.
func (t Ticket) Failure() { t.b.record(t, true) }

// Release gives back a trial slot without an outcome.
func (t Ticket) Release() {
	if !t.trial {
		return
	}
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	if t.gen == t.b.generation && State(t.b.state.Load()) == StateHalfOpen {
		t.b.trial.Store(false)
	}
}

// Allow reports whether a call may proceed. In HalfOpen only the caller that
// wins the trial slot gets true.
func (b *Breaker) Allow() (Ticket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if State(b.state.Load()) == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transitionLocked(StateHalfOpen)
	}
	switch State(b.state.Load()) {
	case StateClosed:
		return Ticket{b: b, gen: b.generation}, true
	case StateHalfOpen:
		if b.trial.CompareAndSwap(false, true) {
			return Ticket{b: b, gen: b.generation, trial: true}, true
		}
	}
	rejectedTotal.WithLabelValues(b.name).Inc()
	return Ticket{}, false
}

// TrialDue reports whether the next Allow would admit a trial call.
func (b *Breaker) TrialDue() bool {
	switch State(b.state.Load()) {
	case StateOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout
	case StateHalfOpen:
		return !b.trial.Load()
	}
	return false
}

func (b *Breaker) record(t Ticket, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.gen != b.generation {
		return
	}
	switch State(b.state.Load()) {
	case StateHalfOpen:
		if !t.trial {
			return
		}
		if failed {
			b.consecutive++
			b.openedAt = b.now()
			b.transitionLocked(StateOpen)
			return
		}
		b.resetWindowLocked()
		b.transitionLocked(StateClosed)
	case StateClosed:
		b.recordClosedLocked(failed)
	}
}

// RecordSuccess records a success observed outside an admitted call. It
// only feeds the closed-state window and never ends a half-open trial.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if State(b.state.Load()) == StateClosed {
		b.recordClosedLocked(false)
	}
}

// RecordFailure records a failure observed outside an admitted call. It
// only feeds the closed-state window and never ends a half-open trial.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if State(b.state.Load()) == StateClosed {
		b.recordClosedLocked(true)
	}
}

func (b *Breaker) recordClosedLocked(failed bool) {
	if !failed {
		b.consecutive = 0
		b.pushLocked(false)
		return
	}
	b.consecutive++
	b.pushLocked(true)
	if b.consecutive >= b.cfg.ConsecutiveFailures || b.rateExceededLocked() {
		b.openedAt = b.now()
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) pushLocked(failed bool) {
	if b.filled == len(b.outcomes) {
		if b.outcomes[b.next] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.outcomes[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.outcomes)
}

func (b *Breaker) rateExceededLocked() bool {
	return b.filled >= b.cfg.MinRequests &&
		float64(b.failures)/float64(b.filled) >= b.cfg.FailureRate
}

func (b *Breaker) resetWindowLocked() {
	clear(b.outcomes)
	b.next, b.filled, b.failures, b.consecutive = 0, 0, 0, 0
}

func (b *Breaker) transitionLocked(to State) {
	from := State(b.state.Load())
	if from == to {
		return
	}
	b.generation++
	b.state.Store(int32(to))
	b.trial.Store(false)
	recordTransition(b.name, from, to)

	fields := logging.F("destination", b.name, "from", from.String(), "to", to.String())
	if to == StateOpen {
		fields["consecutive_failures"] = b.consecutive
		fields["reset_timeout"] = b.cfg.ResetTimeout.String()
		log.Warn("circuit breaker opened", fields)
	} else {
		log.Info("circuit breaker state changed", fields)
	}
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}

// Registry hands out one breaker per destination.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
	onChange func(name string, from, to State)
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// OnTransition registers fn on current and future breakers.
func (r *Registry) OnTransition(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
	for _, b := range r.breakers {
		b.SetTransitionCallback(fn)
	}
}

// Get returns the breaker for destination, creating it on first use.
func (r *Registry) Get(destination string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[destination]
	if !ok {
		b = New(destination, r.cfg)
		if r.onChange != nil {
			b.onTransition = r.onChange
		}
		r.breakers[destination] = b
	}
	return b
}

// AnyOpen reports whether some destination is not closed.
func (r *Registry) AnyOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		if b.State() != StateClosed {
			return true
		}
	}
	return false
}

// TrialDue reports whether every destination that is not closed is ready
// for a trial call.
func (r *Registry) TrialDue() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	due := false
	for _, b := range r.breakers {
		if b.State() == StateClosed {
			continue
		}
		if !b.TrialDue() {
			return false
		}
		due = true
	}
	return due
}
