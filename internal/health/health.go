// Package health serves the liveness and readiness endpoints.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status of a component or of the whole process.
type Status string

const (
	StatusUp Status = "up"
	// StatusDegraded components still serve but with reduced guarantees,
	// e.g. while the destination breaker is open and data goes to disk.
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

var componentStatus = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "telemetry_governor_component_status",
		Help: "Component health from the last readiness check: 1 up, 0.5 degraded, 0 down",
	},
	[]string{"component"},
)

func init() {
	prometheus.MustRegister(componentStatus)
}

func (s Status) value() float64 {
	switch s {
	case StatusUp:
		return 1
	case StatusDegraded:
		return 0.5
	}
	return 0
}

// ComponentCheck is the state of one component.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body of both endpoints.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil when the component is healthy.
type CheckFunc func() error

type check struct {
	name string
	fn   CheckFunc
	// soft checks degrade the response instead of failing it.
	soft bool
}

// Checker aggregates component checks.
type Checker struct {
	mu           sync.RWMutex
	checks       []check
	shuttingDown atomic.Bool
	now          func() time.Time
}

// New creates an empty Checker.
func New() *Checker {
	return &Checker{now: time.Now}
}

// RegisterReadiness adds a check whose failure makes /ready return 503.
func (c *Checker) RegisterReadiness(name string, fn CheckFunc) {
	c.register(check{name: name, fn: fn})
}

// RegisterDegradation adds a check whose failure is reported as degraded
// while /ready keeps returning 200.
func (c *Checker) RegisterDegradation(name string, fn CheckFunc) {
	c.register(check{name: name, fn: fn, soft: true})
}

func (c *Checker) register(ch check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.checks {
		if c.checks[i].name == ch.name {
			c.checks[i] = ch
			return
		}
	}
	c.checks = append(c.checks, ch)
	sort.Slice(c.checks, func(i, j int) bool { return c.checks[i].name < c.checks[j].name })
}

// SetShuttingDown makes both endpoints return 503 so load balancers stop
// routing here while the queue drains.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

func (c *Checker) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

func (c *Checker) shutdownResponse() Response {
	return Response{
		Status:     StatusDown,
		Timestamp:  c.timestamp(),
		Components: map[string]ComponentCheck{"process": {Status: StatusDown, Message: "shutting down"}},
	}
}

// LiveHandler serves /live. It only fails once shutdown has begun.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if c.shuttingDown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, c.shutdownResponse())
			return
		}
		writeJSON(w, http.StatusOK, Response{Status: StatusUp, Timestamp: c.timestamp()})
	}
}

// Evaluate runs every check and returns the aggregate.
func (c *Checker) Evaluate() Response {
	if c.shuttingDown.Load() {
		return c.shutdownResponse()
	}
	c.mu.RLock()
	checks := append([]check(nil), c.checks...)
	c.mu.RUnlock()

	resp := Response{Status: StatusUp, Timestamp: c.timestamp(), Components: make(map[string]ComponentCheck, len(checks))}
	for _, ch := range checks {
		cc := ComponentCheck{Status: StatusUp}
		if err := ch.fn(); err != nil {
			cc = ComponentCheck{Status: StatusDown, Message: err.Error()}
			if ch.soft {
				cc.Status = StatusDegraded
			}
		}
		componentStatus.WithLabelValues(ch.name).Set(cc.Status.value())
		resp.Components[ch.name] = cc
		switch {
		case cc.Status == StatusDown:
			resp.Status = StatusDown
		case cc.Status == StatusDegraded && resp.Status == StatusUp:
			resp.Status = StatusDegraded
		}
	}
	return resp
}

// ReadyHandler serves /ready: 503 when any hard check fails, 200 otherwise.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := c.Evaluate()
		code := http.StatusOK
		if resp.Status == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
