package cardinality

import (
	"fmt"
	"regexp"
	"time"

	"github.com/szibis/telemetry-governor/internal/model"
)

// Config holds the limiter settings.
type Config struct {
	// Capacity is the maximum number of distinct keysets admitted at once.
	Capacity int

	// IdleTimeout is how long an admitted keyset may go unseen before its slot
	// can be reclaimed.
	IdleTimeout time.Duration

	// SweepInterval is how often idle slots are reclaimed and the table is verified.
	SweepInterval time.Duration

	// AggregateThreshold and DropThreshold split the entropy score range:
	// below AggregateThreshold points are aggregated, between the two they are
	// aggregated and marked lossy, at or above DropThreshold they are dropped.
	AggregateThreshold float64
	DropThreshold      float64

	// OffendingSurprisal marks labels whose individual score reaches it as
	// dimensions to fold away during aggregation.
	OffendingSurprisal float64

	// DefaultDropLabels are always folded away when aggregating.
	DefaultDropLabels []string

	// Rules select the fold labels and function for matching metric names.
	Rules []AggregationRule

	// FlushInterval is how often aggregate groups are emitted.
	FlushInterval time.Duration

	// MaxGroups bounds the number of live aggregate groups.
	MaxGroups int

	// Signals lists the kinds the limiter applies to.
	Signals []model.SignalKind

	// ScorerMaxKeys bounds the number of label keys tracked by the entropy scorer.
	ScorerMaxKeys int

	// ScorerExpectedValues sizes the per-key Bloom filter.
	ScorerExpectedValues uint

	// ScorerWindow is how often scorer statistics are reset.
	ScorerWindow time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:             65536,
		IdleTimeout:          5 * time.Minute,
		SweepInterval:        30 * time.Second,
		AggregateThreshold:   0.75,
		DropThreshold:        0.90,
		OffendingSurprisal:   0.8,
		DefaultDropLabels:    []string{"instance", "pod", "k8s.pod.name", "host.name", "container.id", "service.instance.id"},
		FlushInterval:        30 * time.Second,
		MaxGroups:            10000,
		Signals:              []model.SignalKind{model.KindMetric},
		ScorerMaxKeys:        256,
		ScorerExpectedValues: 20000,
		ScorerWindow:         10 * time.Minute,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("cardinality capacity must be positive, got %d", c.Capacity)
	}
	if c.AggregateThreshold < 0 || c.DropThreshold > 1 || c.AggregateThreshold > c.DropThreshold {
		return fmt.Errorf("cardinality thresholds must satisfy 0 <= aggregate (%.2f) <= drop (%.2f) <= 1",
			c.AggregateThreshold, c.DropThreshold)
	}
	for i := range c.Rules {
		if err := c.Rules[i].compile(); err != nil {
			return err
		}
	}
	return nil
}

// AggFunc names the function used to combine folded points.
type AggFunc string

const (
	AggSum   AggFunc = "sum"
	AggAvg   AggFunc = "avg"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
	AggLast  AggFunc = "last"
	AggCount AggFunc = "count"
)

// AggregationRule describes how points of matching metrics are folded.
type AggregationRule struct {
	Name       string   `yaml:"name"`
	Metric     string   `yaml:"metric"`
	DropLabels []string `yaml:"drop_labels"`
	Function   AggFunc  `yaml:"function"`

	re   *regexp.Regexp
	drop map[string]struct{}
}

func (r *AggregationRule) compile() error {
	if r.Function == "" {
		r.Function = AggSum
	}
	switch r.Function {
	case AggSum, AggAvg, AggMin, AggMax, AggLast, AggCount:
	default:
		return fmt.Errorf("aggregation rule %q: unknown function %q", r.Name, r.Function)
	}
	if r.re == nil {
		pattern := r.Metric
		if pattern == "" {
			pattern = ".*"
		}
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return fmt.Errorf("aggregation rule %q: invalid metric pattern: %w", r.Name, err)
		}
		r.re = re
	}
	r.drop = make(map[string]struct{}, len(r.DropLabels))
	for _, l := range r.DropLabels {
		r.drop[l] = struct{}{}
	}
	return nil
}

// Matches reports whether the rule applies to a metric name.
func (r *AggregationRule) Matches(name string) bool {
	return r.re != nil && r.re.MatchString(name)
}
