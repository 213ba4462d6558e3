// Package classify assigns each data point one of the priority classes and
// splits batches by class.
package classify

import (
	"fmt"

	"github.com/szibis/telemetry-governor/internal/model"
)

// Config holds classifier settings.
type Config struct {
	Rules     []Rule `yaml:"rules"`
	CacheSize int    `yaml:"cache_size"`
}

// DefaultConfig returns the built-in rules and a 10k entry cache.
func DefaultConfig() Config {
	return Config{Rules: DefaultRules(), CacheSize: 10000}
}

// Classifier evaluates rules in order; the first match wins and unmatched
// points are normal priority.
type Classifier struct {
	rules []compiledRule
	cache *resultCache
}

// New compiles rules. Any invalid rule fails the whole set.
func New(cfg Config) (*Classifier, error) {
	c := &Classifier{cache: newResultCache(cfg.CacheSize)}
	for i, r := range cfg.Rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("classifier rule %d: %w", i, err)
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// PriorityOf returns the class for one stream of a resource.
func (c *Classifier) PriorityOf(kind model.SignalKind, name string, resource model.LabelSet, resourceHash uint64) model.Priority {
	key := cacheKey{kind: kind, resource: resourceHash, name: name}
	if p, ok := c.cache.get(key); ok {
		return p
	}
	p := model.PriorityNormal
	for i := range c.rules {
		if c.rules[i].matches(kind, name, resource) {
			p = c.rules[i].priority
			break
		}
	}
	c.cache.put(key, p)
	return p
}

// Classify splits b into one batch per priority class, most important first.
// Point order within a class is preserved. When every point shares a class,
// b itself is returned with its priority set.
func (c *Classifier) Classify(b *model.TelemetryBatch) []*model.TelemetryBatch {
	if b == nil || len(b.Points) == 0 {
		return nil
	}
	resHash := b.Resource.Hash(b.Scope)
	prios := make([]model.Priority, len(b.Points))
	var seen [model.NumPriorities]int
	for i := range b.Points {
		p := c.PriorityOf(b.Kind, b.Points[i].Name, b.Resource, resHash)
		prios[i] = p
		seen[p]++
	}
	for _, p := range model.Priorities {
		if seen[p] == len(b.Points) {
			b.Priority = p
			classifiedTotal.WithLabelValues(p.String()).Add(float64(len(b.Points)))
			return []*model.TelemetryBatch{b}
		}
	}

	out := make([]*model.TelemetryBatch, 0, model.NumPriorities)
	for _, p := range model.Priorities {
		if seen[p] == 0 {
			continue
		}
		points := make([]model.DataPoint, 0, seen[p])
		for i := range b.Points {
			if prios[i] == p {
				points = append(points, b.Points[i])
			}
		}
		sub := b.CloneWith(points)
		sub.Priority = p
		out = append(out, sub)
		classifiedTotal.WithLabelValues(p.String()).Add(float64(len(points)))
	}
	return out
}

// CacheStats returns hits, misses and current size of the result cache.
func (c *Classifier) CacheStats() (hits, misses int64, size int) {
	if c.cache == nil {
		return 0, 0, 0
	}
	return c.cache.hits.Load(), c.cache.misses.Load(), c.cache.size()
}
