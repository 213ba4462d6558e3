package cardinality

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/szibis/telemetry-governor/internal/model"
)

// aggregateGroup accumulates folded points sharing resource, name and labels.
type aggregateGroup struct {
	kind     model.SignalKind
	resource model.LabelSet
	scope    string
	name     string
	labels   model.LabelSet
	acc      accumulator
	lossy    bool
	count    int64
}

// Aggregator folds points the table cannot admit into coarser series and
// emits them periodically through the output callback.
type Aggregator struct {
	mu        sync.Mutex
	groups    map[uint64]*aggregateGroup
	maxGroups int
	rules     []AggregationRule
	drop      map[string]struct{}
	offending float64
	outputFn  func(*model.TelemetryBatch)
	overflow  atomic.Uint64
}

func newAggregator(cfg Config) (*Aggregator, error) {
	drop := make(map[string]struct{}, len(cfg.DefaultDropLabels))
	for _, l := range cfg.DefaultDropLabels {
		drop[l] = struct{}{}
	}
	rules := make([]AggregationRule, len(cfg.Rules))
	copy(rules, cfg.Rules)
	for i := range rules {
		if rules[i].re == nil || rules[i].drop == nil {
			if err := rules[i].compile(); err != nil {
				return nil, err
			}
		}
	}
	maxGroups := cfg.MaxGroups
	if maxGroups <= 0 {
		maxGroups = 10000
	}
	return &Aggregator{
		groups:    make(map[uint64]*aggregateGroup),
		maxGroups: maxGroups,
		rules:     rules,
		drop:      drop,
		offending: cfg.OffendingSurprisal,
	}, nil
}

// SetOutput sets the callback for re-injecting aggregated batches.
func (a *Aggregator) SetOutput(fn func(*model.TelemetryBatch)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outputFn = fn
}

func (a *Aggregator) ruleFor(name string) *AggregationRule {
	for i := range a.rules {
		if a.rules[i].Matches(name) {
			return &a.rules[i]
		}
	}
	return nil
}

// fold removes the offending dimensions of p: the rule's drop labels, the
// default drop labels and labels whose surprisal reached the threshold.
func (a *Aggregator) fold(p *model.DataPoint, perLabel []float64, rule *AggregationRule) model.LabelSet {
	var noisy []string
	for i, v := range perLabel {
		if i < len(p.Labels) && v >= a.offending {
			noisy = append(noisy, p.Labels[i].Key)
		}
	}
	return p.Labels.Without(func(key string) bool {
		if _, ok := a.drop[key]; ok {
			return true
		}
		if rule != nil {
			if _, ok := rule.drop[key]; ok {
				return true
			}
		}
		for _, k := range noisy {
			if k == key {
				return true
			}
		}
		return false
	})
}

// Add folds p. Numeric metric points are absorbed into a group and nil is
// returned. Other points are returned with folded labels for forwarding.
// ok is false when the group limit was hit and the point was discarded; the
// caller accounts for it as dropped.
func (a *Aggregator) Add(b *model.TelemetryBatch, p *model.DataPoint, perLabel []float64, lossy bool) (fwd *model.DataPoint, ok bool) {
	rule := a.ruleFor(p.Name)
	folded := a.fold(p, perLabel, rule)

	if b.Kind != model.KindMetric || !p.Numeric {
		out := *p
		out.Labels = folded
		out.Lossy = p.Lossy || lossy
		return &out, true
	}

	fn := AggSum
	if rule != nil {
		fn = rule.Function
	}
	key := groupKey(b, p.Name, folded)

	a.mu.Lock()
	defer a.mu.Unlock()
	g := a.groups[key]
	if g == nil {
		if len(a.groups) >= a.maxGroups {
			a.overflow.Add(1)
			aggregateOverflowTotal.Inc()
			return nil, false
		}
		g = &aggregateGroup{
			kind:     b.Kind,
			resource: b.Resource,
			scope:    b.Scope,
			name:     p.Name,
			labels:   folded,
			acc:      newAccumulator(fn),
		}
		a.groups[key] = g
	}
	g.acc.Add(p.Value)
	g.count++
	g.lossy = g.lossy || lossy || p.Lossy
	return nil, true
}

func groupKey(b *model.TelemetryBatch, name string, folded model.LabelSet) uint64 {
	d := xxhash.New()
	var hdr [17]byte
	hdr[0] = byte(b.Kind)
	binary.LittleEndian.PutUint64(hdr[1:9], b.Resource.Hash(b.Scope))
	binary.LittleEndian.PutUint64(hdr[9:17], folded.Hash(name))
	_, _ = d.Write(hdr[:])
	return d.Sum64()
}

// Overflow returns how many points were discarded at the group limit.
func (a *Aggregator) Overflow() uint64 { return a.overflow.Load() }

// Groups returns the number of live groups.
func (a *Aggregator) Groups() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

// Flush emits every group as synthesized points, one batch per
// (kind, resource, scope), and starts new groups.
func (a *Aggregator) Flush(now time.Time) []*model.TelemetryBatch {
	a.mu.Lock()
	groups := a.groups
	a.groups = make(map[uint64]*aggregateGroup, len(groups))
	out := a.outputFn
	a.mu.Unlock()

	if len(groups) == 0 {
		return nil
	}

	type batchKey struct {
		kind     model.SignalKind
		resource uint64
	}
	byResource := make(map[batchKey]*model.TelemetryBatch)
	var order []batchKey
	ts := now.UnixNano()
	for _, g := range groups {
		k := batchKey{g.kind, g.resource.Hash(g.scope)}
		b := byResource[k]
		if b == nil {
			b = &model.TelemetryBatch{
				Kind:       g.kind,
				Resource:   g.resource,
				Scope:      g.scope,
				Priority:   model.PriorityNormal,
				ReceivedAt: now,
			}
			byResource[k] = b
			order = append(order, k)
		}
		b.Points = append(b.Points, model.DataPoint{
			Name:         g.name,
			Labels:       g.labels,
			TimeUnixNano: ts,
			Value:        g.acc.Result(),
			Numeric:      true,
			Lossy:        g.lossy,
		})
	}

	batches := make([]*model.TelemetryBatch, 0, len(order))
	for _, k := range order {
		b := byResource[k]
		sort.Slice(b.Points, func(i, j int) bool {
			if b.Points[i].Name != b.Points[j].Name {
				return b.Points[i].Name < b.Points[j].Name
			}
			return b.Points[i].Labels.String() < b.Points[j].Labels.String()
		})
		batches = append(batches, b)
	}
	if out != nil {
		for _, b := range batches {
			out(b)
		}
	}
	return batches
}
