// Package relabel applies Prometheus-style relabeling rules to data point
// labels. A Relabeler plugs into the pipeline as its Transform hook.
package relabel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/telemetry-governor/internal/model"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_relabel_operations_total",
		Help: "Relabel rule applications by action",
	}, []string{"action"})

	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_relabel_dropped_total",
		Help: "Data points dropped by keep or drop rules",
	}, []string{"signal"})
)

func init() {
	prometheus.MustRegister(opsTotal, droppedTotal)
}

// Action defines what a rule does.
type Action string

const (
	ActionReplace   Action = "replace"
	ActionKeep      Action = "keep"
	ActionDrop      Action = "drop"
	ActionLabelMap  Action = "labelmap"
	ActionLabelDrop Action = "labeldrop"
	ActionLabelKeep Action = "labelkeep"
	ActionHashMod   Action = "hashmod"
)

// Pseudo labels readable through source_labels. They never reach the output.
const (
	NameLabel   = "__name__"
	SignalLabel = "__signal__"
)

// Rule is one relabeling step.
type Rule struct {
	SourceLabels []string `yaml:"source_labels"`
	Separator    string   `yaml:"separator,omitempty"`
	Regex        string   `yaml:"regex,omitempty"`
	TargetLabel  string   `yaml:"target_label,omitempty"`
	Replacement  string   `yaml:"replacement,omitempty"`
	Action       Action   `yaml:"action"`
	Modulus      uint64   `yaml:"modulus,omitempty"`

	re  *regexp.Regexp
	ops prometheus.Counter
}

// Relabeler applies rules in order. The first keep or drop that rejects a
// point stops evaluation.
type Relabeler struct {
	rules []Rule
}

// New compiles rules with Prometheus defaults: separator ";", regex "(.*)",
// replacement "$1", action replace.
func New(rules []Rule) (*Relabeler, error) {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		if r.Separator == "" {
			r.Separator = ";"
		}
		if r.Regex == "" {
			r.Regex = "(.*)"
		}
		if r.Replacement == "" {
			r.Replacement = "$1"
		}
		if r.Action == "" {
			r.Action = ActionReplace
		}
		switch r.Action {
		case ActionReplace, ActionHashMod:
			if r.TargetLabel == "" {
				return nil, fmt.Errorf("relabel rule %d: %s requires target_label", i, r.Action)
			}
			if r.Action == ActionHashMod && r.Modulus == 0 {
				return nil, fmt.Errorf("relabel rule %d: hashmod requires a positive modulus", i)
			}
		case ActionKeep, ActionDrop:
			if len(r.SourceLabels) == 0 {
				return nil, fmt.Errorf("relabel rule %d: %s requires source_labels", i, r.Action)
			}
		case ActionLabelMap, ActionLabelDrop, ActionLabelKeep:
		default:
			return nil, fmt.Errorf("relabel rule %d: unknown action %q", i, r.Action)
		}
		re, err := regexp.Compile("^(?:" + r.Regex + ")$")
		if err != nil {
			return nil, fmt.Errorf("relabel rule %d: invalid regex %q: %w", i, r.Regex, err)
		}
		r.re = re
		r.ops = opsTotal.WithLabelValues(string(r.Action))
		out[i] = r
	}
	return &Relabeler{rules: out}, nil
}

// Transform relabels every point of b. It returns nil when every point was
// dropped.
func (r *Relabeler) Transform(b *model.TelemetryBatch) *model.TelemetryBatch {
	if len(r.rules) == 0 || b.Len() == 0 {
		return b
	}
	kept := make([]model.DataPoint, 0, len(b.Points))
	dropped := 0
	for _, p := range b.Points {
		ls, ok := r.apply(b.Kind, p)
		if !ok {
			dropped++
			continue
		}
		p.Labels = ls
		kept = append(kept, p)
	}
	if dropped > 0 {
		droppedTotal.WithLabelValues(b.Kind.String()).Add(float64(dropped))
	}
	if len(kept) == 0 {
		return nil
	}
	return b.CloneWith(kept)
}

func (r *Relabeler) apply(kind model.SignalKind, p model.DataPoint) (model.LabelSet, bool) {
	l := make(map[string]string, len(p.Labels)+2)
	for _, lb := range p.Labels {
		l[lb.Key] = lb.Value
	}
	l[NameLabel] = p.Name
	l[SignalLabel] = kind.String()

	for i := range r.rules {
		if !r.rules[i].apply(l) {
			return nil, false
		}
	}

	out := make([]model.Label, 0, len(l))
	for k, v := range l {
		if v == "" || strings.HasPrefix(k, "__") {
			continue
		}
		out = append(out, model.Label{Key: k, Value: v})
	}
	return model.NewLabelSet(out), true
}

func (r *Rule) source(l map[string]string) string {
	vals := make([]string, len(r.SourceLabels))
	for i, name := range r.SourceLabels {
		vals[i] = l[name]
	}
	return strings.Join(vals, r.Separator)
}

// apply mutates l and reports whether the point survives.
func (r *Rule) apply(l map[string]string) bool {
	r.ops.Inc()
	switch r.Action {
	case ActionReplace:
		val := r.source(l)
		if idx := r.re.FindStringSubmatchIndex(val); idx != nil {
			l[r.TargetLabel] = string(r.re.ExpandString(nil, r.Replacement, val, idx))
		}
	case ActionKeep:
		return r.re.MatchString(r.source(l))
	case ActionDrop:
		return !r.re.MatchString(r.source(l))
	case ActionLabelMap:
		for k, v := range l {
			if r.re.MatchString(k) {
				l[r.re.ReplaceAllString(k, r.Replacement)] = v
			}
		}
	case ActionLabelDrop:
		for k := range l {
			if !strings.HasPrefix(k, "__") && r.re.MatchString(k) {
				delete(l, k)
			}
		}
	case ActionLabelKeep:
		for k := range l {
			if !strings.HasPrefix(k, "__") && !r.re.MatchString(k) {
				delete(l, k)
			}
		}
	case ActionHashMod:
		l[r.TargetLabel] = strconv.FormatUint(xxhash.Sum64String(r.source(l))%r.Modulus, 10)
	}
	return true
}
