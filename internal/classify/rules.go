package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/szibis/telemetry-governor/internal/model"
)

// Rule assigns a priority to batches whose stream name and resource match.
type Rule struct {
	Name     string            `yaml:"name"`
	Signals  []string          `yaml:"signals,omitempty"`
	Metric   string            `yaml:"metric,omitempty"`
	Resource map[string]string `yaml:"resource,omitempty"`
	Priority string            `yaml:"priority"`
}

type compiledRule struct {
	name     string
	kinds    [model.NumKinds]bool
	anyKind  bool
	exact    string
	re       *regexp.Regexp
	resource []resourceMatcher
	priority model.Priority
}

type resourceMatcher struct {
	key string
	re  *regexp.Regexp
}

// containsRegexChars reports whether s needs a regex match rather than equality.
func containsRegexChars(s string) bool {
	return strings.ContainsAny(s, `.*+?[](){}|^$\`)
}

func compileRule(r Rule) (compiledRule, error) {
	cr := compiledRule{name: r.Name, anyKind: len(r.Signals) == 0}
	p, err := model.ParsePriority(r.Priority)
	if err != nil {
		return cr, fmt.Errorf("rule %q: %w", r.Name, err)
	}
	cr.priority = p
	for _, s := range r.Signals {
		k, err := model.ParseSignalKind(s)
		if err != nil {
			return cr, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		cr.kinds[k] = true
	}
	if r.Metric != "" {
		if containsRegexChars(r.Metric) {
			re, err := regexp.Compile("^(?:" + r.Metric + ")$")
			if err != nil {
				return cr, fmt.Errorf("rule %q: invalid name pattern: %w", r.Name, err)
			}
			cr.re = re
		} else {
			cr.exact = r.Metric
		}
	}
	for k, v := range r.Resource {
		re, err := regexp.Compile("^(?:" + v + ")$")
		if err != nil {
			return cr, fmt.Errorf("rule %q: invalid resource pattern for %s: %w", r.Name, k, err)
		}
		cr.resource = append(cr.resource, resourceMatcher{key: k, re: re})
	}
	return cr, nil
}

func (r *compiledRule) matches(kind model.SignalKind, name string, resource model.LabelSet) bool {
	if !r.anyKind && !r.kinds[kind] {
		return false
	}
	switch {
	case r.re != nil:
		if !r.re.MatchString(name) {
			return false
		}
	case r.exact != "":
		if r.exact != name {
			return false
		}
	}
	for _, m := range r.resource {
		v, ok := resource.Get(m.key)
		if !ok || !m.re.MatchString(v) {
			return false
		}
	}
	return true
}

// DefaultRules marks liveness and system health series as critical.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "health", Signals: []string{"metric"}, Metric: `up|system\..*|process\..*health.*`, Priority: "critical"},
	}
}
