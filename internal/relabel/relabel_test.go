package relabel

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/szibis/telemetry-governor/internal/model"
)

func point(name string, labels map[string]string) model.DataPoint {
	return model.DataPoint{Name: name, Labels: model.LabelsFromMap(labels), Numeric: true, Value: 1}
}

func batch(kind model.SignalKind, points ...model.DataPoint) *model.TelemetryBatch {
	return &model.TelemetryBatch{Kind: kind, Scope: "test", Points: points}
}

func mustNew(t *testing.T, rules ...Rule) *Relabeler {
	t.Helper()
	r, err := New(rules)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestActions(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		in   map[string]string
		want map[string]string
		keep bool
	}{
		{
			name: "replace with capture",
			rule: Rule{SourceLabels: []string{"path"}, Regex: "/api/(v[0-9]+)/.*", TargetLabel: "api_version"},
			in:   map[string]string{"path": "/api/v2/users"},
			want: map[string]string{"path": "/api/v2/users", "api_version": "v2"},
			keep: true,
		},
		{
			name: "replace joins sources",
			rule: Rule{SourceLabels: []string{"region", "zone"}, Separator: "-", TargetLabel: "location"},
			in:   map[string]string{"region": "eu", "zone": "a"},
			want: map[string]string{"region": "eu", "zone": "a", "location": "eu-a"},
			keep: true,
		},
		{
			name: "replace to empty removes label",
			rule: Rule{SourceLabels: []string{"missing"}, TargetLabel: "env"},
			in:   map[string]string{"env": "prod"},
			want: map[string]string{},
			keep: true,
		},
		{
			name: "keep on name",
			rule: Rule{SourceLabels: []string{NameLabel}, Regex: "http_.*", Action: ActionKeep},
			in:   map[string]string{"a": "1"},
			want: map[string]string{"a": "1"},
			keep: true,
		},
		{
			name: "drop on label",
			rule: Rule{SourceLabels: []string{"env"}, Regex: "dev|test", Action: ActionDrop},
			in:   map[string]string{"env": "dev"},
			keep: false,
		},
		{
			name: "labelmap",
			rule: Rule{Regex: "k8s_(.*)", Action: ActionLabelMap},
			in:   map[string]string{"k8s_pod": "p1"},
			want: map[string]string{"k8s_pod": "p1", "pod": "p1"},
			keep: true,
		},
		{
			name: "labeldrop",
			rule: Rule{Regex: "tmp_.*", Action: ActionLabelDrop},
			in:   map[string]string{"tmp_a": "1", "keep": "2"},
			want: map[string]string{"keep": "2"},
			keep: true,
		},
		{
			name: "labelkeep",
			rule: Rule{Regex: "service|env", Action: ActionLabelKeep},
			in:   map[string]string{"service": "api", "env": "prod", "pod": "x"},
			want: map[string]string{"service": "api", "env": "prod"},
			keep: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustNew(t, tt.rule)
			out := r.Transform(batch(model.KindMetric, point("http_requests", tt.in)))
			if !tt.keep {
				if out != nil {
					t.Fatalf("expected point to be dropped, got %v", out.Points)
				}
				return
			}
			if out == nil || out.Len() != 1 {
				t.Fatalf("expected one point, got %v", out)
			}
			got := out.Points[0].Labels.Map()
			if len(got) != len(tt.want) {
				t.Fatalf("labels = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("label %s = %q, want %q", k, got[k], v)
				}
			}
			if out.Points[0].Name != "http_requests" {
				t.Errorf("name changed to %q", out.Points[0].Name)
			}
		})
	}
}

func TestHashModIsStable(t *testing.T) {
	r := mustNew(t, Rule{SourceLabels: []string{"instance"}, TargetLabel: "shard", Modulus: 4, Action: ActionHashMod})
	a := r.Transform(batch(model.KindMetric, point("m", map[string]string{"instance": "host-1"})))
	b := r.Transform(batch(model.KindMetric, point("m", map[string]string{"instance": "host-1"})))
	sa, _ := a.Points[0].Labels.Get("shard")
	sb, _ := b.Points[0].Labels.Get("shard")
	if sa == "" || sa != sb {
		t.Errorf("shards %q and %q", sa, sb)
	}
}

func TestSignalPseudoLabel(t *testing.T) {
	r := mustNew(t, Rule{SourceLabels: []string{SignalLabel, "level"}, Regex: "log;debug", Action: ActionDrop})
	before := testutil.ToFloat64(droppedTotal.WithLabelValues("log"))

	logs := batch(model.KindLog,
		point("DEBUG", map[string]string{"level": "debug"}),
		point("ERROR", map[string]string{"level": "error"}),
	)
	out := r.Transform(logs)
	if out.Len() != 1 || out.Points[0].Name != "ERROR" {
		t.Fatalf("points = %v", out.Points)
	}
	if logs.Len() != 2 {
		t.Error("input batch must not be modified")
	}
	if got := testutil.ToFloat64(droppedTotal.WithLabelValues("log")) - before; got != 1 {
		t.Errorf("dropped counter delta = %v", got)
	}

	metrics := batch(model.KindMetric, point("m", map[string]string{"level": "debug"}))
	if r.Transform(metrics).Len() != 1 {
		t.Error("rule must only match logs")
	}
}

func TestNoRulesPassesThrough(t *testing.T) {
	r := mustNew(t)
	b := batch(model.KindMetric, point("m", nil))
	if r.Transform(b) != b {
		t.Error("expected the same batch back")
	}
}

func TestNewRejectsInvalidRules(t *testing.T) {
	for name, rule := range map[string]Rule{
		"bad regex":          {SourceLabels: []string{"a"}, Regex: "(", TargetLabel: "b"},
		"unknown action":     {Action: "rename"},
		"replace no target":  {SourceLabels: []string{"a"}},
		"keep no source":     {Action: ActionKeep, Regex: "x"},
		"hashmod no modulus": {SourceLabels: []string{"a"}, TargetLabel: "b", Action: ActionHashMod},
	} {
		if _, err := New([]Rule{rule}); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
