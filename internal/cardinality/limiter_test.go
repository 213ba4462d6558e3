package cardinality

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/szibis/telemetry-governor/internal/model"
)

func labels(kv ...string) model.LabelSet {
	ls := make([]model.Label, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		ls = append(ls, model.Label{Key: kv[i], Value: kv[i+1]})
	}
	return model.NewLabelSet(ls)
}

func newTestLimiter(t *testing.T, mutate func(*Config)) *Limiter {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func metricBatch(points ...model.DataPoint) *model.TelemetryBatch {
	return &model.TelemetryBatch{
		Kind:     model.KindMetric,
		Resource: labels("service.name", "checkout"),
		Points:   points,
	}
}

// Capacity 100, 10,000 distinct keysets: at most 100 admitted and every
// point accounted for exactly once.
func TestLimiter_ScenarioA(t *testing.T) {
	l := newTestLimiter(t, func(c *Config) { c.Capacity = 100 })

	points := make([]model.DataPoint, 0, 10000)
	for i := 0; i < 10000; i++ {
		points = append(points, model.DataPoint{
			Name:    "http_requests_total",
			Labels:  labels("route", fmt.Sprintf("/r/%d", i%50), "request_id", fmt.Sprintf("req-%d", i)),
			Value:   1,
			Numeric: true,
		})
	}
	l.Process(metricBatch(points...))

	st := l.Stats()
	if st.Admitted > 100 {
		t.Errorf("admitted = %d, want <= 100", st.Admitted)
	}
	if st.Total() != 10000 {
		t.Errorf("admitted+aggregated+aggregated_lossy+dropped = %d, want 10000 (%+v)", st.Total(), st)
	}
	if l.Table().Len() > 100 {
		t.Errorf("table Len = %d", l.Table().Len())
	}
}

func TestLimiter_AdmissionIsIdempotent(t *testing.T) {
	l := newTestLimiter(t, func(c *Config) { c.Capacity = 1 })
	ls := labels("job", "api")
	for i := 0; i < 10; i++ {
		if d := l.Decide("m", ls); d.Outcome != OutcomeAdmit {
			t.Fatalf("decision %d = %v, want admitted", i, d.Outcome)
		}
	}
	if l.Table().Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Table().Len())
	}
	if d := l.Decide("m", labels("job", "other")); d.Outcome == OutcomeAdmit {
		t.Error("second keyset admitted into a full table")
	}
}

func TestLimiter_ThresholdOutcomes(t *testing.T) {
	l := newTestLimiter(t, func(c *Config) { c.Capacity = 1 })
	l.Decide("m", labels("env", "prod"))

	// Repeated value: low surprisal, aggregated.
	for i := 0; i < 200; i++ {
		l.scorer.Observe(labels("env", "prod"))
	}
	if d := l.Decide("other", labels("env", "prod")); d.Outcome != OutcomeAggregate {
		t.Errorf("common value outcome = %v (score %.2f), want aggregated", d.Outcome, d.Score)
	}

	// Never seen value of a never seen key: surprisal 1, dropped.
	if d := l.Decide("other", labels("trace_id", "abc")); d.Outcome != OutcomeDrop || d.Score != 1 {
		t.Errorf("novel value outcome = %v (score %.2f), want dropped with score 1", d.Outcome, d.Score)
	}
}

func TestLimiter_AggregatesIntoFoldedSeries(t *testing.T) {
	l := newTestLimiter(t, func(c *Config) {
		c.Capacity = 1
		c.AggregateThreshold, c.DropThreshold = 0.99, 1
		c.Rules = []AggregationRule{{Name: "pods", Metric: "cpu_.*", DropLabels: []string{"node"}, Function: AggSum}}
	})
	var mu sync.Mutex
	var out []*model.TelemetryBatch
	l.SetOutput(func(b *model.TelemetryBatch) {
		mu.Lock()
		out = append(out, b)
		mu.Unlock()
	})

	l.Process(metricBatch(model.DataPoint{Name: "warmup", Numeric: true}))
	for _, pod := range []string{"a", "b", "c"} {
		for i := 0; i < 50; i++ {
			l.scorer.Observe(labels("ns", "prod"))
		}
		res := l.Process(metricBatch(model.DataPoint{
			Name:    "cpu_seconds",
			Labels:  labels("ns", "prod", "pod", pod, "node", "n1"),
			Value:   2,
			Numeric: true,
		}))
		if res.Len() != 0 {
			t.Fatalf("aggregated point forwarded immediately: %d points", res.Len())
		}
	}

	batches := l.Aggregator().Flush(time.Unix(100, 0))
	if len(batches) != 1 || len(out) != 1 {
		t.Fatalf("Flush returned %d batches, output saw %d", len(batches), len(out))
	}
	pts := batches[0].Points
	if len(pts) != 1 {
		t.Fatalf("points = %d, want 1 folded series", len(pts))
	}
	if pts[0].Labels.String() != `{ns="prod"}` || pts[0].Value != 6 || pts[0].Payload != nil {
		t.Errorf("folded point = %s value %v", pts[0].Labels, pts[0].Value)
	}
	if l.Aggregator().Groups() != 0 {
		t.Error("groups survived flush")
	}
}

func TestLimiter_GroupLimitCountsAsDropped(t *testing.T) {
	l := newTestLimiter(t, func(c *Config) {
		c.Capacity = 1
		c.MaxGroups = 1
	})
	l.Process(metricBatch(model.DataPoint{Name: "warmup", Numeric: true}))
	for i := 0; i < 200; i++ {
		l.scorer.Observe(labels("ns", "prod"))
	}
	before := testutil.ToFloat64(aggregateOverflowTotal)

	points := make([]model.DataPoint, 0, 20)
	for i := 0; i < 20; i++ {
		points = append(points, model.DataPoint{
			Name:    fmt.Sprintf("queue_depth_%d", i),
			Labels:  labels("ns", "prod"),
			Value:   1,
			Numeric: true,
		})
	}
	if res := l.Process(metricBatch(points...)); res.Len() != 0 {
		t.Fatalf("forwarded %d points", res.Len())
	}

	st := l.Stats()
	if st.Aggregated != 1 || st.Dropped != 19 {
		t.Errorf("aggregated = %d dropped = %d, want 1 and 19 (%+v)", st.Aggregated, st.Dropped, st)
	}
	if st.Total() != 21 {
		t.Errorf("decided %d points, want 21", st.Total())
	}
	if got := l.Aggregator().Overflow(); got != 19 {
		t.Errorf("Overflow() = %d, want 19", got)
	}
	if got := testutil.ToFloat64(aggregateOverflowTotal) - before; got != 19 {
		t.Errorf("overflow metric delta = %v, want 19", got)
	}
}

func TestNewRejectsBadAggregationRule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = []AggregationRule{{Name: "bad", Metric: "cpu_("}}
	if _, err := newAggregator(cfg); err == nil {
		t.Error("newAggregator accepted an invalid metric pattern")
	}
	if _, err := New(cfg); err == nil {
		t.Error("New accepted an invalid metric pattern")
	}
}

func TestLimiter_ConcurrentDecide(t *testing.T) {
	l := newTestLimiter(t, func(c *Config) { c.Capacity = 100 })
	const workers, per = 8, 2000
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				l.Decide("http_requests_total", labels("route", fmt.Sprintf("/r/%d", i%20), "worker", fmt.Sprint(w), "id", fmt.Sprint(i)))
			}
		}(w)
	}
	wg.Wait()

	st := l.Stats()
	if st.Total() != workers*per {
		t.Errorf("decided %d points, want %d", st.Total(), workers*per)
	}
	if st.Admitted > 100 || l.Table().Len() > 100 {
		t.Errorf("admitted = %d, table Len = %d, want <= 100", st.Admitted, l.Table().Len())
	}
	if d := l.scorer.Distinct("worker"); d < workers-1 || d > workers+1 {
		t.Errorf("Distinct(worker) = %d, want about %d", d, workers)
	}
}

func BenchmarkLimiter_DecideParallel(b *testing.B) {
	l, err := New(DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	sets := make([]model.LabelSet, 1024)
	for i := range sets {
		sets[i] = labels("env", "prod", "route", fmt.Sprintf("/r/%d", i%64), "pod", fmt.Sprintf("p-%d", i))
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			l.Decide("http_requests_total", sets[i&1023])
			i++
		}
	})
}

func TestLimiter_NonNumericForwardedWithFoldedLabels(t *testing.T) {
	l := newTestLimiter(t, func(c *Config) {
		c.Capacity = 1
		c.Signals = []model.SignalKind{model.KindTrace}
		c.AggregateThreshold, c.DropThreshold = 1, 1
	})
	b := &model.TelemetryBatch{Kind: model.KindTrace, Points: []model.DataPoint{
		{Name: "GET /", Labels: labels("http.route", "/")},
		{Name: "GET /", Labels: labels("http.route", "/", "host.name", "h1"), Payload: []byte{1}},
	}}
	res := l.Process(b)
	if res.Len() != 2 {
		t.Fatalf("forwarded %d points, want 2", res.Len())
	}
	if _, ok := res.Points[1].Labels.Get("host.name"); ok {
		t.Error("default drop label survived folding")
	}
	if res.Points[1].Payload == nil {
		t.Error("payload lost on forwarded point")
	}
}

func TestLimiter_SkipsUngovernedKinds(t *testing.T) {
	l := newTestLimiter(t, func(c *Config) { c.Capacity = 1 })
	b := &model.TelemetryBatch{Kind: model.KindLog, Points: make([]model.DataPoint, 5)}
	if res := l.Process(b); res.Len() != 5 {
		t.Errorf("log batch modified: %d points", res.Len())
	}
	if l.Stats().Total() != 0 {
		t.Errorf("decisions recorded for ungoverned kind")
	}
}

func TestLimiter_PanicResetsTableAndAdmits(t *testing.T) {
	l := newTestLimiter(t, func(c *Config) { c.Capacity = 4 })
	l.Decide("m", labels("a", "1"))
	l.testHook = func() { panic("boom") }
	if d := l.Decide("m", labels("a", "2")); d.Outcome != OutcomeAdmit {
		t.Errorf("outcome after panic = %v, want admitted", d.Outcome)
	}
	if l.Table().Len() != 0 {
		t.Errorf("table not reset, Len = %d", l.Table().Len())
	}
}

func TestLimiter_MaintainResetsCorruptTable(t *testing.T) {
	l := newTestLimiter(t, func(c *Config) { c.Capacity = 4 })
	l.Decide("m", labels("a", "1"))
	l.table.shards[0].count = 99
	l.Maintain(time.Now())
	if err := l.Table().Verify(); err != nil {
		t.Fatalf("table still corrupt after Maintain: %v", err)
	}
	if l.Table().Len() != 0 {
		t.Errorf("Len = %d after reset", l.Table().Len())
	}
}

func TestLimiter_MaintainEvictsIdle(t *testing.T) {
	l := newTestLimiter(t, func(c *Config) {
		c.Capacity = 2
		c.IdleTimeout = time.Minute
	})
	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }
	l.Decide("m", labels("a", "1"))
	l.Decide("m", labels("a", "2"))
	l.Maintain(base.Add(2 * time.Minute))
	if l.Table().Len() != 0 {
		t.Errorf("Len = %d after idle sweep, want 0", l.Table().Len())
	}
}

func TestLimiter_StartStopNoLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l := newTestLimiter(t, func(c *Config) {
		c.SweepInterval = 5 * time.Millisecond
		c.FlushInterval = 5 * time.Millisecond
	})
	l.Start(context.Background())
	l.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	l.Stop()
	l.Stop()
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AggregateThreshold, cfg.DropThreshold = 0.9, 0.5
	if err := cfg.Validate(); err == nil {
		t.Error("accepted aggregate > drop")
	}
	cfg = DefaultConfig()
	cfg.Rules = []AggregationRule{{Name: "bad", Metric: "("}}
	if err := cfg.Validate(); err == nil {
		t.Error("accepted invalid regex")
	}
	cfg = DefaultConfig()
	cfg.Rules = []AggregationRule{{Name: "bad", Function: "median"}}
	if err := cfg.Validate(); err == nil {
		t.Error("accepted unknown function")
	}
}
