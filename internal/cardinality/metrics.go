package cardinality

import "github.com/prometheus/client_golang/prometheus"

var (
	keysInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_governor_cardinality_keys_in_use",
		Help: "Distinct keysets currently admitted by the cardinality table",
	})

	tableCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_governor_cardinality_capacity",
		Help: "Configured maximum number of admitted keysets",
	})

	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_cardinality_decisions_total",
		Help: "Cardinality decisions by outcome",
	}, []string{"outcome"})

	decisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_governor_cardinality_decision_duration_seconds",
		Help:    "Time to reach a cardinality decision for one data point",
		Buckets: []float64{1e-7, 5e-7, 1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3},
	})

	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_governor_cardinality_evictions_total",
		Help: "Idle keysets reclaimed from the cardinality table",
	})

	resetsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_cardinality_resets_total",
		Help: "Cardinality table resets after corruption or a failed decision",
	}, []string{"reason"})

	aggregateGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_governor_cardinality_aggregate_groups",
		Help: "Live aggregation groups awaiting flush",
	})

	aggregateOverflowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_governor_cardinality_aggregate_overflow_total",
		Help: "Points dropped because the aggregation group limit was reached",
	})
)

func init() {
	prometheus.MustRegister(keysInUse, tableCapacity, decisionsTotal, decisionDuration,
		evictionsTotal, resetsTotal, aggregateGroups, aggregateOverflowTotal)
	for _, o := range []Outcome{OutcomeAdmit, OutcomeAggregate, OutcomeAggregateLossy, OutcomeDrop} {
		decisionsTotal.WithLabelValues(o.String()).Add(0)
	}
	resetsTotal.WithLabelValues("verify").Add(0)
	resetsTotal.WithLabelValues("panic").Add(0)
}
