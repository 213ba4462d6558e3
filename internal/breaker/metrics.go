package breaker

import "github.com/prometheus/client_golang/prometheus"

var (
	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_governor_breaker_state",
		Help: "Circuit breaker state per destination (1 for the current state)",
	}, []string{"destination", "state"})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"destination", "from", "to"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_breaker_rejected_total",
		Help: "Calls rejected by an open or probing breaker",
	}, []string{"destination"})
)

func init() {
	prometheus.MustRegister(stateGauge, transitionsTotal, rejectedTotal)
}

func initMetrics(name string) {
	stateGauge.WithLabelValues(name, StateClosed.String()).Set(1)
	stateGauge.WithLabelValues(name, StateOpen.String()).Set(0)
	stateGauge.WithLabelValues(name, StateHalfOpen.String()).Set(0)
	rejectedTotal.WithLabelValues(name).Add(0)
}

func recordTransition(name string, from, to State) {
	stateGauge.WithLabelValues(name, from.String()).Set(0)
	stateGauge.WithLabelValues(name, to.String()).Set(1)
	transitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
}
