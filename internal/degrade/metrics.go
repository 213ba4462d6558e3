package degrade

import "github.com/prometheus/client_golang/prometheus"

var (
	levelGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_governor_degradation_level",
		Help: "Current degradation level (0 normal, 1 relaxed batching, 2 head sampling)",
	})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_degradation_transitions_total",
		Help: "Degradation level changes by direction",
	}, []string{"direction"})

	memoryRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_governor_memory_utilization_ratio",
		Help: "Go heap in use divided by the memory limit",
	})

	queuePressure = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_governor_degradation_queue_ratio",
		Help: "Queue utilization seen by the last degradation sample",
	})

	sampledOutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_sampled_out_total",
		Help: "Data points discarded by head sampling at degradation level 2",
	}, []string{"signal"})
)

func init() {
	prometheus.MustRegister(levelGauge, transitionsTotal, memoryRatio, queuePressure, sampledOutTotal)
	for _, d := range []string{"up", "down"} {
		transitionsTotal.WithLabelValues(d).Add(0)
	}
	for _, s := range []string{"metric", "trace", "log"} {
		sampledOutTotal.WithLabelValues(s).Add(0)
	}
}
