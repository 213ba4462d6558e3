package queue

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/telemetry-governor/internal/model"
)

var (
	fillRatio = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_governor_queue_fill_ratio",
		Help: "Fill ratio of each priority class ring (0-1)",
	}, []string{"class"})

	queueItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_governor_queue_items",
		Help: "Items held per priority class",
	}, []string{"class"})

	enqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_queue_enqueued_total",
		Help: "Items accepted into the priority queue",
	}, []string{"class"})

	dequeuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_queue_dequeued_total",
		Help: "Items handed to export workers",
	}, []string{"class"})

	spilledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_queue_spilled_total",
		Help: "Items diverted to the dead-letter queue on overflow",
	}, []string{"class", "reason"})

	backpressureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_governor_queue_backpressure_total",
		Help: "Enqueues rejected because both the queue and the spill path were saturated",
	})
)

func init() {
	prometheus.MustRegister(fillRatio, queueItems, enqueuedTotal, dequeuedTotal, spilledTotal, backpressureTotal)
	for _, p := range model.Priorities {
		c := p.String()
		fillRatio.WithLabelValues(c).Set(0)
		queueItems.WithLabelValues(c).Set(0)
		enqueuedTotal.WithLabelValues(c).Add(0)
		dequeuedTotal.WithLabelValues(c).Add(0)
		spilledTotal.WithLabelValues(c, SpillOverflow).Add(0)
	}
}
