package classify

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/telemetry-governor/internal/model"
)

var classifiedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "telemetry_governor_classified_points_total",
	Help: "Data points assigned to each priority class",
}, []string{"class"})

func init() {
	prometheus.MustRegister(classifiedTotal)
	for _, p := range model.Priorities {
		classifiedTotal.WithLabelValues(p.String()).Add(0)
	}
}
