package receiver

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_receiver_requests_total",
		Help: "Export requests received by protocol and signal",
	}, []string{"protocol", "signal"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_receiver_errors_total",
		Help: "Rejected export requests by reason",
	}, []string{"reason"})

	pointsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_receiver_points_total",
		Help: "Data points accepted by signal",
	}, []string{"signal"})

	backpressureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_receiver_backpressure_total",
		Help: "Requests refused because the queue and the dead-letter queue are saturated",
	}, []string{"protocol"})

	requestBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telemetry_governor_receiver_request_bytes",
		Help:    "Size of request bodies as received, before decompression",
		Buckets: prometheus.ExponentialBuckets(256, 4, 9),
	}, []string{"protocol"})
)

const (
	reasonRead        = "read"
	reasonTooLarge    = "too_large"
	reasonDecompress  = "decompress"
	reasonDecode      = "decode"
	reasonContentType = "content_type"
	reasonUnavailable = "unavailable"
	reasonInternal    = "internal"
)

func init() {
	prometheus.MustRegister(requestsTotal, errorsTotal, pointsTotal, backpressureTotal, requestBytes)
	for _, p := range []string{"http", "grpc"} {
		backpressureTotal.WithLabelValues(p).Add(0)
		for _, s := range []string{"metric", "trace", "log"} {
			requestsTotal.WithLabelValues(p, s).Add(0)
		}
	}
	for _, s := range []string{"metric", "trace", "log"} {
		pointsTotal.WithLabelValues(s).Add(0)
	}
	for _, r := range []string{reasonRead, reasonTooLarge, reasonDecompress, reasonDecode, reasonContentType, reasonUnavailable, reasonInternal} {
		errorsTotal.WithLabelValues(r).Add(0)
	}
}
