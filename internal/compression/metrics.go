package compression

import "github.com/prometheus/client_golang/prometheus"

var (
	bytesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_compression_input_bytes_total",
		Help: "Uncompressed bytes fed to compressors",
	}, []string{"type"})

	bytesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_governor_compression_output_bytes_total",
		Help: "Compressed bytes produced",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(bytesIn, bytesOut)
	for _, t := range []Type{TypeGzip, TypeZstd, TypeSnappy, TypeZlib, TypeDeflate, TypeLZ4} {
		bytesIn.WithLabelValues(string(t)).Add(0)
		bytesOut.WithLabelValues(string(t)).Add(0)
	}
}

func observe(t Type, in, out int) {
	bytesIn.WithLabelValues(string(t)).Add(float64(in))
	bytesOut.WithLabelValues(string(t)).Add(float64(out))
}
