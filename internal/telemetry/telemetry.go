// Package telemetry pushes the governor's own logs and Prometheus metrics to
// an OTLP endpoint, so the governor can be monitored by the same backend it
// forwards to.
package telemetry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	prombridge "go.opentelemetry.io/contrib/bridges/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"

	tlspkg "github.com/szibis/telemetry-governor/internal/tls"
)

// Config holds the self-monitoring export settings. An empty Endpoint
// disables it. The exporters keep their built-in retry policy; a push that
// still fails is dropped, since the same data stays on /metrics.
type Config struct {
	Endpoint        string
	Protocol        string // "grpc" (default) or "http"
	Insecure        bool
	Timeout         time.Duration
	PushInterval    time.Duration
	Compression     string // "gzip", "none" or empty
	Headers         map[string]string
	ShutdownTimeout time.Duration
	// TLS applies when Insecure is false.
	TLS tlspkg.ClientConfig
}

const (
	defaultPushInterval    = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// normalize fills defaults and rejects values the exporters cannot take.
func (c Config) normalize() (Config, error) {
	switch c.Protocol {
	case "":
		c.Protocol = "grpc"
	case "grpc", "http":
	default:
		return c, fmt.Errorf("telemetry: unsupported protocol %q", c.Protocol)
	}
	switch c.Compression {
	case "none":
		c.Compression = ""
	case "", "gzip":
	default:
		return c, fmt.Errorf("telemetry: unsupported compression %q", c.Compression)
	}
	if c.PushInterval <= 0 {
		c.PushInterval = defaultPushInterval
	}
	if c.Insecure && c.TLS.Enabled {
		return c, fmt.Errorf("telemetry: insecure and tls are mutually exclusive")
	}
	return c, nil
}

// Identity names this process in the exported resource.
type Identity struct {
	ServiceName    string
	ServiceVersion string
	// InstanceID defaults to the host name.
	InstanceID string
}

// Telemetry owns the log and meter providers.
type Telemetry struct {
	logProvider     *sdklog.LoggerProvider
	meterProvider   *metric.MeterProvider
	logger          otellog.Logger
	shutdownTimeout time.Duration
}

// Enabled reports whether export is configured.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.logger != nil
}

// Logger returns the OTEL logger, or nil when disabled.
func (t *Telemetry) Logger() otellog.Logger {
	if t == nil {
		return nil
	}
	return t.logger
}

// ShutdownTimeout bounds the final flush.
func (t *Telemetry) ShutdownTimeout() time.Duration {
	if t == nil || t.shutdownTimeout <= 0 {
		return defaultShutdownTimeout
	}
	return t.shutdownTimeout
}

// Init starts the log and metric exporters. It returns nil, nil when
// cfg.Endpoint is empty. The metric reader bridges every collector in the
// default Prometheus registry, so nothing is instrumented twice.
func Init(ctx context.Context, cfg Config, id Identity) (*Telemetry, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	tc, err := tlspkg.NewClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	logExporter, err := newLogExporter(ctx, cfg, tc)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create log exporter: %w", err)
	}
	metricExporter, err := newMetricExporter(ctx, cfg, tc)
	if err != nil {
		_ = logExporter.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	t := &Telemetry{shutdownTimeout: cfg.ShutdownTimeout}
	t.logProvider = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	t.logger = t.logProvider.Logger(id.ServiceName)
	t.meterProvider = metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExporter,
			metric.WithInterval(cfg.PushInterval),
			metric.WithProducer(prombridge.NewMetricProducer()),
		)),
	)
	return t, nil
}

func newResource(ctx context.Context, id Identity) (*resource.Resource, error) {
	if id.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			id.InstanceID = host
		}
	}
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(id.ServiceName),
			semconv.ServiceVersion(id.ServiceVersion),
			semconv.ServiceInstanceID(id.InstanceID),
		),
	)
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}
	if t.logProvider != nil {
		errs = append(errs, t.logProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Each exporter package has its own option type, so the shared settings
// are applied per package below.

func newLogExporter(ctx context.Context, cfg Config, tc *tls.Config) (sdklog.Exporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint), otlploghttp.WithHeaders(cfg.Headers)}
		switch {
		case cfg.Insecure:
			opts = append(opts, otlploghttp.WithInsecure())
		case tc != nil:
			opts = append(opts, otlploghttp.WithTLSClientConfig(tc))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploghttp.WithTimeout(cfg.Timeout))
		}
		if cfg.Compression == "gzip" {
			opts = append(opts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
		}
		return otlploghttp.New(ctx, opts...)
	}
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint), otlploggrpc.WithHeaders(cfg.Headers)}
	switch {
	case cfg.Insecure:
		opts = append(opts, otlploggrpc.WithInsecure())
	case tc != nil:
		opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(tc)))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlploggrpc.WithTimeout(cfg.Timeout))
	}
	if cfg.Compression != "" {
		opts = append(opts, otlploggrpc.WithCompressor(cfg.Compression))
	}
	return otlploggrpc.New(ctx, opts...)
}

func newMetricExporter(ctx context.Context, cfg Config, tc *tls.Config) (metric.Exporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithHeaders(cfg.Headers)}
		switch {
		case cfg.Insecure:
			opts = append(opts, otlpmetrichttp.WithInsecure())
		case tc != nil:
			opts = append(opts, otlpmetrichttp.WithTLSClientConfig(tc))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, otlpmetrichttp.WithTimeout(cfg.Timeout))
		}
		if cfg.Compression == "gzip" {
			opts = append(opts, otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression))
		}
		return otlpmetrichttp.New(ctx, opts...)
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithHeaders(cfg.Headers)}
	switch {
	case cfg.Insecure:
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	case tc != nil:
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(credentials.NewTLS(tc)))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlpmetricgrpc.WithTimeout(cfg.Timeout))
	}
	if cfg.Compression != "" {
		opts = append(opts, otlpmetricgrpc.WithCompressor(cfg.Compression))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}
