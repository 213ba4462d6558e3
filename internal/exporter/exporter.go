// Package exporter delivers telemetry batches to the downstream OTLP
// destination and runs the export workers that feed it from the priority
// queue.
package exporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/telemetry-governor/internal/auth"
	"github.com/szibis/telemetry-governor/internal/compression"
	"github.com/szibis/telemetry-governor/internal/model"
	"github.com/szibis/telemetry-governor/internal/otlpconv"
	tlspkg "github.com/szibis/telemetry-governor/internal/tls"
)

// Protocol is the OTLP transport.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

const maxErrorBody = 4 << 10

// HTTPClientConfig holds HTTP connection pool settings.
type HTTPClientConfig struct {
	MaxIdleConns         int
	MaxIdleConnsPerHost  int
	MaxConnsPerHost      int
	IdleConnTimeout      time.Duration
	ForceAttemptHTTP2    bool
	HTTP2ReadIdleTimeout time.Duration
	HTTP2PingTimeout     time.Duration
}

// Config holds the exporter configuration.
type Config struct {
	// Endpoint is a base URL for HTTP (signal paths are appended) or
	// host:port for gRPC.
	Endpoint    string
	Protocol    Protocol
	Insecure    bool
	Timeout     time.Duration
	TLS         tlspkg.ClientConfig
	Auth        auth.ClientConfig
	Compression compression.Config
	HTTPClient  HTTPClientConfig
}

// Exporter sends one batch to the destination.
type Exporter interface {
	Export(ctx context.Context, b *model.TelemetryBatch) error
	Close() error
}

// OTLPExporter exports batches via OTLP/HTTP or OTLP/gRPC.
type OTLPExporter struct {
	protocol    Protocol
	timeout     time.Duration
	compression compression.Config

	httpClient *http.Client
	baseURL    string

	grpcConn    *grpc.ClientConn
	metricsGRPC colmetricspb.MetricsServiceClient
	tracesGRPC  coltracepb.TraceServiceClient
	logsGRPC    collogspb.LogsServiceClient
}

// New creates an exporter for cfg.
func New(cfg Config) (*OTLPExporter, error) {
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolHTTP
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	switch cfg.Protocol {
	case ProtocolHTTP:
		return newHTTPExporter(cfg)
	case ProtocolGRPC:
		return newGRPCExporter(cfg)
	}
	return nil, fmt.Errorf("unsupported export protocol: %s", cfg.Protocol)
}

func newHTTPExporter(cfg Config) (*OTLPExporter, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.HTTPClient.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.HTTPClient.MaxConnsPerHost,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 100
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 100
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}
	if !cfg.Insecure {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.Enabled {
			c, err := tlspkg.NewClientTLSConfig(cfg.TLS)
			if err != nil {
				return nil, fmt.Errorf("exporter TLS: %w", err)
			}
			tlsConfig = c
		}
		transport.TLSClientConfig = tlsConfig
	}
	if cfg.HTTPClient.ForceAttemptHTTP2 || transport.TLSClientConfig != nil {
		if h2, err := http2.ConfigureTransports(transport); err == nil {
			if cfg.HTTPClient.HTTP2ReadIdleTimeout > 0 {
				h2.ReadIdleTimeout = cfg.HTTPClient.HTTP2ReadIdleTimeout
			}
			if cfg.HTTPClient.HTTP2PingTimeout > 0 {
				h2.PingTimeout = cfg.HTTPClient.HTTP2PingTimeout
			}
		}
	}

	var rt http.RoundTripper = transport
	if cfg.Auth.Configured() {
		rt = auth.HTTPTransport(cfg.Auth, rt)
	}

	base, err := baseURL(cfg.Endpoint, cfg.Insecure)
	if err != nil {
		return nil, err
	}
	return &OTLPExporter{
		protocol:    ProtocolHTTP,
		timeout:     cfg.Timeout,
		compression: cfg.Compression,
		httpClient:  &http.Client{Transport: rt, Timeout: cfg.Timeout},
		baseURL:     base,
	}, nil
}

// baseURL normalizes endpoint to scheme://host[/prefix] without a trailing
// slash or a signal path.
func baseURL(endpoint string, insecureScheme bool) (string, error) {
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https"
		if insecureScheme {
			scheme = "http"
		}
		endpoint = scheme + "://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid exporter endpoint %q: %w", endpoint, err)
	}
	path := strings.TrimRight(u.Path, "/")
	for _, p := range []string{"/v1/metrics", "/v1/traces", "/v1/logs"} {
		path = strings.TrimSuffix(path, p)
	}
	u.Path = path
	return strings.TrimRight(u.String(), "/"), nil
}

func signalPath(kind model.SignalKind) string {
	switch kind {
	case model.KindTrace:
		return "/v1/traces"
	case model.KindLog:
		return "/v1/logs"
	}
	return "/v1/metrics"
}

func newGRPCExporter(cfg Config) (*OTLPExporter, error) {
	var opts []grpc.DialOption
	switch {
	case cfg.Insecure:
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	case cfg.TLS.Enabled:
		tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("exporter TLS: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	default:
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}
	if cfg.Auth.Configured() {
		opts = append(opts, grpc.WithUnaryInterceptor(auth.GRPCClientInterceptor(cfg.Auth)))
	}
	switch cfg.Compression.Type {
	case compression.TypeGzip:
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	case compression.TypeZstd:
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor(compression.GRPCZstd)))
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &OTLPExporter{
		protocol:    ProtocolGRPC,
		timeout:     cfg.Timeout,
		compression: cfg.Compression,
		grpcConn:    conn,
		metricsGRPC: colmetricspb.NewMetricsServiceClient(conn),
		tracesGRPC:  coltracepb.NewTraceServiceClient(conn),
		logsGRPC:    collogspb.NewLogsServiceClient(conn),
	}, nil
}

// Export sends b. Failures are returned as *ExportError.
func (e *OTLPExporter) Export(ctx context.Context, b *model.TelemetryBatch) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	msg, err := otlpconv.Encode(b)
	if err != nil {
		exportErrorsTotal.WithLabelValues(string(ErrorTypeEncode)).Inc()
		return &ExportError{Err: err, Type: ErrorTypeEncode}
	}

	signal := b.Kind.String()
	exportRequestsTotal.WithLabelValues(signal).Inc()
	start := time.Now()
	if e.protocol == ProtocolGRPC {
		err = e.exportGRPC(ctx, msg)
	} else {
		err = e.exportHTTP(ctx, b.Kind, msg)
	}
	exportDuration.WithLabelValues(signal).Observe(time.Since(start).Seconds())
	if err != nil {
		exportErrorsTotal.WithLabelValues(string(TypeOf(err))).Inc()
		return err
	}
	exportPointsTotal.WithLabelValues(signal).Add(float64(b.Len()))
	return nil
}

func (e *OTLPExporter) exportHTTP(ctx context.Context, kind model.SignalKind, msg proto.Message) error {
	body, err := proto.Marshal(msg)
	if err != nil {
		return &ExportError{Err: err, Type: ErrorTypeEncode}
	}
	label := "none"
	if t := e.compression.Type; t != compression.TypeNone && t != "" {
		body, err = compression.Compress(body, e.compression)
		if err != nil {
			return &ExportError{Err: err, Type: ErrorTypeEncode}
		}
		label = string(t)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+signalPath(kind), bytes.NewReader(body))
	if err != nil {
		return &ExportError{Err: err, Type: ErrorTypeUnknown}
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	if enc := e.compression.Type.ContentEncoding(); enc != "" {
		req.Header.Set("Content-Encoding", enc)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return &ExportError{Err: err, Type: classifyError(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		exportBytesTotal.WithLabelValues(label).Add(float64(len(body)))
		return nil
	}
	msgBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	return &ExportError{
		Type:       classifyHTTPStatusCode(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(msgBody)),
	}
}

func (e *OTLPExporter) exportGRPC(ctx context.Context, msg proto.Message) error {
	var err error
	switch req := msg.(type) {
	case *colmetricspb.ExportMetricsServiceRequest:
		_, err = e.metricsGRPC.Export(ctx, req)
	case *coltracepb.ExportTraceServiceRequest:
		_, err = e.tracesGRPC.Export(ctx, req)
	case *collogspb.ExportLogsServiceRequest:
		_, err = e.logsGRPC.Export(ctx, req)
	default:
		return &ExportError{Err: fmt.Errorf("unexpected request %T", msg), Type: ErrorTypeEncode}
	}
	if err != nil {
		return &ExportError{Err: err, Type: classifyGRPCError(err)}
	}
	exportBytesTotal.WithLabelValues("grpc").Add(float64(proto.Size(msg)))
	return nil
}

// Close releases connections.
func (e *OTLPExporter) Close() error {
	if e.grpcConn != nil {
		return e.grpcConn.Close()
	}
	if e.httpClient != nil {
		e.httpClient.CloseIdleConnections()
	}
	return nil
}
