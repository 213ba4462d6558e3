package receiver

import (
	"context"
	"fmt"
	"net"
	"time"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/telemetry-governor/internal/auth"
	// Registers the zstd gRPC compressor alongside gzip.
	_ "github.com/szibis/telemetry-governor/internal/compression"
	"github.com/szibis/telemetry-governor/internal/logging"
	"github.com/szibis/telemetry-governor/internal/model"
	"github.com/szibis/telemetry-governor/internal/otlpconv"
	"github.com/szibis/telemetry-governor/internal/pipeline"
	tlspkg "github.com/szibis/telemetry-governor/internal/tls"
)

// GRPCConfig holds the OTLP/gRPC receiver settings.
type GRPCConfig struct {
	Addr string
	// MaxRecvMsgBytes bounds a single decompressed request.
	MaxRecvMsgBytes int
	TLS             tlspkg.ServerConfig
	Auth            auth.ServerConfig
}

// DefaultGRPCConfig listens on :4317 with a 4 MB message limit.
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{Addr: ":4317", MaxRecvMsgBytes: 4 << 20}
}

// GRPCReceiver serves the OTLP metrics, trace and logs services.
type GRPCReceiver struct {
	addr   string
	sink   Sink
	server *grpc.Server
}

// NewGRPC creates a gRPC receiver.
func NewGRPC(cfg GRPCConfig, sink Sink) (*GRPCReceiver, error) {
	if cfg.MaxRecvMsgBytes <= 0 {
		cfg.MaxRecvMsgBytes = DefaultGRPCConfig().MaxRecvMsgBytes
	}
	opts := []grpc.ServerOption{grpc.MaxRecvMsgSize(cfg.MaxRecvMsgBytes)}
	tlsConfig, err := tlspkg.NewServerTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("grpc receiver TLS: %w", err)
	}
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	if cfg.Auth.Enabled {
		opts = append(opts, grpc.UnaryInterceptor(auth.GRPCServerInterceptor(cfg.Auth)))
	}

	r := &GRPCReceiver{addr: cfg.Addr, sink: sink, server: grpc.NewServer(opts...)}
	colmetricspb.RegisterMetricsServiceServer(r.server, metricsService{r: r})
	coltracepb.RegisterTraceServiceServer(r.server, traceService{r: r})
	collogspb.RegisterLogsServiceServer(r.server, logsService{r: r})
	return r, nil
}

type metricsService struct {
	colmetricspb.UnimplementedMetricsServiceServer
	r *GRPCReceiver
}

func (s metricsService) Export(ctx context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	if err := s.r.export(ctx, model.KindMetric, req); err != nil {
		return nil, err
	}
	return &colmetricspb.ExportMetricsServiceResponse{}, nil
}

type traceService struct {
	coltracepb.UnimplementedTraceServiceServer
	r *GRPCReceiver
}

func (s traceService) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	if err := s.r.export(ctx, model.KindTrace, req); err != nil {
		return nil, err
	}
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

type logsService struct {
	collogspb.UnimplementedLogsServiceServer
	r *GRPCReceiver
}

func (s logsService) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	if err := s.r.export(ctx, model.KindLog, req); err != nil {
		return nil, err
	}
	return &collogspb.ExportLogsServiceResponse{}, nil
}

func (r *GRPCReceiver) export(ctx context.Context, kind model.SignalKind, req proto.Message) error {
	requestsTotal.WithLabelValues("grpc", kind.String()).Inc()
	requestBytes.WithLabelValues("grpc").Observe(float64(proto.Size(req)))
	_ = grpc.SetHeader(ctx, metadata.Pairs(IntervalScaleHeader, scaleValue(r.sink)))

	start := time.Now()
	batches, err := otlpconv.FromRequest(req)
	pipeline.Record(pipeline.StageDecode, time.Since(start))
	if err != nil {
		errorsTotal.WithLabelValues(reasonDecode).Inc()
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}

	switch res, err := ingest(r.sink, batches); res {
	case backpressured:
		backpressureTotal.WithLabelValues("grpc").Inc()
		return status.Error(codes.ResourceExhausted, "pipeline saturated, retry later")
	case unavailable:
		errorsTotal.WithLabelValues(reasonUnavailable).Inc()
		return status.Error(codes.Unavailable, "shutting down")
	case failed:
		errorsTotal.WithLabelValues(reasonInternal).Inc()
		log.Error("failed to ingest request", logging.F("signal", kind.String(), "error", err.Error()))
		return status.Error(codes.Internal, "internal error")
	}
	return nil
}

// Start serves until Stop is called.
func (r *GRPCReceiver) Start() error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("grpc receiver listen %s: %w", r.addr, err)
	}
	return r.Serve(ln)
}

// Serve accepts connections on ln.
func (r *GRPCReceiver) Serve(ln net.Listener) error {
	log.Info("gRPC receiver started", logging.F("addr", ln.Addr().String()))
	return r.server.Serve(ln)
}

// Stop waits for in-flight calls to finish, or forces them closed when ctx
// expires first, in which case the context error is returned.
func (r *GRPCReceiver) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.server.Stop()
		<-done
		return ctx.Err()
	}
}

// HealthCheck returns nil if the listen address accepts connections.
func (r *GRPCReceiver) HealthCheck() error {
	return dialCheck("gRPC", r.addr)
}
