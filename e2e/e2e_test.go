package e2e

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	collogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/szibis/telemetry-governor/internal/config"
	"github.com/szibis/telemetry-governor/internal/exporter"
	"github.com/szibis/telemetry-governor/internal/pipeline"
	"github.com/szibis/telemetry-governor/internal/receiver"
	"github.com/szibis/telemetry-governor/internal/relabel"
)

// TestFullPipelineGRPC covers gRPC client -> receiver -> pipeline -> exporter -> backend.
func TestFullPipelineGRPC(t *testing.T) {
	backend := startBackend(t)
	p := startPipeline(t, testConfig(t, backend.addr))
	conn := startGRPCReceiver(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := colmetrics.NewMetricsServiceClient(conn).Export(ctx, metricsRequest("checkout", "http_requests", 0, 5)); err != nil {
		t.Fatalf("export metrics: %v", err)
	}
	logs := &collogs.ExportLogsServiceRequest{ResourceLogs: []*logspb.ResourceLogs{{
		Resource: resource("checkout"),
		ScopeLogs: []*logspb.ScopeLogs{{LogRecords: []*logspb.LogRecord{
			{SeverityText: "ERROR", Body: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "payment failed"}}},
		}}},
	}}}
	if _, err := collogs.NewLogsServiceClient(conn).Export(ctx, logs); err != nil {
		t.Fatalf("export logs: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool { return backend.points() == 5 && backend.logs() == 1 })
	if !backend.hasMetric("http_requests") {
		t.Error("metric http_requests not found at the backend")
	}
}

// TestFullPipelineHTTP covers the OTLP/HTTP receiver with relabeling in front
// of the pipeline.
func TestFullPipelineHTTP(t *testing.T) {
	backend := startBackend(t)
	cfg := testConfig(t, backend.addr)
	cfg.Relabel = []relabel.Rule{
		{SourceLabels: []string{"seq"}, Regex: "[0-4]", Action: relabel.ActionDrop},
	}
	p := startPipeline(t, cfg)

	r, err := receiver.NewHTTP(receiver.HTTPConfig{}, p)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	body, err := proto.Marshal(metricsRequest("checkout", "queue_depth", 0, 10))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(srv.URL+"/v1/metrics", "application/x-protobuf", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	waitFor(t, 10*time.Second, func() bool { return backend.points() == 5 })
	time.Sleep(100 * time.Millisecond)
	if got := backend.points(); got != 5 {
		t.Errorf("backend received %d points, want 5 after relabel drop", got)
	}
}

// TestBackendOutageIsReplayed takes the backend down, lets the breaker open
// and checks that everything spilled to the DLQ arrives after recovery.
func TestBackendOutageIsReplayed(t *testing.T) {
	backend := startBackend(t)
	backend.down.Store(true)
	p := startPipeline(t, testConfig(t, backend.addr))
	conn := startGRPCReceiver(t, p)
	client := colmetrics.NewMetricsServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	const batches = 20
	for i := 0; i < batches; i++ {
		if _, err := client.Export(ctx, metricsRequest("checkout", "requests", i*10, 10)); err != nil {
			t.Fatalf("export %d: %v", i, err)
		}
	}
	waitFor(t, 10*time.Second, func() bool { return p.Stats().Export.SpilledBatches > 0 })

	backend.down.Store(false)
	waitFor(t, 15*time.Second, func() bool { return backend.distinct() == batches*10 })
	if p.Stats().Replayed == 0 {
		t.Error("expected points to arrive through replay")
	}
}

// TestConcurrentClients sends from several clients at once.
func TestConcurrentClients(t *testing.T) {
	backend := startBackend(t)
	p := startPipeline(t, testConfig(t, backend.addr))
	conn := startGRPCReceiver(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const clients, perClient = 8, 25
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			client := colmetrics.NewMetricsServiceClient(conn)
			for j := 0; j < perClient; j++ {
				req := metricsRequest(fmt.Sprintf("service-%d", c), "requests", c*perClient+j, 1)
				if _, err := client.Export(ctx, req); err != nil {
					t.Errorf("client %d export %d: %v", c, j, err)
					return
				}
			}
		}(c)
	}
	wg.Wait()

	waitFor(t, 15*time.Second, func() bool { return backend.distinct() == clients*perClient })
}

func testConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Exporter.Endpoint = endpoint
	cfg.Exporter.Protocol = string(exporter.ProtocolGRPC)
	cfg.Exporter.Insecure = true
	cfg.Exporter.Timeout = config.Duration(2 * time.Second)
	cfg.Breaker.ConsecutiveFailures = 2
	cfg.Breaker.ResetTimeout = config.Duration(100 * time.Millisecond)
	cfg.DLQ.Dir = t.TempDir()
	cfg.DLQ.CommitInterval = config.Duration(5 * time.Millisecond)
	cfg.DLQ.SegmentMaxAge = config.Duration(50 * time.Millisecond)
	cfg.DLQ.ReplayPollInterval = config.Duration(20 * time.Millisecond)
	cfg.Degradation.Enabled = false
	return cfg
}

func startPipeline(t *testing.T, cfg *config.Config) *pipeline.Pipeline {
	t.Helper()
	ecfg, err := cfg.ExporterConfig()
	if err != nil {
		t.Fatal(err)
	}
	exp, err := exporter.New(ecfg)
	if err != nil {
		t.Fatal(err)
	}
	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		t.Fatal(err)
	}
	p, err := pipeline.New(pcfg, exp)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("pipeline run: %v", err)
		}
		exp.Close()
	})
	return p
}

func startGRPCReceiver(t *testing.T, sink receiver.Sink) *grpc.ClientConn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	r, err := receiver.NewGRPC(receiver.GRPCConfig{Addr: ln.Addr().String()}, sink)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = r.Serve(ln) }()

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return conn
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func resource(service string) *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
		Key:   "service.name",
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: service}},
	}}}
}

// metricsRequest builds one gauge with n points labelled seq=first..first+n-1.
func metricsRequest(service, metric string, first, n int) *colmetrics.ExportMetricsServiceRequest {
	now := uint64(time.Now().UnixNano())
	points := make([]*metricspb.NumberDataPoint, n)
	for i := range points {
		points[i] = &metricspb.NumberDataPoint{
			TimeUnixNano: now,
			Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: float64(i)},
			Attributes: []*commonpb.KeyValue{{
				Key:   "seq",
				Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprint(first + i)}},
			}},
		}
	}
	return &colmetrics.ExportMetricsServiceRequest{ResourceMetrics: []*metricspb.ResourceMetrics{{
		Resource: resource(service),
		ScopeMetrics: []*metricspb.ScopeMetrics{{Metrics: []*metricspb.Metric{{
			Name: metric,
			Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: points}},
		}}}},
	}}}
}

// backend is an OTLP/gRPC destination recording what it receives.
type backend struct {
	colmetrics.UnimplementedMetricsServiceServer
	addr string
	down atomic.Bool

	mu      sync.Mutex
	names   map[string]bool
	seqs    map[string]int
	total   int
	logRecs int
}

type logsBackend struct {
	collogs.UnimplementedLogsServiceServer
	b *backend
}

func startBackend(t *testing.T) *backend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	b := &backend{addr: ln.Addr().String(), names: make(map[string]bool), seqs: make(map[string]int)}
	srv := grpc.NewServer()
	colmetrics.RegisterMetricsServiceServer(srv, b)
	collogs.RegisterLogsServiceServer(srv, logsBackend{b: b})
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(srv.Stop)
	return b
}

func (b *backend) Export(_ context.Context, req *colmetrics.ExportMetricsServiceRequest) (*colmetrics.ExportMetricsServiceResponse, error) {
	if b.down.Load() {
		return nil, status.Error(codes.Unavailable, "backend down")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rm := range req.ResourceMetrics {
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				b.names[m.Name] = true
				for _, dp := range m.GetGauge().GetDataPoints() {
					b.total++
					for _, kv := range dp.Attributes {
						if kv.Key == "seq" {
							b.seqs[kv.Value.GetStringValue()]++
						}
					}
				}
			}
		}
	}
	return &colmetrics.ExportMetricsServiceResponse{}, nil
}

func (l logsBackend) Export(_ context.Context, req *collogs.ExportLogsServiceRequest) (*collogs.ExportLogsServiceResponse, error) {
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	for _, rl := range req.ResourceLogs {
		for _, sl := range rl.ScopeLogs {
			l.b.logRecs += len(sl.LogRecords)
		}
	}
	return &collogs.ExportLogsServiceResponse{}, nil
}

func (b *backend) points() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *backend) distinct() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seqs)
}

func (b *backend) logs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logRecs
}

func (b *backend) hasMetric(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.names[name]
}
