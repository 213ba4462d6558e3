package exporter

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"go.uber.org/goleak"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/telemetry-governor/internal/compression"
	"github.com/szibis/telemetry-governor/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

func testBatch(kind model.SignalKind, n int) *model.TelemetryBatch {
	b := &model.TelemetryBatch{
		Kind:     kind,
		Resource: model.LabelsFromMap(map[string]string{"service.name": "api"}),
		Scope:    "test",
	}
	for i := 0; i < n; i++ {
		b.Points = append(b.Points, model.DataPoint{
			Name:         "cpu",
			Labels:       model.LabelsFromMap(map[string]string{"host": "h1"}),
			TimeUnixNano: int64(i + 1),
			Value:        float64(i),
			Numeric:      true,
		})
	}
	return b
}

func TestExportHTTP(t *testing.T) {
	var (
		mu       sync.Mutex
		gotPath  string
		gotEnc   string
		gotCType string
		gotBody  []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath, gotEnc, gotCType, gotBody = r.URL.Path, r.Header.Get("Content-Encoding"), r.Header.Get("Content-Type"), body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exp, err := New(Config{
		Endpoint:    srv.URL + "/v1/metrics",
		Insecure:    true,
		Compression: compression.Config{Type: compression.TypeGzip},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer exp.Close()

	if err := exp.Export(context.Background(), testBatch(model.KindMetric, 3)); err != nil {
		t.Fatalf("Export: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/v1/metrics" || gotEnc != "gzip" || gotCType != "application/x-protobuf" {
		t.Errorf("path=%q encoding=%q content-type=%q", gotPath, gotEnc, gotCType)
	}
	raw, err := compression.Decompress(gotBody, compression.TypeGzip)
	if err != nil {
		t.Fatal(err)
	}
	var req colmetricspb.ExportMetricsServiceRequest
	if err := proto.Unmarshal(raw, &req); err != nil {
		t.Fatal(err)
	}
	var points int
	for _, rm := range req.GetResourceMetrics() {
		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				points += len(m.GetGauge().GetDataPoints())
			}
		}
	}
	if points != 3 {
		t.Errorf("exported %d points, want 3", points)
	}
}

func TestExportHTTPSignalPath(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req coltracepb.ExportTraceServiceRequest
		if proto.Unmarshal(body, &req) != nil {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	exp, err := New(Config{Endpoint: srv.URL, Insecure: true})
	if err != nil {
		t.Fatal(err)
	}
	defer exp.Close()
	if err := exp.Export(context.Background(), testBatch(model.KindTrace, 1)); err != nil {
		t.Fatal(err)
	}
	if got.Load() != "/v1/traces" {
		t.Errorf("path = %v", got.Load())
	}
}

func TestExportHTTPErrorsAreClassified(t *testing.T) {
	tests := []struct {
		status    int
		wantType  ErrorType
		retryable bool
	}{
		{http.StatusServiceUnavailable, ErrorTypeServerError, true},
		{http.StatusTooManyRequests, ErrorTypeRateLimit, true},
		{http.StatusRequestTimeout, ErrorTypeTimeout, true},
		{http.StatusBadRequest, ErrorTypeClientError, false},
		{http.StatusUnauthorized, ErrorTypeAuth, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()
			exp, err := New(Config{Endpoint: srv.URL, Insecure: true})
			if err != nil {
				t.Fatal(err)
			}
			defer exp.Close()

			err = exp.Export(context.Background(), testBatch(model.KindMetric, 1))
			var ee *ExportError
			if !errors.As(err, &ee) {
				t.Fatalf("error %v is not *ExportError", err)
			}
			if ee.StatusCode != tt.status || ee.Type != tt.wantType || ee.Message != "nope" {
				t.Errorf("got %+v", ee)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestExportConnectionRefusedIsRetryable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	exp, err := New(Config{Endpoint: addr, Insecure: true, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer exp.Close()
	err = exp.Export(context.Background(), testBatch(model.KindLog, 1))
	if err == nil || !IsRetryable(err) {
		t.Errorf("err = %v, retryable = %v", err, IsRetryable(err))
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		endpoint string
		insecure bool
		want     string
	}{
		{"collector:4318", true, "http://collector:4318"},
		{"collector:4318", false, "https://collector:4318"},
		{"http://c:4318/v1/metrics", false, "http://c:4318"},
		{"https://c/otlp/v1/logs/", false, "https://c/otlp"},
		{"", true, "http://localhost:4318"},
	}
	for _, tt := range tests {
		got, err := baseURL(tt.endpoint, tt.insecure)
		if err != nil {
			t.Fatalf("%q: %v", tt.endpoint, err)
		}
		if got != tt.want {
			t.Errorf("baseURL(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	if got := classifyError(context.DeadlineExceeded); got != ErrorTypeTimeout {
		t.Errorf("deadline = %s", got)
	}
	if got := TypeOf(errors.New("boom")); got != ErrorTypeUnknown {
		t.Errorf("plain error = %s", got)
	}
	if !IsRetryable(errors.New("boom")) {
		t.Error("unclassified errors should be retried")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestNewRejectsUnknownProtocol(t *testing.T) {
	if _, err := New(Config{Protocol: "udp"}); err == nil {
		t.Error("expected error")
	}
}
