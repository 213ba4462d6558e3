package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"

	"github.com/szibis/telemetry-governor/internal/logging"
	tlspkg "github.com/szibis/telemetry-governor/internal/tls"
)

var testID = Identity{ServiceName: "telemetry-governor", ServiceVersion: "test", InstanceID: "unit"}

func TestInitDisabled(t *testing.T) {
	tel, err := Init(context.Background(), Config{}, testID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tel != nil {
		t.Fatal("expected nil telemetry when endpoint is empty")
	}
	if tel.Enabled() || tel.NewLogHook() != nil || tel.Shutdown(context.Background()) != nil {
		t.Error("nil telemetry must be a usable no-op")
	}
	if tel.ShutdownTimeout() != defaultShutdownTimeout {
		t.Errorf("shutdown timeout = %v", tel.ShutdownTimeout())
	}
}

func TestInitProtocols(t *testing.T) {
	for _, proto := range []string{"", "grpc", "http"} {
		t.Run(proto, func(t *testing.T) {
			// Nothing listens on the endpoint; setup must still succeed.
			cfg := Config{Endpoint: "127.0.0.1:1", Protocol: proto, Insecure: true, Compression: "gzip", Timeout: 100 * time.Millisecond}
			tel, err := Init(context.Background(), cfg, testID)
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			if !tel.Enabled() || tel.Logger() == nil || tel.NewLogHook() == nil {
				t.Error("expected enabled telemetry with a logger")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			_ = tel.Shutdown(ctx)
		})
	}
}

func TestInitRejectsUnknownProtocol(t *testing.T) {
	if _, err := Init(context.Background(), Config{Endpoint: "x:1", Protocol: "udp"}, testID); err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestNormalize(t *testing.T) {
	cfg, err := Config{Endpoint: "x:1", Compression: "none"}.normalize()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Protocol != "grpc" || cfg.Compression != "" || cfg.PushInterval != defaultPushInterval {
		t.Errorf("normalized = %+v", cfg)
	}

	bad := []Config{
		{Endpoint: "x:1", Compression: "snappy"},
		{Endpoint: "x:1", Insecure: true, TLS: tlspkg.ClientConfig{Enabled: true}},
	}
	for _, c := range bad {
		if _, err := c.normalize(); err == nil {
			t.Errorf("normalize(%+v) accepted", c)
		}
	}
}

func TestInitTLS(t *testing.T) {
	cfg := Config{Endpoint: "127.0.0.1:1", TLS: tlspkg.ClientConfig{Enabled: true, CAFile: "/nonexistent/ca.pem"}}
	if _, err := Init(context.Background(), cfg, testID); err == nil {
		t.Fatal("Init accepted an unreadable CA file")
	}

	for _, proto := range []string{"grpc", "http"} {
		cfg := Config{Endpoint: "127.0.0.1:1", Protocol: proto, TLS: tlspkg.ClientConfig{Enabled: true, ServerName: "collector"}}
		tel, err := Init(context.Background(), cfg, testID)
		if err != nil {
			t.Fatalf("Init(%s): %v", proto, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_ = tel.Shutdown(ctx)
		cancel()
	}
}

func TestSeverity(t *testing.T) {
	tests := map[logging.Level]otellog.Severity{
		logging.LevelDebug: otellog.SeverityDebug,
		logging.LevelInfo:  otellog.SeverityInfo,
		logging.LevelWarn:  otellog.SeverityWarn,
		logging.LevelError: otellog.SeverityError,
		logging.LevelFatal: otellog.SeverityFatal,
	}
	for level, want := range tests {
		if got := severity(level); got != want {
			t.Errorf("severity(%s) = %v, want %v", level, got, want)
		}
	}
}

func TestValue(t *testing.T) {
	tests := []struct {
		in   interface{}
		kind otellog.Kind
		str  string
	}{
		{"a", otellog.KindString, "a"},
		{42, otellog.KindInt64, ""},
		{uint64(7), otellog.KindInt64, ""},
		{1.5, otellog.KindFloat64, ""},
		{true, otellog.KindBool, ""},
		{nil, otellog.KindString, "<nil>"},
		{2 * time.Second, otellog.KindString, "2s"},
		{errors.New("boom"), otellog.KindString, "boom"},
		{[]int{1}, otellog.KindString, "[1]"},
	}
	for _, tt := range tests {
		v := value(tt.in)
		if v.Kind() != tt.kind {
			t.Errorf("value(%v) kind = %v, want %v", tt.in, v.Kind(), tt.kind)
		}
		if tt.str != "" && v.AsString() != tt.str {
			t.Errorf("value(%v) = %q, want %q", tt.in, v.AsString(), tt.str)
		}
	}
}
