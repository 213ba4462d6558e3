package config

import (
	"bytes"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/szibis/telemetry-governor/internal/compression"
	"github.com/szibis/telemetry-governor/internal/model"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestParseYAMLMinimal(t *testing.T) {
	cfg, err := ParseYAML([]byte(`
exporter:
  endpoint: "collector:4317"
  protocol: grpc
`))
	if err != nil {
		t.Fatalf("failed to parse yaml: %v", err)
	}
	if cfg.Receiver.GRPC.Address != ":4317" {
		t.Errorf("expected default gRPC address ':4317', got %s", cfg.Receiver.GRPC.Address)
	}
	if cfg.Queue.Capacity != 2000 {
		t.Errorf("expected default queue capacity 2000, got %d", cfg.Queue.Capacity)
	}
	if cfg.Exporter.Endpoint != "collector:4317" || cfg.Exporter.Protocol != "grpc" {
		t.Errorf("exporter = %+v", cfg.Exporter)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseYAMLFull(t *testing.T) {
	cfg, err := ParseYAML([]byte(`
log_level: debug
receiver:
  http:
    address: ":5318"
    max_request_body_size: 8Mi
    retry_after: 10s
    auth:
      enabled: true
      bearer_token: secret
queue:
  capacity: 500
  shares: {critical: 0.1, high: 0.4, normal: 0.5}
  weights: {critical: 8, high: 2, normal: 1}
dlq:
  dir: /var/lib/governor/dlq
  max_size: 2Gi
  segment_max_age: 1m
cardinality:
  signals: [metrics, logs]
  rules:
    - name: http
      metric: "http_.*"
      drop_labels: [path]
      function: max
degradation:
  enabled: false
  memory_limit: 512Mi
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Receiver.HTTP.MaxRequestBodySize != 8<<20 {
		t.Errorf("max_request_body_size = %d", cfg.Receiver.HTTP.MaxRequestBodySize)
	}
	hc := cfg.HTTPReceiverConfig()
	if hc.Addr != ":5318" || hc.RetryAfter != 10*time.Second || !hc.Auth.Enabled || hc.Auth.BearerToken != "secret" {
		t.Errorf("http receiver config = %+v", hc)
	}

	pc, err := cfg.PipelineConfig()
	if err != nil {
		t.Fatal(err)
	}
	if pc.Queue.Capacity != 500 || pc.Queue.Weights != [model.NumPriorities]int{8, 2, 1} {
		t.Errorf("queue = %+v", pc.Queue)
	}
	if pc.DLQ.MaxBytes != 2<<30 || pc.DLQ.SegmentMaxAge != time.Minute || pc.DLQ.Dir != "/var/lib/governor/dlq" {
		t.Errorf("dlq = %+v", pc.DLQ)
	}
	if len(pc.Cardinality.Signals) != 2 || pc.Cardinality.Signals[1] != model.KindLog {
		t.Errorf("signals = %v", pc.Cardinality.Signals)
	}
	if len(pc.Cardinality.Rules) != 1 || pc.Cardinality.Rules[0].Function != "max" {
		t.Errorf("rules = %+v", pc.Cardinality.Rules)
	}
	if pc.Degradation.Enabled || pc.Degradation.MemoryLimit != 512<<20 {
		t.Errorf("degradation = %+v", pc.Degradation)
	}
	if pc.Destination != cfg.Exporter.Endpoint {
		t.Errorf("destination = %q", pc.Destination)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseYAMLRejectsUnknownKeys(t *testing.T) {
	if _, err := ParseYAML([]byte("queue:\n  capacty: 10\n")); err == nil {
		t.Error("expected error for misspelled key")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "chatty"
	cfg.Exporter.Protocol = "udp"
	cfg.Exporter.Compression = "brotli"
	cfg.Queue.Shares.Normal = 0.9
	cfg.DLQ.Dir = ""
	cfg.Receiver.HTTP.Auth.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "exporter.protocol", "exporter.compression", "queue", "dlq", "receiver.http.auth"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestRelabelRules(t *testing.T) {
	cfg, err := ParseYAML([]byte(`
relabel:
  - source_labels: [env]
    regex: dev
    action: drop
  - source_labels: [k8s_pod]
    target_label: pod
`))
	if err != nil {
		t.Fatal(err)
	}
	pc, err := cfg.PipelineConfig()
	if err != nil {
		t.Fatal(err)
	}
	if pc.Transform == nil {
		t.Fatal("relabel rules should install a transform")
	}

	cfg.Relabel[0].Regex = "("
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "relabel") {
		t.Errorf("Validate() = %v, want relabel error", err)
	}
	if pc, _ := DefaultConfig().PipelineConfig(); pc.Transform != nil {
		t.Error("no rules should leave the transform unset")
	}
}

func TestExporterConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exporter.Compression = "zstd"
	cfg.Exporter.Auth.Headers = map[string]string{"X-Tenant": "a"}
	ec, err := cfg.ExporterConfig()
	if err != nil {
		t.Fatal(err)
	}
	if ec.Compression.Type != compression.TypeZstd || ec.Auth.Headers["X-Tenant"] != "a" {
		t.Errorf("exporter config = %+v", ec)
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"4Mi", 4 << 20, false},
		{"1.5Gi", 3 << 29, false},
		{"", 0, false},
		{"256MB", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseByteSize(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if s := FormatByteSize(15 << 30); s != "15Gi" {
		t.Errorf("FormatByteSize = %q", s)
	}
	if s := FormatByteSize(1000); s != "1000" {
		t.Errorf("FormatByteSize = %q", s)
	}
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("exporter:\n  endpoint: from-file:4318\n  workers: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load([]string{"-config", path, "-exporter-workers", "7", "-dlq-max-size", "1Gi", "-grpc-listen", ""}, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}
	if cfg.Exporter.Endpoint != "from-file:4318" {
		t.Errorf("endpoint from file lost: %q", cfg.Exporter.Endpoint)
	}
	if cfg.Exporter.Workers != 7 {
		t.Errorf("workers = %d, flag should win", cfg.Exporter.Workers)
	}
	if cfg.DLQ.MaxSize != 1<<30 {
		t.Errorf("dlq max size = %d", cfg.DLQ.MaxSize)
	}
	if cfg.Receiver.GRPC.Address != "" {
		t.Errorf("explicit empty flag should disable gRPC, got %q", cfg.Receiver.GRPC.Address)
	}
}

func TestLoadUnsetFlagsKeepFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  capacity: 42\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load([]string{"-config", path}, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.Capacity != 42 {
		t.Errorf("queue capacity = %d, default flag value must not override the file", cfg.Queue.Capacity)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load([]string{"-config", "/nonexistent/config.yaml"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load([]string{"-help"}, &bytes.Buffer{}); !errors.Is(err, flag.ErrHelp) {
		t.Errorf("-help error = %v", err)
	}
	if _, err := Load([]string{"stray"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for positional argument")
	}
}

func TestDumpMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exporter.Auth.BearerToken = "hunter2"
	cfg.Receiver.GRPC.Auth.APIKey = "k3y"
	out, err := Dump(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "hunter2") || strings.Contains(out, "k3y") {
		t.Errorf("secrets leaked:\n%s", out)
	}
	if cfg.Exporter.Auth.BearerToken != "hunter2" {
		t.Error("Dump must not modify the config")
	}
	if !strings.Contains(out, "max_size: 15Gi") {
		t.Errorf("dump should use human-readable sizes:\n%s", out)
	}
}
