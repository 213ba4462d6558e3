// Package config resolves the process configuration from defaults, an
// optional YAML file and command line flags, in that order of precedence.
package config

import (
	"fmt"
	"time"

	"github.com/szibis/telemetry-governor/internal/auth"
	"github.com/szibis/telemetry-governor/internal/breaker"
	"github.com/szibis/telemetry-governor/internal/cardinality"
	"github.com/szibis/telemetry-governor/internal/classify"
	"github.com/szibis/telemetry-governor/internal/compression"
	"github.com/szibis/telemetry-governor/internal/degrade"
	"github.com/szibis/telemetry-governor/internal/dlq"
	"github.com/szibis/telemetry-governor/internal/exporter"
	"github.com/szibis/telemetry-governor/internal/model"
	"github.com/szibis/telemetry-governor/internal/pipeline"
	"github.com/szibis/telemetry-governor/internal/queue"
	"github.com/szibis/telemetry-governor/internal/receiver"
	"github.com/szibis/telemetry-governor/internal/relabel"
	"github.com/szibis/telemetry-governor/internal/telemetry"
	tlspkg "github.com/szibis/telemetry-governor/internal/tls"
)

// version is set at build time via ldflags
var version = "dev"

// GetVersion returns the build version.
func GetVersion() string { return version }

// Config is the complete process configuration. Its YAML layout is the
// config file format.
type Config struct {
	ConfigFile  string `yaml:"-"`
	ShowVersion bool   `yaml:"-"`
	DumpConfig  bool   `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	// MemoryLimitRatio sets GOMEMLIMIT to this fraction of the container or
	// host memory. Zero leaves the runtime default.
	MemoryLimitRatio float64  `yaml:"memory_limit_ratio"`
	StatsAddr        string   `yaml:"stats_addr"`
	ShutdownTimeout  Duration `yaml:"shutdown_timeout"`

	Receiver    ReceiverConfig    `yaml:"receiver"`
	Exporter    ExporterConfig    `yaml:"exporter"`
	Cardinality CardinalityConfig `yaml:"cardinality"`
	Classifier  classify.Config   `yaml:"classifier"`
	Queue       QueueConfig       `yaml:"queue"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	DLQ         DLQConfig         `yaml:"dlq"`
	Degradation DegradationConfig `yaml:"degradation"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	// Relabel rules run on every batch before sampling.
	Relabel     []relabel.Rule    `yaml:"relabel"`
}

// ServerTLSConfig is the receiver TLS section.
type ServerTLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
}

func (c ServerTLSConfig) toTLS() tlspkg.ServerConfig {
	return tlspkg.ServerConfig{Enabled: c.Enabled, CertFile: c.CertFile, KeyFile: c.KeyFile, ClientCAFile: c.ClientCAFile}
}

// ServerAuthConfig is the receiver authentication section.
type ServerAuthConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BearerToken  string `yaml:"bearer_token"`
	APIKeyHeader string `yaml:"api_key_header"`
	APIKey       string `yaml:"api_key"`
}

func (c ServerAuthConfig) toAuth() auth.ServerConfig {
	return auth.ServerConfig{Enabled: c.Enabled, BearerToken: c.BearerToken, APIKeyHeader: c.APIKeyHeader, APIKey: c.APIKey}
}

func (c ServerAuthConfig) masked() ServerAuthConfig {
	c.BearerToken = mask(c.BearerToken)
	c.APIKey = mask(c.APIKey)
	return c
}

// GRPCReceiverConfig is the OTLP/gRPC listener section.
type GRPCReceiverConfig struct {
	Address        string           `yaml:"address"`
	MaxRecvMsgSize ByteSize         `yaml:"max_recv_msg_size"`
	TLS            ServerTLSConfig  `yaml:"tls"`
	Auth           ServerAuthConfig `yaml:"auth"`
}

// HTTPReceiverConfig is the OTLP/HTTP listener section.
type HTTPReceiverConfig struct {
	Address             string           `yaml:"address"`
	MaxRequestBodySize  ByteSize         `yaml:"max_request_body_size"`
	MaxDecompressedSize ByteSize         `yaml:"max_decompressed_size"`
	RetryAfter          Duration         `yaml:"retry_after"`
	ReadTimeout         Duration         `yaml:"read_timeout"`
	ReadHeaderTimeout   Duration         `yaml:"read_header_timeout"`
	WriteTimeout        Duration         `yaml:"write_timeout"`
	IdleTimeout         Duration         `yaml:"idle_timeout"`
	TLS                 ServerTLSConfig  `yaml:"tls"`
	Auth                ServerAuthConfig `yaml:"auth"`
}

// ReceiverConfig groups both listeners. An empty address disables one.
type ReceiverConfig struct {
	GRPC GRPCReceiverConfig `yaml:"grpc"`
	HTTP HTTPReceiverConfig `yaml:"http"`
}

// ClientTLSConfig is the exporter TLS section.
type ClientTLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

func (c ClientTLSConfig) toTLS() tlspkg.ClientConfig {
	return tlspkg.ClientConfig{
		Enabled:            c.Enabled,
		CAFile:             c.CAFile,
		CertFile:           c.CertFile,
		KeyFile:            c.KeyFile,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

// ClientAuthConfig is the exporter authentication section.
type ClientAuthConfig struct {
	BearerToken  string            `yaml:"bearer_token"`
	APIKeyHeader string            `yaml:"api_key_header"`
	APIKey       string            `yaml:"api_key"`
	Headers      map[string]string `yaml:"headers"`
}

func (c ClientAuthConfig) masked() ClientAuthConfig {
	c.BearerToken = mask(c.BearerToken)
	c.APIKey = mask(c.APIKey)
	if len(c.Headers) > 0 {
		h := make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			h[k] = mask(v)
		}
		c.Headers = h
	}
	return c
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// HTTPClientConfig is the exporter connection pool section.
type HTTPClientConfig struct {
	MaxIdleConns         int      `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost  int      `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost      int      `yaml:"max_conns_per_host"`
	IdleConnTimeout      Duration `yaml:"idle_conn_timeout"`
	ForceAttemptHTTP2    bool     `yaml:"force_attempt_http2"`
	HTTP2ReadIdleTimeout Duration `yaml:"http2_read_idle_timeout"`
	HTTP2PingTimeout     Duration `yaml:"http2_ping_timeout"`
}

// ExporterConfig is the destination section plus export worker settings.
type ExporterConfig struct {
	Endpoint         string           `yaml:"endpoint"`
	Protocol         string           `yaml:"protocol"`
	Insecure         bool             `yaml:"insecure"`
	Timeout          Duration         `yaml:"timeout"`
	Compression      string           `yaml:"compression"`
	CompressionLevel int              `yaml:"compression_level"`
	Workers          int              `yaml:"workers"`
	MaxBatchPoints   int              `yaml:"max_batch_points"`
	SpillTimeout     Duration         `yaml:"spill_timeout"`
	TLS              ClientTLSConfig  `yaml:"tls"`
	Auth             ClientAuthConfig `yaml:"auth"`
	HTTPClient       HTTPClientConfig `yaml:"http_client"`
}

// CardinalityConfig is the limiter section.
type CardinalityConfig struct {
	Capacity             int                           `yaml:"capacity"`
	IdleTimeout          Duration                      `yaml:"idle_timeout"`
	SweepInterval        Duration                      `yaml:"sweep_interval"`
	AggregateThreshold   float64                       `yaml:"aggregate_threshold"`
	DropThreshold        float64                       `yaml:"drop_threshold"`
	OffendingSurprisal   float64                       `yaml:"offending_surprisal"`
	DefaultDropLabels    []string                      `yaml:"default_drop_labels"`
	Rules                []cardinality.AggregationRule `yaml:"rules"`
	FlushInterval        Duration                      `yaml:"flush_interval"`
	MaxGroups            int                           `yaml:"max_groups"`
	Signals              []string                      `yaml:"signals"`
	ScorerMaxKeys        int                           `yaml:"scorer_max_keys"`
	ScorerExpectedValues uint                          `yaml:"scorer_expected_values"`
	ScorerWindow         Duration                      `yaml:"scorer_window"`
}

// ClassValues holds one value per priority class.
type ClassValues[T int | float64] struct {
	Critical T `yaml:"critical"`
	High     T `yaml:"high"`
	Normal   T `yaml:"normal"`
}

func (v ClassValues[T]) array() [model.NumPriorities]T {
	return [model.NumPriorities]T{v.Critical, v.High, v.Normal}
}

// QueueConfig is the priority queue section.
type QueueConfig struct {
	Capacity          int                  `yaml:"capacity"`
	Shares            ClassValues[float64] `yaml:"shares"`
	Weights           ClassValues[int]     `yaml:"weights"`
	OverflowThreshold float64              `yaml:"overflow_threshold"`
}

// BreakerConfig is the circuit breaker section.
type BreakerConfig struct {
	ConsecutiveFailures int      `yaml:"consecutive_failures"`
	FailureRate         float64  `yaml:"failure_rate"`
	Window              int      `yaml:"window"`
	MinRequests         int      `yaml:"min_requests"`
	ResetTimeout        Duration `yaml:"reset_timeout"`
}

// DLQConfig is the dead-letter queue section.
type DLQConfig struct {
	Dir                string   `yaml:"dir"`
	MaxSize            ByteSize `yaml:"max_size"`
	SegmentMaxSize     ByteSize `yaml:"segment_max_size"`
	SegmentMaxAge      Duration `yaml:"segment_max_age"`
	Retention          Duration `yaml:"retention"`
	JanitorInterval    Duration `yaml:"janitor_interval"`
	PendingItems       int      `yaml:"pending_items"`
	GroupMaxSize       ByteSize `yaml:"group_max_size"`
	CommitInterval     Duration `yaml:"commit_interval"`
	ReplayRate         ByteSize `yaml:"replay_rate"`
	ReplayBurst        ByteSize `yaml:"replay_burst"`
	InterleaveRatio    int      `yaml:"interleave_ratio"`
	ReplayPollInterval Duration `yaml:"replay_poll_interval"`
}

// DegradationConfig is the adaptive degradation section.
type DegradationConfig struct {
	Enabled         bool     `yaml:"enabled"`
	SampleInterval  Duration `yaml:"sample_interval"`
	MemoryHighWater float64  `yaml:"memory_high_water"`
	QueueHighWater  float64  `yaml:"queue_high_water"`
	Hysteresis      float64  `yaml:"hysteresis"`
	EscalateAfter   int      `yaml:"escalate_after"`
	RecoverAfter    int      `yaml:"recover_after"`
	SampleRate      float64  `yaml:"sample_rate"`
	// MemoryLimit overrides the detected memory limit. Zero detects it.
	MemoryLimit ByteSize `yaml:"memory_limit"`
}

// TelemetryConfig is the self-monitoring OTLP push section.
type TelemetryConfig struct {
	Endpoint        string            `yaml:"endpoint"`
	Protocol        string            `yaml:"protocol"`
	Insecure        bool              `yaml:"insecure"`
	Timeout         Duration          `yaml:"timeout"`
	PushInterval    Duration          `yaml:"push_interval"`
	Compression     string            `yaml:"compression"`
	Headers         map[string]string `yaml:"headers"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"`
	TLS             ClientTLSConfig   `yaml:"tls"`
}

// DefaultConfig returns the defaults of every component.
func DefaultConfig() *Config {
	grpcDef := receiver.DefaultGRPCConfig()
	httpDef := receiver.DefaultHTTPConfig()
	disp := exporter.DefaultDispatcherConfig()
	card := cardinality.DefaultConfig()
	q := queue.DefaultConfig()
	brk := breaker.DefaultConfig()
	d := dlq.DefaultConfig()
	deg := degrade.DefaultConfig()

	signals := make([]string, len(card.Signals))
	for i, k := range card.Signals {
		signals[i] = k.String()
	}

	return &Config{
		LogLevel:         "info",
		MemoryLimitRatio: 0.9,
		StatsAddr:        ":9090",
		ShutdownTimeout:  Duration(30 * time.Second),
		Receiver: ReceiverConfig{
			GRPC: GRPCReceiverConfig{
				Address:        grpcDef.Addr,
				MaxRecvMsgSize: ByteSize(grpcDef.MaxRecvMsgBytes),
			},
			HTTP: HTTPReceiverConfig{
				Address:             httpDef.Addr,
				MaxRequestBodySize:  ByteSize(httpDef.MaxRequestBytes),
				MaxDecompressedSize: ByteSize(httpDef.MaxDecompressedBytes),
				RetryAfter:          Duration(httpDef.RetryAfter),
				ReadHeaderTimeout:   Duration(httpDef.ReadHeaderTimeout),
				ReadTimeout:         Duration(httpDef.ReadTimeout),
				WriteTimeout:        Duration(httpDef.WriteTimeout),
				IdleTimeout:         Duration(httpDef.IdleTimeout),
			},
		},
		Exporter: ExporterConfig{
			Endpoint:       "localhost:4318",
			Protocol:       string(exporter.ProtocolHTTP),
			Timeout:        Duration(disp.ExportTimeout),
			Compression:    string(compression.TypeGzip),
			Workers:        disp.Workers,
			MaxBatchPoints: disp.MaxBatchPoints,
			SpillTimeout:   Duration(disp.SpillTimeout),
		},
		Cardinality: CardinalityConfig{
			Capacity:             card.Capacity,
			IdleTimeout:          Duration(card.IdleTimeout),
			SweepInterval:        Duration(card.SweepInterval),
			AggregateThreshold:   card.AggregateThreshold,
			DropThreshold:        card.DropThreshold,
			OffendingSurprisal:   card.OffendingSurprisal,
			DefaultDropLabels:    card.DefaultDropLabels,
			FlushInterval:        Duration(card.FlushInterval),
			MaxGroups:            card.MaxGroups,
			Signals:              signals,
			ScorerMaxKeys:        card.ScorerMaxKeys,
			ScorerExpectedValues: card.ScorerExpectedValues,
			ScorerWindow:         Duration(card.ScorerWindow),
		},
		Classifier: classify.DefaultConfig(),
		Queue: QueueConfig{
			Capacity:          q.Capacity,
			Shares:            ClassValues[float64]{q.Shares[0], q.Shares[1], q.Shares[2]},
			Weights:           ClassValues[int]{q.Weights[0], q.Weights[1], q.Weights[2]},
			OverflowThreshold: q.OverflowThreshold,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: brk.ConsecutiveFailures,
			FailureRate:         brk.FailureRate,
			Window:              brk.Window,
			MinRequests:         brk.MinRequests,
			ResetTimeout:        Duration(brk.ResetTimeout),
		},
		DLQ: DLQConfig{
			Dir:                d.Dir,
			MaxSize:            ByteSize(d.MaxBytes),
			SegmentMaxSize:     ByteSize(d.SegmentMaxBytes),
			SegmentMaxAge:      Duration(d.SegmentMaxAge),
			Retention:          Duration(d.Retention),
			JanitorInterval:    Duration(d.JanitorInterval),
			PendingItems:       d.PendingItems,
			GroupMaxSize:       ByteSize(d.GroupMaxBytes),
			CommitInterval:     Duration(d.CommitInterval),
			ReplayRate:         ByteSize(d.ReplayBytesPerSecond),
			ReplayBurst:        ByteSize(d.ReplayBurstBytes),
			InterleaveRatio:    d.InterleaveRatio,
			ReplayPollInterval: Duration(d.ReplayPollInterval),
		},
		Degradation: DegradationConfig{
			Enabled:         deg.Enabled,
			SampleInterval:  Duration(deg.SampleInterval),
			MemoryHighWater: deg.MemoryHighWater,
			QueueHighWater:  deg.QueueHighWater,
			Hysteresis:      deg.Hysteresis,
			EscalateAfter:   deg.EscalateAfter,
			RecoverAfter:    deg.RecoverAfter,
			SampleRate:      deg.SampleRate,
		},
		Telemetry: TelemetryConfig{
			Protocol:        "grpc",
			PushInterval:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
	}
}

// HTTPReceiverConfig returns the OTLP/HTTP listener settings.
func (c *Config) HTTPReceiverConfig() receiver.HTTPConfig {
	h := c.Receiver.HTTP
	return receiver.HTTPConfig{
		Addr:                 h.Address,
		MaxRequestBytes:      int64(h.MaxRequestBodySize),
		MaxDecompressedBytes: int64(h.MaxDecompressedSize),
		RetryAfter:           h.RetryAfter.Std(),
		ReadHeaderTimeout:    h.ReadHeaderTimeout.Std(),
		ReadTimeout:          h.ReadTimeout.Std(),
		WriteTimeout:         h.WriteTimeout.Std(),
		IdleTimeout:          h.IdleTimeout.Std(),
		TLS:                  h.TLS.toTLS(),
		Auth:                 h.Auth.toAuth(),
	}
}

// GRPCReceiverConfig returns the OTLP/gRPC listener settings.
func (c *Config) GRPCReceiverConfig() receiver.GRPCConfig {
	g := c.Receiver.GRPC
	return receiver.GRPCConfig{
		Addr:            g.Address,
		MaxRecvMsgBytes: int(g.MaxRecvMsgSize),
		TLS:             g.TLS.toTLS(),
		Auth:            g.Auth.toAuth(),
	}
}

// ExporterConfig returns the destination client settings.
func (c *Config) ExporterConfig() (exporter.Config, error) {
	e := c.Exporter
	ct, err := compression.ParseType(e.Compression)
	if err != nil {
		return exporter.Config{}, fmt.Errorf("exporter: %w", err)
	}
	return exporter.Config{
		Endpoint: e.Endpoint,
		Protocol: exporter.Protocol(e.Protocol),
		Insecure: e.Insecure,
		Timeout:  e.Timeout.Std(),
		TLS:      e.TLS.toTLS(),
		Auth: auth.ClientConfig{
			BearerToken:  e.Auth.BearerToken,
			APIKeyHeader: e.Auth.APIKeyHeader,
			APIKey:       e.Auth.APIKey,
			Headers:      e.Auth.Headers,
		},
		Compression: compression.Config{Type: ct, Level: compression.Level(e.CompressionLevel)},
		HTTPClient: exporter.HTTPClientConfig{
			MaxIdleConns:         e.HTTPClient.MaxIdleConns,
			MaxIdleConnsPerHost:  e.HTTPClient.MaxIdleConnsPerHost,
			MaxConnsPerHost:      e.HTTPClient.MaxConnsPerHost,
			IdleConnTimeout:      e.HTTPClient.IdleConnTimeout.Std(),
			ForceAttemptHTTP2:    e.HTTPClient.ForceAttemptHTTP2,
			HTTP2ReadIdleTimeout: e.HTTPClient.HTTP2ReadIdleTimeout.Std(),
			HTTP2PingTimeout:     e.HTTPClient.HTTP2PingTimeout.Std(),
		},
	}, nil
}

// PipelineConfig returns the settings of every processing stage.
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	kinds := make([]model.SignalKind, 0, len(c.Cardinality.Signals))
	for _, s := range c.Cardinality.Signals {
		k, err := model.ParseSignalKind(s)
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("cardinality.signals: %w", err)
		}
		kinds = append(kinds, k)
	}
	var transform pipeline.Transform
	if len(c.Relabel) > 0 {
		r, err := relabel.New(c.Relabel)
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("relabel: %w", err)
		}
		transform = r.Transform
	}
	cc := c.Cardinality
	d := c.DLQ
	g := c.Degradation
	return pipeline.Config{
		Destination: c.Exporter.Endpoint,
		Cardinality: cardinality.Config{
			Capacity:             cc.Capacity,
			IdleTimeout:          cc.IdleTimeout.Std(),
			SweepInterval:        cc.SweepInterval.Std(),
			AggregateThreshold:   cc.AggregateThreshold,
			DropThreshold:        cc.DropThreshold,
			OffendingSurprisal:   cc.OffendingSurprisal,
			DefaultDropLabels:    cc.DefaultDropLabels,
			Rules:                cc.Rules,
			FlushInterval:        cc.FlushInterval.Std(),
			MaxGroups:            cc.MaxGroups,
			Signals:              kinds,
			ScorerMaxKeys:        cc.ScorerMaxKeys,
			ScorerExpectedValues: cc.ScorerExpectedValues,
			ScorerWindow:         cc.ScorerWindow.Std(),
		},
		Classifier: c.Classifier,
		Queue: queue.Config{
			Capacity:          c.Queue.Capacity,
			Shares:            c.Queue.Shares.array(),
			Weights:           c.Queue.Weights.array(),
			OverflowThreshold: c.Queue.OverflowThreshold,
		},
		Breaker: breaker.Config{
			ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
			FailureRate:         c.Breaker.FailureRate,
			Window:              c.Breaker.Window,
			MinRequests:         c.Breaker.MinRequests,
			ResetTimeout:        c.Breaker.ResetTimeout.Std(),
		},
		Dispatcher: exporter.DispatcherConfig{
			Workers:        c.Exporter.Workers,
			ExportTimeout:  c.Exporter.Timeout.Std(),
			MaxBatchPoints: c.Exporter.MaxBatchPoints,
			SpillTimeout:   c.Exporter.SpillTimeout.Std(),
		},
		DLQ: dlq.Config{
			Dir:                  d.Dir,
			MaxBytes:             int64(d.MaxSize),
			SegmentMaxBytes:      int64(d.SegmentMaxSize),
			SegmentMaxAge:        d.SegmentMaxAge.Std(),
			Retention:            d.Retention.Std(),
			JanitorInterval:      d.JanitorInterval.Std(),
			PendingItems:         d.PendingItems,
			GroupMaxBytes:        int(d.GroupMaxSize),
			CommitInterval:       d.CommitInterval.Std(),
			ReplayBytesPerSecond: int(d.ReplayRate),
			ReplayBurstBytes:     int(d.ReplayBurst),
			InterleaveRatio:      d.InterleaveRatio,
			ReplayPollInterval:   d.ReplayPollInterval.Std(),
		},
		Degradation: degrade.Config{
			Enabled:         g.Enabled,
			SampleInterval:  g.SampleInterval.Std(),
			MemoryHighWater: g.MemoryHighWater,
			QueueHighWater:  g.QueueHighWater,
			Hysteresis:      g.Hysteresis,
			EscalateAfter:   g.EscalateAfter,
			RecoverAfter:    g.RecoverAfter,
			SampleRate:      g.SampleRate,
			MemoryLimit:     int64(g.MemoryLimit),
		},
		ShutdownTimeout: c.ShutdownTimeout.Std(),
		Transform:       transform,
	}, nil
}

// TelemetryConfig returns the self-monitoring push settings.
func (c *Config) TelemetryConfig() telemetry.Config {
	t := c.Telemetry
	return telemetry.Config{
		Endpoint:        t.Endpoint,
		Protocol:        t.Protocol,
		Insecure:        t.Insecure,
		Timeout:         t.Timeout.Std(),
		PushInterval:    t.PushInterval.Std(),
		Compression:     t.Compression,
		Headers:         t.Headers,
		ShutdownTimeout: t.ShutdownTimeout.Std(),
		TLS:             t.TLS.toTLS(),
	}
}
