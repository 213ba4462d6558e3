package config

import (
	"errors"
	"fmt"

	"github.com/szibis/telemetry-governor/internal/classify"
	"github.com/szibis/telemetry-governor/internal/exporter"
	"github.com/szibis/telemetry-governor/internal/logging"
)

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		add("log_level", fmt.Errorf("unknown level %q", c.LogLevel))
	}
	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		add("memory_limit_ratio", fmt.Errorf("must be in [0,1], got %.2f", c.MemoryLimitRatio))
	}
	if c.Receiver.GRPC.Address == "" && c.Receiver.HTTP.Address == "" {
		add("receiver", errors.New("at least one of grpc.address and http.address is required"))
	}
	add("receiver.grpc.tls", c.GRPCReceiverConfig().TLS.Validate())
	add("receiver.http.tls", c.HTTPReceiverConfig().TLS.Validate())
	for name, a := range map[string]ServerAuthConfig{"grpc": c.Receiver.GRPC.Auth, "http": c.Receiver.HTTP.Auth} {
		if a.Enabled && a.BearerToken == "" && a.APIKey == "" {
			add("receiver."+name+".auth", errors.New("enabled without bearer_token or api_key"))
		}
	}

	if c.Exporter.Endpoint == "" {
		add("exporter.endpoint", errors.New("required"))
	}
	switch exporter.Protocol(c.Exporter.Protocol) {
	case exporter.ProtocolHTTP, exporter.ProtocolGRPC:
	default:
		add("exporter.protocol", fmt.Errorf("must be http or grpc, got %q", c.Exporter.Protocol))
	}
	if ec, err := c.ExporterConfig(); err != nil {
		add("exporter.compression", err)
	} else {
		add("exporter.tls", ec.TLS.Validate())
	}
	if c.Exporter.Workers <= 0 {
		add("exporter.workers", fmt.Errorf("must be positive, got %d", c.Exporter.Workers))
	}

	pc, err := c.PipelineConfig()
	if err != nil {
		errs = append(errs, err)
	} else {
		add("cardinality", pc.Cardinality.Validate())
		add("queue", pc.Queue.Validate())
		add("breaker", pc.Breaker.Validate())
		add("dlq", pc.DLQ.Validate())
		add("degradation", pc.Degradation.Validate())
	}
	if _, err := classify.New(c.Classifier); err != nil {
		add("classifier", err)
	}

	switch c.Telemetry.Protocol {
	case "grpc", "http":
	default:
		add("telemetry.protocol", fmt.Errorf("must be http or grpc, got %q", c.Telemetry.Protocol))
	}
	return errors.Join(errs...)
}
