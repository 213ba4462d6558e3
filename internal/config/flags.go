package config

import (
	"flag"
	"fmt"
	"io"
	"time"
)

// flagValues holds the command line overrides before they are applied.
type flagValues struct {
	configFile       string
	showVersion      bool
	dumpConfig       bool
	logLevel         string
	grpcAddr         string
	httpAddr         string
	statsAddr        string
	exporterEndpoint string
	exporterProtocol string
	exporterInsecure bool
	compression      string
	workers          int
	queueCapacity    int
	cardCapacity     int
	dlqDir           string
	dlqMaxSize       ByteSize
	degradation      bool
	memoryLimitRatio float64
	shutdownTimeout  time.Duration
	telemetryAddr    string
}

func newFlagSet(v *flagValues, output io.Writer) *flag.FlagSet {
	def := DefaultConfig()
	fs := flag.NewFlagSet("telemetry-governor", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&v.configFile, "config", "", "Path to YAML configuration file")
	fs.BoolVar(&v.showVersion, "version", false, "Show version")
	fs.BoolVar(&v.dumpConfig, "dump-config", false, "Print the effective configuration and exit")
	fs.StringVar(&v.logLevel, "log-level", def.LogLevel, "Log level: debug, info, warn, error")

	fs.StringVar(&v.grpcAddr, "grpc-listen", def.Receiver.GRPC.Address, "OTLP/gRPC listen address (empty disables)")
	fs.StringVar(&v.httpAddr, "http-listen", def.Receiver.HTTP.Address, "OTLP/HTTP listen address (empty disables)")
	fs.StringVar(&v.statsAddr, "stats-addr", def.StatsAddr, "Address for /metrics, /live and /ready")

	fs.StringVar(&v.exporterEndpoint, "exporter-endpoint", def.Exporter.Endpoint, "Destination endpoint")
	fs.StringVar(&v.exporterProtocol, "exporter-protocol", def.Exporter.Protocol, "Destination protocol: http or grpc")
	fs.BoolVar(&v.exporterInsecure, "exporter-insecure", def.Exporter.Insecure, "Use plaintext to the destination")
	fs.StringVar(&v.compression, "exporter-compression", def.Exporter.Compression, "Export compression: none, gzip, zstd, snappy, zlib, deflate, lz4")
	fs.IntVar(&v.workers, "exporter-workers", def.Exporter.Workers, "Number of export workers")

	fs.IntVar(&v.queueCapacity, "queue-capacity", def.Queue.Capacity, "Total in-memory queue capacity in batches")
	fs.IntVar(&v.cardCapacity, "cardinality-capacity", def.Cardinality.Capacity, "Maximum admitted series")

	fs.StringVar(&v.dlqDir, "dlq-dir", def.DLQ.Dir, "Dead-letter queue directory")
	v.dlqMaxSize = def.DLQ.MaxSize
	fs.Var(&v.dlqMaxSize, "dlq-max-size", "Dead-letter queue disk budget (e.g. 15Gi)")

	fs.BoolVar(&v.degradation, "degradation-enabled", def.Degradation.Enabled, "Enable adaptive degradation")
	fs.Float64Var(&v.memoryLimitRatio, "memory-limit-ratio", def.MemoryLimitRatio, "GOMEMLIMIT as a fraction of available memory (0 disables)")
	fs.DurationVar(&v.shutdownTimeout, "shutdown-timeout", def.ShutdownTimeout.Std(), "Bound on draining the queue at shutdown")
	fs.StringVar(&v.telemetryAddr, "telemetry-endpoint", def.Telemetry.Endpoint, "OTLP endpoint for self-monitoring (empty disables)")
	return fs
}

// Load parses args, reads the config file named by -config and applies the
// flags that were set explicitly on top of it. Validation is left to the
// caller so -version and -dump-config work with an incomplete config.
func Load(args []string, output io.Writer) (*Config, error) {
	var v flagValues
	fs := newFlagSet(&v, output)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := DefaultConfig()
	if v.configFile != "" {
		loaded, err := LoadYAML(v.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ShowVersion = v.showVersion
	cfg.DumpConfig = v.dumpConfig

	fs.Visit(func(f *flag.Flag) {
		applyFlag(cfg, &v, f.Name)
	})
	return cfg, nil
}

func applyFlag(cfg *Config, v *flagValues, name string) {
	switch name {
	case "log-level":
		cfg.LogLevel = v.logLevel
	case "grpc-listen":
		cfg.Receiver.GRPC.Address = v.grpcAddr
	case "http-listen":
		cfg.Receiver.HTTP.Address = v.httpAddr
	case "stats-addr":
		cfg.StatsAddr = v.statsAddr
	case "exporter-endpoint":
		cfg.Exporter.Endpoint = v.exporterEndpoint
	case "exporter-protocol":
		cfg.Exporter.Protocol = v.exporterProtocol
	case "exporter-insecure":
		cfg.Exporter.Insecure = v.exporterInsecure
	case "exporter-compression":
		cfg.Exporter.Compression = v.compression
	case "exporter-workers":
		cfg.Exporter.Workers = v.workers
	case "queue-capacity":
		cfg.Queue.Capacity = v.queueCapacity
	case "cardinality-capacity":
		cfg.Cardinality.Capacity = v.cardCapacity
	case "dlq-dir":
		cfg.DLQ.Dir = v.dlqDir
	case "dlq-max-size":
		cfg.DLQ.MaxSize = v.dlqMaxSize
	case "degradation-enabled":
		cfg.Degradation.Enabled = v.degradation
	case "memory-limit-ratio":
		cfg.MemoryLimitRatio = v.memoryLimitRatio
	case "shutdown-timeout":
		cfg.ShutdownTimeout = Duration(v.shutdownTimeout)
	case "telemetry-endpoint":
		cfg.Telemetry.Endpoint = v.telemetryAddr
	}
}

// PrintVersion prints the version.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "telemetry-governor version %s\n", version)
}
