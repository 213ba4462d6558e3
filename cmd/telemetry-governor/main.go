package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/telemetry-governor/internal/config"
	"github.com/szibis/telemetry-governor/internal/exporter"
	"github.com/szibis/telemetry-governor/internal/health"
	"github.com/szibis/telemetry-governor/internal/logging"
	"github.com/szibis/telemetry-governor/internal/pipeline"
	"github.com/szibis/telemetry-governor/internal/receiver"
	"github.com/szibis/telemetry-governor/internal/stats"
	"github.com/szibis/telemetry-governor/internal/telemetry"
)

const serviceName = "telemetry-governor"

// listener is a receiver the process starts and stops.
type listener interface {
	Start() error
	Stop(ctx context.Context) error
	HealthCheck() error
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if cfg.ShowVersion {
		config.PrintVersion(os.Stdout)
		return 0
	}
	if cfg.DumpConfig {
		out, err := config.Dump(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Print(out)
		return 0
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		return 2
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.SetLevel(level)
	logging.SetResource(map[string]string{"service.name": serviceName, "service.version": config.GetVersion()})

	if cfg.MemoryLimitRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.MemoryLimitRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
		)
		if err != nil {
			logging.Warn("could not set memory limit", logging.F("error", err.Error()))
		} else {
			logging.Info("memory limit set", logging.F("bytes", limit, "ratio", cfg.MemoryLimitRatio))
		}
	}

	if err := serve(cfg); err != nil {
		logging.Error("exiting with error", logging.F("error", err.Error()))
		return 1
	}
	return 0
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(), telemetry.Identity{ServiceName: serviceName, ServiceVersion: config.GetVersion()})
	if err != nil {
		return err
	}
	if tel.Enabled() {
		logging.SetHook(tel.NewLogHook())
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
			defer cancel()
			logging.SetHook(nil)
			if err := tel.Shutdown(sctx); err != nil {
				logging.Warn("telemetry shutdown", logging.F("error", err.Error()))
			}
		}()
	}

	ecfg, err := cfg.ExporterConfig()
	if err != nil {
		return err
	}
	exp, err := exporter.New(ecfg)
	if err != nil {
		return fmt.Errorf("creating exporter: %w", err)
	}
	defer exp.Close()

	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}
	p, err := pipeline.New(pcfg, exp)
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	checker := health.New()
	checker.RegisterReadiness("pipeline", p.Ready)
	checker.RegisterDegradation("destination", p.Degraded)

	var listeners []listener
	if cfg.Receiver.GRPC.Address != "" {
		r, err := receiver.NewGRPC(cfg.GRPCReceiverConfig(), p)
		if err != nil {
			return err
		}
		listeners = append(listeners, r)
		checker.RegisterReadiness("grpc_receiver", r.HealthCheck)
	}
	if cfg.Receiver.HTTP.Address != "" {
		r, err := receiver.NewHTTP(cfg.HTTPReceiverConfig(), p)
		if err != nil {
			return err
		}
		listeners = append(listeners, r)
		checker.RegisterReadiness("http_receiver", r.HealthCheck)
	}

	reporter := stats.NewReporter(p, 30*time.Second)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/live", checker.LiveHandler())
	mux.Handle("/ready", checker.ReadyHandler())
	mux.Handle("/debug/stats", reporter)
	statsServer := &http.Server{Addr: cfg.StatsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	statsDone := make(chan error, 1)
	go func() {
		logging.Info("stats endpoint started", logging.F("addr", cfg.StatsAddr))
		if err := statsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			statsDone <- err
			return
		}
		statsDone <- nil
	}()

	// The pipeline outlives the receivers so requests in flight during
	// shutdown still reach the queue and are drained to the DLQ.
	pipeCtx, stopPipeline := context.WithCancel(context.Background())
	defer stopPipeline()
	pipeDone := make(chan error, 1)
	go func() { pipeDone <- p.Run(pipeCtx) }()

	logging.Info("telemetry-governor started", logging.F(
		"grpc_addr", cfg.Receiver.GRPC.Address,
		"http_addr", cfg.Receiver.HTTP.Address,
		"exporter_endpoint", cfg.Exporter.Endpoint,
		"exporter_protocol", cfg.Exporter.Protocol,
		"dlq_dir", cfg.DLQ.Dir,
		"version", config.GetVersion(),
	))

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(l.Start)
	}
	g.Go(func() error {
		reporter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down")
		checker.SetShuttingDown()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
		defer cancel()
		var errs []error
		for _, l := range listeners {
			errs = append(errs, l.Stop(sctx))
		}
		return errors.Join(errs...)
	})
	runErr := g.Wait()

	stopPipeline()
	if err := <-pipeDone; err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("pipeline: %w", err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = statsServer.Shutdown(sctx)
	if err := <-statsDone; err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("stats server: %w", err))
	}

	final := p.Stats()
	logging.Info("shutdown complete", logging.F(
		"exported_points", final.Export.ExportedPoints,
		"dlq_segments", final.DLQ.Segments,
		"dlq_disk_bytes", final.DLQ.DiskBytes,
	))
	return runErr
}
