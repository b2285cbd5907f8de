package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/agentsim/core"
	"github.com/signalsfoundry/agentsim/internal/config"
	"github.com/signalsfoundry/agentsim/internal/export"
	"github.com/signalsfoundry/agentsim/internal/healthsrv"
	"github.com/signalsfoundry/agentsim/internal/logging"
	"github.com/signalsfoundry/agentsim/internal/observability"
	"github.com/signalsfoundry/agentsim/internal/scenario"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a model described by a configuration file",
		Long: `Build the configured scenario and step it to completion.

Flags override the matching configuration keys. The command exits non-zero
when a fail-fast run aborts on an agent fault, when the configuration is
invalid, or when exporting records fails.

Examples:
  agentsim run --config runs/wealth.yaml
  agentsim run --config runs/epidemic.yaml --seed 7 --fail-fast
  agentsim run --config runs/wealth.yaml --export-format sqlite --export-path out.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			if err := applyRunFlags(cmd, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sum, err := run(ctx, cfg, log, runOptions{})
			jsonOut, _ := cmd.Flags().GetBool("json")
			if printErr := sum.print(cmd.OutOrStdout(), jsonOut); printErr != nil && err == nil {
				err = printErr
			}
			return err
		},
	}
	cmd.Flags().String("config", "", "Path to the run configuration (YAML)")
	cmd.Flags().Int("steps", 0, "Number of steps to run")
	cmd.Flags().Int64("seed", 0, "Seed for the model's generator")
	cmd.Flags().Bool("fail-fast", false, "Abort the run on the first agent fault")
	cmd.Flags().String("metrics-addr", "", "HTTP address for Prometheus /metrics")
	cmd.Flags().String("grpc-addr", "", "TCP address for the gRPC health service")
	cmd.Flags().String("export-format", "", "Record export format: jsonl, sqlite or proto")
	cmd.Flags().String("export-path", "", "Record export destination")
	return cmd
}

// applyRunFlags copies explicitly set flags over cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("steps") {
		n, err := flags.GetInt("steps")
		if err != nil {
			return err
		}
		cfg.Steps = n
	}
	if flags.Changed("seed") {
		seed, err := flags.GetInt64("seed")
		if err != nil {
			return err
		}
		cfg.SetSeed(seed)
	}
	if flags.Changed("fail-fast") {
		if failFast, _ := flags.GetBool("fail-fast"); failFast {
			cfg.FaultPolicy = core.FaultPolicyFailFast.String()
		} else {
			cfg.FaultPolicy = core.FaultPolicyIsolate.String()
		}
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("grpc-addr") {
		cfg.Health.GRPCAddr, _ = flags.GetString("grpc-addr")
	}
	if flags.Changed("export-format") {
		cfg.Export.Format, _ = flags.GetString("export-format")
	}
	if flags.Changed("export-path") {
		cfg.Export.Path, _ = flags.GetString("export-path")
	}
	return nil
}

type runOptions struct {
	// GRPCListener replaces cfg.Health.GRPCAddr when set.
	GRPCListener net.Listener
	// Registry receives engine and RPC metrics; a fresh one is used when nil.
	Registry *prometheus.Registry
	// Sinks are attached to the model next to the built-in collectors.
	Sinks []core.EventSink
}

// run builds the model from a validated cfg and steps it until cfg.Steps
// have completed, a step fails, or ctx is cancelled. Cancellation is not an
// error: the summary reports how far the run got.
func run(ctx context.Context, cfg *config.Config, log logging.Logger, opts runOptions) (runSummary, error) {
	ctx, log = logging.WithRunLogger(ctx, log)
	runID := logging.RunIDFromContext(ctx)
	sum := runSummary{RunID: runID, Scenario: cfg.Scenario.Name}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		return sum, fmt.Errorf("%w: tracing: %v", core.ErrInvalidConfig, err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	engine, err := observability.NewEngineCollector(reg)
	if err != nil {
		return sum, fmt.Errorf("engine metrics: %w", err)
	}
	rpc, err := observability.NewRPCCollector(reg)
	if err != nil {
		return sum, fmt.Errorf("rpc metrics: %w", err)
	}

	metricsSrv := serveMetrics(ctx, cfg.Metrics.Addr, engine, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	health := healthsrv.New(healthsrv.Options{Logger: log, RunID: runID, Metrics: rpc})
	switch {
	case opts.GRPCListener != nil:
		go func() {
			if err := health.Serve(opts.GRPCListener); err != nil {
				log.Error(ctx, "health server exited", logging.Err(err))
			}
		}()
		defer health.Stop()
	case cfg.Health.GRPCAddr != "":
		if _, err := health.Listen(ctx, cfg.Health.GRPCAddr); err != nil {
			return sum, err
		}
		defer health.Stop()
	}

	sinks := append([]core.EventSink{engine, observability.NewLogSink(log), health}, opts.Sinks...)
	m, err := scenario.Build(cfg, core.WithEventSink(core.NewMultiSink(sinks...)))
	if err != nil {
		return sum, err
	}
	defer m.Close()

	out, err := export.Open(ctx, cfg.Export, runID)
	if err != nil {
		return sum, fmt.Errorf("open export: %w", err)
	}
	if out != nil {
		m.Collector().AddSink(out)
		defer func() {
			if err := out.Close(); err != nil {
				log.Warn(ctx, "closing export failed", logging.Err(err))
			}
		}()
	}

	log.Info(ctx, "run starting",
		logging.String("scenario", cfg.Scenario.Name),
		logging.Int("agents", m.Len()),
		logging.Int("steps", cfg.Steps),
		logging.String("policy", m.Scheduler().Policy().String()),
		logging.String("fault_policy", m.FaultPolicy().String()),
	)

	rep, err := m.Run(ctx, cfg.Steps)
	sum.Steps = rep.Steps
	sum.LastStep = rep.LastStep
	sum.Faults = m.FaultCount()
	sum.LiveAgents = m.Len()

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		sum.Interrupted = true
		err = nil
	}

	fields := []logging.Field{
		logging.Int("steps", sum.Steps),
		logging.Uint64("last_step", sum.LastStep),
		logging.Int("faults", sum.Faults),
		logging.Int("live_agents", sum.LiveAgents),
	}
	switch {
	case err != nil:
		log.Error(ctx, "run failed", append(fields, logging.Err(err))...)
	case sum.Interrupted:
		log.Warn(ctx, "run interrupted", fields...)
	default:
		log.Info(ctx, "run finished", fields...)
	}
	return sum, err
}

func serveMetrics(ctx context.Context, addr string, collector *observability.EngineCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(ctx, "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
