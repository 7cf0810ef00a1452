package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/vanet-simulator/internal/config"
	"github.com/signalsfoundry/vanet-simulator/internal/logging"
	"github.com/signalsfoundry/vanet-simulator/internal/observability"
	"github.com/signalsfoundry/vanet-simulator/internal/results"
	"github.com/signalsfoundry/vanet-simulator/internal/scenario"
	"github.com/signalsfoundry/vanet-simulator/internal/statusserver"
	"github.com/signalsfoundry/vanet-simulator/internal/transport/mqttbridge"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation and export every vehicle's teardown statistics.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := cmd.Flags()
			envFile, _ := fs.GetString("env-file")
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}

			loader := config.NewLoader()
			if err := loader.BindFlags(fs); err != nil {
				return err
			}
			path, _ := fs.GetString("config")
			cfg, err := loader.Load(path)
			if err != nil {
				return err
			}
			cfg.Log.Output = cmd.ErrOrStderr()
			return runSimulation(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

// runSimulation wires the configured sinks, bridge and status server around
// one scenario run and waits for all of them to finish.
func runSimulation(ctx context.Context, cfg config.Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logging.New(cfg.Log)
	ctx, _ = logging.EnsureRunID(ctx)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.WithoutCancel(ctx), shutdownTracing, log)

	deps := scenario.Deps{Log: log}

	var reports *observability.ReportCollector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		if reports, err = observability.NewReportCollector(reg); err != nil {
			return fmt.Errorf("init report metrics: %w", err)
		}
		steps, err := observability.NewSimulationCollector(reg)
		if err != nil {
			return fmt.Errorf("init simulation metrics: %w", err)
		}
		deps.Reports = reports
		deps.Steps = steps
		deps.Sinks = append(deps.Sinks, reports)
	}

	if cfg.Results.SQLitePath != "" {
		store, err := results.OpenSQLite(ctx, cfg.Results.SQLitePath)
		if err != nil {
			return fmt.Errorf("open results store: %w", err)
		}
		defer store.Close()
		deps.Sinks = append(deps.Sinks, store)
	}
	if cfg.Results.Table {
		deps.Sinks = append(deps.Sinks, results.NewTableSink(out))
	}
	if cfg.Results.Archive.Enabled {
		archive, err := results.NewMinIOArchive(cfg.Results.Archive.ArchiveOptions, log)
		if err != nil {
			return fmt.Errorf("init results archive: %w", err)
		}
		deps.Sinks = append(deps.Sinks, archive)
	}

	var bridge *mqttbridge.Bridge
	if cfg.MQTT.Enabled {
		var disconnect func()
		bridge, disconnect = startBridge(ctx, cfg.MQTT, log)
		defer disconnect()
		if bridge != nil {
			deps.Taps = append(deps.Taps, bridge.Tap)
		}
	}

	runner, err := scenario.New(cfg.Simulation, cfg.Overhead, deps)
	if err != nil {
		return fmt.Errorf("build scenario: %w", err)
	}

	var status *statusserver.Server
	if cfg.Status.Enabled {
		if status, err = statusserver.New(cfg.Status, runner, reports, log); err != nil {
			return fmt.Errorf("init status server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	statusCtx, stopStatus := context.WithCancel(gctx)
	defer stopStatus()

	if status != nil {
		g.Go(func() error { return status.Run(statusCtx) })
	}
	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx) })
	}

	var summary scenario.Summary
	g.Go(func() error {
		defer stopStatus()
		if bridge != nil {
			defer bridge.Close()
		}
		if status != nil {
			status.SetReady(true)
			defer status.SetReady(false)
		}

		var runErr error
		summary, runErr = runner.Run(gctx)
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	fields := []logging.Field{
		logging.String("simulated", summary.Simulated.String()),
		logging.Int("vehicles", len(summary.Results)),
		logging.Int("frames_sent", int(summary.Medium.Sent)),
		logging.Int("frames_delivered", int(summary.Medium.Delivered)),
		logging.Any("trust", summary.Trust),
	}
	if bridge != nil {
		stats := bridge.Stats()
		fields = append(fields,
			logging.Int("mqtt_published", int(stats.Published)),
			logging.Int("mqtt_dropped", int(stats.Dropped)),
		)
	}
	log.Info(ctx, "run complete", fields...)
	return nil
}

// startBridge connects to the broker. A broker that cannot be reached only
// disables the mirror. The returned func disconnects and is never nil.
func startBridge(ctx context.Context, cfg mqttbridge.Config, log logging.Logger) (*mqttbridge.Bridge, func()) {
	pub, err := mqttbridge.Connect(ctx, cfg, log)
	if err != nil {
		log.Warn(ctx, "mqtt mirror disabled", logging.Err(err))
		return nil, func() {}
	}
	disconnect := func() { pub.Disconnect(context.WithoutCancel(ctx)) }

	bridge, err := mqttbridge.New(cfg, pub, log)
	if err != nil {
		log.Warn(ctx, "mqtt mirror disabled", logging.Err(err))
		disconnect()
		return nil, func() {}
	}
	return bridge, disconnect
}
