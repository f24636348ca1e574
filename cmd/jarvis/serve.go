package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jarvislabs/jarvis/internal/audit"
	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/config"
	"github.com/jarvislabs/jarvis/internal/hub"
	"github.com/jarvislabs/jarvis/internal/kv"
	"github.com/jarvislabs/jarvis/internal/observability"
	"github.com/jarvislabs/jarvis/internal/storage"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fabric hub",
		Long: `Run the hub: the WebSocket control plane, the task scheduler, the
agent heartbeat monitor, coordination handling, channel relays and cron
jobs. Agents and dashboards connect to this process.

Shuts down gracefully on SIGINT/SIGTERM.`,
		Example: `  # Defaults plus environment overrides
  jarvis serve

  # Explicit config file
  jarvis serve --config /etc/jarvis/jarvis.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	observability.SetupLogging(level, cfg.Logging.Format)

	slog.Info("starting jarvis hub",
		"version", version,
		"config", configPath,
		"addr", fmt.Sprintf("%s:%d", cfg.Hub.Host, cfg.Hub.Port),
	)

	layout, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	if logsDir, err := layout.LogsDir(); err == nil {
		auditLog, err := audit.New(audit.Config{Dir: logsDir})
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		audit.SetDefault(auditLog)
		defer auditLog.Close()
	}

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "jarvis-hub",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		SamplingRate:   cfg.Observability.SampleRate,
		Insecure:       cfg.Observability.Insecure,
	})
	defer shutdownTracer(context.Background())

	b, err := bus.Connect(cfg.Bus.URL, "jarvis-hub")
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	store, err := kv.Open(ctx, cfg.KV.URL)
	if err != nil {
		return fmt.Errorf("connect kv: %w", err)
	}
	defer store.Close()

	server, err := hub.New(cfg, b, store, layout, metrics, tracer, slog.Default())
	if err != nil {
		return fmt.Errorf("assemble hub: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop hub: %w", err)
	}
	slog.Info("hub stopped")
	return nil
}
