package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/chatrelay/internal/app"
	"github.com/MrWong99/chatrelay/internal/config"
	"github.com/MrWong99/chatrelay/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat front-ends and the HTTP listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func serve(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("chatrelay starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitTelemetry(parent, observe.TelemetryConfig{
		ServiceName:    "chatrelay",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg.Providers, reg, metrics)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(telemetry.MetricsHandler()),
		app.WithLogLevel(level),
	)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, application.Reload)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	} else {
		runErr = nil
		slog.Info("shutdown signal received, stopping")
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	slog.Info("goodbye")
	return runErr
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        chatrelay: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Completion", providerLabel(cfg.Providers.Completion))
	printRow("Fallbacks", fmt.Sprint(len(cfg.Providers.CompletionFallbacks)))
	printRow("Transcription", providerLabel(cfg.Providers.Transcription))
	printRow("Telegram", enabled(cfg.Telegram.Enabled()))
	printRow("Discord", enabled(cfg.Discord.Enabled()))
	printRow("Storage", string(cfg.Storage.Driver))
	if t := cfg.Dialog.Timeout(); t > 0 {
		printRow("Dialog timeout", t.String())
	} else {
		printRow("Dialog timeout", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", key, value)
}

func providerLabel(e config.ProviderEntry) string {
	if !e.Configured() {
		return "(not configured)"
	}
	return e.Label()
}

func enabled(ok bool) string {
	if ok {
		return "enabled"
	}
	return "(disabled)"
}
