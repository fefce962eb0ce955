// Command effectivetray runs a participant node: it loads the scene, joins
// the session relay, executes delegated requests when it is the authority
// and serves the macro tools over MCP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/etiquettestartshere/effectivetray/internal/app"
	"github.com/etiquettestartshere/effectivetray/internal/config"
	"github.com/etiquettestartshere/effectivetray/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher loads the file once up front and then polls it for
	// hot-reloadable changes.
	var running atomic.Pointer[app.App]
	watcher, err := config.NewWatcher(*configPath, func(prev, next *config.Config) {
		if a := running.Load(); a != nil {
			a.Reload(prev, next)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "effectivetray: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "effectivetray: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	// Logs go to stderr: stdout carries the MCP stdio transport.
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("effectivetray starting",
		"config", *configPath,
		"version", version,
		"participant", cfg.Participant.ID,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "effectivetray",
		ServiceVersion: version,
		ParticipantID:  cfg.Participant.ID,
		Role:           observe.RoleFor(cfg.Participant.Authority),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg,
		app.WithLogLevel(level),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	running.Store(application)

	slog.Info("node ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	w := os.Stderr
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║     effectivetray: startup summary    ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow("Participant", cfg.Participant.ID)
	printRow("Authority", fmt.Sprint(cfg.Participant.Authority))
	printRow("Relay", orDisabled(cfg.Relay.URL))
	if cfg.Store.PostgresDSN != "" {
		printRow("Effect store", "postgres")
	} else {
		printRow("Effect store", "memory")
	}
	printRow("Scene", orDisabled(cfg.Scene.File))
	printRow("Foundry world", orDisabled(cfg.Scene.FoundryExport))
	if cfg.Discord.Token != "" {
		printRow("Discord", "channel "+cfg.Discord.ChannelID)
	} else {
		printRow("Discord", "(disabled)")
	}
	if cfg.MCP.Stdio {
		printRow("MCP", "stdio")
	} else {
		printRow("MCP", "(disabled)")
	}
	printRow("Listen addr", orDisabled(cfg.Server.ListenAddr))
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(os.Stderr, "║  %-14s  : %-19s ║\n", label, value)
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
