// Command effectiv-relay runs the broadcast relay that connects the
// participant nodes of a session.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/etiquettestartshere/effectivetray/internal/app"
	"github.com/etiquettestartshere/effectivetray/internal/config"
	"github.com/etiquettestartshere/effectivetray/internal/health"
	"github.com/etiquettestartshere/effectivetray/internal/observe"
	"github.com/etiquettestartshere/effectivetray/internal/relay"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", ":8090", "TCP address to listen on")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn or error")
	authorities := flag.String("authorities", "", "comma-separated participant IDs granted authority")
	authorityKey := flag.String("authority-key", os.Getenv("EFFECTIV_RELAY_AUTHORITY_KEY"),
		"bearer token authority participants must present (default $EFFECTIV_RELAY_AUTHORITY_KEY)")
	origins := flag.String("origins", "", "comma-separated origin patterns allowed to open cross-origin websockets")
	flag.Parse()

	lvl := config.LogLevel(*logLevel)
	if !lvl.IsValid() {
		slog.Error("invalid log level", "level", *logLevel)
		return 2
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: app.SlogLevel(lvl)})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "effectiv-relay",
		ServiceVersion: version,
		Role:           observe.RoleRelay,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()
	authorityIDs := splitList(*authorities)
	if len(authorityIDs) == 0 {
		slog.Warn("no -authorities configured; every delegation will fail until one is set")
	} else if *authorityKey == "" {
		slog.Warn("no -authority-key configured; any client may connect under an authority ID")
	}
	hub := relay.NewHub(
		relay.WithHubMetrics(metrics),
		relay.WithAuthorities(authorityIDs...),
		relay.WithAuthorityKey(*authorityKey),
		relay.WithOriginPatterns(splitList(*origins)...),
	)

	// The websocket endpoint bypasses the request middleware, which would
	// hide the connection's Hijacker.
	api := http.NewServeMux()
	api.Handle("GET /metrics", promhttp.Handler())
	health.ForRelay(hub).Register(api)

	mux := http.NewServeMux()
	mux.Handle("GET /ws", hub)
	mux.Handle("/", observe.Middleware(metrics)(api))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("relay listening", "addr", *addr, "version", version)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutdown signal received, stopping")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("relay error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, f := range strings.Split(v, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
