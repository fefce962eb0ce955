// Package app wires the subsystems of a participant node into a running
// application.
//
// The App struct owns the full lifecycle: New loads the scene and connects
// every subsystem, Run serves until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithTransport,
// WithEffectStore, WithNotifier, etc.). When an option is not provided, New
// builds the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/etiquettestartshere/effectivetray/internal/bus"
	"github.com/etiquettestartshere/effectivetray/internal/config"
	"github.com/etiquettestartshere/effectivetray/internal/damage"
	"github.com/etiquettestartshere/effectivetray/internal/discord"
	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/internal/effect"
	"github.com/etiquettestartshere/effectivetray/internal/effectstore"
	"github.com/etiquettestartshere/effectivetray/internal/entity"
	"github.com/etiquettestartshere/effectivetray/internal/health"
	"github.com/etiquettestartshere/effectivetray/internal/mcp/tools"
	"github.com/etiquettestartshere/effectivetray/internal/observe"
	"github.com/etiquettestartshere/effectivetray/internal/relay"
	"github.com/etiquettestartshere/effectivetray/internal/tray"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// App owns all subsystem lifetimes of a participant node.
type App struct {
	cfg     *config.Config
	version string
	self    types.Participant

	// Subsystems, initialised in New and torn down in Shutdown.
	entities   *entity.MemStore
	catalog    *effect.Catalog
	effects    effect.Store
	hooks      *effect.Hooks
	channel    dispatch.Channel
	roster     dispatch.Roster
	relay      *relay.Client
	notifier   dispatch.Notifier
	dispatcher *dispatch.Dispatcher
	engine     *effect.Engine
	damage     *damage.Applicator
	tray       *tray.Tray
	mcpServer  *mcp.Server
	transport  mcp.Transport
	readiness  health.Node
	metrics    *observe.Metrics
	logLevel   *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTransport connects the node through ch and roster instead of the
// relay configured in relay.url.
func WithTransport(ch dispatch.Channel, roster dispatch.Roster) Option {
	return func(a *App) {
		a.channel = ch
		a.roster = roster
	}
}

// WithEffectStore injects the applied-effect store instead of creating one
// from store.postgres_dsn.
func WithEffectStore(s effect.Store) Option {
	return func(a *App) { a.effects = s }
}

// WithNotifier injects the warning notifier instead of creating one from
// the discord section.
func WithNotifier(n dispatch.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMCPTransport serves the macro tools on t. By default they are served
// on stdin/stdout when mcp.stdio is set, and not at all otherwise.
func WithMCPTransport(t mcp.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets Reload adjust the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithVersion sets the version reported by the MCP server.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
//
// New performs all initialisation synchronously: scene loading, effect store
// connection and migration, transport setup, and construction of the engine,
// applicator, dispatcher, tray and macro tools. The dispatcher accepts
// delegated requests as soon as New returns; relay, HTTP and MCP serving
// start with Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		version: "dev",
		self: types.Participant{
			ID:        cfg.Participant.ID,
			Name:      cfg.Participant.Name,
			Authority: cfg.Participant.Authority,
			Active:    true,
		},
		hooks: &effect.Hooks{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.self.ID == "" {
		return nil, errors.New("app: participant.id is required")
	}

	// ── 1. Scene ─────────────────────────────────────────────────────────
	if err := a.initScene(ctx); err != nil {
		return nil, fmt.Errorf("app: init scene: %w", err)
	}

	// ── 2. Effect store ──────────────────────────────────────────────────
	if err := a.initEffectStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init effect store: %w", err)
	}

	// ── 3. Transport ─────────────────────────────────────────────────────
	if err := a.initTransport(); err != nil {
		return nil, fmt.Errorf("app: init transport: %w", err)
	}

	// ── 4. Notifier ──────────────────────────────────────────────────────
	if err := a.initNotifier(); err != nil {
		return nil, fmt.Errorf("app: init notifier: %w", err)
	}

	// ── 5. Engine, applicator, dispatcher ────────────────────────────────
	a.initCore()

	// ── 6. Tray + macro tools ────────────────────────────────────────────
	if err := a.initTray(); err != nil {
		return nil, fmt.Errorf("app: init tray: %w", err)
	}

	a.readiness.Roster = a.roster
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initScene loads entities and effect templates from the configured files.
func (a *App) initScene(ctx context.Context) error {
	a.entities = entity.NewMemStore()
	a.catalog = effect.NewCatalog()

	if path := a.cfg.Scene.File; path != "" {
		scene, err := entity.LoadSceneFile(path)
		if err != nil {
			return err
		}
		n, err := entity.ImportScene(ctx, a.entities, a.catalog, scene)
		if err != nil {
			return err
		}
		slog.Info("imported scene", "path", path, "entities", n, "templates", len(scene.Templates))
	}

	if path := a.cfg.Scene.FoundryExport; path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open foundry export %q: %w", path, err)
		}
		defer f.Close()
		scene, err := entity.ParseFoundryVTT(f)
		if err != nil {
			return fmt.Errorf("parse foundry export %q: %w", path, err)
		}
		n, err := entity.ImportScene(ctx, a.entities, a.catalog, scene)
		if err != nil {
			return err
		}
		slog.Info("imported foundry world", "path", path, "entities", n, "templates", len(scene.Templates))
	}
	return nil
}

// initEffectStore connects PostgreSQL or falls back to memory.
func (a *App) initEffectStore(ctx context.Context) error {
	if a.effects != nil {
		return nil
	}

	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		a.effects = effectstore.NewMemStore()
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	store := effectstore.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}
	a.effects = store
	a.readiness.Store = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	return nil
}

// initTransport connects the relay client, or an in-process bus when no
// relay is configured.
func (a *App) initTransport() error {
	if a.channel != nil && a.roster != nil {
		return nil
	}

	if a.cfg.Relay.URL == "" {
		slog.Warn("relay.url is empty; running without other participants")
		ep := bus.New().Join(a.self)
		a.channel, a.roster = ep, ep
		a.closers = append(a.closers, func() error {
			ep.Leave()
			return nil
		})
		return nil
	}

	c, err := relay.NewClient(a.cfg.Relay.URL, a.self,
		relay.WithBackoff(a.cfg.Relay.ReconnectInitialBackoff, a.cfg.Relay.ReconnectMaxBackoff),
		relay.WithAuthorityKey(a.cfg.Relay.AuthorityKey),
		relay.WithOnConnect(func() {
			slog.Info("connected to relay", "url", a.cfg.Relay.URL, "participant", a.self.ID)
		}),
	)
	if err != nil {
		return err
	}
	a.relay = c
	a.channel, a.roster = c, c
	a.readiness.Relay = c
	return nil
}

// initNotifier posts warnings to Discord when a bot token is configured.
func (a *App) initNotifier() error {
	if a.notifier != nil {
		return nil
	}
	if a.cfg.Discord.Token == "" {
		a.notifier = dispatch.LogNotifier{}
		return nil
	}

	session, err := discord.Open(a.cfg.Discord.Token)
	if err != nil {
		return err
	}
	a.notifier = discord.NewNotifier(session, a.cfg.Discord.ChannelID, discord.WithParticipant(a.self.Name))
	a.closers = append(a.closers, session.Close)
	slog.Info("discord warnings enabled", "channel_id", a.cfg.Discord.ChannelID)
	return nil
}

// initCore builds the dispatcher and the components it routes to.
func (a *App) initCore() {
	opts := a.cfg.Options

	a.dispatcher = dispatch.New(a.channel, a.roster,
		dispatch.WithNotifier(a.notifier),
		dispatch.WithMetrics(a.metrics),
	)
	a.engine = effect.New(a.effects, a.entities, a.roster,
		effect.WithOptions(opts),
		effect.WithHooks(a.hooks),
		effect.WithLinkSender(a.dispatcher),
		effect.WithMetrics(a.metrics),
	)
	a.damage = damage.New(entity.NewHitPointPipeline(a.entities), a.entities, a.dispatcher,
		damage.WithOptions(opts),
		damage.WithMetrics(a.metrics),
	)

	executor := dispatch.NewEffectExecutor(a.engine, a.catalog, a.effects, a.entities)
	a.dispatcher.Handle(dispatch.KindEffect, executor.Handle)
	a.dispatcher.Handle(dispatch.KindDamage, a.damage.Handle)
	a.dispatcher.Handle(dispatch.KindLink, dispatch.LinkHandler(a.engine))

	// Delegated requests are accepted from here on, even before Run.
	stop := a.dispatcher.Start()
	a.closers = append([]func() error{func() error {
		stop()
		return nil
	}}, a.closers...)
}

// initTray builds the request coordinator and the macro tools on top of it.
func (a *App) initTray() error {
	opts := a.cfg.Options
	t, err := tray.New(tray.Config{
		Self:      a.self,
		Resolver:  a.entities,
		Templates: a.catalog,
		Effects:   a.engine,
		Damage:    a.damage,
		Delegator: a.dispatcher,
		Options:   &opts,
	})
	if err != nil {
		return err
	}
	a.tray = t

	h, err := tools.New(tools.Config{Tray: t, Entities: a.entities, Effects: a.effects})
	if err != nil {
		return err
	}
	a.mcpServer = tools.NewServer(h, a.version)
	if a.transport == nil && a.cfg.MCP.Stdio {
		a.transport = &mcp.StdioTransport{}
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Tray returns the node's request coordinator.
func (a *App) Tray() *tray.Tray { return a.tray }

// Hooks returns the effect hook registry. Handlers registered before Run
// see every application made by this node.
func (a *App) Hooks() *effect.Hooks { return a.hooks }

// Effects returns the applied-effect store.
func (a *App) Effects() effect.Store { return a.effects }

// Entities returns the entity directory.
func (a *App) Entities() *entity.MemStore { return a.entities }

// Health returns the node's health handler.
func (a *App) Health() *health.Handler { return health.ForNode(a.readiness) }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next. It is meant as the
// callback of a [config.Watcher]; changes that need a restart are logged.
func (a *App) Reload(prev, next *config.Config) {
	d := config.Diff(prev, next)

	if d.OptionsChanged {
		a.SetOptions(d.NewOptions)
		slog.Info("options reloaded")
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// SetOptions swaps the option table of every component.
func (a *App) SetOptions(o config.Options) {
	a.engine.SetOptions(o)
	a.damage.SetOptions(o)
	a.tray.SetOptions(o)
}

// SlogLevel maps a configured level to its slog equivalent. Unknown levels
// map to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run blocks until ctx is cancelled.
//
// Run keeps the relay connection alive, serves the macro tools when an MCP
// transport is configured and serves /healthz and /readyz on
// server.listen_addr. When ctx is done, Run returns context.Canceled (or the
// underlying cause). A failing relay or HTTP server stops the others and its
// error is returned.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(ctx) })
	}
	if a.transport != nil {
		g.Go(func() error {
			// The macro client going away leaves the node running.
			if err := a.mcpServer.Run(ctx, a.transport); err != nil && ctx.Err() == nil {
				slog.Warn("mcp session ended", "err", err)
			}
			return nil
		})
	}
	if a.cfg.Server.ListenAddr != "" {
		g.Go(func() error { return a.serveHTTP(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	slog.Info("app running",
		"participant", a.self.ID,
		"authority", a.self.Authority,
		"relay", a.relay != nil,
		"mcp", a.transport != nil,
	)
	return g.Wait()
}

// serveHTTP serves the health endpoints until ctx is done.
func (a *App) serveHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	a.Health().Register(mux)

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
	}()

	var err error
	if tls := a.cfg.Server.TLS; tls != nil {
		err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("app: serve http: %w", err)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting delegated requests, then tears down the other
// subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped. Closer errors are joined with the context error.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, err)
				return
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
