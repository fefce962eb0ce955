package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/etiquettestartshere/effectivetray/internal/app"
	"github.com/etiquettestartshere/effectivetray/internal/bus"
	"github.com/etiquettestartshere/effectivetray/internal/config"
	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/internal/dispatch/mock"
	"github.com/etiquettestartshere/effectivetray/internal/effectstore"
	"github.com/etiquettestartshere/effectivetray/internal/target"
	"github.com/etiquettestartshere/effectivetray/internal/tray"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

const sceneYAML = `
scene:
  name: "Goblin Ambush"
  system: "dnd5e"
entities:
  - id: wizard
    name: "Elara the Wizard"
    type: character
    disposition: 1
    ownership: {alice: 3}
    hp: {value: 22, max: 22}
  - id: ogre
    name: "Grukk"
    type: npc
    disposition: -1
    hp: {value: 59, max: 59}
templates:
  - id: bless
    name: "Bless"
    duration: {seconds: 60}
`

// writeScene writes the test scene to a temporary file and returns its path.
func writeScene(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scene.yaml")
	if err := os.WriteFile(path, []byte(sceneYAML), 0o600); err != nil {
		t.Fatalf("write scene: %v", err)
	}
	return path
}

// testConfig returns a node config without HTTP serving or a relay.
func testConfig(t *testing.T, p types.Participant) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ListenAddr = ""
	cfg.Participant = config.ParticipantConfig{ID: p.ID, Name: p.Name, Authority: p.Authority}
	cfg.Scene.File = writeScene(t)
	return cfg
}

func newNode(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

var (
	gm    = types.Participant{ID: "gm", Name: "GM", Authority: true}
	alice = types.Participant{ID: "alice", Name: "Alice"}
)

func TestNew_LoadsScene(t *testing.T) {
	t.Parallel()

	a := newNode(t, testConfig(t, alice))

	if _, ok := a.Entities().Lookup("ogre"); !ok {
		t.Error("ogre not imported")
	}
	if got := a.Tray().ApplicableEffects(context.Background(), "bless", "unknown"); len(got) != 1 || got[0].ID != "bless" {
		t.Errorf("ApplicableEffects = %+v, want [bless]", got)
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing participant", func(c *config.Config) { c.Participant.ID = "" }},
		{"missing scene", func(c *config.Config) { c.Scene.File = filepath.Join(t.TempDir(), "missing.yaml") }},
		{"missing foundry export", func(c *config.Config) { c.Scene.FoundryExport = filepath.Join(t.TempDir(), "world.json") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t, alice)
			tt.mutate(cfg)
			if _, err := app.New(context.Background(), cfg); err == nil {
				t.Error("New() returned nil error")
			}
		})
	}
}

func TestDelegationBetweenNodes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b := bus.New()
	gmEp, aliceEp := b.Join(gm), b.Join(alice)
	gmNode := newNode(t, testConfig(t, gm), app.WithTransport(gmEp, gmEp))
	aliceNode := newNode(t, testConfig(t, alice), app.WithTransport(aliceEp, aliceEp))

	report, err := aliceNode.Tray().ApplyEffect(ctx, tray.EffectRequest{
		Template: dispatch.TemplateRef{ID: "bless"},
		Targets:  []target.Ref{target.IDs("wizard", "ogre")},
		Mode:     tray.ModeTargeted,
		Gesture:  tray.GestureSecondary,
	})
	if err != nil {
		t.Fatalf("ApplyEffect: %v", err)
	}
	if len(report.Applied) != 1 || !slices.Equal(report.Delegated, []string{"ogre"}) {
		t.Fatalf("report = %+v, want wizard local and ogre delegated", report)
	}

	local, err := aliceNode.Effects().List(ctx, "wizard")
	if err != nil || len(local) != 1 {
		t.Errorf("alice's wizard effects = %v (err %v), want 1", local, err)
	}
	remote, err := gmNode.Effects().List(ctx, "ogre")
	if err != nil || len(remote) != 1 || remote[0].Origin != "bless" {
		t.Errorf("gm's ogre effects = %v (err %v), want bless", remote, err)
	}
	if mine, _ := aliceNode.Effects().List(ctx, "ogre"); len(mine) != 0 {
		t.Errorf("alice applied %d effects to ogre locally, want 0", len(mine))
	}
}

func TestDelegatedConcentrationWithSeparateStores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Each node keeps its own memory store, as with the default config.
	b := bus.New()
	gmEp, aliceEp := b.Join(gm), b.Join(alice)
	gmNode := newNode(t, testConfig(t, gm), app.WithTransport(gmEp, gmEp))
	aliceNode := newNode(t, testConfig(t, alice), app.WithTransport(aliceEp, aliceEp))

	con, err := aliceNode.Effects().Create(ctx, types.AppliedEffect{EntityID: "wizard", Name: "Concentrating"})
	if err != nil {
		t.Fatalf("create concentration: %v", err)
	}

	report, err := aliceNode.Tray().ApplyEffect(ctx, tray.EffectRequest{
		Template:      dispatch.TemplateRef{ID: "bless"},
		Targets:       []target.Ref{target.ID("ogre")},
		Concentration: &con,
		Mode:          tray.ModeTargeted,
		Gesture:       tray.GestureSecondary,
	})
	if err != nil || !slices.Equal(report.Delegated, []string{"ogre"}) {
		t.Fatalf("ApplyEffect: report=%+v err=%v", report, err)
	}

	remote, err := gmNode.Effects().List(ctx, "ogre")
	if err != nil || len(remote) != 1 {
		t.Fatalf("gm's ogre effects = %v (err %v), want 1", remote, err)
	}
	if remote[0].Origin != con.Ref().String() {
		t.Errorf("origin = %q, want %q", remote[0].Origin, con.Ref().String())
	}

	got, err := aliceNode.Effects().Get(ctx, con.Ref())
	if err != nil {
		t.Fatalf("get concentration: %v", err)
	}
	if !slices.Equal(got.Dependents, []types.EffectRef{remote[0].Ref()}) {
		t.Errorf("dependents = %v, want [%v]", got.Dependents, remote[0].Ref())
	}
}

func TestDelegationWithoutAuthorityWarns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ep := bus.New().Join(alice)
	notifier := &mock.Notifier{}
	a := newNode(t, testConfig(t, alice), app.WithTransport(ep, ep), app.WithNotifier(notifier))

	report, err := a.Tray().ApplyEffect(ctx, tray.EffectRequest{
		Template: dispatch.TemplateRef{ID: "bless"},
		Targets:  []target.Ref{target.ID("ogre")},
		Mode:     tray.ModeTargeted,
		Gesture:  tray.GestureSecondary,
	})
	if !errors.Is(err, dispatch.ErrNoAuthority) {
		t.Errorf("err = %v, want ErrNoAuthority", err)
	}
	if !slices.Equal(report.Dropped, []string{"ogre"}) {
		t.Errorf("dropped = %v, want [ogre]", report.Dropped)
	}
	if len(notifier.Warnings()) != 1 {
		t.Errorf("warnings = %v, want one", notifier.Warnings())
	}
}

func TestReload(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	cfg := testConfig(t, alice)
	a := newNode(t, cfg, app.WithLogLevel(&level), app.WithEffectStore(effectstore.NewMemStore()))

	next := *cfg
	next.Server.LogLevel = config.LogDebug
	next.Options.AllowDelegationToTargets = false
	a.Reload(cfg, &next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if a.Tray().Options().AllowDelegationToTargets {
		t.Error("tray options were not reloaded")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestApp_RunServesMCP(t *testing.T) {
	t.Parallel()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ep := bus.New().Join(gm)
	a := newNode(t, testConfig(t, gm), app.WithTransport(ep, ep), app.WithMCPTransport(serverTransport))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("client Connect: %v", err)
	}
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "apply_effect",
		Arguments: map[string]any{"effect": "bless", "targets": []string{"Grukk"}},
	})
	if err != nil || res.IsError {
		cancel()
		t.Fatalf("CallTool: err=%v result=%+v", err, res)
	}
	t.Cleanup(func() { _ = cs.Close() })

	effects, _ := a.Effects().List(context.Background(), "ogre")
	if len(effects) != 1 {
		t.Errorf("ogre effects = %d, want 1", len(effects))
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}
}

func TestApp_Readiness(t *testing.T) {
	t.Parallel()

	b := bus.New()
	gmEp, aliceEp := b.Join(gm), b.Join(alice)
	aliceNode := newNode(t, testConfig(t, alice), app.WithTransport(aliceEp, aliceEp))

	readyz := func() int {
		mux := http.NewServeMux()
		aliceNode.Health().Register(mux)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
		return rec.Code
	}

	if got := readyz(); got != http.StatusOK {
		t.Errorf("readyz with gm connected = %d, want 200", got)
	}
	gmEp.Leave()
	if got := readyz(); got != http.StatusServiceUnavailable {
		t.Errorf("readyz without an authority = %d, want 503", got)
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	ep := bus.New().Join(gm)
	a, err := app.New(context.Background(), testConfig(t, gm), app.WithTransport(ep, ep))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// A second call is a no-op.
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_ShutdownExpiredContext(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t, alice))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() = %v, want context.Canceled", err)
	}
}
