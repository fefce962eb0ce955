package tools_test

import (
	"context"
	"encoding/json"
	"math"
	"slices"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/etiquettestartshere/effectivetray/internal/config"
	"github.com/etiquettestartshere/effectivetray/internal/damage"
	damagemock "github.com/etiquettestartshere/effectivetray/internal/damage/mock"
	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/internal/dispatch/mock"
	"github.com/etiquettestartshere/effectivetray/internal/effect"
	"github.com/etiquettestartshere/effectivetray/internal/effectstore"
	"github.com/etiquettestartshere/effectivetray/internal/entity"
	"github.com/etiquettestartshere/effectivetray/internal/mcp/tools"
	"github.com/etiquettestartshere/effectivetray/internal/tray"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

var (
	gm    = types.Participant{ID: "gm", Name: "GM", Authority: true, Active: true}
	alice = types.Participant{ID: "alice", Name: "Alice", Active: true}
)

type fixture struct {
	session  *mcp.ClientSession
	effects  *effectstore.MemStore
	channel  *mock.Channel
	pipeline *damagemock.Pipeline
	handlers *tools.Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	world := entity.NewMemStore()
	for _, e := range []types.Entity{
		{ID: "wizard", Name: "Elara the Wizard", Type: types.EntityCharacter,
			Ownership: map[string]types.PermissionLevel{"alice": types.PermissionOwner}},
		{ID: "ogre", Name: "Grukk", Type: types.EntityNPC},
	} {
		if _, err := world.Add(ctx, e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	f := &fixture{effects: effectstore.NewMemStore(), channel: &mock.Channel{}, pipeline: &damagemock.Pipeline{}}
	roster := &mock.Roster{SelfParticipant: alice, Others: []types.Participant{gm}}
	d := dispatch.New(f.channel, roster, dispatch.WithNotifier(&mock.Notifier{}))

	opts := config.DefaultOptions()
	opts.DelegateDamageToTargets = true
	tr, err := tray.New(tray.Config{
		Self:      alice,
		Resolver:  world,
		Templates: effect.NewCatalog(types.EffectTemplate{ID: "bless", Name: "Bless", Duration: types.Duration{Seconds: 60}}),
		Effects:   effect.New(f.effects, world, roster, effect.WithOptions(opts), effect.WithLinkSender(d)),
		Damage:    damage.New(f.pipeline, world, d, damage.WithOptions(opts)),
		Delegator: d,
		Options:   &opts,
	})
	if err != nil {
		t.Fatalf("tray.New: %v", err)
	}

	h, err := tools.New(tools.Config{
		Tray:     tr,
		Entities: world,
		Effects:  f.effects,
		IntN:     func(n int) int { return n - 1 },
	})
	if err != nil {
		t.Fatalf("tools.New: %v", err)
	}

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	server := tools.NewServer(h, "test")
	ss, err := server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server Connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client Connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	f.session = cs
	f.handlers = h
	return f
}

func (f *fixture) call(t *testing.T, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := f.session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func decodeStructured[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	var out T
	if res.IsError {
		t.Fatalf("tool returned an error: %+v", res.Content)
	}
	data, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal structured content: %v", err)
	}
	return out
}

func TestListTools(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, err := f.session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	if want := []string{"apply_damage", "apply_effect", "list_effects"}; !slices.Equal(names, want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
}

func TestApplyEffect_ByName(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out := decodeStructured[tools.ApplyEffectOutput](t, f.call(t, "apply_effect", map[string]any{
		"effect":  "bless",
		"targets": []string{"elara the wizard", "Grukk"},
	}))
	if len(out.Applied) != 1 || out.Applied[0].Outcome != "created" || out.Applied[0].EntityID != "wizard" {
		t.Errorf("applied = %+v, want one created on wizard", out.Applied)
	}
	if !slices.Equal(out.Delegated, []string{"ogre"}) {
		t.Errorf("delegated = %v, want [ogre]", out.Delegated)
	}
	if sent := f.channel.Sent(); len(sent) != 1 || sent[0].Kind != dispatch.KindEffect {
		t.Errorf("sent = %+v, want one effect envelope", sent)
	}

	listed := decodeStructured[tools.ListEffectsOutput](t, f.call(t, "list_effects", map[string]any{"entity": "wizard"}))
	if len(listed.Effects) != 1 || listed.Effects[0].Origin != "bless" {
		t.Errorf("list_effects = %+v", listed)
	}
}

func TestApplyEffect_UnknownTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.call(t, "apply_effect", map[string]any{"effect": "bless", "targets": []string{"Zzyzx"}})
	if !res.IsError {
		t.Error("expected a tool error for an unknown target")
	}
	if len(f.channel.Sent()) != 0 {
		t.Error("nothing may be sent when a target is unknown")
	}
}

func TestApplyEffect_MissingTemplate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.call(t, "apply_effect", map[string]any{"targets": []string{"wizard"}})
	if !res.IsError {
		t.Error("expected a tool error without a template")
	}
}

func TestApplyDamage_RollsAndRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out := decodeStructured[tools.ApplyDamageOutput](t, f.call(t, "apply_damage", map[string]any{
		"targets":    []string{"wizard", "ogre"},
		"damage":     []map[string]any{{"roll": "2d6+1", "kind": "fire"}, {"amount": 4, "kind": "cold", "properties": []string{"mgc"}}},
		"multiplier": 0.5,
	}))
	if !slices.Equal(out.Amounts, []float64{13, 4}) {
		t.Errorf("amounts = %v, want [13 4]", out.Amounts)
	}
	if out.Routes["wizard"] != string(damage.RouteLocal) || out.Routes["ogre"] != string(damage.RouteDelegated) {
		t.Errorf("routes = %v", out.Routes)
	}

	calls := f.pipeline.Calls()
	if len(calls) != 1 {
		t.Fatalf("pipeline calls = %d, want 1", len(calls))
	}
	if calls[0].Opts.Multiply() != 0.5 || !calls[0].Damages[1].Properties.Has("mgc") {
		t.Errorf("call = %+v", calls[0])
	}
}

func TestApplyDamage_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"no parts", map[string]any{"targets": []string{"wizard"}, "damage": []map[string]any{}}},
		{"bad roll", map[string]any{"targets": []string{"wizard"}, "damage": []map[string]any{{"roll": "2d", "kind": "fire"}}}},
		{"bad only", map[string]any{"targets": []string{"wizard"}, "damage": []map[string]any{{"amount": 1, "kind": "fire"}}, "only": "both"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := f.call(t, "apply_damage", tt.args); !res.IsError {
				t.Errorf("expected a tool error")
			}
		})
	}
	if len(f.pipeline.Calls()) != 0 {
		t.Error("invalid requests must not reach the pipeline")
	}
}

func TestApplyDamage_RejectsNonFiniteNumbers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	inf := math.Inf(1)

	tests := []struct {
		name string
		in   tools.ApplyDamageInput
	}{
		{"nan amount", tools.ApplyDamageInput{Targets: []string{"wizard"}, Damage: []tools.DamagePart{{Amount: math.NaN(), Kind: "fire"}}}},
		{"infinite multiplier", tools.ApplyDamageInput{Targets: []string{"wizard"}, Damage: []tools.DamagePart{{Amount: 3, Kind: "fire"}}, Multiplier: &inf}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := f.handlers.ApplyDamage(context.Background(), nil, tt.in); err == nil {
				t.Error("expected an error")
			}
		})
	}
	if len(f.pipeline.Calls()) != 0 {
		t.Error("rejected requests must not reach the pipeline")
	}
}

func TestApplyEffect_Concentration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	con, err := f.effects.Create(ctx, types.AppliedEffect{EntityID: "wizard", Name: "Concentrating", Origin: "concentration"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	decodeStructured[tools.ApplyEffectOutput](t, f.call(t, "apply_effect", map[string]any{
		"effect":        "bless",
		"targets":       []string{"ogre"},
		"concentration": con.ID,
		"caster":        "Elara the Wizard",
	}))

	var p dispatch.EffectPayload
	if err := f.channel.Sent()[0].Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Con == nil || *p.Con != con.ID || p.Caster == nil || *p.Caster != "wizard" {
		t.Errorf("payload con/caster = %v/%v", p.Con, p.Caster)
	}

	res := f.call(t, "apply_effect", map[string]any{"effect": "bless", "targets": []string{"ogre"}, "concentration": "missing", "caster": "wizard"})
	if !res.IsError {
		t.Error("expected a tool error for an unknown concentration effect")
	}
}
