// Package tools exposes the macro API as MCP server tools. Scripts and
// assistants that speak MCP can apply effects and damage exactly as a tray
// would, naming targets by ID or by (approximate) name:
//
//   - "apply_effect"  applies a catalog or inline effect template.
//   - "apply_damage"  applies damage parts, each a fixed amount or a roll.
//   - "list_effects"  lists the effects currently applied to an entity.
//
// Macro requests always take the delegation path for unowned targets, as
// if the tray's delegation gesture had been used; the option table can
// still switch delegation off.
package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/internal/effect"
	"github.com/etiquettestartshere/effectivetray/internal/entity"
	"github.com/etiquettestartshere/effectivetray/internal/target"
	"github.com/etiquettestartshere/effectivetray/internal/tray"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// ErrUnknownTarget is returned when a target name matches no entity.
var ErrUnknownTarget = errors.New("tools: unknown target")

// Entities resolves targets named by ID or display name.
// [entity.MemStore] satisfies it.
type Entities interface {
	target.Resolver
	FindByName(name string, m *entity.Matcher) (types.Entity, bool)
}

// Config holds the collaborators of the macro tools.
type Config struct {
	Tray     *tray.Tray
	Entities Entities
	Effects  effect.Store

	// Matcher tunes fuzzy name matching. Nil uses [entity.NewMatcher].
	Matcher *entity.Matcher

	// IntN supplies randomness for rolls. Nil uses math/rand/v2.
	IntN func(n int) int
}

// Handlers implements the macro tools.
type Handlers struct {
	tray     *tray.Tray
	entities Entities
	effects  effect.Store
	matcher  *entity.Matcher
	intN     func(int) int
}

// New returns the tool handlers for cfg.
func New(cfg Config) (*Handlers, error) {
	if cfg.Tray == nil || cfg.Entities == nil || cfg.Effects == nil {
		return nil, errors.New("tools: tray, entities and effects are required")
	}
	m := cfg.Matcher
	if m == nil {
		m = entity.NewMatcher()
	}
	return &Handlers{tray: cfg.Tray, entities: cfg.Entities, effects: cfg.Effects, matcher: m, intN: cfg.IntN}, nil
}

// NewServer returns an MCP server with every macro tool registered.
func NewServer(h *Handlers, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "effectivetray", Version: version}, nil)
	Register(server, h)
	return server
}

// Register adds the macro tools to server.
func Register(server *mcp.Server, h *Handlers) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "apply_effect",
		Description: "Apply an effect template to targets. Owned targets are changed directly; the rest are sent to the game master.",
	}, h.ApplyEffect)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "apply_damage",
		Description: "Apply damage or healing to targets. Each part is a fixed amount or a dice roll such as 2d6+3.",
	}, h.ApplyDamage)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_effects",
		Description: "List the effects currently applied to an entity.",
	}, h.ListEffects)
}

// resolveTargets maps each name to an entity ID: exact IDs first, then
// display names.
func (h *Handlers) resolveTargets(ctx context.Context, names []string) ([]string, error) {
	ids := make([]string, 0, len(names))
	var errs []error
	for _, n := range names {
		e, err := h.resolve(ctx, n)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, e.ID)
	}
	return ids, errors.Join(errs...)
}

func (h *Handlers) resolve(ctx context.Context, name string) (types.Entity, error) {
	name = strings.TrimSpace(name)
	if e, err := target.ResolveOne(ctx, h.entities, name); err == nil {
		return e, nil
	}
	if e, ok := h.entities.FindByName(name, h.matcher); ok {
		return e, nil
	}
	return types.Entity{}, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
}

// ── apply_effect ─────────────────────────────────────────────────────────────

// ApplyEffectInput is the input of "apply_effect".
type ApplyEffectInput struct {
	Effect        string                `json:"effect,omitempty" jsonschema:"catalog template ID"`
	Inline        *types.EffectTemplate `json:"inline,omitempty" jsonschema:"inline template used instead of a catalog ID"`
	Targets       []string              `json:"targets" jsonschema:"entity IDs or names"`
	EffectData    map[string]any        `json:"effect_data,omitempty" jsonschema:"data merged into the flags of each applied effect"`
	Concentration string                `json:"concentration,omitempty" jsonschema:"ID of the caster's concentration effect"`
	Caster        string                `json:"caster,omitempty" jsonschema:"entity ID or name of the concentrating caster"`
	CastLevel     *int                  `json:"cast_level,omitempty" jsonschema:"level the power was cast at"`
}

// ApplyEffectOutput is the result of "apply_effect".
type ApplyEffectOutput struct {
	Applied   []AppliedOutcome `json:"applied"`
	Failed    int              `json:"failed"`
	Delegated []string         `json:"delegated"`
	Dropped   []string         `json:"dropped"`
}

// AppliedOutcome describes one local application.
type AppliedOutcome struct {
	Outcome  string `json:"outcome"`
	EffectID string `json:"effect_id,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
}

// ApplyEffect is the handler of "apply_effect".
func (h *Handlers) ApplyEffect(ctx context.Context, _ *mcp.CallToolRequest, in ApplyEffectInput) (*mcp.CallToolResult, ApplyEffectOutput, error) {
	var out ApplyEffectOutput
	ref := dispatch.TemplateRef{ID: in.Effect, Inline: in.Inline}
	if ref.ID == "" && ref.Inline == nil {
		return nil, out, errors.New("tools: effect or inline template is required")
	}

	ids, err := h.resolveTargets(ctx, in.Targets)
	if err != nil {
		return nil, out, err
	}

	req := tray.EffectRequest{
		Template:   ref,
		Targets:    []target.Ref{target.IDs(ids...)},
		EffectData: in.EffectData,
		CastLevel:  in.CastLevel,
		Mode:       tray.ModeTargeted,
		Gesture:    tray.GestureSecondary,
	}
	if in.Concentration != "" {
		con, err := h.concentration(ctx, in.Caster, in.Concentration)
		if err != nil {
			return nil, out, err
		}
		req.Concentration = &con
	}

	report, err := h.tray.ApplyEffect(ctx, req)
	for _, r := range report.Applied {
		o := AppliedOutcome{Outcome: r.Outcome.String()}
		if r.Effect != nil {
			o.EffectID, o.EntityID = r.Effect.ID, r.Effect.EntityID
		}
		out.Applied = append(out.Applied, o)
	}
	out.Failed = report.Failed
	out.Applied, out.Delegated, out.Dropped = nonNil(out.Applied), nonNil(report.Delegated), nonNil(report.Dropped)
	return nil, out, err
}

func (h *Handlers) concentration(ctx context.Context, caster, id string) (types.AppliedEffect, error) {
	if caster == "" {
		return types.AppliedEffect{}, errors.New("tools: concentration requires a caster")
	}
	e, err := h.resolve(ctx, caster)
	if err != nil {
		return types.AppliedEffect{}, err
	}
	con, err := h.effects.Get(ctx, types.EffectRef{EntityID: e.ID, EffectID: id})
	if err != nil {
		return types.AppliedEffect{}, fmt.Errorf("tools: concentration %q on %q: %w", id, e.ID, err)
	}
	return con, nil
}

// ── apply_damage ─────────────────────────────────────────────────────────────

// DamagePart is one part of an "apply_damage" request.
type DamagePart struct {
	Amount     float64  `json:"amount,omitempty" jsonschema:"fixed amount, ignored when roll is set"`
	Roll       string   `json:"roll,omitempty" jsonschema:"dice expression such as 2d6+3"`
	Kind       string   `json:"kind" jsonschema:"damage type, or healing / temphp"`
	Properties []string `json:"properties,omitempty" jsonschema:"physical properties such as mgc or sil"`
}

// ApplyDamageInput is the input of "apply_damage".
type ApplyDamageInput struct {
	Targets       []string     `json:"targets" jsonschema:"entity IDs or names"`
	Damage        []DamagePart `json:"damage"`
	Multiplier    *float64     `json:"multiplier,omitempty" jsonschema:"multiplier applied to every part"`
	Downgrade     []string     `json:"downgrade,omitempty" jsonschema:"damage types whose immunity and resistance are downgraded"`
	DowngradeAll  bool         `json:"downgrade_all,omitempty" jsonschema:"downgrade every damage type"`
	IgnoreAll     bool         `json:"ignore_all,omitempty" jsonschema:"ignore all damage modification"`
	InvertHealing bool         `json:"invert_healing,omitempty" jsonschema:"turn healing into damage"`
	Only          string       `json:"only,omitempty" jsonschema:"apply only damage or only healing"`
}

// ApplyDamageOutput is the result of "apply_damage".
type ApplyDamageOutput struct {
	// Routes maps entity IDs to local, delegated or skipped.
	Routes map[string]string `json:"routes"`

	// Amounts are the per-part amounts after rolling.
	Amounts []float64 `json:"amounts"`
}

// ApplyDamage is the handler of "apply_damage".
func (h *Handlers) ApplyDamage(ctx context.Context, _ *mcp.CallToolRequest, in ApplyDamageInput) (*mcp.CallToolResult, ApplyDamageOutput, error) {
	var out ApplyDamageOutput
	if len(in.Damage) == 0 {
		return nil, out, errors.New("tools: at least one damage part is required")
	}
	switch types.DamageOnly(in.Only) {
	case types.OnlyAny, types.OnlyDamage, types.OnlyHealing:
	default:
		return nil, out, fmt.Errorf("tools: only must be %q or %q, got %q", types.OnlyDamage, types.OnlyHealing, in.Only)
	}

	if m := in.Multiplier; m != nil && !finite(*m) {
		return nil, out, fmt.Errorf("tools: multiplier must be a finite number, got %v", *m)
	}

	damages := make([]types.DamageDescriptor, 0, len(in.Damage))
	for _, p := range in.Damage {
		if !finite(p.Amount) {
			return nil, out, fmt.Errorf("tools: damage amount must be a finite number, got %v", p.Amount)
		}
		amount := p.Amount
		if p.Roll != "" {
			r, err := ParseRoll(p.Roll)
			if err != nil {
				return nil, out, err
			}
			amount = float64(r.Evaluate(h.intN))
		}
		out.Amounts = append(out.Amounts, amount)
		damages = append(damages, types.DamageDescriptor{
			Amount:     amount,
			Kind:       p.Kind,
			Properties: types.NewSet(p.Properties...),
		})
	}

	opts := types.DamageOptions{
		Multiplier:    in.Multiplier,
		Downgrade:     types.Selector{All: in.DowngradeAll, Types: types.NewSet(in.Downgrade...)},
		Ignore:        types.IgnoreOptions{All: in.IgnoreAll},
		InvertHealing: in.InvertHealing,
		Only:          types.DamageOnly(in.Only),
	}

	ids, err := h.resolveTargets(ctx, in.Targets)
	if err != nil {
		return nil, out, err
	}
	req := tray.DamageRequest{Damages: damages}
	for _, id := range ids {
		req.Targets = append(req.Targets, tray.DamageTarget{ID: id, Options: opts})
	}

	report, err := h.tray.ApplyDamage(ctx, req)
	out.Amounts = nonNil(out.Amounts)
	out.Routes = make(map[string]string, len(report))
	for id, route := range report {
		out.Routes[id] = string(route)
	}
	return nil, out, err
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// ── list_effects ─────────────────────────────────────────────────────────────

// ListEffectsInput is the input of "list_effects".
type ListEffectsInput struct {
	Entity string `json:"entity" jsonschema:"entity ID or name"`
}

// EffectSummary describes one applied effect.
type EffectSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Origin     string `json:"origin,omitempty"`
	Disabled   bool   `json:"disabled"`
	Dependents int    `json:"dependents"`
}

// ListEffectsOutput is the result of "list_effects".
type ListEffectsOutput struct {
	EntityID string          `json:"entity_id"`
	Effects  []EffectSummary `json:"effects"`
}

// ListEffects is the handler of "list_effects".
func (h *Handlers) ListEffects(ctx context.Context, _ *mcp.CallToolRequest, in ListEffectsInput) (*mcp.CallToolResult, ListEffectsOutput, error) {
	var out ListEffectsOutput
	e, err := h.resolve(ctx, in.Entity)
	if err != nil {
		return nil, out, err
	}
	effects, err := h.effects.List(ctx, e.ID)
	if err != nil {
		return nil, out, fmt.Errorf("tools: list effects of %q: %w", e.ID, err)
	}
	out.EntityID = e.ID
	out.Effects = make([]EffectSummary, 0, len(effects))
	for _, fx := range effects {
		out.Effects = append(out.Effects, EffectSummary{
			ID:         fx.ID,
			Name:       fx.Name,
			Origin:     fx.Origin,
			Disabled:   fx.Disabled,
			Dependents: len(fx.Dependents),
		})
	}
	return nil, out, nil
}

// nonNil keeps empty lists from encoding as null in structured output.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
