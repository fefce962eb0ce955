package effect

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/etiquettestartshere/effectivetray/internal/config"
	"github.com/etiquettestartshere/effectivetray/internal/observe"
	"github.com/etiquettestartshere/effectivetray/internal/target"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// FlagCastLevel is the flag key under which the cast level is stamped.
const FlagCastLevel = "castLevel"

// Aux carries the per-call inputs of [Engine.Apply] besides the actor and
// the template.
type Aux struct {
	// EffectData is deep-merged into the effect's flags on create and
	// refresh.
	EffectData map[string]any

	// Concentration is the source effect the applied effect depends on.
	Concentration *types.AppliedEffect

	// CastLevel overrides the template's power level when stamping.
	CastLevel *int
}

// Outcome is what [Engine.Apply] did.
type Outcome int

const (
	Vetoed Outcome = iota
	Created
	Refreshed
	Deleted
)

// String returns the outcome's metric label.
func (o Outcome) String() string {
	switch o {
	case Created:
		return observe.OutcomeCreated
	case Refreshed:
		return observe.OutcomeRefreshed
	case Deleted:
		return observe.OutcomeDeleted
	}
	return observe.OutcomeVetoed
}

// Result reports the outcome of [Engine.Apply]. Effect is nil for
// [Vetoed] and [Deleted].
type Result struct {
	Outcome Outcome
	Effect  *types.AppliedEffect
}

// Option configures an [Engine].
type Option func(*Engine)

// WithOptions sets the initial option table. Default: [config.DefaultOptions].
func WithOptions(o config.Options) Option {
	return func(e *Engine) { e.opts.Store(&o) }
}

// WithHooks installs the callback registry.
func WithHooks(h *Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithClock sets the clock used to anchor durations. Default: [WallClock].
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLinkSender sets where link requests go when the local participant
// does not control a concentration source. Without one, such links are
// dropped.
func WithLinkSender(s LinkSender) Option {
	return func(e *Engine) { e.links = s }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine applies effect templates to entities.
//
// Find-then-write on one entity is serialised, so concurrent applications
// of the same template to the same entity collapse into one effect.
type Engine struct {
	store    Store
	resolver target.Resolver
	dir      Directory
	hooks    *Hooks
	clock    Clock
	links    LinkSender
	metrics  *observe.Metrics

	opts  atomic.Pointer[config.Options]
	locks entityLocks
}

// New returns an Engine writing through store. The resolver and directory
// are used to decide who controls a concentration source.
func New(store Store, resolver target.Resolver, dir Directory, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		resolver: resolver,
		dir:      dir,
		clock:    WallClock{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.opts.Load() == nil {
		d := config.DefaultOptions()
		e.opts.Store(&d)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Options returns the current option snapshot.
func (e *Engine) Options() config.Options {
	return *e.opts.Load()
}

// SetOptions replaces the option snapshot used by subsequent calls.
func (e *Engine) SetOptions(o config.Options) {
	e.opts.Store(&o)
}

// Allowed runs the before hooks without touching any state. Delegating
// callers use it to drop vetoed targets before anything is sent.
func (e *Engine) Allowed(ctx context.Context, actor types.Entity, tpl types.EffectTemplate, aux Aux) bool {
	return e.hooks.allow(ctx, actor, tpl, aux)
}

// OriginKey returns the deduplication key an application of tpl uses.
// Templates key themselves when several dependents per concentration are
// allowed; otherwise the concentration source is the key so only one
// dependent per concentration survives on an entity.
func OriginKey(o config.Options, tpl types.EffectTemplate, concentration *types.AppliedEffect) string {
	if o.AllowMultipleConcentrationDependents || concentration == nil {
		return tpl.ID
	}
	return concentration.Ref().String()
}

// Apply applies tpl to actor.
//
// An existing effect with the same origin is refreshed, or deleted when the
// delete-instead-of-refresh policy is on. Otherwise a new, enabled,
// non-transferable effect is created and, when aux names a concentration
// source, registered as its dependent. A veto from a before hook returns a
// [Vetoed] result and a nil error.
func (e *Engine) Apply(ctx context.Context, actor types.Entity, tpl types.EffectTemplate, aux Aux) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "effect.Apply")
	defer span.End()

	if !e.hooks.allow(ctx, actor, tpl, aux) {
		observe.Logger(ctx).Debug("effect: application vetoed", "entity", actor.ID, "template", tpl.ID)
		e.metrics.RecordEffectApplied(ctx, observe.OutcomeVetoed)
		return Result{Outcome: Vetoed}, nil
	}

	opts := e.Options()
	key := OriginKey(opts, tpl, aux.Concentration)

	res, err := e.upsert(ctx, opts, actor, tpl, key, aux)
	if err != nil {
		e.metrics.RecordEffectApplied(ctx, observe.OutcomeFailed)
		return Result{}, err
	}
	e.metrics.RecordEffectApplied(ctx, res.Outcome.String())

	if res.Outcome == Created {
		if aux.Concentration != nil {
			e.link(ctx, *aux.Concentration, *res.Effect)
		}
		e.hooks.applied(ctx, actor, tpl, *res.Effect, aux)
	}
	return res, nil
}

func (e *Engine) upsert(ctx context.Context, opts config.Options, actor types.Entity, tpl types.EffectTemplate, key string, aux Aux) (Result, error) {
	unlock := e.locks.lock(actor.ID)
	defer unlock()

	existing, err := e.store.FindByOrigin(ctx, actor.ID, key)
	switch {
	case err == nil:
		return e.refreshOrDelete(ctx, opts, existing, tpl, aux)
	case !errors.Is(err, ErrNotFound):
		return Result{}, fmt.Errorf("effect: find origin %q on %q: %w", key, actor.ID, err)
	}

	created, err := e.store.Create(ctx, e.build(opts, actor, tpl, key, aux))
	if errors.Is(err, ErrDuplicateOrigin) {
		// Another writer created it after our lookup.
		existing, ferr := e.store.FindByOrigin(ctx, actor.ID, key)
		if ferr != nil {
			return Result{}, fmt.Errorf("effect: find origin %q on %q after conflict: %w", key, actor.ID, ferr)
		}
		return e.refreshOrDelete(ctx, opts, existing, tpl, aux)
	}
	if err != nil {
		return Result{}, fmt.Errorf("effect: create on %q: %w", actor.ID, err)
	}
	return Result{Outcome: Created, Effect: &created}, nil
}

func (e *Engine) refreshOrDelete(ctx context.Context, opts config.Options, existing types.AppliedEffect, tpl types.EffectTemplate, aux Aux) (Result, error) {
	if opts.DeleteInsteadOfRefresh {
		if err := e.store.Delete(ctx, existing.Ref()); err != nil {
			return Result{}, fmt.Errorf("effect: delete %s: %w", existing.Ref(), err)
		}
		return Result{Outcome: Deleted}, nil
	}

	upd := existing.Clone()
	upd.Duration = InitialDuration(tpl.Duration, e.clock)
	upd.Disabled = false
	if len(aux.EffectData) > 0 {
		upd.Flags = types.MergeFlags(upd.Flags, types.CloneFlags(aux.EffectData))
	}
	stored, err := e.store.Update(ctx, upd)
	if err != nil {
		return Result{}, fmt.Errorf("effect: refresh %s: %w", existing.Ref(), err)
	}
	return Result{Outcome: Refreshed, Effect: &stored}, nil
}

// build constructs the record for a first application.
func (e *Engine) build(opts config.Options, actor types.Entity, tpl types.EffectTemplate, key string, aux Aux) types.AppliedEffect {
	eff := types.AppliedEffect{
		EntityID: actor.ID,
		Name:     tpl.Name,
		Icon:     tpl.Icon,
		Origin:   key,
		Disabled: false,
		Transfer: false,
		Duration: InitialDuration(tpl.Duration, e.clock),
		Flags:    types.CloneFlags(tpl.Flags),
	}
	if len(aux.EffectData) > 0 {
		eff.Flags = types.MergeFlags(eff.Flags, types.CloneFlags(aux.EffectData))
	}
	if opts.FlagCastLevel && tpl.PowerLevel != nil {
		level := *tpl.PowerLevel
		if aux.CastLevel != nil {
			level = *aux.CastLevel
		}
		eff.Flags = types.MergeFlags(eff.Flags, map[string]any{FlagCastLevel: level})
	}
	return eff
}
