package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/etiquettestartshere/effectivetray/internal/effect"
	"github.com/etiquettestartshere/effectivetray/internal/observe"
	"github.com/etiquettestartshere/effectivetray/internal/target"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// Applier applies one template to one entity. [effect.Engine] satisfies it.
type Applier interface {
	Apply(ctx context.Context, actor types.Entity, tpl types.EffectTemplate, aux effect.Aux) (effect.Result, error)
}

// Linker records delegated dependent links. [effect.Engine] satisfies it.
type Linker interface {
	Link(ctx context.Context, req effect.LinkRequest) error
}

// EffectExecutor runs delegated effect requests on the authority's node.
type EffectExecutor struct {
	applier   Applier
	templates effect.TemplateSource
	effects   effect.Store
	resolver  target.Resolver
}

// NewEffectExecutor returns an executor applying through applier. Template
// identities are looked up in templates; concentration sources in effects.
func NewEffectExecutor(applier Applier, templates effect.TemplateSource, effects effect.Store, resolver target.Resolver) *EffectExecutor {
	return &EffectExecutor{
		applier:   applier,
		templates: templates,
		effects:   effects,
		resolver:  resolver,
	}
}

// Handle is the [Handler] for [KindEffect] envelopes.
func (x *EffectExecutor) Handle(ctx context.Context, env Envelope) error {
	var p EffectPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	return x.Execute(ctx, p)
}

// Execute applies the payload's template to each distinct target as if the
// request had been made locally. Unresolvable targets are skipped; a fault
// on one target does not stop the others, and all faults are returned
// joined.
func (x *EffectExecutor) Execute(ctx context.Context, p EffectPayload) error {
	log := observe.Logger(ctx)

	tpl, err := x.template(ctx, p.Origin)
	if err != nil {
		return err
	}
	aux := effect.Aux{
		EffectData:    p.EffectData,
		Concentration: x.concentration(ctx, p),
		CastLevel:     p.CastLevel,
	}

	var errs []error
	seen := make(map[string]struct{}, len(p.Targets))
	for _, id := range p.Targets {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		actor, err := target.ResolveOne(ctx, x.resolver, id)
		if err != nil {
			log.Debug("dispatch: dropping unresolvable target", "id", id, "err", err)
			continue
		}
		if _, err := x.applier.Apply(ctx, actor, tpl, aux); err != nil {
			log.Warn("dispatch: applying delegated effect failed", "entity", id, "template", tpl.ID, "err", err)
			errs = append(errs, fmt.Errorf("target %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (x *EffectExecutor) template(ctx context.Context, ref TemplateRef) (types.EffectTemplate, error) {
	if ref.Inline != nil {
		return *ref.Inline, nil
	}
	if ref.ID == "" {
		return types.EffectTemplate{}, fmt.Errorf("dispatch: effect payload names no template")
	}
	tpl, err := x.templates.Template(ctx, ref.ID)
	if err != nil {
		return types.EffectTemplate{}, fmt.Errorf("dispatch: resolve template: %w", err)
	}
	return tpl, nil
}

// concentration returns the caster's concentration effect, or nil when the
// payload names none. A source this node does not store (each participant
// may keep its own effect store) is stood in for by its reference alone, so
// the origin key and the dependent link still name the caster's record.
func (x *EffectExecutor) concentration(ctx context.Context, p EffectPayload) *types.AppliedEffect {
	if p.Con == nil || p.Caster == nil || *p.Con == "" || *p.Caster == "" {
		return nil
	}
	ref := types.EffectRef{EntityID: *p.Caster, EffectID: *p.Con}
	con, err := x.effects.Get(ctx, ref)
	if err != nil {
		observe.Logger(ctx).Debug("dispatch: concentration source not stored locally", "ref", ref.String(), "err", err)
		return &types.AppliedEffect{ID: ref.EffectID, EntityID: ref.EntityID}
	}
	return &con
}

// LinkHandler returns the [Handler] for [KindLink] envelopes.
func LinkHandler(l Linker) Handler {
	return func(ctx context.Context, env Envelope) error {
		var req effect.LinkRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		return l.Link(ctx, req)
	}
}
