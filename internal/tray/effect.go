package tray

import (
	"context"
	"errors"
	"fmt"

	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/internal/effect"
	"github.com/etiquettestartshere/effectivetray/internal/observe"
	"github.com/etiquettestartshere/effectivetray/internal/target"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// EffectRequest asks to apply one effect template to a set of targets.
type EffectRequest struct {
	// Template names a catalog template or carries an inline one.
	Template dispatch.TemplateRef

	Targets []target.Ref

	// EffectData is merged into the flags of every applied effect.
	EffectData map[string]any

	// Concentration is the caster's concentration effect the applied
	// effects depend on, if any. Its EntityID names the caster.
	Concentration *types.AppliedEffect

	// CastLevel overrides the template's power level.
	CastLevel *int

	Mode    Mode
	Gesture Gesture
}

// EffectReport summarises an [Tray.ApplyEffect] call.
type EffectReport struct {
	// Applied holds the outcome for each local target, in order.
	Applied []effect.Result

	// Failed counts local targets whose application returned an error.
	Failed int

	// Delegated lists the entity IDs sent to the authority.
	Delegated []string

	// Dropped lists unowned entity IDs that were neither applied nor sent,
	// because delegation is off for this request or a hook vetoed them.
	Dropped []string
}

// ApplyEffect applies req's template to each visible target. Owned targets
// are applied locally; a local failure is logged and the remaining targets
// still run. Unowned targets that may be delegated and that no hook vetoes
// are sent to the authority in a single message; when none survive nothing
// is sent.
//
// The returned error is non-nil only when the template cannot be resolved
// or the delegation could not be sent (including [dispatch.ErrNoAuthority]).
func (t *Tray) ApplyEffect(ctx context.Context, req EffectRequest) (EffectReport, error) {
	ctx, span := observe.StartSpan(ctx, "tray.ApplyEffect")
	defer span.End()
	log := observe.Logger(ctx)

	var report EffectReport
	tpl, err := t.template(ctx, req.Template)
	if err != nil {
		return report, err
	}

	opts := t.Options()
	part := t.partitioner(opts).Partition(ctx, t.self, req.Targets...)
	aux := effect.Aux{EffectData: req.EffectData, Concentration: req.Concentration, CastLevel: req.CastLevel}

	for _, e := range part.Local {
		res, err := t.effects.Apply(ctx, e, tpl, aux)
		if err != nil {
			log.Warn("tray: effect application failed", "entity", e.ID, "template", tpl.ID, "err", err)
			report.Failed++
			continue
		}
		report.Applied = append(report.Applied, res)
	}

	if len(part.Remote) == 0 {
		return report, nil
	}
	if !CanDelegate(opts, req.Mode, req.Gesture) {
		report.Dropped = part.RemoteIDs()
		log.Debug("tray: delegation not enabled for this request", "targets", len(report.Dropped))
		return report, nil
	}

	for _, e := range part.Remote {
		if !t.effects.Allowed(ctx, e, tpl, aux) {
			report.Dropped = append(report.Dropped, e.ID)
			continue
		}
		report.Delegated = append(report.Delegated, e.ID)
	}
	if len(report.Delegated) == 0 {
		return report, nil
	}

	payload := dispatch.EffectPayload{
		Origin:     req.Template,
		Targets:    report.Delegated,
		EffectData: req.EffectData,
		CastLevel:  req.CastLevel,
	}
	if c := req.Concentration; c != nil {
		payload.Con, payload.Caster = &c.ID, &c.EntityID
	}
	if err := t.delegator.Delegate(ctx, dispatch.KindEffect, payload); err != nil {
		delegated := report.Delegated
		report.Delegated = nil
		report.Dropped = append(report.Dropped, delegated...)
		return report, fmt.Errorf("tray: delegate effect: %w", err)
	}
	return report, nil
}

// ApplicableEffects returns the catalog templates with the given IDs that
// may be applied from a tray, in order. Unknown IDs are skipped.
func (t *Tray) ApplicableEffects(ctx context.Context, ids ...string) []types.EffectTemplate {
	tpls := make([]types.EffectTemplate, 0, len(ids))
	for _, id := range ids {
		tpl, err := t.templates.Template(ctx, id)
		if err != nil {
			continue
		}
		tpls = append(tpls, tpl)
	}
	return effect.Applicable(t.Options(), tpls)
}

func (t *Tray) template(ctx context.Context, ref dispatch.TemplateRef) (types.EffectTemplate, error) {
	if ref.Inline != nil {
		return *ref.Inline, nil
	}
	if ref.ID == "" {
		return types.EffectTemplate{}, errors.New("tray: effect request names no template")
	}
	tpl, err := t.templates.Template(ctx, ref.ID)
	if err != nil {
		return types.EffectTemplate{}, fmt.Errorf("tray: resolve template %q: %w", ref.ID, err)
	}
	return tpl, nil
}
