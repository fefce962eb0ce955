package tray

import (
	"context"
	"errors"
	"fmt"

	"github.com/etiquettestartshere/effectivetray/internal/damage"
	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/internal/observe"
	"github.com/etiquettestartshere/effectivetray/internal/permission"
	"github.com/etiquettestartshere/effectivetray/internal/target"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// DamageTarget is one target of a damage request with its own options.
type DamageTarget struct {
	ID      string
	Options types.DamageOptions
}

// DamageRequest asks to apply the same damage to several targets.
type DamageRequest struct {
	Damages []types.DamageDescriptor
	Targets []DamageTarget
}

// DamageReport maps each handled entity ID to where its damage went.
// Hidden and unresolvable targets are absent.
type DamageReport map[string]damage.Route

// ApplyDamage applies req to each visible target. Every target is routed
// independently; failures are joined into the returned error and do not
// stop the remaining targets. Once a delegation finds no authority, the
// remaining unowned targets are skipped so the user is warned once.
func (t *Tray) ApplyDamage(ctx context.Context, req DamageRequest) (DamageReport, error) {
	ctx, span := observe.StartSpan(ctx, "tray.ApplyDamage")
	defer span.End()

	filter := permission.New(t.Options())
	report := make(DamageReport, len(req.Targets))
	var (
		errs        []error
		noAuthority bool
	)
	for _, dt := range req.Targets {
		actor, err := target.ResolveOne(ctx, t.resolver, dt.ID)
		if err != nil {
			observe.Logger(ctx).Debug("tray: dropping unresolvable damage target", "id", dt.ID, "err", err)
			continue
		}
		if !filter.IsVisible(t.self, actor) {
			continue
		}
		if noAuthority && !actor.IsOwner(t.self) {
			report[actor.ID] = damage.RouteSkipped
			continue
		}
		route, err := t.damage.Apply(ctx, t.self, actor, req.Damages, dt.Options)
		if err != nil {
			noAuthority = noAuthority || errors.Is(err, dispatch.ErrNoAuthority)
			errs = append(errs, fmt.Errorf("tray: damage %s: %w", actor.ID, err))
			continue
		}
		report[actor.ID] = route
	}
	return report, errors.Join(errs...)
}
