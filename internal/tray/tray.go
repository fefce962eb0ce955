// Package tray coordinates a participant's apply requests. It is the
// entry point behind the effect and damage trays and the macro API: it
// resolves the requested targets, hides the ones the requester may not act
// on, applies what the requester owns directly and hands the rest to the
// current authority.
package tray

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/etiquettestartshere/effectivetray/internal/config"
	"github.com/etiquettestartshere/effectivetray/internal/damage"
	"github.com/etiquettestartshere/effectivetray/internal/effect"
	"github.com/etiquettestartshere/effectivetray/internal/permission"
	"github.com/etiquettestartshere/effectivetray/internal/target"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// Mode is the target source of a tray.
type Mode int

const (
	// ModeSelected applies to the requester's selected tokens.
	ModeSelected Mode = iota

	// ModeTargeted applies to the tokens the requester has targeted.
	ModeTargeted
)

// Gesture is how the apply control was activated.
type Gesture int

const (
	GesturePrimary Gesture = iota
	GestureSecondary
)

// EffectEngine applies effects locally. [effect.Engine] satisfies it.
type EffectEngine interface {
	Apply(ctx context.Context, actor types.Entity, tpl types.EffectTemplate, aux effect.Aux) (effect.Result, error)
	Allowed(ctx context.Context, actor types.Entity, tpl types.EffectTemplate, aux effect.Aux) bool
}

// DamageApplier routes damage. [damage.Applicator] satisfies it.
type DamageApplier interface {
	Apply(ctx context.Context, requester types.Participant, actor types.Entity, damages []types.DamageDescriptor, opts types.DamageOptions) (damage.Route, error)
}

// Config holds the collaborators of a [Tray].
type Config struct {
	// Self is the requesting participant.
	Self types.Participant

	Resolver  target.Resolver
	Templates effect.TemplateSource
	Effects   EffectEngine
	Damage    DamageApplier
	Delegator damage.Delegator

	// Options is the initial option table. Zero means
	// [config.DefaultOptions].
	Options *config.Options
}

// Tray coordinates apply requests for one participant.
//
// All methods are safe for concurrent use.
type Tray struct {
	self      types.Participant
	resolver  target.Resolver
	templates effect.TemplateSource
	effects   EffectEngine
	damage    DamageApplier
	delegator damage.Delegator
	opts      atomic.Pointer[config.Options]
}

// New validates cfg and returns a Tray.
func New(cfg Config) (*Tray, error) {
	var errs []error
	if cfg.Self.ID == "" {
		errs = append(errs, errors.New("self participant is required"))
	}
	if cfg.Resolver == nil {
		errs = append(errs, errors.New("resolver is required"))
	}
	if cfg.Templates == nil {
		errs = append(errs, errors.New("template source is required"))
	}
	if cfg.Effects == nil {
		errs = append(errs, errors.New("effect engine is required"))
	}
	if cfg.Damage == nil {
		errs = append(errs, errors.New("damage applier is required"))
	}
	if cfg.Delegator == nil {
		errs = append(errs, errors.New("delegator is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("tray: %w", err)
	}

	t := &Tray{
		self:      cfg.Self,
		resolver:  cfg.Resolver,
		templates: cfg.Templates,
		effects:   cfg.Effects,
		damage:    cfg.Damage,
		delegator: cfg.Delegator,
	}
	opts := config.DefaultOptions()
	if cfg.Options != nil {
		opts = *cfg.Options
	}
	t.opts.Store(&opts)
	return t, nil
}

// Options returns the current option snapshot.
func (t *Tray) Options() config.Options { return *t.opts.Load() }

// SetOptions replaces the option snapshot used by subsequent requests.
func (t *Tray) SetOptions(o config.Options) { t.opts.Store(&o) }

// Self returns the requesting participant.
func (t *Tray) Self() types.Participant { return t.self }

// HasOwnedTarget reports whether the requester owns at least one of the
// referenced entities. Trays without delegation hide their target list when
// it does not.
func (t *Tray) HasOwnedTarget(ctx context.Context, refs ...target.Ref) bool {
	for _, e := range target.NewPartitioner(t.resolver).Normalize(ctx, refs...) {
		if e.IsOwner(t.self) {
			return true
		}
	}
	return false
}

// CanDelegate reports whether a tray activated with gesture in mode may
// delegate to unowned targets.
func CanDelegate(o config.Options, mode Mode, gesture Gesture) bool {
	if !o.AllowDelegationToTargets {
		return false
	}
	if o.LegacyTargetGesture {
		return gesture == GestureSecondary
	}
	return mode == ModeTargeted
}

func (t *Tray) partitioner(o config.Options) *target.Partitioner {
	return target.NewPartitioner(t.resolver, target.WithVisibility(permission.New(o)))
}
