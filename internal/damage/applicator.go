// Package damage decides where a damage application runs: locally when the
// requester owns the target, on the authority's node when delegation is
// enabled, or nowhere. It also owns the wire form of delegated damage.
package damage

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/etiquettestartshere/effectivetray/internal/config"
	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/internal/observe"
	"github.com/etiquettestartshere/effectivetray/internal/target"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// Pipeline is the host's damage resolution. Mitigation math lives behind it.
type Pipeline interface {
	ApplyDamage(ctx context.Context, actor types.Entity, damages []types.DamageDescriptor, opts types.DamageOptions) error
}

// Delegator hands a payload to the current authority. [dispatch.Dispatcher]
// satisfies it.
type Delegator interface {
	Delegate(ctx context.Context, kind string, payload any) error
}

// Route is where [Applicator.Apply] sent a damage application.
type Route string

const (
	RouteLocal     Route = "local"
	RouteDelegated Route = "delegated"
	RouteSkipped   Route = "skipped"
)

// Option configures an [Applicator].
type Option func(*Applicator)

// WithOptions sets the initial option table. Default: [config.DefaultOptions].
func WithOptions(o config.Options) Option {
	return func(a *Applicator) { a.opts.Store(&o) }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Applicator) { a.metrics = m }
}

// Applicator routes damage applications.
type Applicator struct {
	pipeline  Pipeline
	resolver  target.Resolver
	delegator Delegator
	metrics   *observe.Metrics
	opts      atomic.Pointer[config.Options]
}

// New returns an Applicator. The resolver is used on the authority side to
// look up the target named by a delegated payload.
func New(p Pipeline, r target.Resolver, d Delegator, opts ...Option) *Applicator {
	a := &Applicator{pipeline: p, resolver: r, delegator: d}
	for _, o := range opts {
		o(a)
	}
	if a.opts.Load() == nil {
		def := config.DefaultOptions()
		a.opts.Store(&def)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// SetOptions replaces the option snapshot used by subsequent calls.
func (a *Applicator) SetOptions(o config.Options) {
	a.opts.Store(&o)
}

// Apply applies damages to actor on behalf of requester. Owned targets go
// straight to the pipeline. Other targets are delegated when damage
// delegation is enabled and skipped otherwise.
func (a *Applicator) Apply(ctx context.Context, requester types.Participant, actor types.Entity, damages []types.DamageDescriptor, opts types.DamageOptions) (Route, error) {
	ctx, span := observe.StartSpan(ctx, "damage.Apply")
	defer span.End()

	if actor.IsOwner(requester) {
		if err := a.pipeline.ApplyDamage(ctx, actor, damages, opts); err != nil {
			a.metrics.RecordDamage(ctx, "failed")
			return RouteLocal, fmt.Errorf("damage: apply to %q: %w", actor.ID, err)
		}
		a.metrics.RecordDamage(ctx, string(RouteLocal))
		return RouteLocal, nil
	}

	if !a.opts.Load().DelegateDamageToTargets {
		observe.Logger(ctx).Debug("damage: skipping unowned target", "entity", actor.ID)
		a.metrics.RecordDamage(ctx, string(RouteSkipped))
		return RouteSkipped, nil
	}

	p := Payload{ID: actor.ID, Opts: EncodeOptions(opts), Damage: EncodeDamages(damages)}
	if err := a.delegator.Delegate(ctx, dispatch.KindDamage, p); err != nil {
		a.metrics.RecordDamage(ctx, "failed")
		return RouteDelegated, fmt.Errorf("damage: delegate %q: %w", actor.ID, err)
	}
	a.metrics.RecordDamage(ctx, string(RouteDelegated))
	return RouteDelegated, nil
}

// Execute runs a delegated payload on the authority's node. Sets are
// rebuilt before the pipeline is called. An unresolvable target is dropped
// without error.
func (a *Applicator) Execute(ctx context.Context, p Payload) error {
	actor, err := target.ResolveOne(ctx, a.resolver, p.ID)
	if err != nil {
		observe.Logger(ctx).Debug("damage: dropping unresolvable target", "id", p.ID, "err", err)
		return nil
	}
	if err := a.pipeline.ApplyDamage(ctx, actor, DecodeDamages(p.Damage), DecodeOptions(p.Opts)); err != nil {
		return fmt.Errorf("damage: apply delegated damage to %q: %w", p.ID, err)
	}
	return nil
}

// Handle is the [dispatch.Handler] for damage envelopes.
func (a *Applicator) Handle(ctx context.Context, env dispatch.Envelope) error {
	var p Payload
	if err := env.Decode(&p); err != nil {
		return err
	}
	return a.Execute(ctx, p)
}
