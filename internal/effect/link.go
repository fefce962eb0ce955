package effect

import (
	"context"
	"errors"
	"fmt"

	"github.com/etiquettestartshere/effectivetray/internal/observe"
	"github.com/etiquettestartshere/effectivetray/internal/target"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// ErrLinkUndeliverable reports that no connected participant controls the
// concentration source, so the dependent link cannot be recorded.
var ErrLinkUndeliverable = errors.New("effect: no participant controls the concentration source")

// ErrNotController is returned by [Engine.Link] when the local participant
// does not control the concentration source named in the request.
var ErrNotController = errors.New("effect: local participant does not control the concentration source")

// LinkRequest asks the controller of a concentration source to record a
// dependent that another participant created.
type LinkRequest struct {
	// UserID is the participant expected to perform the write.
	UserID string `json:"userId"`

	// Concentration is the source effect.
	Concentration types.EffectRef `json:"concentration"`

	// Dependent is the newly created effect.
	Dependent types.EffectRef `json:"dependent"`
}

// LinkSender delivers a [LinkRequest] to req.UserID.
type LinkSender interface {
	SendLink(ctx context.Context, req LinkRequest) error
}

// link registers dep as a dependent of con, locally when the local
// participant controls con and stores it, and otherwise through the link
// sender to another participant controlling the holder. Failures leave the
// dependent in place and are only logged.
func (e *Engine) link(ctx context.Context, con, dep types.AppliedEffect) {
	log := observe.Logger(ctx).With("concentration", con.Ref().String(), "dependent", dep.Ref().String())

	owner, err := target.ResolveOne(ctx, e.resolver, con.EntityID)
	if err != nil {
		log.Warn("effect: concentration holder unresolvable; dependent link dropped", "err", err)
		e.metrics.RecordLink(ctx, "dropped")
		return
	}

	self := e.dir.Self()
	if owner.IsOwner(self) {
		err := e.store.AddDependent(ctx, con.Ref(), dep.Ref())
		switch {
		case err == nil:
			e.metrics.RecordLink(ctx, "local")
			return
		case !errors.Is(err, ErrNotFound):
			log.Warn("effect: recording dependent link failed", "err", err)
			e.metrics.RecordLink(ctx, "failed")
			return
		}
		// The source lives in another participant's store.
		log.Debug("effect: concentration source not stored locally; delegating link")
	}

	controller, ok := controllerOf(owner, self, e.dir.Participants())
	if !ok || e.links == nil {
		log.Warn("effect: dependent link dropped", "err", ErrLinkUndeliverable)
		e.metrics.RecordLink(ctx, "dropped")
		return
	}

	req := LinkRequest{UserID: controller.ID, Concentration: con.Ref(), Dependent: dep.Ref()}
	if err := e.links.SendLink(ctx, req); err != nil {
		log.Warn("effect: sending dependent link failed", "to", controller.ID, "err", err)
		e.metrics.RecordLink(ctx, "failed")
		return
	}
	log.Debug("effect: dependent link delegated", "to", controller.ID)
	e.metrics.RecordLink(ctx, "delegated")
}

// controllerOf picks the first other active participant owning holder.
func controllerOf(holder types.Entity, self types.Participant, ps []types.Participant) (types.Participant, bool) {
	for _, p := range ps {
		if p.ID == self.ID || !p.Active {
			continue
		}
		if holder.IsOwner(p) {
			return p, true
		}
	}
	return types.Participant{}, false
}

// Link performs the receiving half of a delegated dependent link. The local
// participant must control the concentration source.
func (e *Engine) Link(ctx context.Context, req LinkRequest) error {
	holder, err := target.ResolveOne(ctx, e.resolver, req.Concentration.EntityID)
	if err != nil {
		return fmt.Errorf("effect: resolve concentration holder %q: %w", req.Concentration.EntityID, err)
	}
	if !holder.IsOwner(e.dir.Self()) {
		return ErrNotController
	}
	if err := e.store.AddDependent(ctx, req.Concentration, req.Dependent); err != nil {
		return fmt.Errorf("effect: add dependent %s to %s: %w", req.Dependent, req.Concentration, err)
	}
	e.metrics.RecordLink(ctx, "received")
	return nil
}
