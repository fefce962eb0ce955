// Package effect implements the create-or-refresh-or-delete state machine that
// decides what applying an effect template to an entity does, and keeps
// concentration dependency links consistent when the dependent is created by
// a participant who does not control the concentration source.
package effect

import (
	"context"
	"errors"

	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// ErrNotFound is returned by a [Store] when the requested effect does not exist.
var ErrNotFound = errors.New("effect not found")

// ErrDuplicateOrigin is returned by [Store.Create] when the entity already
// holds an effect with the same non-empty origin.
var ErrDuplicateOrigin = errors.New("effect with that origin already exists on entity")

// Store is the host's document layer for applied effects.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// List returns the effects attached to the entity, oldest first.
	List(ctx context.Context, entityID string) ([]types.AppliedEffect, error)

	// Get returns the effect addressed by ref.
	// Returns [ErrNotFound] when it does not exist.
	Get(ctx context.Context, ref types.EffectRef) (types.AppliedEffect, error)

	// FindByOrigin returns the entity's effect whose origin equals origin.
	// Returns [ErrNotFound] when there is none.
	FindByOrigin(ctx context.Context, entityID, origin string) (types.AppliedEffect, error)

	// Create stores a new effect and returns it with ID and timestamps set.
	// Returns [ErrDuplicateOrigin] when the origin is already taken.
	Create(ctx context.Context, e types.AppliedEffect) (types.AppliedEffect, error)

	// Update replaces an existing effect and returns the stored record.
	// Returns [ErrNotFound] when it does not exist.
	Update(ctx context.Context, e types.AppliedEffect) (types.AppliedEffect, error)

	// Delete removes the effect addressed by ref.
	// Returns [ErrNotFound] when it does not exist.
	Delete(ctx context.Context, ref types.EffectRef) error

	// AddDependent records dependent on the concentration source. Adding a
	// dependent twice is a no-op.
	// Returns [ErrNotFound] when the source does not exist.
	AddDependent(ctx context.Context, source, dependent types.EffectRef) error
}

// TemplateSource resolves template identities to templates.
type TemplateSource interface {
	// Template returns the template with the given identity.
	// Returns [ErrNotFound] when it does not exist.
	Template(ctx context.Context, id string) (types.EffectTemplate, error)
}

// Directory answers who the local participant is and who else is connected.
type Directory interface {
	Self() types.Participant
	Participants() []types.Participant
}
