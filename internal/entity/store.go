// Package entity is the directory of game entities a participant node knows
// about: who exists in the scene, who owns what, and how many hit points
// each entity has left.
//
// Supported input formats:
//   - Native YAML scene files ([LoadSceneFile], [LoadSceneFromReader])
//   - Foundry VTT world exports ([ParseFoundryVTT])
//
// All store operations are safe for concurrent use.
package entity

import (
	"context"
	"errors"

	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// ErrNotFound is returned by Get, Update and Remove when the requested
// entity does not exist.
var ErrNotFound = errors.New("entity not found")

// ErrDuplicateID is returned by Add when an entity with the same ID already exists.
var ErrDuplicateID = errors.New("entity with that ID already exists")

// Store manages the entities of a scene.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// Add creates a new entity. Returns the entity with a generated ID if
	// the provided entity's ID is empty.
	// Returns [ErrDuplicateID] if an entity with the same non-empty ID exists.
	Add(ctx context.Context, e types.Entity) (types.Entity, error)

	// Get retrieves an entity by ID.
	// Returns [ErrNotFound] when no entity with that ID exists.
	Get(ctx context.Context, id string) (types.Entity, error)

	// List returns the entities matching opts, ordered by ID.
	List(ctx context.Context, opts ListOptions) ([]types.Entity, error)

	// Update replaces an existing entity.
	// Returns [ErrNotFound] when no entity with that ID exists.
	Update(ctx context.Context, e types.Entity) error

	// Remove deletes an entity by ID.
	// Returns [ErrNotFound] when no entity with that ID exists.
	Remove(ctx context.Context, id string) error

	// BulkImport adds entities one at a time and returns how many were
	// added before the first error.
	BulkImport(ctx context.Context, entities []types.Entity) (int, error)
}

// ListOptions narrows the result set of [Store.List].
// All non-zero fields are applied as AND conditions.
type ListOptions struct {
	// Type restricts results to entities of this type.
	Type types.EntityType

	// OwnedBy restricts results to entities the participant owns.
	OwnedBy *types.Participant
}
