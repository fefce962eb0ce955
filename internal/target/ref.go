// Package target normalises heterogeneous target references and partitions
// them into entities the requester can write directly and entities whose
// mutation must be delegated to the session authority.
package target

import (
	"context"
	"errors"

	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// ErrUnresolvable is returned by a [Resolver] when an identifier no longer
// names an entity. The partitioner drops such targets silently.
var ErrUnresolvable = errors.New("target: unresolvable")

// Resolver turns entity identifiers into entities.
//
// Lookup answers from whatever is immediately available (an in-memory
// scene, a cache) and never blocks. Resolve may consult slower sources
// such as a database and honours ctx.
type Resolver interface {
	Lookup(id string) (types.Entity, bool)
	Resolve(ctx context.Context, id string) (types.Entity, error)
}

// Placeable is an already resolved scene object wrapping an entity (a token).
type Placeable interface {
	Entity() types.Entity
}

// Ref is one target reference. Build it with [ID], [IDs] or [Placeables].
type Ref struct {
	ids        []string
	placeables []Placeable
}

// ID references a single entity by identifier.
func ID(id string) Ref {
	return Ref{ids: []string{id}}
}

// IDs references several entities by identifier.
func IDs(ids ...string) Ref {
	return Ref{ids: ids}
}

// Placeables references already resolved scene objects.
func Placeables(ps ...Placeable) Ref {
	return Ref{placeables: ps}
}

// Token is a minimal [Placeable].
type Token struct {
	Actor types.Entity
}

// Entity implements [Placeable].
func (t Token) Entity() types.Entity { return t.Actor }

// ResolveOne resolves id, trying the synchronous path first.
func ResolveOne(ctx context.Context, r Resolver, id string) (types.Entity, error) {
	if id == "" {
		return types.Entity{}, ErrUnresolvable
	}
	if e, ok := r.Lookup(id); ok {
		return e, nil
	}
	return r.Resolve(ctx, id)
}
