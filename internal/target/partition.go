package target

import (
	"context"

	"github.com/etiquettestartshere/effectivetray/internal/observe"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// Partition is the result of [Partitioner.Partition].
type Partition struct {
	// Local holds entities the requester owns, in input order.
	Local []types.Entity

	// Remote holds entities the requester does not own, in input order.
	Remote []types.Entity
}

// RemoteIDs returns the identifiers of the remote entities, in order.
func (p Partition) RemoteIDs() []string {
	ids := make([]string, len(p.Remote))
	for i, e := range p.Remote {
		ids[i] = e.ID
	}
	return ids
}

// Len returns the number of entities in both partitions.
func (p Partition) Len() int { return len(p.Local) + len(p.Remote) }

// Visibility decides whether a requester may act on an entity at all.
// [permission.Filter] satisfies it.
type Visibility interface {
	IsVisible(requester types.Participant, e types.Entity) bool
}

// Option configures a [Partitioner].
type Option func(*Partitioner)

// WithVisibility drops entities the requester may not see before
// partitioning.
func WithVisibility(v Visibility) Option {
	return func(p *Partitioner) { p.visibility = v }
}

// Partitioner splits target references into local and remote entities.
type Partitioner struct {
	resolver   Resolver
	visibility Visibility
}

// NewPartitioner returns a Partitioner resolving identifiers through r.
func NewPartitioner(r Resolver, opts ...Option) *Partitioner {
	p := &Partitioner{resolver: r}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Normalize flattens refs into entities, in order. Identifiers that fail to
// resolve are dropped. Duplicates are kept.
func (p *Partitioner) Normalize(ctx context.Context, refs ...Ref) []types.Entity {
	var out []types.Entity
	for _, ref := range refs {
		for _, pl := range ref.placeables {
			if pl == nil {
				continue
			}
			out = append(out, pl.Entity())
		}
		for _, id := range ref.ids {
			e, err := ResolveOne(ctx, p.resolver, id)
			if err != nil {
				observe.Logger(ctx).Debug("target: dropping unresolvable target", "id", id, "err", err)
				continue
			}
			out = append(out, e)
		}
	}
	return out
}

// Partition resolves refs and splits the visible entities by whether
// requester owns them.
func (p *Partitioner) Partition(ctx context.Context, requester types.Participant, refs ...Ref) Partition {
	var part Partition
	for _, e := range p.Normalize(ctx, refs...) {
		if p.visibility != nil && !p.visibility.IsVisible(requester, e) {
			continue
		}
		if e.IsOwner(requester) {
			part.Local = append(part.Local, e)
		} else {
			part.Remote = append(part.Remote, e)
		}
	}
	return part
}
