// Package permission decides whether a requesting participant may see and
// act on a target entity at all.
//
// A [Filter] is a stateless AND of three independently configured
// predicates: entity-type exclusion, a disposition threshold and a
// visibility tier. Targets failing any predicate are hidden from both the
// local apply path and the delegation path.
package permission

import (
	"github.com/etiquettestartshere/effectivetray/internal/config"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// Filter evaluates target visibility for a requester. The zero value lets
// every target through.
type Filter struct {
	excludeUnownedNPC bool
	disposition       config.DispositionThreshold
	tier              config.VisibilityTier
}

// New builds a Filter from the option table.
func New(opts config.Options) Filter {
	return Filter{
		excludeUnownedNPC: opts.ExcludeUnownedNonPlayer,
		disposition:       opts.DispositionFilter,
		tier:              opts.VisibilityTierFilter,
	}
}

// IsVisible reports whether requester may see and act on e.
func (f Filter) IsVisible(requester types.Participant, e types.Entity) bool {
	owner := e.IsOwner(requester)
	if f.excludeUnownedNPC && e.Type == types.EntityNPC && !owner {
		return false
	}
	if limit, ok := dispositionLimit(f.disposition); ok && !owner && e.Disposition <= limit {
		return false
	}
	if f.tier == config.TierGM {
		return requester.Authority
	}
	return e.PermissionFor(requester) >= tierLevel(f.tier)
}

// Apply returns the entities of es visible to requester, in input order.
func (f Filter) Apply(requester types.Participant, es []types.Entity) []types.Entity {
	out := make([]types.Entity, 0, len(es))
	for _, e := range es {
		if f.IsVisible(requester, e) {
			out = append(out, e)
		}
	}
	return out
}

func dispositionLimit(d config.DispositionThreshold) (types.Disposition, bool) {
	switch d {
	case config.DispositionSecret:
		return types.DispositionSecret, true
	case config.DispositionHostile:
		return types.DispositionHostile, true
	case config.DispositionNeutral:
		return types.DispositionNeutral, true
	}
	return 0, false
}

func tierLevel(t config.VisibilityTier) types.PermissionLevel {
	switch t {
	case config.TierLimited:
		return types.PermissionLimited
	case config.TierObserver:
		return types.PermissionObserver
	case config.TierOwner:
		return types.PermissionOwner
	}
	return types.PermissionNone
}
