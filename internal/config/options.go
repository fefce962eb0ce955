package config

// VisibilityTier is the minimum permission level a requester must hold on a
// target for the target to be visible.
type VisibilityTier string

const (
	TierNone     VisibilityTier = "none"
	TierLimited  VisibilityTier = "limited"
	TierObserver VisibilityTier = "observer"
	TierOwner    VisibilityTier = "owner"

	// TierGM shows every target to the authority and none to anyone else.
	TierGM VisibilityTier = "gm"
)

// IsValid reports whether t is a recognised visibility tier.
func (t VisibilityTier) IsValid() bool {
	switch t {
	case TierNone, TierLimited, TierObserver, TierOwner, TierGM:
		return true
	}
	return false
}

// DispositionThreshold hides unowned targets whose disposition is at or
// below the named alignment.
type DispositionThreshold string

const (
	DispositionNone    DispositionThreshold = "none"
	DispositionSecret  DispositionThreshold = "secret"
	DispositionHostile DispositionThreshold = "hostile"
	DispositionNeutral DispositionThreshold = "neutral"
)

// IsValid reports whether d is a recognised disposition threshold.
func (d DispositionThreshold) IsValid() bool {
	switch d {
	case DispositionNone, DispositionSecret, DispositionHostile, DispositionNeutral:
		return true
	}
	return false
}

// Options is the behaviour table shared by the filter, the partitioner, the
// effect engine and the damage applicator. It is passed by value; a reload
// produces a new snapshot rather than mutating the old one.
type Options struct {
	// AllowDelegationToTargets enables delegating effect application to
	// entities outside local authority.
	AllowDelegationToTargets bool `yaml:"allow_delegation_to_targets"`

	// LegacyTargetGesture delegates on the secondary gesture instead of
	// following the targeting mode toggle.
	LegacyTargetGesture bool `yaml:"legacy_target_gesture"`

	// DelegateDamageToTargets enables damage delegation analogous to effects.
	DelegateDamageToTargets bool `yaml:"delegate_damage_to_targets"`

	// DeleteInsteadOfRefresh deletes an already applied effect instead of
	// refreshing it when the same effect is applied again.
	DeleteInsteadOfRefresh bool `yaml:"delete_instead_of_refresh"`

	// FlagCastLevel stamps the cast level into newly created effects that
	// originate from a leveled power.
	FlagCastLevel bool `yaml:"flag_cast_level"`

	// AllowMultipleConcentrationDependents keys applied effects by their
	// template rather than by their concentration source, so one
	// concentration may keep several dependents on the same entity.
	AllowMultipleConcentrationDependents bool `yaml:"allow_multiple_concentration_dependents"`

	VisibilityTierFilter VisibilityTier       `yaml:"visibility_tier_filter"`
	DispositionFilter    DispositionThreshold `yaml:"disposition_filter"`

	// ExcludeUnownedNonPlayer hides npc entities the requester does not own.
	ExcludeUnownedNonPlayer bool `yaml:"exclude_unowned_non_player"`

	// RemoveTransfer clears the transfer flag of templates that carry a
	// duration, so timed effects are applied rather than passively granted.
	RemoveTransfer bool `yaml:"remove_transfer"`
}

// DefaultOptions returns the default option table.
func DefaultOptions() Options {
	return Options{
		AllowDelegationToTargets: true,
		LegacyTargetGesture:      true,
		FlagCastLevel:            true,
		VisibilityTierFilter:     TierNone,
		DispositionFilter:        DispositionNone,
		RemoveTransfer:           true,
	}
}
