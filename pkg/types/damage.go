package types

// DamageDescriptor is one damage (or healing) component of an attack.
type DamageDescriptor struct {
	Amount float64 `json:"amount"`
	Kind   string  `json:"kind"`

	// Properties affect mitigation (e.g. "mgc", "sil").
	Properties Set `json:"-"`
}

// Selector models an option that is either a blanket boolean or a set of
// damage kinds it applies to.
type Selector struct {
	All   bool
	Types Set
}

// IsZero reports whether s selects nothing.
func (s Selector) IsZero() bool {
	return !s.All && s.Types.Len() == 0
}

// Matches reports whether s applies to the damage kind.
func (s Selector) Matches(kind string) bool {
	return s.All || s.Types.Has(kind)
}

// DamageOnly restricts a damage application to one direction.
type DamageOnly string

const (
	OnlyAny     DamageOnly = ""
	OnlyDamage  DamageOnly = "damage"
	OnlyHealing DamageOnly = "healing"
)

// IgnoreOptions selects which mitigation categories the damage pipeline
// skips. All ignores every category.
type IgnoreOptions struct {
	All           bool
	Immunity      Selector
	Resistance    Selector
	Vulnerability Selector
	Modification  Selector
}

// IsZero reports whether o ignores nothing.
func (o IgnoreOptions) IsZero() bool {
	return !o.All && o.Immunity.IsZero() && o.Resistance.IsZero() &&
		o.Vulnerability.IsZero() && o.Modification.IsZero()
}

// DamageOptions modify how the host's damage pipeline treats a damage
// application.
type DamageOptions struct {
	// Multiplier scales the total. Nil means 1.
	Multiplier *float64

	// Downgrade lowers immunity to resistance for the selected kinds.
	Downgrade Selector

	Ignore IgnoreOptions

	// InvertHealing turns healing into damage and vice versa.
	InvertHealing bool

	Only DamageOnly
}

// Multiply returns the effective multiplier.
func (o DamageOptions) Multiply() float64 {
	if o.Multiplier == nil {
		return 1
	}
	return *o.Multiplier
}
