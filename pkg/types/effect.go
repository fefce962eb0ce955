package types

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Duration describes how long an effect lasts once applied. Zero fields mean
// "not bounded by this unit".
type Duration struct {
	Seconds int `json:"seconds,omitempty" yaml:"seconds,omitempty"`
	Rounds  int `json:"rounds,omitempty" yaml:"rounds,omitempty"`
	Turns   int `json:"turns,omitempty" yaml:"turns,omitempty"`
}

// IsZero reports whether d carries no duration at all.
func (d Duration) IsZero() bool {
	return d.Seconds == 0 && d.Rounds == 0 && d.Turns == 0
}

// DurationState is a [Duration] anchored at the world time and combat turn
// at which the effect started.
type DurationState struct {
	Duration `yaml:",inline"`

	StartTime  float64 `json:"start_time" yaml:"start_time"`
	StartRound int     `json:"start_round,omitempty" yaml:"start_round,omitempty"`
	StartTurn  int     `json:"start_turn,omitempty" yaml:"start_turn,omitempty"`
}

// EffectTemplate is an immutable description of an effect to apply. It is
// created by the host (typically an item's effect) and never mutated here.
type EffectTemplate struct {
	// ID is the template's identity, used as the origin key when the
	// template keys itself.
	ID string `json:"id" yaml:"id"`

	Name string `json:"name" yaml:"name"`
	Icon string `json:"icon,omitempty" yaml:"icon,omitempty"`

	Duration Duration `json:"duration" yaml:"duration"`

	// Transfer marks a template that propagates to whoever holds its item.
	Transfer bool `json:"transfer,omitempty" yaml:"transfer,omitempty"`

	// Flags holds arbitrary auxiliary data copied onto applied effects.
	Flags map[string]any `json:"flags,omitempty" yaml:"flags,omitempty"`

	// PowerLevel is the level of the power (spell) the template originates
	// from. Nil for templates that do not come from a leveled power.
	PowerLevel *int `json:"power_level,omitempty" yaml:"power_level,omitempty"`
}

// EffectRef addresses one applied effect on one entity.
type EffectRef struct {
	EntityID string `json:"entity_id"`
	EffectID string `json:"effect_id"`
}

// String renders r in its UUID form, "<entity>.<effect>".
func (r EffectRef) String() string {
	return r.EntityID + "." + r.EffectID
}

// IsZero reports whether r addresses nothing.
func (r EffectRef) IsZero() bool {
	return r.EntityID == "" && r.EffectID == ""
}

// ParseEffectRef parses the UUID form produced by [EffectRef.String]. The
// effect ID is taken after the last dot so entity IDs may contain dots.
func ParseEffectRef(s string) (EffectRef, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return EffectRef{}, fmt.Errorf("types: malformed effect reference %q", s)
	}
	return EffectRef{EntityID: s[:i], EffectID: s[i+1:]}, nil
}

// AppliedEffect is a mutable effect record attached to an entity.
type AppliedEffect struct {
	ID       string `json:"id"`
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
	Icon     string `json:"icon,omitempty"`

	// Origin is the deduplication key: the identity of the template, or of
	// the concentration source, that produced this effect. An entity never
	// holds two effects with the same non-empty origin.
	Origin string `json:"origin,omitempty"`

	Disabled bool          `json:"disabled"`
	Transfer bool          `json:"transfer"`
	Duration DurationState `json:"duration"`

	Flags map[string]any `json:"flags,omitempty"`

	// Dependents lists the effects that exist because of this one. Only
	// concentration sources carry dependents.
	Dependents []EffectRef `json:"dependents,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ref returns the reference addressing e.
func (e AppliedEffect) Ref() EffectRef {
	return EffectRef{EntityID: e.EntityID, EffectID: e.ID}
}

// Clone returns a copy of e that shares no mutable state with it. Nested
// flag maps are copied recursively.
func (e AppliedEffect) Clone() AppliedEffect {
	e.Flags = CloneFlags(e.Flags)
	if e.Dependents != nil {
		e.Dependents = append([]EffectRef(nil), e.Dependents...)
	}
	return e
}

// CloneFlags deep-copies a flag tree. Nested maps are copied; other values
// are shared.
func CloneFlags(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		if sub, ok := v.(map[string]any); ok {
			out[k] = CloneFlags(sub)
		}
	}
	return out
}

// MergeFlags merges src into dst recursively and returns dst. Nested maps
// present on both sides are merged; any other src value replaces the dst
// value. A nil dst is allocated.
//
// Dotted keys address nested flags, so {"dnd5e.spellLevel": 3} sets
// spellLevel inside dnd5e. A leading "flags." on a top-level key is
// dropped, which lets callers pass document paths such as
// "flags.dnd5e.spellLevel".
func MergeFlags(dst, src map[string]any) map[string]any {
	return mergeFlags(dst, src, true)
}

func mergeFlags(dst, src map[string]any, top bool) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if top {
			k = strings.TrimPrefix(k, "flags.")
		}
		path := strings.Split(k, ".")
		parent := dst
		for _, seg := range path[:len(path)-1] {
			next, ok := parent[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				parent[seg] = next
			}
			parent = next
		}
		leaf := path[len(path)-1]

		sub, ok := v.(map[string]any)
		if !ok {
			parent[leaf] = v
			continue
		}
		cur, _ := parent[leaf].(map[string]any)
		parent[leaf] = mergeFlags(cur, sub, false)
	}
	return dst
}
