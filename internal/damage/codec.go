package damage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// The transport only carries ordered sequences, so every set-valued field
// is sent as a sorted array and rebuilt as a set on receipt.

// Payload is the data of a damage delegation envelope.
type Payload struct {
	// ID is the target entity.
	ID     string   `json:"id"`
	Opts   Options  `json:"opts"`
	Damage []Damage `json:"damage"`
}

// Damage is the wire form of [types.DamageDescriptor].
type Damage struct {
	Amount     float64  `json:"amount"`
	Kind       string   `json:"kind"`
	Properties []string `json:"properties"`
}

// Options is the wire form of [types.DamageOptions].
type Options struct {
	Multiplier    *float64  `json:"multiplier,omitempty"`
	Downgrade     *Selector `json:"downgrade,omitempty"`
	Ignore        *Ignore   `json:"ignore,omitempty"`
	InvertHealing bool      `json:"invertHealing,omitempty"`
	Only          string    `json:"only,omitempty"`
}

// Selector is the wire form of [types.Selector]: JSON true, or an array of
// damage kinds.
type Selector types.Selector

// MarshalJSON implements [json.Marshaler].
func (s Selector) MarshalJSON() ([]byte, error) {
	if s.All {
		return []byte("true"), nil
	}
	return json.Marshal(s.Types.Sorted())
}

// UnmarshalJSON implements [json.Unmarshaler].
func (s *Selector) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("true")):
		*s = Selector{All: true}
		return nil
	case bytes.Equal(b, []byte("false")), bytes.Equal(b, []byte("null")):
		*s = Selector{}
		return nil
	}
	var kinds []string
	if err := json.Unmarshal(b, &kinds); err != nil {
		return fmt.Errorf("damage: selector must be a boolean or an array of strings: %w", err)
	}
	*s = Selector{Types: types.NewSet(kinds...)}
	return nil
}

// Ignore is the wire form of [types.IgnoreOptions]: JSON true to ignore
// everything, or an object of per-category selectors.
type Ignore struct {
	All           bool      `json:"-"`
	Immunity      *Selector `json:"immunity,omitempty"`
	Resistance    *Selector `json:"resistance,omitempty"`
	Vulnerability *Selector `json:"vulnerability,omitempty"`
	Modification  *Selector `json:"modification,omitempty"`
}

// ignoreFields avoids recursion through Ignore's own methods.
type ignoreFields Ignore

// MarshalJSON implements [json.Marshaler].
func (i Ignore) MarshalJSON() ([]byte, error) {
	if i.All {
		return []byte("true"), nil
	}
	return json.Marshal(ignoreFields(i))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (i *Ignore) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("true")):
		*i = Ignore{All: true}
		return nil
	case bytes.Equal(b, []byte("false")), bytes.Equal(b, []byte("null")):
		*i = Ignore{}
		return nil
	}
	var f ignoreFields
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("damage: ignore must be a boolean or an object: %w", err)
	}
	*i = Ignore(f)
	return nil
}

// EncodeDamages converts descriptors to their wire form. An empty property
// set encodes as an empty array.
func EncodeDamages(ds []types.DamageDescriptor) []Damage {
	out := make([]Damage, len(ds))
	for i, d := range ds {
		out[i] = Damage{Amount: d.Amount, Kind: d.Kind, Properties: d.Properties.Sorted()}
	}
	return out
}

// DecodeDamages rebuilds descriptors from their wire form. Duplicate
// properties collapse.
func DecodeDamages(ws []Damage) []types.DamageDescriptor {
	out := make([]types.DamageDescriptor, len(ws))
	for i, w := range ws {
		out[i] = types.DamageDescriptor{Amount: w.Amount, Kind: w.Kind, Properties: types.NewSet(w.Properties...)}
	}
	return out
}

// EncodeOptions converts options to their wire form. Empty selectors are
// omitted.
func EncodeOptions(o types.DamageOptions) Options {
	w := Options{
		Multiplier:    o.Multiplier,
		Downgrade:     encodeSelector(o.Downgrade),
		InvertHealing: o.InvertHealing,
		Only:          string(o.Only),
	}
	if !o.Ignore.IsZero() {
		w.Ignore = &Ignore{
			All:           o.Ignore.All,
			Immunity:      encodeSelector(o.Ignore.Immunity),
			Resistance:    encodeSelector(o.Ignore.Resistance),
			Vulnerability: encodeSelector(o.Ignore.Vulnerability),
			Modification:  encodeSelector(o.Ignore.Modification),
		}
	}
	return w
}

// DecodeOptions rebuilds options from their wire form.
func DecodeOptions(w Options) types.DamageOptions {
	o := types.DamageOptions{
		Multiplier:    w.Multiplier,
		Downgrade:     decodeSelector(w.Downgrade),
		InvertHealing: w.InvertHealing,
		Only:          types.DamageOnly(w.Only),
	}
	if w.Ignore != nil {
		o.Ignore = types.IgnoreOptions{
			All:           w.Ignore.All,
			Immunity:      decodeSelector(w.Ignore.Immunity),
			Resistance:    decodeSelector(w.Ignore.Resistance),
			Vulnerability: decodeSelector(w.Ignore.Vulnerability),
			Modification:  decodeSelector(w.Ignore.Modification),
		}
	}
	return o
}

func encodeSelector(s types.Selector) *Selector {
	if s.IsZero() {
		return nil
	}
	w := Selector(s)
	return &w
}

func decodeSelector(w *Selector) types.Selector {
	if w == nil {
		return types.Selector{}
	}
	return types.Selector(*w)
}
