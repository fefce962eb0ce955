package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// TemplateRef names the template of an effect delegation: either the
// identity of a template the authority can look up, or a full inline
// template. On the wire it is a JSON string or a JSON object.
type TemplateRef struct {
	ID     string
	Inline *types.EffectTemplate
}

// TemplateID returns the identity the reference carries.
func (r TemplateRef) TemplateID() string {
	if r.Inline != nil {
		return r.Inline.ID
	}
	return r.ID
}

// MarshalJSON implements [json.Marshaler].
func (r TemplateRef) MarshalJSON() ([]byte, error) {
	if r.Inline != nil {
		return json.Marshal(r.Inline)
	}
	return json.Marshal(r.ID)
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *TemplateRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*r = TemplateRef{}
		return nil
	case b[0] == '"':
		*r = TemplateRef{}
		return json.Unmarshal(b, &r.ID)
	case b[0] == '{':
		var tpl types.EffectTemplate
		if err := json.Unmarshal(b, &tpl); err != nil {
			return err
		}
		*r = TemplateRef{Inline: &tpl}
		return nil
	}
	return fmt.Errorf("dispatch: template reference must be a string or an object, got %s", b)
}

// EffectPayload is the data of a [KindEffect] envelope.
type EffectPayload struct {
	Origin  TemplateRef `json:"origin"`
	Targets []string    `json:"targets"`

	// EffectData is deep-merged into the applied effect's flags.
	EffectData map[string]any `json:"effectData,omitempty"`

	// Con is the ID of the concentration effect on Caster.
	Con    *string `json:"con"`
	Caster *string `json:"caster"`

	// CastLevel overrides the template's power level when stamping.
	CastLevel *int `json:"castLevel,omitempty"`
}
