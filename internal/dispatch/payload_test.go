package dispatch_test

import (
	"encoding/json"
	"testing"

	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

func TestTemplateRef_JSON(t *testing.T) {
	t.Parallel()

	t.Run("identity", func(t *testing.T) {
		t.Parallel()
		b, err := json.Marshal(dispatch.TemplateRef{ID: "Item.i1.ActiveEffect.e1"})
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != `"Item.i1.ActiveEffect.e1"` {
			t.Errorf("Marshal = %s, want a JSON string", b)
		}
		var got dispatch.TemplateRef
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatal(err)
		}
		if got.ID != "Item.i1.ActiveEffect.e1" || got.Inline != nil {
			t.Errorf("Unmarshal = %+v", got)
		}
	})

	t.Run("inline", func(t *testing.T) {
		t.Parallel()
		tpl := types.EffectTemplate{ID: "bless", Name: "Bless", Duration: types.Duration{Rounds: 10}}
		b, err := json.Marshal(dispatch.TemplateRef{Inline: &tpl})
		if err != nil {
			t.Fatal(err)
		}
		if b[0] != '{' {
			t.Errorf("Marshal = %s, want a JSON object", b)
		}
		var got dispatch.TemplateRef
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatal(err)
		}
		if got.Inline == nil || got.Inline.Name != "Bless" || got.Inline.Duration.Rounds != 10 {
			t.Errorf("Unmarshal = %+v", got)
		}
		if got.TemplateID() != "bless" {
			t.Errorf("TemplateID = %q", got.TemplateID())
		}
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()
		var got dispatch.TemplateRef
		if err := json.Unmarshal([]byte(`42`), &got); err == nil {
			t.Error("expected error for a number")
		}
	})
}

func TestEffectPayload_WireShape(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(dispatch.EffectPayload{
		Origin:     dispatch.TemplateRef{ID: "bless"},
		Targets:    []string{"ogre", "goblin"},
		EffectData: map[string]any{"a": 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"origin", "targets", "effectData", "con", "caster"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("payload is missing key %q: %s", key, b)
		}
	}
	if raw["con"] != nil || raw["caster"] != nil {
		t.Errorf("absent concentration should encode as null: %s", b)
	}
}
