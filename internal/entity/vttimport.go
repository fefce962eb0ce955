package entity

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// foundryWorld is the subset of a Foundry VTT world export this package
// reads. Unknown fields are silently ignored.
type foundryWorld struct {
	Actors []foundryActor `json:"actors"`
	Items  []foundryItem  `json:"items"`
}

type foundryActor struct {
	ID    string        `json:"_id"`
	Name  string        `json:"name"`
	Type  string        `json:"type"`
	Items []foundryItem `json:"items"`

	// Ownership replaced Permission in Foundry v10; both are accepted.
	Ownership  map[string]int `json:"ownership"`
	Permission map[string]int `json:"permission"`

	// PrototypeToken replaced Token in Foundry v10; both are accepted.
	PrototypeToken *foundryToken `json:"prototypeToken"`
	Token          *foundryToken `json:"token"`

	System struct {
		Attributes struct {
			HP *struct {
				Value *int `json:"value"`
				Max   *int `json:"max"`
				Temp  *int `json:"temp"`
			} `json:"hp"`
		} `json:"attributes"`
	} `json:"system"`
}

type foundryToken struct {
	Disposition int `json:"disposition"`
}

type foundryItem struct {
	ID      string          `json:"_id"`
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Effects []foundryEffect `json:"effects"`
	System  struct {
		Level *int `json:"level"`
	} `json:"system"`
}

type foundryEffect struct {
	ID string `json:"_id"`

	// Label and Icon are the pre-v11 spellings of Name and Img.
	Name  string `json:"name"`
	Label string `json:"label"`
	Img   string `json:"img"`
	Icon  string `json:"icon"`

	Transfer bool           `json:"transfer"`
	Flags    map[string]any `json:"flags"`
	Duration struct {
		Seconds *int `json:"seconds"`
		Rounds  *int `json:"rounds"`
		Turns   *int `json:"turns"`
	} `json:"duration"`
}

// ParseFoundryVTT reads a Foundry VTT world export (JSON) into a
// [SceneFile]. Actors become entities with their ownership, token
// disposition and hit points; active effects on items (world items and
// items embedded in actors) become effect templates identified by their
// Foundry UUID. Actors without a name are skipped.
func ParseFoundryVTT(r io.Reader) (*SceneFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("entity: foundry vtt: read input: %w", err)
	}

	var world foundryWorld
	if err := json.Unmarshal(data, &world); err != nil {
		return nil, fmt.Errorf("entity: foundry vtt: parse json: %w", err)
	}

	sf := &SceneFile{Scene: SceneMeta{Name: "Foundry VTT import", System: "dnd5e"}}
	for _, a := range world.Actors {
		if a.Name == "" {
			continue
		}
		sf.Entities = append(sf.Entities, a.entity())
		for _, it := range a.Items {
			sf.Templates = append(sf.Templates, it.templates("Actor."+a.ID+".")...)
		}
	}
	for _, it := range world.Items {
		sf.Templates = append(sf.Templates, it.templates("")...)
	}
	return sf, nil
}

func (a foundryActor) entity() types.Entity {
	e := types.Entity{
		ID:   a.ID,
		Name: a.Name,
		Type: types.EntityType(a.Type),
	}
	switch e.Type {
	case types.EntityCharacter, types.EntityNPC, types.EntityVehicle, types.EntityGroup:
	default:
		e.Type = types.EntityNPC
	}

	own := a.Ownership
	if own == nil {
		own = a.Permission
	}
	for k, v := range own {
		if k == "default" {
			e.DefaultPermission = types.PermissionLevel(v)
			continue
		}
		if e.Ownership == nil {
			e.Ownership = make(map[string]types.PermissionLevel)
		}
		e.Ownership[k] = types.PermissionLevel(v)
	}

	switch {
	case a.PrototypeToken != nil:
		e.Disposition = types.Disposition(a.PrototypeToken.Disposition)
	case a.Token != nil:
		e.Disposition = types.Disposition(a.Token.Disposition)
	}

	if hp := a.System.Attributes.HP; hp != nil {
		e.HP = &types.HitPoints{
			Value: deref(hp.Value),
			Max:   deref(hp.Max),
			Temp:  deref(hp.Temp),
		}
	}
	return e
}

// templates converts the item's active effects. prefix is the UUID prefix
// of the item's parent ("" for world items).
func (it foundryItem) templates(prefix string) []types.EffectTemplate {
	var out []types.EffectTemplate
	for _, fx := range it.Effects {
		name := fx.Name
		if name == "" {
			name = fx.Label
		}
		icon := fx.Img
		if icon == "" {
			icon = fx.Icon
		}
		t := types.EffectTemplate{
			ID:       fmt.Sprintf("%sItem.%s.ActiveEffect.%s", prefix, it.ID, fx.ID),
			Name:     name,
			Icon:     icon,
			Transfer: fx.Transfer,
			Flags:    fx.Flags,
			Duration: types.Duration{
				Seconds: deref(fx.Duration.Seconds),
				Rounds:  deref(fx.Duration.Rounds),
				Turns:   deref(fx.Duration.Turns),
			},
		}
		if it.Type == "spell" && it.System.Level != nil {
			lvl := *it.System.Level
			t.PowerLevel = &lvl
		}
		out = append(out, t)
	}
	return out
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
