package types

// EntityType classifies an entity. Only [EntityNPC] receives special
// treatment (see the permission package); any other value is carried through.
type EntityType string

const (
	EntityCharacter EntityType = "character"
	EntityNPC       EntityType = "npc"
	EntityVehicle   EntityType = "vehicle"
	EntityGroup     EntityType = "group"
)

// Entity is an addressable game actor. It owns applied effects and receives
// damage.
type Entity struct {
	// ID is the entity's stable identifier (a document UUID in the host).
	ID string `json:"id" yaml:"id"`

	// Name is the entity's display name.
	Name string `json:"name" yaml:"name"`

	// Type classifies the entity.
	Type EntityType `json:"type" yaml:"type"`

	// Disposition is the alignment of the entity's placeable in the scene.
	Disposition Disposition `json:"disposition" yaml:"disposition"`

	// DefaultPermission applies to participants without an explicit entry
	// in Ownership.
	DefaultPermission PermissionLevel `json:"default_permission" yaml:"default_permission"`

	// Ownership maps participant IDs to their permission level.
	Ownership map[string]PermissionLevel `json:"ownership,omitempty" yaml:"ownership,omitempty"`

	// HP is the entity's hit point pool. Nil when the entity has none.
	HP *HitPoints `json:"hp,omitempty" yaml:"hp,omitempty"`
}

// HitPoints is a minimal hit point pool used by the bundled damage pipeline.
type HitPoints struct {
	Value int `json:"value" yaml:"value"`
	Max   int `json:"max" yaml:"max"`
	Temp  int `json:"temp" yaml:"temp"`
}

// PermissionFor returns p's permission level on e. Authority participants
// always hold [PermissionOwner].
func (e Entity) PermissionFor(p Participant) PermissionLevel {
	if p.Authority {
		return PermissionOwner
	}
	if lvl, ok := e.Ownership[p.ID]; ok {
		return lvl
	}
	return e.DefaultPermission
}

// IsOwner reports whether p may write e directly.
func (e Entity) IsOwner(p Participant) bool {
	return e.PermissionFor(p) >= PermissionOwner
}
