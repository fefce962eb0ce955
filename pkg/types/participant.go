package types

// Participant is a connected session member. Exactly one active participant
// is the current authority at any time; which one is decided by the host
// environment, not by this module.
type Participant struct {
	// ID uniquely identifies the participant within the session.
	ID string `json:"id" yaml:"id"`

	// Name is the participant's display name.
	Name string `json:"name" yaml:"name"`

	// Authority marks a participant that may perform privileged document
	// mutations (a game master). Authority participants own every entity.
	Authority bool `json:"authority" yaml:"authority"`

	// Active reports whether the participant is currently connected.
	Active bool `json:"active" yaml:"active"`
}

// PermissionLevel is a participant's access level on a single entity.
type PermissionLevel int

const (
	PermissionNone     PermissionLevel = 0
	PermissionLimited  PermissionLevel = 1
	PermissionObserver PermissionLevel = 2
	PermissionOwner    PermissionLevel = 3
)

// String returns the lower-case name of the level.
func (l PermissionLevel) String() string {
	switch l {
	case PermissionNone:
		return "none"
	case PermissionLimited:
		return "limited"
	case PermissionObserver:
		return "observer"
	case PermissionOwner:
		return "owner"
	}
	return "unknown"
}

// Disposition is an entity's relationship alignment towards the party.
type Disposition int

const (
	DispositionSecret   Disposition = -2
	DispositionHostile  Disposition = -1
	DispositionNeutral  Disposition = 0
	DispositionFriendly Disposition = 1
)
