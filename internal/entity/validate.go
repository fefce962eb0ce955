package entity

import (
	"errors"
	"fmt"

	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// Validate checks an entity for required fields and sane values.
//
// Rules:
//   - ID and Name must be non-empty.
//   - Type must be a recognised [types.EntityType].
//   - Permission levels must lie between none and owner.
//   - Hit points, when present, must not be negative and Value must not
//     exceed Max.
func Validate(e types.Entity) error {
	var errs []error

	if e.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if e.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	switch e.Type {
	case types.EntityCharacter, types.EntityNPC, types.EntityVehicle, types.EntityGroup:
	default:
		errs = append(errs, fmt.Errorf("type %q is not a recognised entity type", e.Type))
	}
	if !validLevel(e.DefaultPermission) {
		errs = append(errs, fmt.Errorf("default_permission %d out of range", e.DefaultPermission))
	}
	for id, lvl := range e.Ownership {
		if !validLevel(lvl) {
			errs = append(errs, fmt.Errorf("ownership[%s]: level %d out of range", id, lvl))
		}
	}
	if hp := e.HP; hp != nil {
		if hp.Max < 0 || hp.Temp < 0 {
			errs = append(errs, errors.New("hp: max and temp must not be negative"))
		}
		if hp.Max > 0 && hp.Value > hp.Max {
			errs = append(errs, fmt.Errorf("hp: value %d exceeds max %d", hp.Value, hp.Max))
		}
	}

	return errors.Join(errs...)
}

func validLevel(l types.PermissionLevel) bool {
	return l >= types.PermissionNone && l <= types.PermissionOwner
}
