package effect

import (
	"time"

	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// Clock reports the world time and combat position that new durations are
// anchored at.
type Clock interface {
	// WorldTime returns the current in-game time in seconds.
	WorldTime() float64

	// Combat returns the current round and turn, and false when no combat
	// is running.
	Combat() (round, turn int, ok bool)
}

// WallClock uses real time as world time and never reports combat.
type WallClock struct{}

// WorldTime implements [Clock].
func (WallClock) WorldTime() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Combat implements [Clock].
func (WallClock) Combat() (int, int, bool) { return 0, 0, false }

// InitialDuration anchors d at the clock's current position.
func InitialDuration(d types.Duration, c Clock) types.DurationState {
	s := types.DurationState{Duration: d, StartTime: c.WorldTime()}
	if round, turn, ok := c.Combat(); ok {
		s.StartRound, s.StartTurn = round, turn
	}
	return s
}
