// Package dispatch is the message-passing layer between participants. A
// participant that cannot write a target delegates the mutation to the
// current authority by broadcasting an [Envelope]; on the authority's node
// the [Dispatcher] accepts the envelope and hands it to the handler
// registered for its kind.
//
// Delivery is fire-and-forget: there is no acknowledgement and no retry.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// Envelope kinds.
const (
	KindEffect = "effect"
	KindDamage = "damage"
	KindLink   = "link"

	// KindRoster frames carry the relay's participant list. They are
	// consumed by the transport and never reach the dispatcher.
	KindRoster = "roster"
)

// Envelope is the channel-level message.
type Envelope struct {
	// ID identifies the envelope in logs.
	ID string `json:"id,omitempty"`

	Kind string `json:"kind"`

	// Sender is the participant that sent the envelope.
	Sender string `json:"sender"`

	// To addresses a single participant. Empty means broadcast.
	To string `json:"to,omitempty"`

	// Trace carries W3C trace context across the channel.
	Trace map[string]string `json:"trace,omitempty"`

	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("dispatch: decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Channel is the broadcast pipe between participants. Delivery is reliable
// and ordered per sender; there is no ordering across senders.
type Channel interface {
	// Send publishes env to every other participant, or only to env.To
	// when set.
	Send(ctx context.Context, env Envelope) error

	// Subscribe registers fn for incoming envelopes. Envelopes are
	// delivered one at a time. The returned func unsubscribes.
	Subscribe(fn func(ctx context.Context, env Envelope)) (unsubscribe func())
}

// Roster reports who the local participant is and who is connected.
type Roster interface {
	Self() types.Participant
	Participants() []types.Participant
}

// CurrentAuthority returns the active authority participant with the
// smallest ID, and false when none is connected.
func CurrentAuthority(ps []types.Participant) (types.Participant, bool) {
	var (
		best  types.Participant
		found bool
	)
	for _, p := range ps {
		if !p.Active || !p.Authority {
			continue
		}
		if !found || p.ID < best.ID {
			best, found = p, true
		}
	}
	return best, found
}

// IsAuthority reports whether the local participant is the current authority.
func IsAuthority(r Roster) bool {
	auth, ok := CurrentAuthority(r.Participants())
	return ok && auth.ID == r.Self().ID
}

// Notifier shows warnings to the local user.
type Notifier interface {
	Warn(ctx context.Context, msg string)
}

// LogNotifier writes warnings to the default logger.
type LogNotifier struct{}

// Warn implements [Notifier].
func (LogNotifier) Warn(ctx context.Context, msg string) {
	slog.WarnContext(ctx, msg)
}

// Handler executes an accepted envelope.
type Handler func(ctx context.Context, env Envelope) error
