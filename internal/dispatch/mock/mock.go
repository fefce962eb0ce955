// Package mock provides in-memory implementations of [dispatch.Channel],
// [dispatch.Roster] and [dispatch.Notifier] for use in unit tests.
//
// All types record their calls and are safe for concurrent use.
//
// Example:
//
//	ch := &mock.Channel{}
//	roster := &mock.Roster{SelfParticipant: alice, Others: []types.Participant{gm}}
//	d := dispatch.New(ch, roster)
//	_ = d.Delegate(ctx, dispatch.KindEffect, payload)
//	sent := ch.Sent()
package mock

import (
	"context"
	"sync"

	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

var (
	_ dispatch.Channel  = (*Channel)(nil)
	_ dispatch.Roster   = (*Roster)(nil)
	_ dispatch.Notifier = (*Notifier)(nil)
)

// Channel is a mock [dispatch.Channel]. Sent envelopes are recorded and
// not delivered anywhere; use [Channel.Deliver] to feed subscribers.
type Channel struct {
	mu sync.Mutex

	// SendError is returned by [Channel.Send]. A failed send is not recorded.
	SendError error

	sent []dispatch.Envelope
	subs map[int]func(context.Context, dispatch.Envelope)
	next int
}

// Send implements [dispatch.Channel].
func (c *Channel) Send(_ context.Context, env dispatch.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendError != nil {
		return c.SendError
	}
	c.sent = append(c.sent, env)
	return nil
}

// Subscribe implements [dispatch.Channel].
func (c *Channel) Subscribe(fn func(context.Context, dispatch.Envelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[int]func(context.Context, dispatch.Envelope))
	}
	id := c.next
	c.next++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Deliver hands env to every subscriber synchronously.
func (c *Channel) Deliver(ctx context.Context, env dispatch.Envelope) {
	c.mu.Lock()
	fns := make([]func(context.Context, dispatch.Envelope), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ctx, env)
	}
}

// Sent returns a copy of the envelopes sent so far.
func (c *Channel) Sent() []dispatch.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dispatch.Envelope(nil), c.sent...)
}

// Subscribers returns the number of active subscriptions.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Roster is a mock [dispatch.Roster].
type Roster struct {
	mu sync.Mutex

	// SelfParticipant is returned by [Roster.Self] and listed first by
	// [Roster.Participants].
	SelfParticipant types.Participant

	// Others are the remaining connected participants.
	Others []types.Participant
}

// Self implements [dispatch.Roster].
func (r *Roster) Self() types.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.SelfParticipant
}

// Participants implements [dispatch.Roster].
func (r *Roster) Participants() []types.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Participant{r.SelfParticipant}, r.Others...)
}

// SetOthers replaces the other participants.
func (r *Roster) SetOthers(ps ...types.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Others = ps
}

// Notifier is a mock [dispatch.Notifier].
type Notifier struct {
	mu       sync.Mutex
	warnings []string
}

// Warn implements [dispatch.Notifier].
func (n *Notifier) Warn(_ context.Context, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, msg)
}

// Warnings returns a copy of the warnings received so far.
func (n *Notifier) Warnings() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.warnings...)
}
