// Package bus is an in-process [dispatch.Channel] connecting participants
// that live in the same process. It backs embedded sessions and tests; the
// relay package provides the networked equivalent.
package bus

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// Bus connects in-process participants. The zero value is ready to use.
type Bus struct {
	mu      sync.RWMutex
	members []*Endpoint
}

// New returns an empty Bus.
func New() *Bus { return &Bus{} }

// Join connects p and returns its endpoint. p is marked active.
func (b *Bus) Join(p types.Participant) *Endpoint {
	p.Active = true
	ep := &Endpoint{bus: b, self: p, subs: make(map[int]func(context.Context, dispatch.Envelope))}
	b.mu.Lock()
	b.members = append(b.members, ep)
	b.mu.Unlock()
	return ep
}

func (b *Bus) leave(ep *Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members = slices.DeleteFunc(b.members, func(m *Endpoint) bool { return m == ep })
}

func (b *Bus) participants() []types.Participant {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Participant, len(b.members))
	for i, m := range b.members {
		out[i] = m.self
	}
	slices.SortFunc(out, func(a, b types.Participant) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (b *Bus) recipients(env dispatch.Envelope) []*Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Endpoint
	for _, m := range b.members {
		if m.self.ID == env.Sender {
			continue
		}
		if env.To != "" && m.self.ID != env.To {
			continue
		}
		out = append(out, m)
	}
	return out
}

var (
	_ dispatch.Channel = (*Endpoint)(nil)
	_ dispatch.Roster  = (*Endpoint)(nil)
)

// Endpoint is one participant's view of a [Bus].
type Endpoint struct {
	bus  *Bus
	self types.Participant

	mu   sync.Mutex
	subs map[int]func(context.Context, dispatch.Envelope)
	next int
}

// Send implements [dispatch.Channel]. Delivery is synchronous: subscribers
// of every recipient have run when Send returns.
func (e *Endpoint) Send(ctx context.Context, env dispatch.Envelope) error {
	for _, r := range e.bus.recipients(env) {
		r.deliver(ctx, env)
	}
	return nil
}

// Subscribe implements [dispatch.Channel].
func (e *Endpoint) Subscribe(fn func(context.Context, dispatch.Envelope)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Endpoint) deliver(ctx context.Context, env dispatch.Envelope) {
	e.mu.Lock()
	ids := slices.Sorted(maps.Keys(e.subs))
	fns := make([]func(context.Context, dispatch.Envelope), len(ids))
	for i, id := range ids {
		fns[i] = e.subs[id]
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ctx, env)
	}
}

// Self implements [dispatch.Roster].
func (e *Endpoint) Self() types.Participant { return e.self }

// Participants implements [dispatch.Roster]. Members are ordered by ID.
func (e *Endpoint) Participants() []types.Participant { return e.bus.participants() }

// Leave disconnects the endpoint. Other members stop seeing it at once.
func (e *Endpoint) Leave() { e.bus.leave(e) }
