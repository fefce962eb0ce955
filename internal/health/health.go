// Package health serves the liveness and readiness endpoints of participant
// nodes and of the relay.
//
//   - /healthz: liveness check; always returns 200 OK.
//   - /readyz: readiness check; returns 200 only when every [Checker] passes.
//
// A participant node built with [ForNode] is ready once its relay
// connection is up, its effect store answers and an authority is connected.
// The relay, built with [ForRelay], has nothing that can fail; its /readyz
// reports who is connected so operators can see whether a game master has
// joined.
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail"), a "checks" map with the result of each named checker, and the
// participant and authority seen by the node or relay.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy and an error describing the failure otherwise.
type Checker struct {
	// Name is the key of this check in the JSON response (e.g. "relay",
	// "effect_store").
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Connector reports whether a long-lived connection is up.
// [relay.Client] satisfies it.
type Connector interface {
	Connected() bool
}

// Pinger checks a backing store. [pgxpool.Pool] satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Lister returns the connected participants. [relay.Hub] satisfies it.
type Lister interface {
	Participants() []types.Participant
}

// Node describes what a participant node's readiness depends on.
type Node struct {
	// Roster is the node's view of the session. Required.
	Roster dispatch.Roster

	// Relay is the relay connection, or nil when the node runs on an
	// in-process bus.
	Relay Connector

	// Store is the shared effect store, or nil when effects are kept in
	// memory.
	Store Pinger
}

type result struct {
	Status       string            `json:"status"`
	Checks       map[string]string `json:"checks,omitempty"`
	Participant  string            `json:"participant,omitempty"`
	Authority    string            `json:"authority,omitempty"`
	Participants *int              `json:"participants,omitempty"`
}

// Handler serves /healthz and /readyz. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	self     func() types.Participant
	roster   func() []types.Participant
}

// New returns a Handler evaluating checkers, in order, on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// ForNode returns the Handler of a participant node. The relay and store
// checks are only added when n names them.
func ForNode(n Node) *Handler {
	var checkers []Checker
	if n.Relay != nil {
		checkers = append(checkers, RelayConnected(n.Relay))
	}
	if n.Store != nil {
		checkers = append(checkers, StoreReachable(n.Store))
	}
	checkers = append(checkers, AuthorityOnline(n.Roster))

	h := New(checkers...)
	h.self = n.Roster.Self
	h.roster = n.Roster.Participants
	return h
}

// ForRelay returns the Handler of the relay server. It is always ready and
// reports the connected participants.
func ForRelay(l Lister) *Handler {
	h := New()
	h.roster = l.Participants
	return h
}

// RelayConnected fails while c is disconnected.
func RelayConnected(c Connector) Checker {
	return Checker{
		Name: "relay",
		Check: func(context.Context) error {
			if !c.Connected() {
				return errors.New("not connected")
			}
			return nil
		},
	}
}

// StoreReachable fails when p cannot be pinged.
func StoreReachable(p Pinger) Checker {
	return Checker{Name: "effect_store", Check: p.Ping}
}

// AuthorityOnline fails while no authority participant is connected. Nodes
// can run without one, but every delegation is rejected until one joins.
func AuthorityOnline(r dispatch.Roster) Checker {
	return Checker{
		Name: "authority",
		Check: func(context.Context) error {
			if _, ok := dispatch.CurrentAuthority(r.Participants()); !ok {
				return errors.New("no authority connected")
			}
			return nil
		},
	}
}

// Healthz is a liveness check that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every checker passes. Each checker is given
// a [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Checks[c.Name] = "ok"
		}
	}

	if h.self != nil {
		res.Participant = h.self().ID
	}
	if h.roster != nil {
		ps := h.roster()
		n := len(ps)
		res.Participants = &n
		if auth, ok := dispatch.CurrentAuthority(ps); ok {
			res.Authority = auth.ID
		}
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
