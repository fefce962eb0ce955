// Package relay connects participant nodes over websockets. The [Hub] is
// the server side: every node dials it, announces who it is, and from then
// on the hub fans each frame out to the other connected participants and
// pushes a fresh roster whenever someone joins or leaves. The [Client] is
// the node side and satisfies both [dispatch.Channel] and [dispatch.Roster].
//
// The hub does not interpret envelope payloads. It only reads the kind and
// the optional addressee, and stamps the sender with the identity the
// connection was opened under.
//
// Authority is granted by the hub, never claimed by a client: only the
// participant IDs configured with [WithAuthorities] are marked as the
// authority in the roster, and when an authority key is set those IDs must
// present it to connect at all.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/internal/observe"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// writeTimeout bounds a single frame write to one peer. A peer that cannot
// keep up is disconnected rather than stalling the sender's fan-out.
const writeTimeout = 5 * time.Second

// HubOption is a functional option for [NewHub].
type HubOption func(*Hub)

// WithHubMetrics records relay metrics on m instead of [observe.DefaultMetrics].
func WithHubMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithAuthorities sets the participant IDs the hub marks as the authority.
// Without it no participant is the authority and every delegation fails
// with a warning on the requesting node.
func WithAuthorities(ids ...string) HubOption {
	return func(h *Hub) {
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				h.authorities[id] = struct{}{}
			}
		}
	}
}

// WithAuthorityKey requires connections under an authority ID to present
// key as a bearer token.
func WithAuthorityKey(key string) HubOption {
	return func(h *Hub) { h.authorityKey = key }
}

// WithOriginPatterns allows cross-origin websocket upgrades from hosts
// matching patterns (see [websocket.AcceptOptions]). Same-origin and
// non-browser clients are always accepted.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.originPatterns = patterns }
}

// Hub is the relay server. It implements [http.Handler]; mount it on the
// websocket path (conventionally /ws).
//
// All methods are safe for concurrent use.
type Hub struct {
	metrics        *observe.Metrics
	authorities    map[string]struct{}
	authorityKey   string
	originPatterns []string

	mu    sync.Mutex
	peers map[string]*peer
}

type peer struct {
	info types.Participant
	conn *websocket.Conn
}

var _ http.Handler = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		authorities: make(map[string]struct{}),
		peers:       make(map[string]*peer),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ServeHTTP upgrades the request and serves the participant named by the
// participant query parameter until the connection closes. A second
// connection under an already connected ID replaces the first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info, ok := participantFromQuery(r)
	if !ok {
		http.Error(w, "missing participant", http.StatusBadRequest)
		return
	}
	authority, ok := h.authorize(r, info.ID)
	if !ok {
		slog.Warn("relay: rejected authority connection without a valid key", "participant", info.ID)
		http.Error(w, "invalid authority key", http.StatusForbidden)
		return
	}
	info.Authority = authority

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Warn("relay: accept failed", "participant", info.ID, "err", err)
		return
	}

	p := &peer{info: info, conn: conn}
	h.join(r.Context(), p)
	defer h.leave(context.WithoutCancel(r.Context()), p)

	h.readLoop(r.Context(), p)
}

// authorize reports whether id is granted authority, and false for ok when
// id is an authority ID connecting without the configured key. A client's
// own authority claim is only logged.
func (h *Hub) authorize(r *http.Request, id string) (authority, ok bool) {
	if _, listed := h.authorities[id]; !listed {
		if claimed, _ := strconv.ParseBool(r.URL.Query().Get("authority")); claimed {
			slog.Warn("relay: ignoring authority claim", "participant", id)
		}
		return false, true
	}
	if h.authorityKey == "" {
		return true, true
	}
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || subtle.ConstantTimeCompare([]byte(token), []byte(h.authorityKey)) != 1 {
		return false, false
	}
	return true, true
}

// Participants returns the connected participants ordered by ID.
func (h *Hub) Participants() []types.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rosterLocked()
}

// Close disconnects every peer. Handlers return once their read fails.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
}

func participantFromQuery(r *http.Request) (types.Participant, bool) {
	q := r.URL.Query()
	id := strings.TrimSpace(q.Get("participant"))
	if id == "" {
		return types.Participant{}, false
	}
	name := q.Get("name")
	if name == "" {
		name = id
	}
	return types.Participant{ID: id, Name: name, Active: true}, true
}

func (h *Hub) join(ctx context.Context, p *peer) {
	h.mu.Lock()
	old := h.peers[p.info.ID]
	h.peers[p.info.ID] = p
	h.mu.Unlock()

	if old != nil {
		old.conn.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
	} else {
		h.metrics.RelayParticipants.Add(ctx, 1)
	}
	slog.Info("relay: participant joined", "participant", p.info.ID, "authority", p.info.Authority)
	h.broadcastRoster(ctx)
}

func (h *Hub) leave(ctx context.Context, p *peer) {
	h.mu.Lock()
	current := h.peers[p.info.ID] == p
	if current {
		delete(h.peers, p.info.ID)
	}
	h.mu.Unlock()

	p.conn.Close(websocket.StatusNormalClosure, "")
	if !current {
		return
	}
	h.metrics.RelayParticipants.Add(ctx, -1)
	slog.Info("relay: participant left", "participant", p.info.ID)
	h.broadcastRoster(ctx)
}

func (h *Hub) readLoop(ctx context.Context, p *peer) {
	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("relay: read ended", "participant", p.info.ID, "err", err)
			}
			return
		}

		var env dispatch.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("relay: dropping malformed frame", "participant", p.info.ID, "err", err)
			continue
		}
		if env.Kind == dispatch.KindRoster {
			continue
		}
		env.Sender = p.info.ID
		h.route(ctx, env)
	}
}

// route forwards env to every peer except its sender, or only to env.To.
// Frames from one sender are forwarded from that sender's read loop, so
// per-sender order is preserved.
func (h *Hub) route(ctx context.Context, env dispatch.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("relay: marshal frame", "kind", env.Kind, "err", err)
		return
	}
	h.metrics.RecordRelayFrame(ctx, env.Kind)

	for _, p := range h.recipients(env) {
		h.write(ctx, p, data)
	}
}

func (h *Hub) recipients(env dispatch.Envelope) []*peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*peer
	for id, p := range h.peers {
		if id == env.Sender {
			continue
		}
		if env.To != "" && id != env.To {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (h *Hub) broadcastRoster(ctx context.Context) {
	h.mu.Lock()
	roster := h.rosterLocked()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	data, err := json.Marshal(roster)
	if err != nil {
		slog.Error("relay: marshal roster", "err", err)
		return
	}
	frame, err := json.Marshal(dispatch.Envelope{Kind: dispatch.KindRoster, Data: data})
	if err != nil {
		slog.Error("relay: marshal roster frame", "err", err)
		return
	}
	for _, p := range peers {
		h.write(ctx, p, frame)
	}
}

func (h *Hub) rosterLocked() []types.Participant {
	out := make([]types.Participant, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p.info)
	}
	slices.SortFunc(out, func(a, b types.Participant) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (h *Hub) write(ctx context.Context, p *peer, data []byte) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := p.conn.Write(wctx, websocket.MessageText, data); err != nil {
		slog.Warn("relay: write failed, dropping peer", "participant", p.info.ID, "err", err)
		p.conn.Close(websocket.StatusInternalError, "write failed")
	}
}
