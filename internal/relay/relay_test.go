package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/internal/observe"
	"github.com/etiquettestartshere/effectivetray/internal/relay"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

var (
	gm    = types.Participant{ID: "gm", Name: "GM", Authority: true}
	alice = types.Participant{ID: "alice", Name: "Alice"}
	bob   = types.Participant{ID: "bob", Name: "Bob"}
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func startHub(t *testing.T, opts ...relay.HubOption) (*relay.Hub, *httptest.Server) {
	t.Helper()
	m, _ := newTestMetrics(t)
	opts = append([]relay.HubOption{relay.WithHubMetrics(m), relay.WithAuthorities(gm.ID)}, opts...)
	hub := relay.NewHub(opts...)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type node struct {
	client   *relay.Client
	received chan dispatch.Envelope
	cancel   context.CancelFunc
	done     chan struct{}
}

// connect starts a client for p and waits until it is connected.
func connect(t *testing.T, srv *httptest.Server, p types.Participant, opts ...relay.ClientOption) *node {
	t.Helper()
	c, err := relay.NewClient(wsURL(srv), p, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	n := &node{client: c, received: make(chan dispatch.Envelope, 16), done: make(chan struct{})}
	c.Subscribe(func(_ context.Context, env dispatch.Envelope) { n.received <- env })

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go func() {
		defer close(n.done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(n.stop)

	waitFor(t, "client connected", c.Connected)
	return n
}

func (n *node) stop() {
	n.cancel()
	<-n.done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func rosterSize(n *node, size int) func() bool {
	return func() bool { return len(n.client.Participants()) == size }
}

func expectEnvelope(t *testing.T, n *node) dispatch.Envelope {
	t.Helper()
	select {
	case env := <-n.received:
		return env
	case <-time.After(3 * time.Second):
		t.Fatalf("%s: no envelope received", n.client.Self().ID)
		return dispatch.Envelope{}
	}
}

func expectNone(t *testing.T, n *node) {
	t.Helper()
	select {
	case env := <-n.received:
		t.Errorf("%s: unexpected envelope %+v", n.client.Self().ID, env)
	case <-time.After(50 * time.Millisecond):
	}
}

// ── Hub ───────────────────────────────────────────────────────────────────────

func TestHub_RejectsMissingParticipant(t *testing.T) {
	t.Parallel()
	_, srv := startHub(t)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestRelay_RosterFollowsJoinAndLeave(t *testing.T) {
	t.Parallel()
	hub, srv := startHub(t)

	g := connect(t, srv, gm)
	a := connect(t, srv, alice)
	waitFor(t, "gm sees two participants", rosterSize(g, 2))
	waitFor(t, "alice sees two participants", rosterSize(a, 2))

	roster := g.client.Participants()
	if roster[0].ID != "alice" || roster[1].ID != "gm" {
		t.Errorf("roster order = %v, want alice then gm", roster)
	}
	if !roster[1].Authority || !roster[1].Active {
		t.Errorf("gm entry = %+v, want active authority", roster[1])
	}
	if !dispatch.IsAuthority(g.client) || dispatch.IsAuthority(a.client) {
		t.Error("only gm should be the authority")
	}

	a.stop()
	waitFor(t, "gm sees alice leave", rosterSize(g, 1))
	if got := len(hub.Participants()); got != 1 {
		t.Errorf("hub participants = %d, want 1", got)
	}
}

func TestRelay_BroadcastSkipsSender(t *testing.T) {
	t.Parallel()
	_, srv := startHub(t)

	g := connect(t, srv, gm)
	a := connect(t, srv, alice)
	b := connect(t, srv, bob)
	waitFor(t, "full roster", rosterSize(a, 3))

	env := dispatch.Envelope{Kind: dispatch.KindEffect, Sender: "alice", Data: json.RawMessage(`{"targets":["ogre"]}`)}
	if err := a.client.Send(context.Background(), env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for _, n := range []*node{g, b} {
		got := expectEnvelope(t, n)
		if got.Kind != dispatch.KindEffect || got.Sender != "alice" {
			t.Errorf("%s received %+v", n.client.Self().ID, got)
		}
		if string(got.Data) != `{"targets":["ogre"]}` {
			t.Errorf("data = %s", got.Data)
		}
	}
	expectNone(t, a)
}

func TestRelay_AddressedFrame(t *testing.T) {
	t.Parallel()
	_, srv := startHub(t)

	g := connect(t, srv, gm)
	a := connect(t, srv, alice)
	b := connect(t, srv, bob)
	waitFor(t, "full roster", rosterSize(g, 3))

	env := dispatch.Envelope{Kind: dispatch.KindLink, Sender: "gm", To: "bob", Data: json.RawMessage(`{}`)}
	if err := g.client.Send(context.Background(), env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := expectEnvelope(t, b); got.To != "bob" {
		t.Errorf("bob received %+v", got)
	}
	expectNone(t, a)
	expectNone(t, g)
}

func TestRelay_StampsSender(t *testing.T) {
	t.Parallel()
	_, srv := startHub(t)
	g := connect(t, srv, gm)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"?participant=mallory", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "mallory joined", rosterSize(g, 2))

	forged, _ := json.Marshal(dispatch.Envelope{Kind: dispatch.KindDamage, Sender: "gm", Data: json.RawMessage(`{}`)})
	if err := conn.Write(ctx, websocket.MessageText, forged); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := expectEnvelope(t, g); got.Sender != "mallory" {
		t.Errorf("sender = %q, want the connection's participant", got.Sender)
	}
}

func TestRelay_AuthorityIsGrantedByHub(t *testing.T) {
	t.Parallel()
	_, srv := startHub(t)

	// mallory sorts before gm and claims authority.
	mallory := types.Participant{ID: "a-mallory", Name: "Mallory", Authority: true}
	g := connect(t, srv, gm)
	m := connect(t, srv, mallory)
	waitFor(t, "gm sees mallory", rosterSize(g, 2))

	auth, ok := dispatch.CurrentAuthority(g.client.Participants())
	if !ok || auth.ID != gm.ID {
		t.Errorf("current authority = %+v (ok %v), want gm", auth, ok)
	}
	if !dispatch.IsAuthority(g.client) || dispatch.IsAuthority(m.client) {
		t.Error("only the configured authority may be the authority")
	}
}

func TestRelay_AuthorityKey(t *testing.T) {
	t.Parallel()
	_, srv := startHub(t, relay.WithAuthorityKey("s3cret"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, header := range []http.Header{nil, {"Authorization": {"Bearer wrong"}}} {
		_, resp, err := websocket.Dial(ctx, wsURL(srv)+"?participant=gm", &websocket.DialOptions{HTTPHeader: header})
		if err == nil {
			t.Fatalf("Dial with header %v: expected rejection", header)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("Dial with header %v: response = %+v, want 403", header, resp)
		}
	}

	g := connect(t, srv, gm, relay.WithAuthorityKey("s3cret"))
	waitFor(t, "gm roster", rosterSize(g, 1))
	if !dispatch.IsAuthority(g.client) {
		t.Error("gm presenting the key should be the authority")
	}

	// Non-authority participants need no key.
	a := connect(t, srv, alice)
	waitFor(t, "alice roster", rosterSize(a, 2))
}

func TestRelay_ReplacesDuplicateParticipant(t *testing.T) {
	t.Parallel()
	hub, srv := startHub(t)

	connect(t, srv, alice)
	second := connect(t, srv, alice)
	waitFor(t, "second alice has a roster", rosterSize(second, 1))

	if got := hub.Participants(); len(got) != 1 || got[0].ID != "alice" {
		t.Errorf("hub participants = %v, want a single alice", got)
	}
}

func TestHub_ParticipantMetric(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	_, srv := startHub(t, relay.WithHubMetrics(m))

	g := connect(t, srv, gm)
	a := connect(t, srv, alice)
	waitFor(t, "full roster", rosterSize(g, 2))
	a.stop()
	waitFor(t, "alice gone", rosterSize(g, 1))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "effectiv.relay.participants" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 1 {
		t.Errorf("relay participants = %d, want 1", total)
	}
}

// ── Client ────────────────────────────────────────────────────────────────────

func TestClient_SendWhileDisconnected(t *testing.T) {
	t.Parallel()
	c, err := relay.NewClient("ws://127.0.0.1:1/ws", alice)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	err = c.Send(context.Background(), dispatch.Envelope{Kind: dispatch.KindEffect})
	if !errors.Is(err, relay.ErrNotConnected) {
		t.Errorf("Send: got %v, want ErrNotConnected", err)
	}
	if c.Participants() != nil {
		t.Error("roster must be empty while disconnected")
	}
	if !c.Self().Active {
		t.Error("self should be marked active")
	}
}

func TestNewClient_RequiresParticipantID(t *testing.T) {
	t.Parallel()
	if _, err := relay.NewClient("ws://localhost/ws", types.Participant{}); err == nil {
		t.Error("expected an error for an empty participant ID")
	}
}

func TestClient_Reconnects(t *testing.T) {
	t.Parallel()
	hub, srv := startHub(t)

	var connects atomic.Int32
	a := connect(t, srv, alice,
		relay.WithBackoff(10*time.Millisecond, 20*time.Millisecond),
		relay.WithOnConnect(func() { connects.Add(1) }),
	)
	waitFor(t, "roster", rosterSize(a, 1))

	hub.Close()
	waitFor(t, "reconnect", func() bool { return connects.Load() >= 2 && a.client.Connected() })
	waitFor(t, "roster after reconnect", rosterSize(a, 1))
}

// ── Dispatcher over the relay ─────────────────────────────────────────────────

func TestRelay_DelegationReachesAuthority(t *testing.T) {
	t.Parallel()
	_, srv := startHub(t)
	m, _ := newTestMetrics(t)

	g := connect(t, srv, gm)
	a := connect(t, srv, alice)
	waitFor(t, "alice sees gm", rosterSize(a, 2))
	waitFor(t, "gm sees alice", rosterSize(g, 2))

	handled := make(chan dispatch.Envelope, 1)
	authority := dispatch.New(g.client, g.client, dispatch.WithMetrics(m))
	authority.Handle(dispatch.KindDamage, func(_ context.Context, env dispatch.Envelope) error {
		handled <- env
		return nil
	})
	stop := authority.Start()
	defer stop()

	requester := dispatch.New(a.client, a.client, dispatch.WithMetrics(m))
	if err := requester.Delegate(context.Background(), dispatch.KindDamage, map[string]string{"id": "ogre"}); err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	select {
	case env := <-handled:
		if env.Sender != "alice" {
			t.Errorf("sender = %q, want alice", env.Sender)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("authority never handled the delegation")
	}
}
