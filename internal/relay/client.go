package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// Default reconnection parameters.
const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 15 * time.Second
)

// ErrNotConnected is returned by [Client.Send] while the relay connection
// is down. The envelope is not queued.
var ErrNotConnected = errors.New("relay: not connected")

// ClientOption is a functional option for [NewClient].
type ClientOption func(*Client)

// WithBackoff sets the initial and maximum reconnect delay. The delay
// doubles after every failed attempt up to maxDelay and resets after a
// successful connection. Non-positive values keep the defaults.
func WithBackoff(initial, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		if initial > 0 {
			c.initialBackoff = initial
		}
		if maxDelay > 0 {
			c.maxBackoff = maxDelay
		}
	}
}

// WithOnConnect registers fn to run after every successful (re)connection.
func WithOnConnect(fn func()) ClientOption {
	return func(c *Client) { c.onConnect = fn }
}

// WithAuthorityKey presents key as a bearer token when connecting. The hub
// requires it from participants it grants authority to.
func WithAuthorityKey(key string) ClientOption {
	return func(c *Client) { c.authorityKey = key }
}

// Client is a participant's connection to a [Hub]. Call [Client.Run] to
// connect; it keeps the connection up until its context is cancelled.
//
// Incoming envelopes are delivered to subscribers one at a time from a
// single read loop, in the order the hub forwarded them. While the
// connection is down the roster is empty, so no participant is seen as
// the authority and delegation fails fast with a warning.
//
// All methods are safe for concurrent use.
type Client struct {
	endpoint       string
	self           types.Participant
	initialBackoff time.Duration
	maxBackoff     time.Duration
	onConnect      func()
	authorityKey   string

	mu     sync.RWMutex
	conn   *websocket.Conn
	roster []types.Participant

	subMu sync.Mutex
	subs  map[int]func(context.Context, dispatch.Envelope)
	next  int
}

var (
	_ dispatch.Channel = (*Client)(nil)
	_ dispatch.Roster  = (*Client)(nil)
)

// NewClient returns a client for the hub at endpoint (a ws:// or wss://
// URL) that announces itself as self.
func NewClient(endpoint string, self types.Participant, opts ...ClientOption) (*Client, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("relay: parse endpoint: %w", err)
	}
	if self.ID == "" {
		return nil, errors.New("relay: participant ID is required")
	}
	self.Active = true
	c := &Client{
		endpoint:       endpoint,
		self:           self,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		subs:           make(map[int]func(context.Context, dispatch.Envelope)),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Run connects to the hub and serves the connection, reconnecting with
// exponential backoff whenever it drops. It returns ctx.Err() once ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.initialBackoff
	for attempt := 1; ; attempt++ {
		conn, _, err := websocket.Dial(ctx, c.dialURL(), c.dialOptions())
		if err == nil {
			slog.Info("relay: connected", "endpoint", c.endpoint, "participant", c.self.ID)
			attempt, backoff = 0, c.initialBackoff
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			slog.Warn("relay: connect failed",
				"endpoint", c.endpoint,
				"attempt", attempt,
				"backoff", backoff,
				"err", err,
			)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if err != nil {
			backoff = min(backoff*2, c.maxBackoff)
		}
	}
}

// Connected reports whether the relay connection is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send implements [dispatch.Channel].
func (c *Client) Send(ctx context.Context, env dispatch.Envelope) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: marshal envelope: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("relay: send %s: %w", env.Kind, err)
	}
	return nil
}

// Subscribe implements [dispatch.Channel].
func (c *Client) Subscribe(fn func(context.Context, dispatch.Envelope)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.next
	c.next++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

// Self implements [dispatch.Roster].
func (c *Client) Self() types.Participant { return c.self }

// Participants implements [dispatch.Roster]. It returns the roster last
// pushed by the hub, or nil while disconnected.
func (c *Client) Participants() []types.Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.roster)
}

func (c *Client) dialURL() string {
	u, _ := url.Parse(c.endpoint)
	q := u.Query()
	q.Set("participant", c.self.ID)
	q.Set("name", c.self.Name)
	q.Set("authority", strconv.FormatBool(c.self.Authority))
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) dialOptions() *websocket.DialOptions {
	opts := &websocket.DialOptions{}
	if c.authorityKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.authorityKey}}
	}
	return opts
}

// serve owns conn until the read loop fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if c.onConnect != nil {
		c.onConnect()
	}

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.roster = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("relay: connection lost", "endpoint", c.endpoint, "err", err)
			}
			return
		}

		var env dispatch.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("relay: dropping malformed frame", "err", err)
			continue
		}
		if env.Kind == dispatch.KindRoster {
			c.updateRoster(env)
			continue
		}
		c.deliver(ctx, env)
	}
}

func (c *Client) updateRoster(env dispatch.Envelope) {
	var roster []types.Participant
	if err := env.Decode(&roster); err != nil {
		slog.Warn("relay: bad roster frame", "err", err)
		return
	}
	c.mu.Lock()
	c.roster = roster
	c.mu.Unlock()
	slog.Debug("relay: roster updated", "participants", len(roster))
}

func (c *Client) deliver(ctx context.Context, env dispatch.Envelope) {
	c.subMu.Lock()
	ids := slices.Sorted(maps.Keys(c.subs))
	fns := make([]func(context.Context, dispatch.Envelope), len(ids))
	for i, id := range ids {
		fns[i] = c.subs[id]
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(ctx, env)
	}
}
