package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/etiquettestartshere/effectivetray/internal/effect"
	"github.com/etiquettestartshere/effectivetray/internal/observe"
)

// ErrNoAuthority is returned by [Dispatcher.Delegate] when no authority is
// connected. Nothing is sent.
var ErrNoAuthority = errors.New("dispatch: no authority connected")

// NoAuthorityMessage is the warning shown when a delegation finds no
// authority.
const NoAuthorityMessage = "No active game master is connected; the request was not sent."

var _ effect.LinkSender = (*Dispatcher)(nil)

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithNotifier sets where user-visible warnings go. Default: [LogNotifier].
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher sends delegation requests and executes the ones addressed to
// the local participant.
type Dispatcher struct {
	ch       Channel
	roster   Roster
	notifier Notifier
	metrics  *observe.Metrics

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns a Dispatcher on ch.
func New(ch Channel, roster Roster, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ch:       ch,
		roster:   roster,
		notifier: LogNotifier{},
		handlers: make(map[string]Handler),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Handle registers h for envelopes of the given kind, replacing any
// previous handler.
func (d *Dispatcher) Handle(kind string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// Delegate broadcasts payload for the current authority to execute. When no
// authority is connected the user is warned and [ErrNoAuthority] returned.
func (d *Dispatcher) Delegate(ctx context.Context, kind string, payload any) error {
	if _, ok := CurrentAuthority(d.roster.Participants()); !ok {
		d.notifier.Warn(ctx, NoAuthorityMessage)
		d.metrics.RecordDelegationSent(ctx, kind, "no_authority")
		return ErrNoAuthority
	}
	return d.send(ctx, kind, "", payload)
}

// SendTo sends payload to a single participant.
func (d *Dispatcher) SendTo(ctx context.Context, to, kind string, payload any) error {
	return d.send(ctx, kind, to, payload)
}

// SendLink implements [effect.LinkSender].
func (d *Dispatcher) SendLink(ctx context.Context, req effect.LinkRequest) error {
	return d.SendTo(ctx, req.UserID, KindLink, req)
}

func (d *Dispatcher) send(ctx context.Context, kind, to string, payload any) error {
	ctx, span := observe.StartSpan(ctx, "dispatch.Send")
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		d.metrics.RecordDelegationSent(ctx, kind, "error")
		return fmt.Errorf("dispatch: encode %s payload: %w", kind, err)
	}
	env := Envelope{
		ID:     uuid.NewString(),
		Kind:   kind,
		Sender: d.roster.Self().ID,
		To:     to,
		Trace:  observe.InjectTrace(ctx),
		Data:   data,
	}
	if err := d.ch.Send(ctx, env); err != nil {
		d.metrics.RecordDelegationSent(ctx, kind, "error")
		return fmt.Errorf("dispatch: send %s: %w", kind, err)
	}
	observe.Logger(ctx).Debug("dispatch: sent", "kind", kind, "id", env.ID, "to", to)
	d.metrics.RecordDelegationSent(ctx, kind, "sent")
	return nil
}

// Start subscribes the dispatcher to its channel. The returned func stops
// delivery.
func (d *Dispatcher) Start() (stop func()) {
	return d.ch.Subscribe(d.Receive)
}

// Accepts reports whether the local participant should execute env: own
// echoes are dropped, addressed envelopes are taken only by the addressee
// and broadcast envelopes only by the current authority.
func (d *Dispatcher) Accepts(env Envelope) bool {
	self := d.roster.Self()
	switch {
	case env.Sender == self.ID:
		return false
	case env.To != "":
		return env.To == self.ID
	default:
		return IsAuthority(d.roster)
	}
}

// Receive executes env when the local participant accepts it. Handler
// errors are logged and counted; nothing is reported to the sender.
func (d *Dispatcher) Receive(ctx context.Context, env Envelope) {
	ctx = observe.ExtractTrace(ctx, env.Trace)
	log := observe.Logger(ctx).With("kind", env.Kind, "id", env.ID, "sender", env.Sender)

	if !d.Accepts(env) {
		d.metrics.RecordDelegationReceived(ctx, env.Kind, "ignored", 0)
		return
	}
	d.mu.RLock()
	h, ok := d.handlers[env.Kind]
	d.mu.RUnlock()
	if !ok {
		log.Debug("dispatch: no handler for kind")
		d.metrics.RecordDelegationReceived(ctx, env.Kind, "ignored", 0)
		return
	}

	ctx, span := observe.StartSpan(ctx, "dispatch.Receive")
	defer span.End()

	start := time.Now()
	err := h(ctx, env)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		log.Warn("dispatch: delegated request failed", "err", err)
		d.metrics.RecordDelegationReceived(ctx, env.Kind, "failed", elapsed)
		return
	}
	log.Debug("dispatch: delegated request executed", "duration", elapsed)
	d.metrics.RecordDelegationReceived(ctx, env.Kind, "executed", elapsed)
}
