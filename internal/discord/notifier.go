// Package discord posts user-visible warnings to a Discord text channel.
// Players at a virtual table usually have voice and chat open on Discord,
// so a failed delegation ("no game master is connected") is surfaced there
// as well as in the node's log.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/internal/resilience"
)

// maxMessageLen is Discord's limit on a message's content length.
const maxMessageLen = 2000

// MessageSender is the subset of [discordgo.Session] the notifier uses.
type MessageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Open creates a bot session from token and connects it to the gateway.
func Open(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsGuilds
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return session, nil
}

// Option configures a [Notifier].
type Option func(*Notifier)

// WithParticipant prefixes every message with the participant's name.
func WithParticipant(name string) Option {
	return func(n *Notifier) { n.participant = name }
}

// WithFallback sets the notifier that always receives the warning too.
// Default: [dispatch.LogNotifier].
func WithFallback(f dispatch.Notifier) Option {
	return func(n *Notifier) { n.fallback = f }
}

// WithBreaker guards posts with b. Default: a breaker that opens after five
// consecutive failures and tries again after 30 seconds.
func WithBreaker(b *resilience.Breaker) Option {
	return func(n *Notifier) { n.breaker = b }
}

// Notifier implements [dispatch.Notifier] by posting to a channel.
type Notifier struct {
	sender      MessageSender
	channelID   string
	participant string
	fallback    dispatch.Notifier
	breaker     *resilience.Breaker
}

var _ dispatch.Notifier = (*Notifier)(nil)

// NewNotifier returns a Notifier posting to channelID through sender.
func NewNotifier(sender MessageSender, channelID string, opts ...Option) *Notifier {
	n := &Notifier{sender: sender, channelID: channelID, fallback: dispatch.LogNotifier{}}
	for _, o := range opts {
		o(n)
	}
	if n.breaker == nil {
		n.breaker = resilience.NewBreaker(resilience.Config{Name: "discord"})
	}
	return n
}

// Warn implements [dispatch.Notifier]. A failed post is logged and
// otherwise ignored. While the breaker is open nothing is posted.
func (n *Notifier) Warn(ctx context.Context, msg string) {
	if n.fallback != nil {
		n.fallback.Warn(ctx, msg)
	}
	err := n.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := n.sender.ChannelMessageSend(n.channelID, n.format(msg), discordgo.WithContext(ctx))
		return err
	})
	switch {
	case errors.Is(err, resilience.ErrOpen):
		slog.DebugContext(ctx, "discord: warning not posted, circuit open", "channel_id", n.channelID)
	case err != nil:
		slog.WarnContext(ctx, "discord: post warning failed", "channel_id", n.channelID, "err", err)
	}
}

func (n *Notifier) format(msg string) string {
	var b strings.Builder
	b.WriteString(":warning: ")
	if n.participant != "" {
		b.WriteString("**")
		b.WriteString(n.participant)
		b.WriteString("**: ")
	}
	b.WriteString(msg)
	out := b.String()
	if len(out) > maxMessageLen {
		out = out[:maxMessageLen-3] + "..."
	}
	return out
}
