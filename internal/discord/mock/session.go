// Package mock provides test doubles for the Discord notifier.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// SentMessage is one recorded ChannelMessageSend call.
type SentMessage struct {
	ChannelID string
	Content   string
}

// MessageSender records channel messages for test assertions.
type MessageSender struct {
	mu   sync.Mutex
	sent []SentMessage

	// Err is returned by ChannelMessageSend when non-nil, allowing error
	// injection. Failed sends are still recorded.
	Err error
}

// ChannelMessageSend records the message and returns the configured error.
func (m *MessageSender) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{ChannelID: channelID, Content: content})
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-message", ChannelID: channelID, Content: content}, nil
}

// Sent returns a copy of the recorded messages.
func (m *MessageSender) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
