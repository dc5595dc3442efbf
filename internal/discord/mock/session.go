// Package mock provides test doubles for Discord interaction testing.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// ChannelMessage records one ChannelMessageSendComplex call.
type ChannelMessage struct {
	ChannelID string
	Data      *discordgo.MessageSend
}

// Session records every reply sent through it. It satisfies the discord
// package's Session interface.
type Session struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// Edits records all InteractionResponseEdit calls.
	Edits []*discordgo.WebhookEdit

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Messages records all ChannelMessageSendComplex calls.
	Messages []ChannelMessage

	// Typing records the channel of every ChannelTyping call.
	Typing []string

	// Err is returned by every method when non-nil, allowing error injection.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *Session) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// InteractionResponseEdit records the edit and returns a stub message.
func (m *Session) InteractionResponseEdit(_ *discordgo.Interaction, edit *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Edits = append(m.Edits, edit)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-original"}, nil
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *Session) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup"}, nil
}

// ChannelMessageSendComplex records the message and returns a stub message.
func (m *Session) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, ChannelMessage{ChannelID: channelID, Data: data})
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-message", ChannelID: channelID}, nil
}

// ChannelTyping records the channel.
func (m *Session) ChannelTyping(channelID string, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Typing = append(m.Typing, channelID)
	return m.Err
}

// LastResponse returns the most recently recorded response, or nil.
func (m *Session) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// MessageContents returns the content of every channel message in order.
func (m *Session) MessageContents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Messages))
	for i, msg := range m.Messages {
		out[i] = msg.Data.Content
	}
	return out
}

// Reset clears all recorded calls and errors.
func (m *Session) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = nil
	m.Edits = nil
	m.FollowUps = nil
	m.Messages = nil
	m.Typing = nil
	m.Err = nil
}
