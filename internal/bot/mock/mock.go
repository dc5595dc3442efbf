// Package mock provides a recording bot.Conversation for handler tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/chatrelay/internal/bot"
	"github.com/MrWong99/chatrelay/internal/chatmode"
	"github.com/MrWong99/chatrelay/internal/dialog"
)

// ErrFormatting is returned by Reply when RejectFormatted is set and the text
// is sent with a parse mode other than plain.
var ErrFormatting = errors.New("mock: can't parse entities")

// Message is one recorded outbound action.
type Message struct {
	// Kind is "reply", "keyboard" or "edit".
	Kind    string
	Text    string
	Mode    bot.ParseMode
	Buttons []bot.Button
}

// Conversation records everything the handlers send.
type Conversation struct {
	mu sync.Mutex

	// Sender is returned by Identity.
	Sender dialog.Identity

	// PlatformName is returned by Platform. Default: "mock".
	PlatformName string

	// MaxLength is returned by MaxMessageLength. Default: 4000.
	MaxLength int

	// Raw is returned by Update.
	Raw any

	// RejectFormatted makes formatted replies fail with ErrFormatting.
	RejectFormatted bool

	// ReplyErr, if non-nil, is returned from every Reply.
	ReplyErr error

	messages []Message
	typing   int
	acks     int
}

var _ bot.Conversation = (*Conversation)(nil)

func (c *Conversation) Platform() string {
	if c.PlatformName == "" {
		return "mock"
	}
	return c.PlatformName
}

func (c *Conversation) Identity() dialog.Identity { return c.Sender }

func (c *Conversation) Update() any { return c.Raw }

func (c *Conversation) MaxMessageLength() int {
	if c.MaxLength == 0 {
		return 4000
	}
	return c.MaxLength
}

// Reply records text unless an error is configured.
func (c *Conversation) Reply(_ context.Context, text string, mode bot.ParseMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReplyErr != nil {
		return c.ReplyErr
	}
	if c.RejectFormatted && mode != chatmode.ParsePlain {
		return ErrFormatting
	}
	c.messages = append(c.messages, Message{Kind: "reply", Text: text, Mode: mode})
	return nil
}

// ReplyKeyboard records text and buttons.
func (c *Conversation) ReplyKeyboard(_ context.Context, text string, buttons []bot.Button) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Kind: "keyboard", Text: text, Buttons: buttons})
	return nil
}

// Edit records the edited text.
func (c *Conversation) Edit(_ context.Context, text string, mode bot.ParseMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Kind: "edit", Text: text, Mode: mode})
	return nil
}

func (c *Conversation) Typing(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing++
	return nil
}

func (c *Conversation) Ack(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks++
	return nil
}

// Messages returns a snapshot of everything sent.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Texts returns the text of every recorded message.
func (c *Conversation) Texts() []string {
	msgs := c.Messages()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

// TypingCount returns how often Typing was called.
func (c *Conversation) TypingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// AckCount returns how often Ack was called.
func (c *Conversation) AckCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acks
}

// Reset clears recorded messages and counters.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.typing = 0
	c.acks = 0
}
