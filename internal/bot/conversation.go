package bot

import (
	"context"

	"github.com/MrWong99/chatrelay/internal/chatmode"
	"github.com/MrWong99/chatrelay/internal/dialog"
)

// ParseMode selects how a platform renders outgoing text.
type ParseMode = chatmode.ParseMode

// Button is one inline keyboard button. Data is handed back to
// [Handlers.SetChatMode] when the button is pressed.
type Button struct {
	Text string
	Data string
}

// Conversation is the reply channel for a single inbound update. Platform
// adapters create one per update and hand it to the [Handlers].
type Conversation interface {
	// Platform is the adapter name, e.g. "telegram".
	Platform() string

	// Identity describes the sender.
	Identity() dialog.Identity

	// Reply sends a new message to the chat the update came from.
	Reply(ctx context.Context, text string, mode ParseMode) error

	// ReplyKeyboard sends text with one button per row.
	ReplyKeyboard(ctx context.Context, text string, buttons []Button) error

	// Edit replaces the text of the message the update refers to, e.g. the
	// message carrying a pressed button.
	Edit(ctx context.Context, text string, mode ParseMode) error

	// Typing shows a typing indicator.
	Typing(ctx context.Context) error

	// Ack acknowledges a button press.
	Ack(ctx context.Context) error

	// MaxMessageLength is the chunk size, in UTF-16 code units, for outgoing
	// text.
	MaxMessageLength() int

	// Update returns the raw platform update for error reports.
	Update() any
}
