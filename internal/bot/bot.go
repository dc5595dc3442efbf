// Package bot holds the platform-neutral chat handlers: the commands, their
// texts, and how answers are delivered. Platform adapters translate their
// updates into calls on [Handlers] and implement [Conversation] for replies.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/MrWong99/chatrelay/internal/chatmode"
	"github.com/MrWong99/chatrelay/internal/dialog"
	"github.com/MrWong99/chatrelay/internal/observe"
	"github.com/MrWong99/chatrelay/pkg/audio"
	"github.com/MrWong99/chatrelay/pkg/provider/stt"
)

// Update kinds used for spans and metrics.
const (
	KindStart   = "start"
	KindHelp    = "help"
	KindRetry   = "retry"
	KindMessage = "message"
	KindAsk     = "ask"
	KindVoice   = "voice"
	KindNew     = "new"
	KindModes   = "mode"
	KindSetMode = "set_mode"
	KindBalance = "balance"
	KindEdited  = "edited"
)

// Option configures Handlers.
type Option func(*Handlers)

// WithTranscriber enables voice messages.
func WithTranscriber(p stt.Provider) Option {
	return func(h *Handlers) { h.stt = p }
}

// WithAccess restricts the bot to an allow-list.
func WithAccess(a *Access) Option {
	return func(h *Handlers) { h.access = a }
}

// WithMetrics records per-update metrics into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handlers) { h.metrics = m }
}

// Handlers implements every chat command on top of a [dialog.Service].
type Handlers struct {
	dialogs *dialog.Service
	stt     stt.Provider
	access  *Access
	metrics *observe.Metrics
}

// New creates Handlers.
func New(dialogs *dialog.Service, opts ...Option) *Handlers {
	h := &Handlers{dialogs: dialogs}
	for _, o := range opts {
		o(h)
	}
	return h
}

// handlerFunc is the body of a handler, run by [Handlers.run] after the
// sender has been admitted and registered.
type handlerFunc func(ctx context.Context, c Conversation, userID string) error

// run wraps a handler with access control, tracing, metrics, user
// registration and error reporting. Panics are recovered and reported.
func (h *Handlers) run(ctx context.Context, c Conversation, kind string, fn handlerFunc) {
	id := c.Identity()
	if !h.access.Allowed(id.Username) {
		observe.Logger(ctx).Warn("bot: user not allowed",
			"platform", c.Platform(), "user", id.UserID, "username", id.Username, "kind", kind)
		return
	}

	ctx, span := observe.StartUpdate(ctx, c.Platform(), kind, id.Key())
	defer span.End()
	if h.metrics != nil {
		h.metrics.RecordMessage(ctx, c.Platform(), kind)
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("bot: panic in %s handler: %v\n%s", kind, r, debug.Stack())
			h.ReportError(ctx, c, err)
		}
	}()

	start := time.Now()
	err := func() error {
		if _, err := h.dialogs.EnsureUser(ctx, id); err != nil {
			return err
		}
		return fn(ctx, c, id.Key())
	}()
	if err != nil {
		observe.FailSpan(span, err)
		h.ReportError(ctx, c, err)
		return
	}
	observe.Logger(ctx).Debug("bot: update handled",
		"platform", c.Platform(), "user", id.Key(), "kind", kind, "duration", time.Since(start))
}

// ── commands ─────────────────────────────────────────────────────────────────

// Start greets the user and opens a new dialog.
func (h *Handlers) Start(ctx context.Context, c Conversation) {
	h.run(ctx, c, KindStart, func(ctx context.Context, c Conversation, userID string) error {
		if err := h.dialogs.Touch(ctx, userID); err != nil {
			return err
		}
		if _, err := h.dialogs.StartNewDialog(ctx, userID); err != nil {
			return err
		}
		return c.Reply(ctx, greeting(displayName(c.Identity())), chatmode.ParseHTML)
	})
}

// Help lists the commands.
func (h *Handlers) Help(ctx context.Context, c Conversation) {
	h.run(ctx, c, KindHelp, func(ctx context.Context, c Conversation, userID string) error {
		if err := h.dialogs.Touch(ctx, userID); err != nil {
			return err
		}
		return c.Reply(ctx, helpText, chatmode.ParseHTML)
	})
}

// Retry answers the last message of the current dialog again.
func (h *Handlers) Retry(ctx context.Context, c Conversation) {
	h.run(ctx, c, KindRetry, func(ctx context.Context, c Conversation, userID string) error {
		if err := h.dialogs.Touch(ctx, userID); err != nil {
			return err
		}
		h.typing(ctx, c)
		reply, err := h.dialogs.Retry(ctx, userID)
		if errors.Is(err, dialog.ErrNothingToRetry) {
			return c.Reply(ctx, textNothingToRetry, chatmode.ParsePlain)
		}
		return h.deliver(ctx, c, reply, err)
	})
}

// Message answers text within the current dialog.
func (h *Handlers) Message(ctx context.Context, c Conversation, text string) {
	h.run(ctx, c, KindMessage, func(ctx context.Context, c Conversation, userID string) error {
		return h.answer(ctx, c, userID, text)
	})
}

// Ask answers a message sent as "/ask <question>", the way group chats reach
// the bot.
func (h *Handlers) Ask(ctx context.Context, c Conversation, text string) {
	h.run(ctx, c, KindAsk, func(ctx context.Context, c Conversation, userID string) error {
		question := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "/ask"))
		if question == "" {
			return c.Reply(ctx, emptyQuestion(displayName(c.Identity())), chatmode.ParsePlain)
		}
		return h.answer(ctx, c, userID, question)
	})
}

// ClipLoader fetches the audio of a voice message from the platform.
type ClipLoader func(ctx context.Context) (audio.Clip, error)

// LoadedClip returns a ClipLoader for audio already in memory.
func LoadedClip(clip audio.Clip) ClipLoader {
	return func(context.Context) (audio.Clip, error) { return clip, nil }
}

// Voice loads the clip, transcribes it, bills the transcription and answers
// the text. Nothing is downloaded for senders the access list rejects.
func (h *Handlers) Voice(ctx context.Context, c Conversation, load ClipLoader) {
	h.run(ctx, c, KindVoice, func(ctx context.Context, c Conversation, userID string) error {
		if err := h.dialogs.Touch(ctx, userID); err != nil {
			return err
		}
		if h.stt == nil {
			return c.Reply(ctx, textVoiceUnsupported, chatmode.ParseHTML)
		}
		h.typing(ctx, c)

		clip, err := load(ctx)
		if err != nil {
			return err
		}

		start := time.Now()
		tr, err := h.stt.Transcribe(ctx, clip)
		if h.metrics != nil {
			h.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			observe.Logger(ctx).Error("bot: transcription failed", "user", userID, "err", err)
			return c.Reply(ctx, transcriptionFailed(err), chatmode.ParsePlain)
		}

		d := tr.Duration
		if d == 0 {
			d = clip.Duration
		}
		if _, err := h.dialogs.AddVoiceUsage(ctx, userID, d); err != nil {
			return err
		}

		text := strings.TrimSpace(tr.Text)
		if text == "" {
			return c.Reply(ctx, textNothingHeard, chatmode.ParseHTML)
		}
		if err := c.Reply(ctx, transcribed(text), chatmode.ParseHTML); err != nil {
			return err
		}
		return h.answer(ctx, c, userID, text)
	})
}

// NewDialog discards the current dialog.
func (h *Handlers) NewDialog(ctx context.Context, c Conversation) {
	h.run(ctx, c, KindNew, func(ctx context.Context, c Conversation, userID string) error {
		if err := h.dialogs.Touch(ctx, userID); err != nil {
			return err
		}
		mode, err := h.dialogs.StartNewDialog(ctx, userID)
		if err != nil {
			return err
		}
		if err := c.Reply(ctx, textNewDialog, chatmode.ParsePlain); err != nil {
			return err
		}
		return c.Reply(ctx, mode.WelcomeMessage, chatmode.ParseHTML)
	})
}

// ShowChatModes offers one button per chat mode.
func (h *Handlers) ShowChatModes(ctx context.Context, c Conversation) {
	h.run(ctx, c, KindModes, func(ctx context.Context, c Conversation, userID string) error {
		if err := h.dialogs.Touch(ctx, userID); err != nil {
			return err
		}
		return c.ReplyKeyboard(ctx, textSelectChatMode, h.ModeButtons())
	})
}

// ModeButtons builds the chat mode keyboard.
func (h *Handlers) ModeButtons() []Button {
	all := h.dialogs.Modes().Modes()
	buttons := make([]Button, len(all))
	for i, m := range all {
		buttons[i] = Button{Text: m.Name, Data: CallbackSetChatMode + m.Key}
	}
	return buttons
}

// SetChatMode handles a pressed chat mode button carrying data.
func (h *Handlers) SetChatMode(ctx context.Context, c Conversation, data string) {
	h.run(ctx, c, KindSetMode, func(ctx context.Context, c Conversation, userID string) error {
		if err := c.Ack(ctx); err != nil {
			observe.Logger(ctx).Debug("bot: ack failed", "err", err)
		}
		key := strings.TrimPrefix(data, CallbackSetChatMode)
		mode, err := h.dialogs.SetChatMode(ctx, userID, key)
		if errors.Is(err, dialog.ErrUnknownChatMode) {
			return c.Edit(ctx, fmt.Sprintf("Unknown chat mode %q", key), chatmode.ParsePlain)
		}
		if err != nil {
			return err
		}
		if err := c.Edit(ctx, modeSet(mode.Name), chatmode.ParseHTML); err != nil {
			return err
		}
		return c.Reply(ctx, mode.WelcomeMessage, chatmode.ParseHTML)
	})
}

// Balance shows what the user has spent.
func (h *Handlers) Balance(ctx context.Context, c Conversation) {
	h.run(ctx, c, KindBalance, func(ctx context.Context, c Conversation, userID string) error {
		if err := h.dialogs.Touch(ctx, userID); err != nil {
			return err
		}
		bal, err := h.dialogs.Balance(ctx, userID)
		if err != nil {
			return err
		}
		return c.Reply(ctx, h.dialogs.Pricing().Report(bal), chatmode.ParseHTML)
	})
}

// Edited answers edited messages, which are not supported.
func (h *Handlers) Edited(ctx context.Context, c Conversation) {
	h.run(ctx, c, KindEdited, func(ctx context.Context, c Conversation, _ string) error {
		return c.Reply(ctx, textEditingUnsupported, chatmode.ParseHTML)
	})
}

// ── delivery ─────────────────────────────────────────────────────────────────

func (h *Handlers) answer(ctx context.Context, c Conversation, userID, text string) error {
	h.typing(ctx, c)
	reply, err := h.dialogs.HandleMessage(ctx, userID, text, dialog.Options{UseNewDialogTimeout: true})
	return h.deliver(ctx, c, reply, err)
}

// deliver sends the outcome of a completion: the timeout notice, the failure
// reason, the truncation notice and the answer chunks.
func (h *Handlers) deliver(ctx context.Context, c Conversation, reply dialog.Reply, err error) error {
	if reply.TimedOut {
		if err := c.Reply(ctx, timeoutNotice(reply.Mode.Name), chatmode.ParseHTML); err != nil {
			return err
		}
	}
	if err != nil {
		observe.Logger(ctx).Error("bot: completion failed", "user", c.Identity().Key(), "err", err)
		return c.Reply(ctx, completionFailed(err), chatmode.ParsePlain)
	}
	if reply.RemovedMessages > 0 {
		if err := c.Reply(ctx, truncationNotice(reply.RemovedMessages), chatmode.ParseHTML); err != nil {
			return err
		}
	}
	return h.sendChunks(ctx, c, reply.Answer, reply.Mode.ParseMode)
}

// sendChunks sends text in platform-sized pieces. A piece the platform
// rejects in mode is resent as plain text.
func (h *Handlers) sendChunks(ctx context.Context, c Conversation, text string, mode ParseMode) error {
	for _, chunk := range Chunks(text, c.MaxMessageLength()) {
		err := c.Reply(ctx, chunk, mode)
		if err == nil {
			continue
		}
		if mode == chatmode.ParsePlain {
			return err
		}
		observe.Logger(ctx).Debug("bot: formatted send failed, retrying as plain text", "mode", mode, "err", err)
		if err := c.Reply(ctx, chunk, chatmode.ParsePlain); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) typing(ctx context.Context, c Conversation) {
	if err := c.Typing(ctx); err != nil {
		observe.Logger(ctx).Debug("bot: typing action failed", "err", err)
	}
}
