// Package telegram connects the chat handlers to Telegram through the Bot API
// long poller.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gopkg.in/telebot.v4"

	"github.com/MrWong99/chatrelay/internal/bot"
	"github.com/MrWong99/chatrelay/internal/chatmode"
	"github.com/MrWong99/chatrelay/internal/dialog"
	"github.com/MrWong99/chatrelay/pkg/audio"
)

// Platform is the platform name used in user keys, logs and metrics.
const Platform = "telegram"

const (
	// chunkSize keeps replies below Telegram's limit of 4096 UTF-16 code
	// units per message.
	chunkSize = 4000

	// maxVoiceBytes is the Bot API download limit.
	maxVoiceBytes = 20 << 20

	defaultPollTimeout    = 10 * time.Second
	defaultHandlerTimeout = 3 * time.Minute
)

// Config holds Telegram bot configuration.
type Config struct {
	// Token is the bot token issued by @BotFather.
	Token string `yaml:"token"`

	// APIURL overrides the Bot API endpoint, e.g. for a self-hosted server.
	APIURL string `yaml:"api_url"`

	// PollTimeout is the long polling timeout. Default: 10s.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// HandlerTimeout bounds the work done for one update. Default: 3m.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// Bot owns the telebot instance and routes updates to the chat handlers.
type Bot struct {
	tb       *telebot.Bot
	handlers *bot.Handlers
	ctx      context.Context
	timeout  time.Duration
}

// New creates a Bot and registers its handlers. The bot does not poll until
// [Bot.Run] is called. ctx is the parent of every per-update context.
func New(ctx context.Context, cfg Config, handlers *bot.Handlers) (*Bot, error) {
	return newBot(ctx, cfg, handlers, false)
}

func newBot(ctx context.Context, cfg Config, handlers *bot.Handlers, offline bool) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}

	tb, err := telebot.NewBot(telebot.Settings{
		URL:         cfg.APIURL,
		Token:       cfg.Token,
		Poller:      &telebot.LongPoller{Timeout: cfg.PollTimeout},
		Offline:     offline,
		Synchronous: offline,
		OnError: func(err error, c telebot.Context) {
			slog.Error("telegram: update failed", "err", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}

	b := &Bot{tb: tb, handlers: handlers, ctx: ctx, timeout: cfg.HandlerTimeout}
	b.register()
	return b, nil
}

func (b *Bot) register() {
	b.tb.Use(logUpdates)

	b.tb.Handle("/start", b.command(b.handlers.Start))
	b.tb.Handle("/help", b.command(b.handlers.Help))
	b.tb.Handle("/retry", b.command(b.handlers.Retry))
	b.tb.Handle("/new", b.command(b.handlers.NewDialog))
	b.tb.Handle("/mode", b.command(b.handlers.ShowChatModes))
	b.tb.Handle("/balance", b.command(b.handlers.Balance))
	b.tb.Handle("/ask", b.handleAsk)

	b.tb.Handle(telebot.OnText, b.handleText)
	b.tb.Handle(telebot.OnVoice, b.handleVoice)
	b.tb.Handle(telebot.OnEdited, b.command(b.handlers.Edited))
	b.tb.Handle(telebot.OnCallback, b.handleCallback)
}

// Run polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	go b.tb.Start()
	slog.Info("telegram bot polling", "username", b.tb.Me.Username)
	<-ctx.Done()
	b.tb.Stop()
	return ctx.Err()
}

// ── handlers ─────────────────────────────────────────────────────────────────

// command adapts a handler that needs no payload.
func (b *Bot) command(fn func(context.Context, bot.Conversation)) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
		defer cancel()
		fn(ctx, b.conversation(c))
		return nil
	}
}

func (b *Bot) handleText(c telebot.Context) error {
	text := c.Text()
	if strings.HasPrefix(text, "/") {
		// Unknown command.
		return nil
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()
	b.handlers.Message(ctx, b.conversation(c), text)
	return nil
}

func (b *Bot) handleAsk(c telebot.Context) error {
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()
	b.handlers.Ask(ctx, b.conversation(c), c.Message().Payload)
	return nil
}

func (b *Bot) handleVoice(c telebot.Context) error {
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()

	voice := c.Message().Voice
	b.handlers.Voice(ctx, b.conversation(c), func(context.Context) (audio.Clip, error) {
		return b.downloadVoice(voice)
	})
	return nil
}

func (b *Bot) handleCallback(c telebot.Context) error {
	data := c.Callback().Data
	if !strings.HasPrefix(data, bot.CallbackSetChatMode) {
		return c.Respond()
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()
	b.handlers.SetChatMode(ctx, b.conversation(c), data)
	return nil
}

func (b *Bot) downloadVoice(v *telebot.Voice) (audio.Clip, error) {
	rc, err := b.tb.File(&v.File)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("telegram: download voice: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxVoiceBytes))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("telegram: read voice: %w", err)
	}
	ct := v.MIME
	if ct == "" {
		ct = audio.ContentTypeOgg
	}
	return audio.Clip{
		Data:        data,
		Filename:    "voice.ogg",
		ContentType: ct,
		Duration:    time.Duration(v.Duration) * time.Second,
	}, nil
}

// logUpdates logs every update before it reaches a handler.
func logUpdates(next telebot.HandlerFunc) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		attrs := []any{}
		if s := c.Sender(); s != nil {
			attrs = append(attrs, "user", s.ID, "username", s.Username)
		}
		if chat := c.Chat(); chat != nil {
			attrs = append(attrs, "chat", chat.ID)
		}
		if m := c.Message(); m != nil {
			attrs = append(attrs, "message_id", m.ID, "text_len", len(m.Text))
		}
		slog.Debug("telegram: update", attrs...)
		return next(c)
	}
}

// ── conversation ─────────────────────────────────────────────────────────────

type conversation struct {
	c telebot.Context
}

var _ bot.Conversation = (*conversation)(nil)

func (b *Bot) conversation(c telebot.Context) *conversation {
	return &conversation{c: c}
}

func (cv *conversation) Platform() string { return Platform }

func (cv *conversation) Identity() dialog.Identity {
	id := dialog.Identity{Platform: Platform}
	if s := cv.c.Sender(); s != nil {
		id.UserID = strconv.FormatInt(s.ID, 10)
		id.Username = s.Username
		id.FirstName = s.FirstName
		id.LastName = s.LastName
	}
	if chat := cv.c.Chat(); chat != nil {
		id.ChatID = strconv.FormatInt(chat.ID, 10)
	}
	return id
}

func (cv *conversation) Reply(_ context.Context, text string, mode bot.ParseMode) error {
	return cv.c.Send(text, sendOptions(mode)...)
}

func (cv *conversation) ReplyKeyboard(_ context.Context, text string, buttons []bot.Button) error {
	rows := make([][]telebot.InlineButton, len(buttons))
	for i, btn := range buttons {
		rows[i] = []telebot.InlineButton{{Text: btn.Text, Data: btn.Data}}
	}
	return cv.c.Send(text, &telebot.ReplyMarkup{InlineKeyboard: rows})
}

func (cv *conversation) Edit(_ context.Context, text string, mode bot.ParseMode) error {
	return cv.c.Edit(text, sendOptions(mode)...)
}

func (cv *conversation) Typing(context.Context) error {
	return cv.c.Notify(telebot.Typing)
}

func (cv *conversation) Ack(context.Context) error {
	return cv.c.Respond()
}

func (cv *conversation) MaxMessageLength() int { return chunkSize }

func (cv *conversation) Update() any { return cv.c.Update() }

func sendOptions(mode bot.ParseMode) []any {
	switch mode {
	case chatmode.ParseHTML:
		return []any{telebot.ModeHTML}
	case chatmode.ParseMarkdown:
		return []any{telebot.ModeMarkdown}
	default:
		return nil
	}
}
