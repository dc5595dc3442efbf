// Package discord connects the chat handlers to Discord. It owns the
// discordgo.Session lifecycle, routes slash commands, buttons and modals, and
// treats direct messages and mentions as plain chat.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chatrelay/internal/bot"
)

const defaultHandlerTimeout = 3 * time.Minute

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token, without the "Bot " prefix.
	Token string `yaml:"token"`

	// GuildID limits the bot to one guild and registers its slash commands
	// there. Empty registers global commands and accepts every guild.
	GuildID string `yaml:"guild_id"`

	// RoleID, when set, restricts guild use to members holding the role.
	RoleID string `yaml:"role_id"`

	// HandlerTimeout bounds the work done for one update. Default: 3m.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// Bot owns the Discord gateway connection and routes interactions and
// messages to the chat handlers.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	router    *CommandRouter
	perms     *PermissionChecker
	handlers  *bot.Handlers
	http      *http.Client
	guildID   string
	selfID    string
	commands  []*discordgo.ApplicationCommand
	ctx       context.Context
	timeout   time.Duration
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord, and registers the event handlers.
// ctx is the parent of every per-update context.
func New(ctx context.Context, cfg Config, handlers *bot.Handlers) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	b := newBot(ctx, cfg, handlers)
	b.session = session
	b.http = session.Client

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		b.onMessage(s, m.Message)
	})
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageUpdate) {
		b.onEdit(s, m.Message)
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	b.selfID = session.State.User.ID
	return b, nil
}

func newBot(ctx context.Context, cfg Config, handlers *bot.Handlers) *Bot {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	b := &Bot{
		router:   NewCommandRouter(),
		perms:    NewPermissionChecker(cfg.RoleID),
		handlers: handlers,
		http:     http.DefaultClient,
		guildID:  cfg.GuildID,
		ctx:      ctx,
		timeout:  cfg.HandlerTimeout,
	}
	b.registerCommands()
	return b
}

// Router returns the command router.
func (b *Bot) Router() *CommandRouter { return b.router }

// Run publishes the slash commands, to the configured guild or globally, and
// waits for ctx to end.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.publishCommands(); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (b *Bot) publishCommands() error {
	defs := b.router.ApplicationCommands()
	if len(defs) == 0 {
		return nil
	}
	published, err := b.session.ApplicationCommandBulkOverwrite(b.selfID, b.guildID, defs)
	if err != nil {
		return fmt.Errorf("discord: publish commands: %w", err)
	}
	b.mu.Lock()
	b.commands = published
	b.mu.Unlock()
	slog.Info("discord commands published", "count", len(published), "guild", b.guildID)
	return nil
}

// Close withdraws the published commands and closes the gateway connection.
// Later calls return nil.
func (b *Bot) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.session == nil {
			return
		}
		for _, c := range b.commands {
			if derr := b.session.ApplicationCommandDelete(b.selfID, b.guildID, c.ID); derr != nil {
				slog.Warn("discord: withdraw command", "name", c.Name, "err", derr)
			}
		}
		b.commands = nil
		if cerr := b.session.Close(); cerr != nil {
			err = fmt.Errorf("discord: close session: %w", cerr)
		}
		slog.Info("discord bot closed")
	})
	return err
}

func (b *Bot) updateContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(b.ctx, b.timeout)
}
