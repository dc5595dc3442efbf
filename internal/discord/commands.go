package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chatrelay/internal/bot"
	"github.com/MrWong99/chatrelay/pkg/audio"
)

const (
	askModalID       = "ask_modal"
	askModalQuestion = "question"
	maxVoiceBytes    = 25 << 20
)

// registerCommands wires every slash command, button and modal to the chat
// handlers.
func (b *Bot) registerCommands() {
	simple := []struct {
		name, description string
		fn                func(context.Context, bot.Conversation)
	}{
		{"start", "Start talking to the bot", b.handlers.Start},
		{"help", "Show help", b.handlers.Help},
		{"retry", "Regenerate last bot answer", b.handlers.Retry},
		{"new", "Start new dialog", b.handlers.NewDialog},
		{"balance", "Show balance", b.handlers.Balance},
	}
	for _, c := range simple {
		def := &discordgo.ApplicationCommand{Name: c.name, Description: c.description}
		b.router.RegisterCommand(c.name, def, b.deferred(c.fn))
	}

	b.router.RegisterCommand("ask", &discordgo.ApplicationCommand{
		Name:        "ask",
		Description: "Ask a question",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "question",
			Description: "What you want to ask; leave empty to type it in a form",
		}},
	}, b.handleAsk)
	b.router.RegisterModal(askModalID, b.handleAskModal)

	b.router.RegisterCommand("mode", &discordgo.ApplicationCommand{
		Name:        "mode",
		Description: "Select chat mode",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:         discordgo.ApplicationCommandOptionString,
			Name:         "mode",
			Description:  "Switch directly to this mode",
			Autocomplete: true,
		}},
	}, b.handleMode)
	b.router.RegisterAutocomplete("mode", b.handleModeAutocomplete)
	b.router.RegisterComponentPrefix(bot.CallbackSetChatMode, b.handleSetMode)
}

// deferred acknowledges the command before running fn, which may take longer
// than Discord's response window.
func (b *Bot) deferred(fn func(context.Context, bot.Conversation)) HandlerFunc {
	return func(s Session, i *discordgo.InteractionCreate) {
		conv, ok := b.interaction(s, i)
		if !ok {
			return
		}
		if err := DeferReply(s, i); err != nil {
			slog.Warn("discord: failed to defer reply", "err", err)
			return
		}
		conv.deferred = true

		ctx, cancel := b.updateContext()
		defer cancel()
		fn(ctx, conv)
	}
}

// interaction builds the conversation for i, rejecting members without the
// configured role.
func (b *Bot) interaction(s Session, i *discordgo.InteractionCreate) (*interactionConversation, bool) {
	if i.GuildID != "" && !b.perms.Allowed(i.Member) {
		RespondEphemeral(s, i, "You are not allowed to use this bot.")
		return nil, false
	}
	return &interactionConversation{s: s, i: i}, true
}

func (b *Bot) handleAsk(s Session, i *discordgo.InteractionCreate) {
	var question string
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "question" {
			question = opt.StringValue()
		}
	}
	if strings.TrimSpace(question) == "" {
		if _, ok := b.interaction(s, i); !ok {
			return
		}
		RespondModal(s, i, &discordgo.InteractionResponseData{
			CustomID: askModalID,
			Title:    "Ask a question",
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					discordgo.TextInput{
						CustomID: askModalQuestion,
						Label:    "Question",
						Style:    discordgo.TextInputParagraph,
						Required: new(true),
					},
				}},
			},
		})
		return
	}
	b.deferred(func(ctx context.Context, c bot.Conversation) {
		b.handlers.Ask(ctx, c, question)
	})(s, i)
}

func (b *Bot) handleAskModal(s Session, i *discordgo.InteractionCreate) {
	question := modalValue(i.ModalSubmitData(), askModalQuestion)
	b.deferred(func(ctx context.Context, c bot.Conversation) {
		b.handlers.Ask(ctx, c, question)
	})(s, i)
}

func (b *Bot) handleMode(s Session, i *discordgo.InteractionCreate) {
	var key string
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "mode" {
			key = opt.StringValue()
		}
	}
	if key == "" {
		b.deferred(b.handlers.ShowChatModes)(s, i)
		return
	}
	b.deferred(func(ctx context.Context, c bot.Conversation) {
		b.handlers.SetChatMode(ctx, c, bot.CallbackSetChatMode+key)
	})(s, i)
}

func (b *Bot) handleModeAutocomplete(s Session, i *discordgo.InteractionCreate) {
	var typed string
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Focused {
			typed = strings.ToLower(opt.StringValue())
		}
	}
	var choices []*discordgo.ApplicationCommandOptionChoice
	for _, btn := range b.handlers.ModeButtons() {
		key := strings.TrimPrefix(btn.Data, bot.CallbackSetChatMode)
		if typed != "" && !strings.Contains(strings.ToLower(btn.Text), typed) && !strings.Contains(key, typed) {
			continue
		}
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: btn.Text, Value: key})
		if len(choices) == 25 {
			break
		}
	}
	RespondChoices(s, i, choices)
}

func (b *Bot) handleSetMode(s Session, i *discordgo.InteractionCreate) {
	conv, ok := b.interaction(s, i)
	if !ok {
		return
	}
	ctx, cancel := b.updateContext()
	defer cancel()
	b.handlers.SetChatMode(ctx, conv, i.MessageComponentData().CustomID)
}

func modalValue(data discordgo.ModalSubmitInteractionData, id string) string {
	for _, row := range data.Components {
		r, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, c := range r.Components {
			if in, ok := c.(*discordgo.TextInput); ok && in.CustomID == id {
				return in.Value
			}
		}
	}
	return ""
}

// ── plain messages ───────────────────────────────────────────────────────────

// accept reports whether m is addressed to the bot and returns its text with
// any mention of the bot removed. Direct messages are always addressed to the
// bot; guild messages only when they mention it.
func (b *Bot) accept(m *discordgo.Message) (string, bool) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == b.selfID {
		return "", false
	}
	if m.GuildID == "" {
		return strings.TrimSpace(m.Content), true
	}
	if b.guildID != "" && m.GuildID != b.guildID {
		return "", false
	}
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == b.selfID {
			mentioned = true
			break
		}
	}
	if !mentioned || !b.perms.Allowed(m.Member) {
		return "", false
	}
	text := strings.NewReplacer("<@"+b.selfID+">", "", "<@!"+b.selfID+">", "").Replace(m.Content)
	return strings.TrimSpace(text), true
}

func (b *Bot) onMessage(s Session, m *discordgo.Message) {
	text, ok := b.accept(m)
	if !ok {
		return
	}
	ctx, cancel := b.updateContext()
	defer cancel()
	conv := &messageConversation{s: s, m: m}

	if att := voiceAttachment(m); att != nil {
		b.handlers.Voice(ctx, conv, func(ctx context.Context) (audio.Clip, error) {
			return b.downloadVoice(ctx, att)
		})
		return
	}
	if text == "" {
		return
	}
	b.handlers.Message(ctx, conv, text)
}

func (b *Bot) onEdit(s Session, m *discordgo.Message) {
	// Link unfurls also fire updates; only real edits carry a timestamp.
	if m.EditedTimestamp == nil {
		return
	}
	if _, ok := b.accept(m); !ok {
		return
	}
	ctx, cancel := b.updateContext()
	defer cancel()
	b.handlers.Edited(ctx, &messageConversation{s: s, m: m})
}

func voiceAttachment(m *discordgo.Message) *discordgo.MessageAttachment {
	for _, a := range m.Attachments {
		if strings.HasPrefix(a.ContentType, "audio/") {
			return a
		}
	}
	return nil
}

func (b *Bot) downloadVoice(ctx context.Context, att *discordgo.MessageAttachment) (audio.Clip, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("discord: download voice: %w", err)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("discord: download voice: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return audio.Clip{}, fmt.Errorf("discord: download voice: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxVoiceBytes))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("discord: read voice: %w", err)
	}

	clip := audio.Clip{Data: data, Filename: att.Filename, ContentType: att.ContentType}
	if strings.HasPrefix(att.ContentType, audio.ContentTypeOgg) {
		if d, err := audio.OggOpusDuration(data); err == nil {
			clip.Duration = d
		}
	}
	return clip, nil
}
