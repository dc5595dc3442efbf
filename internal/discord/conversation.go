package discord

import (
	"context"
	"html"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chatrelay/internal/bot"
	"github.com/MrWong99/chatrelay/internal/chatmode"
	"github.com/MrWong99/chatrelay/internal/dialog"
)

// Platform is the platform name used in user keys, logs and metrics.
const Platform = "discord"

// chunkSize keeps replies below Discord's 2000 character limit.
const chunkSize = 1900

// Discord allows five buttons per row and five rows per message.
const (
	buttonsPerRow = 5
	maxButtonRows = 5
)

var htmlTags = strings.NewReplacer(
	"<b>", "**", "</b>", "**",
	"<strong>", "**", "</strong>", "**",
	"<i>", "*", "</i>", "*",
	"<em>", "*", "</em>", "*",
	"<u>", "__", "</u>", "__",
	"<s>", "~~", "</s>", "~~",
	"<code>", "`", "</code>", "`",
	"<pre>", "```\n", "</pre>", "\n```",
)

// render converts text to Discord markdown. Discord has no HTML mode, so the
// small HTML subset the chat modes use is mapped onto markdown.
func render(text string, mode bot.ParseMode) string {
	if mode != chatmode.ParseHTML {
		return text
	}
	return html.UnescapeString(htmlTags.Replace(text))
}

// buttonRows lays buttons out in rows of five. Buttons beyond Discord's limit
// are dropped.
func buttonRows(buttons []bot.Button) []discordgo.MessageComponent {
	if len(buttons) > buttonsPerRow*maxButtonRows {
		buttons = buttons[:buttonsPerRow*maxButtonRows]
	}
	var rows []discordgo.MessageComponent
	for start := 0; start < len(buttons); start += buttonsPerRow {
		end := min(start+buttonsPerRow, len(buttons))
		row := discordgo.ActionsRow{}
		for _, b := range buttons[start:end] {
			row.Components = append(row.Components, discordgo.Button{
				Label:    b.Text,
				Style:    discordgo.SecondaryButton,
				CustomID: b.Data,
			})
		}
		rows = append(rows, row)
	}
	return rows
}

func identityOf(user *discordgo.User, channelID string) dialog.Identity {
	id := dialog.Identity{Platform: Platform, ChatID: channelID}
	if user != nil {
		id.UserID = user.ID
		id.Username = user.Username
		id.FirstName = user.GlobalName
	}
	return id
}

// interactionUser extracts the user from an interaction, handling both guild
// (Member) and DM (User) contexts.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// ── interaction conversation ─────────────────────────────────────────────────

// interactionConversation replies to a slash command, button or modal. The
// first reply fills the deferred original response; later replies are
// follow-ups.
type interactionConversation struct {
	s Session
	i *discordgo.InteractionCreate

	mu       sync.Mutex
	deferred bool // original response is a "thinking" placeholder
}

var _ bot.Conversation = (*interactionConversation)(nil)

func (c *interactionConversation) Platform() string { return Platform }

func (c *interactionConversation) Identity() dialog.Identity {
	return identityOf(interactionUser(c.i), c.i.ChannelID)
}

func (c *interactionConversation) Reply(_ context.Context, text string, mode bot.ParseMode) error {
	return c.send(render(text, mode), nil)
}

func (c *interactionConversation) ReplyKeyboard(_ context.Context, text string, buttons []bot.Button) error {
	return c.send(text, buttonRows(buttons))
}

func (c *interactionConversation) send(content string, components []discordgo.MessageComponent) error {
	c.mu.Lock()
	fill := c.deferred
	c.deferred = false
	c.mu.Unlock()

	if fill {
		edit := &discordgo.WebhookEdit{Content: &content}
		if components != nil {
			edit.Components = &components
		}
		_, err := c.s.InteractionResponseEdit(c.i.Interaction, edit)
		return err
	}
	_, err := c.s.FollowupMessageCreate(c.i.Interaction, true, &discordgo.WebhookParams{
		Content:    content,
		Components: components,
	})
	return err
}

// Edit replaces the message the interaction belongs to and removes its
// buttons.
func (c *interactionConversation) Edit(_ context.Context, text string, mode bot.ParseMode) error {
	content := render(text, mode)
	components := []discordgo.MessageComponent{}

	c.mu.Lock()
	c.deferred = false
	c.mu.Unlock()

	_, err := c.s.InteractionResponseEdit(c.i.Interaction, &discordgo.WebhookEdit{
		Content:    &content,
		Components: &components,
	})
	return err
}

// Typing is a no-op: the deferred response already shows progress.
func (c *interactionConversation) Typing(context.Context) error { return nil }

// Ack acknowledges a button press. Commands were already deferred.
func (c *interactionConversation) Ack(context.Context) error {
	if c.i.Type != discordgo.InteractionMessageComponent {
		return nil
	}
	return DeferUpdate(c.s, c.i)
}

func (c *interactionConversation) MaxMessageLength() int { return chunkSize }

func (c *interactionConversation) Update() any { return c.i.Interaction }

// ── message conversation ─────────────────────────────────────────────────────

// messageConversation replies to a plain channel or direct message.
type messageConversation struct {
	s Session
	m *discordgo.Message
}

var _ bot.Conversation = (*messageConversation)(nil)

func (c *messageConversation) Platform() string { return Platform }

func (c *messageConversation) Identity() dialog.Identity {
	return identityOf(c.m.Author, c.m.ChannelID)
}

func (c *messageConversation) Reply(_ context.Context, text string, mode bot.ParseMode) error {
	_, err := c.s.ChannelMessageSendComplex(c.m.ChannelID, &discordgo.MessageSend{
		Content:   render(text, mode),
		Reference: c.m.Reference(),
	})
	return err
}

func (c *messageConversation) ReplyKeyboard(_ context.Context, text string, buttons []bot.Button) error {
	_, err := c.s.ChannelMessageSendComplex(c.m.ChannelID, &discordgo.MessageSend{
		Content:    text,
		Components: buttonRows(buttons),
		Reference:  c.m.Reference(),
	})
	return err
}

// Edit sends a new message: the bot cannot edit the user's message.
func (c *messageConversation) Edit(ctx context.Context, text string, mode bot.ParseMode) error {
	return c.Reply(ctx, text, mode)
}

func (c *messageConversation) Typing(context.Context) error {
	return c.s.ChannelTyping(c.m.ChannelID)
}

func (c *messageConversation) Ack(context.Context) error { return nil }

func (c *messageConversation) MaxMessageLength() int { return chunkSize }

func (c *messageConversation) Update() any { return c.m }
