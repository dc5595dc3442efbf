package discord

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chatrelay/internal/bot"
	"github.com/MrWong99/chatrelay/internal/chatmode"
	complmock "github.com/MrWong99/chatrelay/internal/completion/mock"
	"github.com/MrWong99/chatrelay/internal/dialog"
	"github.com/MrWong99/chatrelay/internal/discord/mock"
	"github.com/MrWong99/chatrelay/pkg/provider/stt"
	sttmock "github.com/MrWong99/chatrelay/pkg/provider/stt/mock"
	"github.com/MrWong99/chatrelay/pkg/store/memory"
)

const selfID = "bot-1"

type testEnv struct {
	bot   *Bot
	s     *mock.Session
	compl *complmock.Completer
	stt   *sttmock.Provider
}

func newTestEnv(t *testing.T, cfg Config, opts ...bot.Option) *testEnv {
	t.Helper()
	compl := &complmock.Completer{}
	tr := &sttmock.Provider{Result: stt.Transcript{Text: "spoken"}}
	svc := dialog.New(memory.New(), compl, chatmode.Builtin())
	b := newBot(context.Background(), cfg, bot.New(svc, append([]bot.Option{bot.WithTranscriber(tr)}, opts...)...))
	b.selfID = selfID
	return &testEnv{bot: b, s: &mock.Session{}, compl: compl, stt: tr}
}

func command(name string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionApplicationCommand,
		ChannelID: "chan-1",
		User:      &discordgo.User{ID: "u1", Username: "alice"},
		Data:      discordgo.ApplicationCommandInteractionData{Name: name, Options: opts},
	}}
}

func stringOpt(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func editContent(t *testing.T, s *mock.Session, i int) string {
	t.Helper()
	if len(s.Edits) <= i || s.Edits[i].Content == nil {
		t.Fatalf("edit %d missing (have %d)", i, len(s.Edits))
	}
	return *s.Edits[i].Content
}

// ── permissions ──────────────────────────────────────────────────────────────

func TestPermissionChecker_Allowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		roleID string
		member *discordgo.Member
		want   bool
	}{
		{"member with role", "role-123", &discordgo.Member{Roles: []string{"role-456", "role-123"}}, true},
		{"member without role", "role-123", &discordgo.Member{Roles: []string{"role-456"}}, false},
		{"empty role allows all", "", &discordgo.Member{Roles: []string{"role-456"}}, true},
		{"empty role allows direct messages", "", nil, true},
		{"nil member denied with role", "role-123", nil, false},
		{"member with empty roles", "role-123", &discordgo.Member{Roles: []string{}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NewPermissionChecker(tt.roleID).Allowed(tt.member); got != tt.want {
				t.Errorf("Allowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ── router ───────────────────────────────────────────────────────────────────

func TestNewCommandRouter(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	if len(r.routes) != 0 || len(r.ApplicationCommands()) != 0 {
		t.Error("expected empty router")
	}
}

func TestCommandRouter_ApplicationCommands_Dedup(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	cmd := &discordgo.ApplicationCommand{Name: "mode"}
	r.RegisterCommand("mode", cmd, func(Session, *discordgo.InteractionCreate) {})
	r.RegisterCommand("mode-alias", cmd, func(Session, *discordgo.InteractionCreate) {})

	if cmds := r.ApplicationCommands(); len(cmds) != 1 {
		t.Fatalf("expected 1 deduplicated command, got %d", len(cmds))
	}
}

func TestCommandRouter_Unrouted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		i        *discordgo.InteractionCreate
		wantType discordgo.InteractionResponseType
		wantText string
	}{
		{
			name:     "command",
			i:        command("nope"),
			wantType: discordgo.InteractionResponseChannelMessageWithSource,
			wantText: "Unknown command.",
		},
		{
			name: "button",
			i: &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
				Type: discordgo.InteractionMessageComponent,
				Data: discordgo.MessageComponentInteractionData{CustomID: "old_button"},
			}},
			wantType: discordgo.InteractionResponseChannelMessageWithSource,
			wantText: "This button is no longer supported.",
		},
		{
			name: "autocomplete",
			i: &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
				Type: discordgo.InteractionApplicationCommandAutocomplete,
				Data: discordgo.ApplicationCommandInteractionData{Name: "nope"},
			}},
			wantType: discordgo.InteractionApplicationCommandAutocompleteResult,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := &mock.Session{}
			NewCommandRouter().Handle(s, tc.i)

			resp := s.LastResponse()
			if resp == nil {
				t.Fatal("no response sent")
			}
			if resp.Type != tc.wantType {
				t.Errorf("response type = %v, want %v", resp.Type, tc.wantType)
			}
			if tc.wantText != "" && (resp.Data.Content != tc.wantText || resp.Data.Flags != discordgo.MessageFlagsEphemeral) {
				t.Errorf("response data = %+v", resp.Data)
			}
		})
	}
}

func TestCommandRouter_ComponentPrefix(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	var got string
	r.RegisterComponentPrefix("set_chat_mode|", func(_ Session, i *discordgo.InteractionCreate) {
		got = i.MessageComponentData().CustomID
	})
	r.Handle(&mock.Session{}, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type: discordgo.InteractionMessageComponent,
		Data: discordgo.MessageComponentInteractionData{CustomID: "set_chat_mode|assistant"},
	}})
	if got != "set_chat_mode|assistant" {
		t.Errorf("handler got %q", got)
	}
}

func TestCommandRouter_LongestPrefixWins(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	var got string
	r.RegisterComponentPrefix("set_", func(Session, *discordgo.InteractionCreate) { got = "short" })
	r.RegisterComponentPrefix("set_chat_mode|", func(Session, *discordgo.InteractionCreate) { got = "long" })
	r.Handle(&mock.Session{}, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type: discordgo.InteractionMessageComponent,
		Data: discordgo.MessageComponentInteractionData{CustomID: "set_chat_mode|movie_expert"},
	}})
	if got != "long" {
		t.Errorf("handler = %q, want the longest matching prefix", got)
	}
}

func TestRegisteredCommands(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	names := map[string]bool{}
	for _, c := range e.bot.Router().ApplicationCommands() {
		names[c.Name] = true
	}
	for _, want := range []string{"start", "help", "retry", "new", "mode", "balance", "ask"} {
		if !names[want] {
			t.Errorf("command %q not registered", want)
		}
	}
}

// ── rendering ────────────────────────────────────────────────────────────────

func TestRender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		mode bot.ParseMode
		want string
	}{
		{"html tags", "<b>bold</b> and <i>it</i>", chatmode.ParseHTML, "**bold** and *it*"},
		{"html entities", "a &lt; b &amp;&amp; <code>x</code>", chatmode.ParseHTML, "a < b && `x`"},
		{"pre block", "<pre>code</pre>", chatmode.ParseHTML, "```\ncode\n```"},
		{"markdown untouched", "**already** <b>", chatmode.ParseMarkdown, "**already** <b>"},
		{"plain untouched", "<b>x</b>", chatmode.ParsePlain, "<b>x</b>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := render(tt.text, tt.mode); got != tt.want {
				t.Errorf("render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestButtonRows(t *testing.T) {
	t.Parallel()

	mk := func(n int) []bot.Button {
		out := make([]bot.Button, n)
		for i := range out {
			out[i] = bot.Button{Text: "b", Data: "d"}
		}
		return out
	}
	tests := []struct {
		buttons  int
		wantRows int
		wantLast int
	}{
		{1, 1, 1},
		{6, 2, 1},
		{25, 5, 5},
		{30, 5, 5},
	}
	for _, tt := range tests {
		rows := buttonRows(mk(tt.buttons))
		if len(rows) != tt.wantRows {
			t.Errorf("%d buttons: rows = %d, want %d", tt.buttons, len(rows), tt.wantRows)
			continue
		}
		last := rows[len(rows)-1].(discordgo.ActionsRow)
		if len(last.Components) != tt.wantLast {
			t.Errorf("%d buttons: last row = %d, want %d", tt.buttons, len(last.Components), tt.wantLast)
		}
	}
}

// ── interactions ─────────────────────────────────────────────────────────────

func TestHelpCommand_DefersThenFillsResponse(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.bot.Router().Handle(e.s, command("help"))

	if len(e.s.Responses) != 1 || e.s.Responses[0].Type != discordgo.InteractionResponseDeferredChannelMessageWithSource {
		t.Fatalf("responses = %+v", e.s.Responses)
	}
	if got := editContent(t, e.s, 0); !strings.HasPrefix(got, "Commands:") {
		t.Errorf("content = %q", got)
	}
	if len(e.s.FollowUps) != 0 {
		t.Errorf("unexpected follow-ups: %d", len(e.s.FollowUps))
	}
}

func TestNewCommand_SecondReplyIsFollowUp(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.bot.Router().Handle(e.s, command("new"))

	if got := editContent(t, e.s, 0); got != "Starting new dialog ✅" {
		t.Errorf("first reply = %q", got)
	}
	if len(e.s.FollowUps) != 1 {
		t.Fatalf("follow-ups = %d, want 1", len(e.s.FollowUps))
	}
}

func TestModeCommand_Keyboard(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.bot.Router().Handle(e.s, command("mode"))

	if len(e.s.Edits) != 1 || e.s.Edits[0].Components == nil {
		t.Fatalf("edits = %+v", e.s.Edits)
	}
	var buttons int
	for _, row := range *e.s.Edits[0].Components {
		buttons += len(row.(discordgo.ActionsRow).Components)
	}
	if buttons != len(chatmode.Builtin().Modes()) {
		t.Errorf("buttons = %d, want %d", buttons, len(chatmode.Builtin().Modes()))
	}
}

func TestModeCommand_DirectSwitch(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.bot.Router().Handle(e.s, command("mode", stringOpt("mode", "movie_expert")))

	if got := editContent(t, e.s, 0); got != "**🎬 Movie Expert** mode set" {
		t.Errorf("content = %q", got)
	}
}

func TestSetModeButton(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.bot.Router().Handle(e.s, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionMessageComponent,
		ChannelID: "chan-1",
		User:      &discordgo.User{ID: "u1", Username: "alice"},
		Data:      discordgo.MessageComponentInteractionData{CustomID: bot.CallbackSetChatMode + "movie_expert"},
	}})

	if len(e.s.Responses) != 1 || e.s.Responses[0].Type != discordgo.InteractionResponseDeferredMessageUpdate {
		t.Fatalf("responses = %+v", e.s.Responses)
	}
	if got := editContent(t, e.s, 0); got != "**🎬 Movie Expert** mode set" {
		t.Errorf("content = %q", got)
	}
	if c := e.s.Edits[0].Components; c == nil || len(*c) != 0 {
		t.Error("buttons must be removed after selection")
	}
	if len(e.s.FollowUps) != 1 {
		t.Errorf("welcome follow-ups = %d, want 1", len(e.s.FollowUps))
	}
}

func TestModeAutocomplete(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	opt := stringOpt("mode", "movie")
	opt.Focused = true
	i := command("mode", opt)
	i.Type = discordgo.InteractionApplicationCommandAutocomplete
	e.bot.Router().Handle(e.s, i)

	resp := e.s.LastResponse()
	if resp == nil || resp.Type != discordgo.InteractionApplicationCommandAutocompleteResult {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.Data.Choices) != 1 || resp.Data.Choices[0].Value != "movie_expert" {
		t.Errorf("choices = %+v", resp.Data.Choices)
	}
}

func TestAskCommand(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.bot.Router().Handle(e.s, command("ask", stringOpt("question", "why is the sky blue")))

	if calls := e.compl.Calls(); len(calls) != 1 || calls[0].Message != "why is the sky blue" {
		t.Fatalf("calls = %+v", calls)
	}
	if got := editContent(t, e.s, 0); got != "echo: why is the sky blue" {
		t.Errorf("content = %q", got)
	}
}

func TestAskCommand_OpensModal(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.bot.Router().Handle(e.s, command("ask"))

	resp := e.s.LastResponse()
	if resp == nil || resp.Type != discordgo.InteractionResponseModal || resp.Data.CustomID != askModalID {
		t.Fatalf("response = %+v", resp)
	}

	e.s.Reset()
	e.bot.Router().Handle(e.s, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionModalSubmit,
		ChannelID: "chan-1",
		User:      &discordgo.User{ID: "u1", Username: "alice"},
		Data: discordgo.ModalSubmitInteractionData{
			CustomID: askModalID,
			Components: []discordgo.MessageComponent{
				&discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					&discordgo.TextInput{CustomID: askModalQuestion, Value: "from the form"},
				}},
			},
		},
	}})
	if calls := e.compl.Calls(); len(calls) != 1 || calls[0].Message != "from the form" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestRoleRestriction(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{RoleID: "vip"})
	i := command("help")
	i.GuildID = "g1"
	i.User = nil
	i.Member = &discordgo.Member{User: &discordgo.User{ID: "u2"}, Roles: []string{"pleb"}}
	e.bot.Router().Handle(e.s, i)

	resp := e.s.LastResponse()
	if resp == nil || resp.Data.Flags != discordgo.MessageFlagsEphemeral || !strings.Contains(resp.Data.Content, "not allowed") {
		t.Errorf("response = %+v", resp)
	}
	if len(e.s.Edits) != 0 {
		t.Error("denied member must not get an answer")
	}
}

// ── plain messages ───────────────────────────────────────────────────────────

func directMessage(content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "m1",
		ChannelID: "dm-1",
		Content:   content,
		Author:    &discordgo.User{ID: "u1", Username: "alice"},
	}
}

func TestDirectMessage(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	e.bot.onMessage(e.s, directMessage("hi there"))

	if len(e.s.Typing) != 1 || e.s.Typing[0] != "dm-1" {
		t.Errorf("typing = %v", e.s.Typing)
	}
	if got := e.s.MessageContents(); len(got) != 1 || got[0] != "echo: hi there" {
		t.Errorf("messages = %q", got)
	}
	if ref := e.s.Messages[0].Data.Reference; ref == nil || ref.MessageID != "m1" {
		t.Errorf("reply must reference the user's message, got %+v", ref)
	}
}

func TestGuildMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      Config
		msg      *discordgo.Message
		wantText string // empty means ignored
	}{
		{
			name: "mention is stripped",
			msg: &discordgo.Message{GuildID: "g1", ChannelID: "c1", Content: "<@bot-1> tell me a joke",
				Author: &discordgo.User{ID: "u1"}, Mentions: []*discordgo.User{{ID: selfID}}},
			wantText: "tell me a joke",
		},
		{
			name: "nickname mention is stripped",
			msg: &discordgo.Message{GuildID: "g1", ChannelID: "c1", Content: "<@!bot-1> hey",
				Author: &discordgo.User{ID: "u1"}, Mentions: []*discordgo.User{{ID: selfID}}},
			wantText: "hey",
		},
		{
			name: "no mention is ignored",
			msg:  &discordgo.Message{GuildID: "g1", ChannelID: "c1", Content: "chatter", Author: &discordgo.User{ID: "u1"}},
		},
		{
			name: "other guild is ignored",
			cfg:  Config{GuildID: "g2"},
			msg: &discordgo.Message{GuildID: "g1", ChannelID: "c1", Content: "<@bot-1> hi",
				Author: &discordgo.User{ID: "u1"}, Mentions: []*discordgo.User{{ID: selfID}}},
		},
		{
			name: "bots are ignored",
			msg:  &discordgo.Message{ChannelID: "dm", Content: "beep", Author: &discordgo.User{ID: "u9", Bot: true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newTestEnv(t, tt.cfg)
			e.bot.onMessage(e.s, tt.msg)

			calls := e.compl.Calls()
			if tt.wantText == "" {
				if len(calls) != 0 {
					t.Errorf("expected message to be ignored, got %+v", calls)
				}
				return
			}
			if len(calls) != 1 || calls[0].Message != tt.wantText {
				t.Errorf("calls = %+v, want %q", calls, tt.wantText)
			}
		})
	}
}

func TestVoiceAttachment(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not really ogg"))
	}))
	t.Cleanup(srv.Close)

	e := newTestEnv(t, Config{})
	msg := directMessage("")
	msg.Attachments = []*discordgo.MessageAttachment{{
		URL:         srv.URL + "/voice-message.ogg",
		Filename:    "voice-message.ogg",
		ContentType: "audio/ogg",
	}}
	e.bot.onMessage(e.s, msg)

	if e.stt.CallCount() != 1 {
		t.Fatalf("transcribe calls = %d, want 1", e.stt.CallCount())
	}
	if got := string(e.stt.TranscribeCalls[0].Clip.Data); got != "not really ogg" {
		t.Errorf("clip data = %q", got)
	}
	if got := e.s.MessageContents(); len(got) != 2 || got[0] != "🎤: *spoken*" || got[1] != "echo: spoken" {
		t.Errorf("messages = %q", got)
	}
}

func TestVoiceAttachment_DownloadFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		allowed     []string
		wantFetches int32
		wantReplies bool
	}{
		{name: "allowed user gets the error report", wantFetches: 1, wantReplies: true},
		{name: "denied user gets nothing", allowed: []string{"bob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var fetches atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				fetches.Add(1)
				w.WriteHeader(http.StatusForbidden)
			}))
			t.Cleanup(srv.Close)

			e := newTestEnv(t, Config{}, bot.WithAccess(bot.NewAccess(tt.allowed)))
			msg := directMessage("")
			msg.Attachments = []*discordgo.MessageAttachment{{
				URL:         srv.URL + "/voice-message.ogg",
				Filename:    "voice-message.ogg",
				ContentType: "audio/ogg",
			}}
			e.bot.onMessage(e.s, msg)

			if n := fetches.Load(); n != tt.wantFetches {
				t.Errorf("attachment fetches = %d, want %d", n, tt.wantFetches)
			}
			if got := len(e.s.Messages) > 0; got != tt.wantReplies {
				t.Errorf("messages = %q, want replies: %v", e.s.MessageContents(), tt.wantReplies)
			}
			if e.stt.CallCount() != 0 {
				t.Error("transcriber ran without audio")
			}
		})
	}
}

func TestEditedMessage(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	msg := directMessage("edited text")
	e.bot.onEdit(e.s, msg)
	if len(e.s.Messages) != 0 {
		t.Fatal("updates without an edit timestamp must be ignored")
	}

	now := time.Now()
	msg.EditedTimestamp = &now
	e.bot.onEdit(e.s, msg)
	if got := e.s.MessageContents(); len(got) != 1 || !strings.Contains(got[0], "not supported") {
		t.Errorf("messages = %q", got)
	}
}
