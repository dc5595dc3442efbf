package discord

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc handles one interaction.
type HandlerFunc func(s Session, i *discordgo.InteractionCreate)

// CommandRouter dispatches interactions by type and key. Slash commands and
// autocomplete requests are keyed by command name, modal submits by custom_id
// and buttons by the longest registered custom_id prefix, so one handler
// serves "set_chat_mode|assistant" and every other mode key.
type CommandRouter struct {
	mu     sync.RWMutex
	defs   map[string]*discordgo.ApplicationCommand
	routes map[discordgo.InteractionType]map[string]HandlerFunc
}

// NewCommandRouter creates an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		defs:   make(map[string]*discordgo.ApplicationCommand),
		routes: make(map[discordgo.InteractionType]map[string]HandlerFunc),
	}
}

func (r *CommandRouter) add(t discordgo.InteractionType, key string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.routes[t] == nil {
		r.routes[t] = make(map[string]HandlerFunc)
	}
	r.routes[t][key] = h
}

// RegisterCommand routes the slash command key to h. cmd is the definition
// sent to Discord; several keys may share one definition.
func (r *CommandRouter) RegisterCommand(key string, cmd *discordgo.ApplicationCommand, h HandlerFunc) {
	r.add(discordgo.InteractionApplicationCommand, key, h)
	if cmd != nil {
		r.mu.Lock()
		r.defs[cmd.Name] = cmd
		r.mu.Unlock()
	}
}

// RegisterAutocomplete routes autocomplete requests for command key to h.
func (r *CommandRouter) RegisterAutocomplete(key string, h HandlerFunc) {
	r.add(discordgo.InteractionApplicationCommandAutocomplete, key, h)
}

// RegisterComponentPrefix routes button presses whose custom_id starts with
// prefix to h.
func (r *CommandRouter) RegisterComponentPrefix(prefix string, h HandlerFunc) {
	r.add(discordgo.InteractionMessageComponent, prefix, h)
}

// RegisterModal routes submits of the modal customID to h.
func (r *CommandRouter) RegisterModal(customID string, h HandlerFunc) {
	r.add(discordgo.InteractionModalSubmit, customID, h)
}

// ApplicationCommands returns the command definitions to register with
// Discord, sorted by name.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmds := make([]*discordgo.ApplicationCommand, 0, len(r.defs))
	for _, c := range r.defs {
		cmds = append(cmds, c)
	}
	slices.SortFunc(cmds, func(a, b *discordgo.ApplicationCommand) int { return strings.Compare(a.Name, b.Name) })
	return cmds
}

// Handle dispatches i. Unknown commands, buttons and modals get an ephemeral
// notice; unknown autocomplete requests get an empty choice list.
func (r *CommandRouter) Handle(s Session, i *discordgo.InteractionCreate) {
	key, ok := interactionKey(i)
	if !ok {
		slog.Warn("discord: unhandled interaction type", "type", i.Type)
		return
	}

	if h := r.lookup(i.Type, key); h != nil {
		h(s, i)
		return
	}

	slog.Warn("discord: no route for interaction", "type", i.Type.String(), "key", key)
	switch i.Type {
	case discordgo.InteractionApplicationCommandAutocomplete:
		RespondChoices(s, i, nil)
	case discordgo.InteractionMessageComponent:
		RespondEphemeral(s, i, "This button is no longer supported.")
	default:
		RespondEphemeral(s, i, "Unknown command.")
	}
}

func (r *CommandRouter) lookup(t discordgo.InteractionType, key string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table := r.routes[t]
	if t != discordgo.InteractionMessageComponent {
		return table[key]
	}
	var best string
	var h HandlerFunc
	for prefix, fn := range table {
		if strings.HasPrefix(key, prefix) && len(prefix) >= len(best) {
			best, h = prefix, fn
		}
	}
	return h
}

func interactionKey(i *discordgo.InteractionCreate) (string, bool) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand, discordgo.InteractionApplicationCommandAutocomplete:
		return i.ApplicationCommandData().Name, true
	case discordgo.InteractionMessageComponent:
		return i.MessageComponentData().CustomID, true
	case discordgo.InteractionModalSubmit:
		return i.ModalSubmitData().CustomID, true
	default:
		return "", false
	}
}
