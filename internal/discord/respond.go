package discord

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// respond sends the initial interaction response. Errors are logged because
// an interaction that failed to respond cannot be answered any other way.
func respond(s Session, i *discordgo.InteractionCreate, t discordgo.InteractionResponseType, data *discordgo.InteractionResponseData) {
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{Type: t, Data: data}); err != nil {
		slog.Warn("discord: interaction response failed", "type", t, "err", err)
	}
}

// RespondEphemeral answers with text only the invoking user sees.
func RespondEphemeral(s Session, i *discordgo.InteractionCreate, content string) {
	respond(s, i, discordgo.InteractionResponseChannelMessageWithSource, &discordgo.InteractionResponseData{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
}

// RespondModal opens a modal.
func RespondModal(s Session, i *discordgo.InteractionCreate, modal *discordgo.InteractionResponseData) {
	respond(s, i, discordgo.InteractionResponseModal, modal)
}

// RespondChoices answers an autocomplete request.
func RespondChoices(s Session, i *discordgo.InteractionCreate, choices []*discordgo.ApplicationCommandOptionChoice) {
	respond(s, i, discordgo.InteractionApplicationCommandAutocompleteResult, &discordgo.InteractionResponseData{Choices: choices})
}

// DeferReply shows the "thinking" placeholder. Completions routinely take
// longer than the three seconds Discord allows for the first response; the
// placeholder is replaced by editing the original response.
func DeferReply(s Session, i *discordgo.InteractionCreate) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
}

// DeferUpdate acknowledges a button press; the message is edited later.
func DeferUpdate(s Session, i *discordgo.InteractionCreate) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
}
