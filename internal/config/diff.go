package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes are reported individually; everything else only takes effect after
// a restart and is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TelegramAllowedChanged bool
	DiscordAllowedChanged  bool

	NewDialogTimeoutChanged bool

	// RestartRequired names the changed sections that are only read at
	// startup.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TelegramAllowedChanged && !d.DiscordAllowedChanged &&
		!d.NewDialogTimeoutChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.TelegramAllowedChanged = !slices.Equal(old.Telegram.AllowedUsernames, new.Telegram.AllowedUsernames)
	d.DiscordAllowedChanged = !slices.Equal(old.Discord.AllowedUsernames, new.Discord.AllowedUsernames)
	d.NewDialogTimeoutChanged = old.Dialog.Timeout() != new.Dialog.Timeout()

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !telegramStaticEqual(old.Telegram, new.Telegram) {
		d.RestartRequired = append(d.RestartRequired, "telegram")
	}
	if !discordStaticEqual(old.Discord, new.Discord) {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Dialog.MaxConcurrentCompletions != new.Dialog.MaxConcurrentCompletions {
		d.RestartRequired = append(d.RestartRequired, "dialog.max_concurrent_completions")
	}
	if old.Pricing != new.Pricing {
		d.RestartRequired = append(d.RestartRequired, "pricing")
	}
	if old.ChatModes != new.ChatModes {
		d.RestartRequired = append(d.RestartRequired, "chat_modes")
	}
	return d
}

func telegramStaticEqual(a, b TelegramConfig) bool {
	return a.Token == b.Token && a.APIURL == b.APIURL &&
		a.PollTimeout == b.PollTimeout && a.HandlerTimeout == b.HandlerTimeout
}

func discordStaticEqual(a, b DiscordConfig) bool {
	return a.Token == b.Token && a.GuildID == b.GuildID &&
		a.RoleID == b.RoleID && a.HandlerTimeout == b.HandlerTimeout
}

func providersEqual(a, b ProvidersConfig) bool {
	return a.CircuitBreaker == b.CircuitBreaker &&
		entryEqual(a.Completion, b.Completion) &&
		entryEqual(a.Transcription, b.Transcription) &&
		slices.EqualFunc(a.CompletionFallbacks, b.CompletionFallbacks, entryEqual) &&
		slices.EqualFunc(a.TranscriptionFallbacks, b.TranscriptionFallbacks, entryEqual)
}

func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && reflect.DeepEqual(a.Options, b.Options)
}
