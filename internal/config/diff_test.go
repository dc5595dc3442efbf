package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/chatrelay/internal/config"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := load(t, sampleYAML)
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(t), baseConfig(t))
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		check       func(config.ConfigDiff) bool
		wantRestart []string
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogWarn },
			check: func(d config.ConfigDiff) bool {
				return d.LogLevelChanged && d.NewLogLevel == config.LogWarn
			},
		},
		{
			name:   "telegram allow-list",
			mutate: func(c *config.Config) { c.Telegram.AllowedUsernames = append(c.Telegram.AllowedUsernames, "carol") },
			check:  func(d config.ConfigDiff) bool { return d.TelegramAllowedChanged && !d.DiscordAllowedChanged },
		},
		{
			name:   "discord allow-list",
			mutate: func(c *config.Config) { c.Discord.AllowedUsernames = []string{"dave"} },
			check:  func(d config.ConfigDiff) bool { return d.DiscordAllowedChanged && !d.TelegramAllowedChanged },
		},
		{
			name: "dialog timeout",
			mutate: func(c *config.Config) {
				d := time.Hour
				c.Dialog.NewDialogTimeout = &d
			},
			check: func(d config.ConfigDiff) bool { return d.NewDialogTimeoutChanged },
		},
		{
			name:        "telegram token",
			mutate:      func(c *config.Config) { c.Telegram.Token = "other" },
			check:       func(d config.ConfigDiff) bool { return !d.TelegramAllowedChanged },
			wantRestart: []string{"telegram"},
		},
		{
			name:        "completion model",
			mutate:      func(c *config.Config) { c.Providers.Completion.Model = "gpt-4o" },
			check:       func(config.ConfigDiff) bool { return true },
			wantRestart: []string{"providers"},
		},
		{
			name:        "provider option",
			mutate:      func(c *config.Config) { c.Providers.Completion.Options["temperature"] = 0.1 },
			check:       func(config.ConfigDiff) bool { return true },
			wantRestart: []string{"providers"},
		},
		{
			name:        "fallback removed",
			mutate:      func(c *config.Config) { c.Providers.CompletionFallbacks = nil },
			check:       func(config.ConfigDiff) bool { return true },
			wantRestart: []string{"providers"},
		},
		{
			name: "storage and pricing",
			mutate: func(c *config.Config) {
				c.Storage.DSN = "postgres://elsewhere/db"
				c.Pricing.PerThousandTokens = 0.03
			},
			check:       func(config.ConfigDiff) bool { return true },
			wantRestart: []string{"storage", "pricing"},
		},
		{
			name: "listen address and modes",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":1"
				c.ChatModes = ""
			},
			check:       func(config.ConfigDiff) bool { return true },
			wantRestart: []string{"server.listen_addr", "chat_modes"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, updated := baseConfig(t), baseConfig(t)
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if !tt.check(d) {
				t.Errorf("unexpected diff %+v", d)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.wantRestart)
			}
			if d.Empty() {
				t.Error("diff must not be empty")
			}
		})
	}
}
