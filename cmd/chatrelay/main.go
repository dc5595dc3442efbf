// Command chatrelay relays Telegram and Discord chats to a completion API.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/chatrelay/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "chatrelay",
		Short: "Relay Telegram and Discord chats to an LLM completion API",
		Long: `chatrelay connects Telegram and Discord bots to an LLM completion API.
It keeps a dialog per user, supports chat modes and /retry, transcribes voice
messages and tracks token usage. Running it without a sub-command starts the
server.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	cmd.AddCommand(
		serveCmd(&configPath),
		migrateCmd(&configPath),
		modesCmd(&configPath),
		versionCmd(),
	)
	return cmd
}

// loadConfig reads the config file and explains the common missing-file case.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
		}
		return nil, err
	}
	return cfg, nil
}

// ── Logger ────────────────────────────────────────────────────────────────────

// newLogger returns a text logger whose level can be changed at runtime
// through the returned LevelVar.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(level.Slog())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}
