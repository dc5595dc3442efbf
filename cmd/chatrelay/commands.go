package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/chatrelay/internal/app"
	"github.com/MrWong99/chatrelay/internal/chatmode"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the storage schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cmd.Context(), cfg.Storage)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", cfg.Storage.Driver, err)
			}
			if err := st.Close(); err != nil {
				return fmt.Errorf("close store: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.Storage.Driver)
			return nil
		},
	}
}

func modesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List the available chat modes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog := chatmode.Builtin()
			cfg, err := loadConfig(*configPath)
			if err == nil && cfg.ChatModes != "" {
				if catalog, err = chatmode.Load(cfg.ChatModes); err != nil {
					return fmt.Errorf("load chat modes: %w", err)
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tNAME\tPARSE MODE\tDEFAULT")
			def := catalog.Default().Key
			for _, m := range catalog.Modes() {
				mark := ""
				if m.Key == def {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Key, m.Name, m.ParseMode, mark)
			}
			return w.Flush()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatrelay %s\n", version)
		},
	}
}
