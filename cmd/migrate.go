package cmd

import (
	"fmt"
	"github.com/Bravo555/neomason-discord-bot/neomason"
	"github.com/spf13/cobra"
)

var (
	migrateDown   bool
	migrateStatus bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [flags]",
	Short: "Create or upgrade the database schema",
	Long: "Applies all pending schema migrations to the configured database. " +
		"The bot does this on startup as well, so this is only needed to " +
		"prepare a database ahead of time, check its version, or revert it.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if cfg.Database == "" {
			return fmt.Errorf(
				"database not set (set %s_DATABASE to a sqlite file "+
					"path or a postgres:// URL)",
				neomason.DefaultEnvPrefix,
			)
		}

		switch {
		case migrateStatus:
			version, dirty, ok, err := neomason.SchemaVersion(
				cfg.DatabaseType,
				cfg.Database,
			)
			if err != nil {
				return fmt.Errorf("error reading schema version: %w", err)
			}
			if !ok {
				fmt.Fprintln(out, "No migrations applied.")
				return nil
			}
			fmt.Fprintf(out, "Schema version: %d (dirty: %t)\n", version, dirty)
		case migrateDown:
			if err := neomason.MigrateDown(ctx, cfg.DatabaseType, cfg.Database); err != nil {
				return err
			}
			fmt.Fprintln(out, "All migrations reverted.")
		default:
			version, err := neomason.MigrateUp(ctx, cfg.DatabaseType, cfg.Database)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Schema version: %d\n", version)
			fmt.Fprintln(
				out,
				"Migrations complete. You can now start the bot with the 'run' subcommand.",
			)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().BoolVar(
		&migrateDown,
		"down",
		false,
		"Revert all migrations (drops all bot data)",
	)
	migrateCmd.Flags().BoolVar(
		&migrateStatus,
		"status",
		false,
		"Print the current schema version and exit",
	)
	migrateCmd.MarkFlagsMutuallyExclusive("down", "status")
}
