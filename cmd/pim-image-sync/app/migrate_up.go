package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending database migrations",
	Long: `Apply all pending database migrations to bring the schema up to date.
This command reads the database connection parameters from the config file
and applies every migration that hasn't been run yet.`,
	RunE: runMigrateUp,
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}

	cfg, pool, m, err := setupMigration(cmd)
	if err != nil {
		return err
	}
	defer closeMigration(pool, m)

	if !yes {
		prompt := fmt.Sprintf("About to apply migrations to database %s@%s:%d/%s. Continue?",
			cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
		if !confirm(prompt) {
			slog.Info("Migration cancelled by user")
			return nil
		}
	}

	slog.Info("Applying database migrations")
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := m.Version(ctx)
	if err != nil {
		slog.Warn("Unable to get migration version", "error", err)
		return nil
	}
	slog.Info("Migrations applied successfully", "version", version)
	return nil
}
