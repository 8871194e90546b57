package app

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/spf13/cobra"

	"github.com/Father1993/PIM-Image-Management/database"
)

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Migrate the database down",
	Long: `Migrate the database schema down by reverting migrations.
WARNING: This operation drops the image records and the ledger. Use with caution.

Examples:
  # Migrate down by 1 step
  pim-image-sync migrate down --config config.yaml --num-steps 1 --yes

  # Migrate down all the way (WARNING: destroys all data)
  pim-image-sync migrate down --config config.yaml --yes`,
	RunE: runMigrateDown,
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	numSteps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}
	if numSteps > math.MaxInt32 {
		return fmt.Errorf("number of steps exceeds maximum allowed value")
	}

	if err := confirmMigrateDown(cmd, numSteps); err != nil {
		return err
	}

	_, pool, m, err := setupMigration(cmd)
	if err != nil {
		return err
	}
	defer closeMigration(pool, m)

	if err := executeMigrateDown(cmd, m, numSteps); err != nil {
		return err
	}

	version, err := m.Version(cmd.Context())
	if err != nil {
		slog.Warn("Failed to get migration version", "error", err)
		return nil
	}
	slog.Info("Current migration version", "version", version)
	return nil
}

func confirmMigrateDown(cmd *cobra.Command, numSteps uint) error {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}
	if yes {
		return nil
	}

	var prompt string
	if numSteps == 0 {
		prompt = "WARNING: This will migrate down ALL steps and remove every image record. Continue?"
	} else {
		prompt = fmt.Sprintf("WARNING: This will migrate down %d step(s) and may result in data loss. Continue?", numSteps)
	}

	if !confirm(prompt) {
		slog.Info("Migration cancelled")
		return fmt.Errorf("migration cancelled by user")
	}
	return nil
}

func executeMigrateDown(cmd *cobra.Command, m *database.Migrator, numSteps uint) error {
	var err error
	if numSteps == 0 {
		slog.Warn("Migrating down all steps - this will remove all schema!")
		err = m.Down(cmd.Context())
	} else {
		slog.Info("Migrating down", "steps", numSteps)
		err = m.DownSteps(cmd.Context(), int(numSteps)) // #nosec G115 -- bounded above
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("Migration completed successfully")
	return nil
}
