package app

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/Father1993/PIM-Image-Management/database"
	"github.com/Father1993/PIM-Image-Management/internal/config"
	"github.com/Father1993/PIM-Image-Management/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration tool",
	Long:  `Database migration tool for managing schema versions. Use with 'up' or 'down' subcommands.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

func init() {
	migrateCmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	migrateCmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate down (0 = all)")
	migrateCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")
	migrateCmd.PersistentFlags().String("env-file", ".env", "Dotenv file loaded before reading the environment")

	if err := migrateCmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

// setupMigration loads the configuration and opens a migrator on the configured database
func setupMigration(cmd *cobra.Command) (*config.Config, *pgxpool.Pool, *database.Migrator, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Database == nil {
		return nil, nil, nil, fmt.Errorf("database configuration is required")
	}

	pool, err := db.NewPool(cmd.Context(), cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}

	m, err := database.NewMigrator(pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return cfg, pool, m, nil
}

func closeMigration(pool *pgxpool.Pool, m *database.Migrator) {
	if err := m.Close(); err != nil {
		slog.Error("Error closing migrator", "error", err)
	}
	pool.Close()
}

// confirm asks a yes/no question on stdin
func confirm(prompt string) bool {
	fmt.Printf("%s (yes/no): ", prompt)
	response, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "yes" || response == "y"
}
