// Package app provides the command line of the PIM image sync tool.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Father1993/PIM-Image-Management/internal/config"
	"github.com/Father1993/PIM-Image-Management/internal/versions"
)

var rootCmd = &cobra.Command{
	Use:               "pim-image-sync",
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	Short:             "Optimize PIM product images through imgproxy",
	Long: `pim-image-sync discovers product pictures in the PIM, sends them through imgproxy
with a fixed profile and uploads the optimized images back to the PIM.

Progress is kept per item in a ledger, so an interrupted run resumes where it stopped.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			slog.Error("Error displaying help", "error", err)
		}
	},
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		slog.Error("Error binding debug flag", "error", err)
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			slog.Error("Error retrieving format flag", "error", err)
			return
		}

		if format == "json" {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				slog.Error("Error formatting version info as JSON", "error", err)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(output))
		} else {
			slog.Info("pim-image-sync version",
				"version", info.Version,
				"commit", info.Commit,
				"built", info.BuildDate,
				"go", info.GoVersion,
				"platform", info.Platform)
		}
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Output format (json)")
}

// addConfigFlags registers the flags shared by every command that reads the configuration
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to configuration file (YAML format); the environment alone is used when empty")
	cmd.Flags().String("env-file", ".env", "Dotenv file loaded before reading the environment")
}

// loadConfig loads the configuration named by the command's flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return nil, fmt.Errorf("failed to get env-file flag: %w", err)
	}

	opts := []config.Option{config.WithEnvFile(envFile)}
	if configPath != "" {
		opts = append(opts, config.WithConfigPath(configPath))
	}

	cfg, err := config.LoadConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
