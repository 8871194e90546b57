package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	syncapp "github.com/Father1993/PIM-Image-Management/internal/app"
	"github.com/Father1993/PIM-Image-Management/internal/pipeline"
	"github.com/Father1993/PIM-Image-Management/internal/syncerr"
)

const defaultGracefulTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one pass of the image pipeline",
	Long: `Run one pass of the image pipeline.

Modes:
  discover   register catalog pictures as image records
  transform  optimize images through imgproxy without uploading them
  upload     upload images optimized by an earlier transform pass
  full       transform and upload (default)
  preview    run the full cycle on a few items without writing anything

SIGINT or SIGTERM stops dispatching new items; items already running finish and the
ledger is flushed before the command exits.`,
	RunE: runSync,
}

func init() {
	addConfigFlags(runCmd)
	runCmd.Flags().String("mode", string(pipeline.ModeFull), fmt.Sprintf("Pass to run, one of %v", pipeline.Modes))
	runCmd.Flags().Int("limit", 0, "Maximum number of items to process (0 = all)")
	runCmd.Flags().Int("concurrency", 0, "Maximum concurrent network operations (0 = pipeline.concurrency)")
	runCmd.Flags().Bool("retry-failed", false, "Reset permanently failed items of the pass before running")
	runCmd.Flags().String("status-address", "", "Serve /health, /progress and /version on this address while running")
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	modeName, _ := cmd.Flags().GetString("mode")
	mode, err := pipeline.ParseMode(modeName)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	retryFailed, _ := cmd.Flags().GetBool("retry-failed")
	address, _ := cmd.Flags().GetString("status-address")

	slog.Info("Starting pass", "mode", mode, "limit", limit, "retry_failed", retryFailed)

	sa, err := syncapp.NewSyncApp(ctx,
		syncapp.WithConfig(cfg),
		syncapp.WithMode(mode),
		syncapp.WithLimit(limit),
		syncapp.WithConcurrency(concurrency),
		syncapp.WithRetryFailed(retryFailed),
		syncapp.WithStatusAddress(address),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize %s pass: %w", mode, err)
	}
	defer func() {
		if err := sa.Stop(defaultGracefulTimeout); err != nil {
			slog.Error("Failed to release resources", "error", err)
		}
	}()

	result, runErr := sa.Run(ctx)
	if err := renderResult(cmd, result); err != nil {
		slog.Error("Failed to render summary", "error", err)
	}

	if errors.Is(context.Cause(ctx), context.Canceled) && runErr == nil {
		slog.Warn("Pass interrupted, run again to resume", "mode", mode)
	}
	if runErr != nil {
		if syncerr.IsFatal(runErr) {
			slog.Error("Pass aborted by a configuration error", "error", runErr)
		}
		return runErr
	}
	return nil
}

func renderResult(cmd *cobra.Command, result *syncapp.Result) error {
	if result == nil {
		return nil
	}
	if result.Discover != nil {
		return result.Discover.Render(cmd.OutOrStdout())
	}
	if result.Run != nil {
		return result.Run.Render(cmd.OutOrStdout())
	}
	return nil
}
