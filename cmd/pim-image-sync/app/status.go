package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/Father1993/PIM-Image-Management/internal/db"
	"github.com/Father1993/PIM-Image-Management/internal/ledger"
	"github.com/Father1993/PIM-Image-Management/internal/pipeline"
	"github.com/Father1993/PIM-Image-Management/internal/records"
	"github.com/Father1993/PIM-Image-Management/internal/status"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger counts and failed items of a pass",
	Long: `Show how many items of a pass are done, pending or permanently failed, with the last
error of every failed item. When a database is configured the image record counts are shown too.`,
	RunE: runStatus,
}

func init() {
	addConfigFlags(statusCmd)
	statusCmd.Flags().String("mode", string(pipeline.ModeFull), "Pass whose ledger is shown (transform, upload or full)")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	modeName, _ := cmd.Flags().GetString("mode")
	mode, err := pipeline.ParseMode(modeName)
	if err != nil {
		return err
	}
	if !mode.UsesScheduler() {
		return fmt.Errorf("mode %q keeps no ledger", mode)
	}

	var pool *pgxpool.Pool
	if cfg.Database != nil {
		pool, err = db.NewPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	store, err := ledger.NewStore(ctx, &cfg.Ledger, mode.Pass(), pool)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close ledger", "error", err)
		}
	}()

	entries, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	out := cmd.OutOrStdout()
	last, err := status.NewFileStatusPersistence(cfg.Ledger.GetStatusDir()).LoadStatus(ctx, mode.Pass())
	if err != nil {
		slog.Warn("Failed to load last run status", "error", err)
	} else if last.Phase != "" {
		if err := renderLastRun(cmd, mode.Pass(), last); err != nil {
			return err
		}
	}
	if err := pipeline.RenderLedger(out, mode.Pass(), ledger.Tally(entries), ledger.Failed(entries)); err != nil {
		return err
	}

	if pool == nil {
		return nil
	}
	return renderRecordCounts(cmd, records.NewPostgresStore(pool))
}

func renderRecordCounts(cmd *cobra.Command, store records.Store) error {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("Image records")
	tw.AppendHeader(table.Row{"Filter", "Records"})
	for _, f := range []records.Filter{
		records.FilterNotOptimized,
		records.FilterOptimizedNotUploaded,
		records.FilterNotUploaded,
		records.FilterAll,
	} {
		n, err := store.Count(cmd.Context(), f)
		if err != nil {
			return fmt.Errorf("failed to count %s records: %w", f, err)
		}
		tw.AppendRow(table.Row{f.String(), n})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	_, err := fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
	return err
}

func renderLastRun(cmd *cobra.Command, pass string, st *status.RunStatus) error {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("Last run: " + pass)
	tw.AppendRows([]table.Row{
		{"run", st.RunID},
		{"phase", st.Phase},
	})
	if st.StartedAt != nil {
		tw.AppendRow(table.Row{"started", st.StartedAt.Format(time.RFC3339)})
	}
	if st.FinishedAt != nil {
		tw.AppendRow(table.Row{"finished", st.FinishedAt.Format(time.RFC3339)})
	}
	tw.AppendRows([]table.Row{
		{"selected", st.Selected},
		{"done", st.Done},
		{"permanently failed", st.Failed},
		{"retried", st.Retried},
	})
	if st.Message != "" {
		tw.AppendRow(table.Row{"error", text.Trim(st.Message, 120)})
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
	return err
}
