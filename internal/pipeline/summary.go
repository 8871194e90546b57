package pipeline

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/Father1993/PIM-Image-Management/internal/ledger"
)

// Summary reports the outcome of one run
type Summary struct {
	RunID string
	Mode  Mode
	Pass  string

	// Scanned counts records the scanner returned, Skipped those already terminal in the ledger
	// and Selected those queued for processing.
	Scanned  int
	Skipped  int
	Selected int
	Batches  int

	// NotStarted counts selected items that were never dispatched because the run stopped
	NotStarted int

	// Done, Failed and Retried count outcomes of this run only
	Done    int64
	Failed  int64
	Retried int64

	// Ledger tallies every entry of the pass after the run
	Ledger      ledger.Counts
	FailedItems []*ledger.Entry

	Interrupted bool
	Duration    time.Duration
}

// Render writes the summary as tables
func (s *Summary) Render(w io.Writer) error {
	run := table.NewWriter()
	run.SetStyle(table.StyleRounded)
	run.SetTitle(fmt.Sprintf("Run %s (%s)", s.RunID, s.Mode))
	run.AppendHeader(table.Row{"Metric", "Value"})
	run.AppendRows([]table.Row{
		{"scanned", s.Scanned},
		{"skipped (already terminal)", s.Skipped},
		{"selected", s.Selected},
		{"not started", s.NotStarted},
		{"batches", s.Batches},
		{"done this run", s.Done},
		{"failed this run", s.Failed},
		{"retries", s.Retried},
		{"interrupted", strconv.FormatBool(s.Interrupted)},
		{"duration", s.Duration.Round(time.Millisecond).String()},
	})
	run.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	if _, err := fmt.Fprintln(w, run.Render()); err != nil {
		return err
	}

	return RenderLedger(w, s.Pass, s.Ledger, s.FailedItems)
}

// RenderLedger writes ledger counts and permanently failed items of a pass as tables
func RenderLedger(w io.Writer, pass string, counts ledger.Counts, failed []*ledger.Entry) error {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("Ledger: " + pass)
	tw.AppendHeader(table.Row{"State", "Items"})
	tw.AppendRows([]table.Row{
		{ledger.StateDone, counts.Done},
		{ledger.StatePending, counts.Pending},
		{ledger.StateInFlight, counts.InFlight},
		{ledger.StatePermanentlyFailed, counts.PermanentlyFailed},
	})
	tw.AppendFooter(table.Row{"total", counts.Total()})
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	if _, err := fmt.Fprintln(w, tw.Render()); err != nil {
		return err
	}

	if len(failed) == 0 {
		return nil
	}
	ft := table.NewWriter()
	ft.SetStyle(table.StyleRounded)
	ft.SetTitle("Permanently failed")
	ft.AppendHeader(table.Row{"Item", "Attempts", "Last error"})
	for _, e := range failed {
		ft.AppendRow(table.Row{e.ItemID, e.AttemptCount, text.Trim(e.LastError, 120)})
	}
	_, err := fmt.Fprintln(w, ft.Render())
	return err
}

// Render writes the discover summary as a table
func (s *DiscoverSummary) Render(w io.Writer) error {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("Discover")
	tw.AppendHeader(table.Row{"Metric", "Value"})
	tw.AppendRows([]table.Row{
		{"pages", s.Pages},
		{"products", s.Products},
		{"pictures", s.Images},
		{"new records", s.Inserted},
		{"duration", s.Duration.Round(time.Millisecond)},
	})
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	_, err := fmt.Fprintln(w, tw.Render())
	return err
}
