// Package app assembles and runs one pass of the image sync pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Father1993/PIM-Image-Management/internal/config"
	"github.com/Father1993/PIM-Image-Management/internal/pipeline"
	"github.com/Father1993/PIM-Image-Management/internal/status"
)

// SyncApp encapsulates everything needed to run one pass
// and serve its progress while it runs
type SyncApp struct {
	config     *config.Config
	mode       pipeline.Mode
	runID      string
	components *AppComponents
	status     status.StatusPersistence

	scheduler  *pipeline.Scheduler
	discoverer *pipeline.Discoverer
	httpServer *http.Server

	ownsTelemetry bool
	cleanup       func()
}

// Result is the outcome of a pass. Exactly one of the summaries is set.
type Result struct {
	Run      *pipeline.Summary
	Discover *pipeline.DiscoverSummary
}

// Run executes the pass. When a status address is configured the status server
// runs alongside and stops when the pass ends.
// Cancelling ctx asks the pass to stop; Run still returns its partial summary.
func (app *SyncApp) Run(ctx context.Context) (*Result, error) {
	serverErr := make(chan error, 1)
	if app.httpServer != nil {
		go func() {
			slog.Info("Status server listening", "address", app.httpServer.Addr)
			if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("status server failed: %w", err)
			}
			close(serverErr)
		}()
	} else {
		close(serverErr)
	}

	started := time.Now().UTC()
	app.saveStatus(ctx, &status.RunStatus{Phase: status.RunPhaseRunning, RunID: app.runID, StartedAt: &started})

	result := &Result{}
	var err error
	if app.discoverer != nil {
		result.Discover, err = app.discoverer.Run(ctx)
	} else {
		result.Run, err = app.scheduler.Run(ctx)
	}
	app.saveStatus(ctx, runStatus(app.runID, started, result, ctx.Err() != nil, err))

	if app.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()
		if shutdownErr := app.httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			slog.Warn("Status server forced to shutdown", "error", shutdownErr)
		}
	}
	if srvErr := <-serverErr; srvErr != nil {
		slog.Error("Status server stopped early", "error", srvErr)
	}

	return result, err
}

// statusPass names the status entry of the app's pass
func (app *SyncApp) statusPass() string {
	if app.mode == pipeline.ModeDiscover {
		return string(pipeline.ModeDiscover)
	}
	return app.mode.Pass()
}

// saveStatus records the run status of the pass. Failures are logged only.
func (app *SyncApp) saveStatus(ctx context.Context, st *status.RunStatus) {
	if app.status == nil {
		return
	}
	if err := app.status.SaveStatus(context.WithoutCancel(ctx), app.statusPass(), st); err != nil {
		slog.Warn("Failed to save run status", "pass", app.statusPass(), "error", err)
	}
}

// runStatus describes how a run ended
func runStatus(runID string, started time.Time, result *Result, interrupted bool, err error) *status.RunStatus {
	finished := time.Now().UTC()
	st := &status.RunStatus{
		Phase:      status.RunPhaseComplete,
		RunID:      runID,
		StartedAt:  &started,
		FinishedAt: &finished,
	}

	switch {
	case err != nil:
		st.Phase = status.RunPhaseFailed
		st.Message = err.Error()
	case interrupted || (result.Run != nil && result.Run.Interrupted):
		st.Phase = status.RunPhaseInterrupted
	}

	if r := result.Run; r != nil {
		st.Selected = r.Selected
		st.Done = r.Done
		st.Failed = r.Failed
		st.Retried = r.Retried
	}
	if d := result.Discover; d != nil {
		st.Selected = d.Images
		st.Done = int64(d.Inserted)
	}
	return st
}

// Stop releases the stores, connections and telemetry providers of the app
func (app *SyncApp) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if app.components.Ledger != nil {
		if err := app.components.Ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close ledger: %w", err))
		}
	}
	if app.cleanup != nil {
		app.cleanup()
	}
	if app.ownsTelemetry && app.components.Telemetry != nil {
		if err := app.components.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunID returns the id stamped on the run's logs, spans and status
func (app *SyncApp) RunID() string {
	return app.runID
}

// Mode returns the mode the app runs
func (app *SyncApp) Mode() pipeline.Mode {
	return app.mode
}

// GetConfig returns the application configuration
func (app *SyncApp) GetConfig() *config.Config {
	return app.config
}

// Progress returns the live progress of the scheduler, or nil for a discover pass
func (app *SyncApp) Progress() *pipeline.Progress {
	if app.scheduler == nil {
		return nil
	}
	return app.scheduler.Progress()
}

// GetHTTPServer returns the status server, nil when none is configured
func (app *SyncApp) GetHTTPServer() *http.Server {
	return app.httpServer
}
