package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/Father1993/PIM-Image-Management/internal/config"
	"github.com/Father1993/PIM-Image-Management/internal/ledger"
	"github.com/Father1993/PIM-Image-Management/internal/otel"
	"github.com/Father1993/PIM-Image-Management/internal/records"
	"github.com/Father1993/PIM-Image-Management/internal/syncerr"
	"github.com/Father1993/PIM-Image-Management/internal/telemetry"
)

// Config tunes one scheduler run. Zero values select the documented defaults.
type Config struct {
	Mode Mode
	// Pass overrides the ledger partition, which defaults to Mode.Pass()
	Pass string
	// Limit caps how many items are selected; zero means no limit
	Limit int

	BatchSize      int
	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BatchTimeout   time.Duration

	// RetryFailed resets permanently failed entries of the pass before the run
	// and gives them a fresh attempt budget
	RetryFailed bool
}

// ConfigFromPipeline maps the pipeline section of the configuration file
func ConfigFromPipeline(mode Mode, p *config.PipelineConfig) Config {
	return Config{
		Mode:           mode,
		BatchSize:      p.GetBatchSize(),
		Concurrency:    p.GetConcurrency(),
		MaxAttempts:    p.GetMaxAttempts(),
		InitialBackoff: p.GetInitialBackoff(),
		MaxBackoff:     p.GetMaxBackoff(),
		BatchTimeout:   p.GetBatchTimeout(),
	}
}

func (c Config) withDefaults() Config {
	if c.Pass == "" {
		c.Pass = c.Mode.Pass()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = config.DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = config.DefaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = config.DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = config.DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = config.DefaultMaxBackoff
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = config.DefaultBatchTimeout
	}
	return c
}

// Dependencies are the collaborators a scheduler drives
type Dependencies struct {
	Scanner     *records.Scanner
	Ledger      ledger.Store
	Sink        records.Sink
	Transformer Transformer
	Uploader    Uploader
	// Fetcher loads optimized images when the mode uploads without transforming
	Fetcher BlobFetcher
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithTracer sets the tracer used for run, batch and item spans
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = tracer
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithProgress publishes live progress to p
func WithProgress(p *Progress) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.progress = p
		}
	}
}

// WithRunID sets the run id stamped on logs and spans
func WithRunID(id string) Option {
	return func(s *Scheduler) {
		if id != "" {
			s.runID = id
		}
	}
}

// WithClock overrides the clock used for ledger timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler drives items through the stages of a mode in batches under one shared
// concurrency bound, persisting each item's state in the ledger.
type Scheduler struct {
	cfg      Config
	deps     Dependencies
	stages   []Stage
	sem      *semaphore.Weighted
	tracer   trace.Tracer
	metrics  *telemetry.PipelineMetrics
	progress *Progress
	runID    string
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	entries  map[string]*ledger.Entry
	baseline map[string]int
	// uncommitted holds Done entries whose record update is not durable yet
	uncommitted map[string]*ledger.Entry
	fatal       error

	checkpointMu   sync.Mutex
	cancelDispatch context.CancelCauseFunc
}

// NewScheduler creates a scheduler
func NewScheduler(cfg Config, deps Dependencies, opts ...Option) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	stages := cfg.Mode.Stages()
	if len(stages) == 0 {
		return nil, syncerr.Configf("mode %q does not process items", cfg.Mode)
	}
	if deps.Scanner == nil || deps.Ledger == nil || deps.Sink == nil {
		return nil, syncerr.Configf("scanner, ledger and sink are required")
	}
	for _, st := range stages {
		if st == StageTransform && deps.Transformer == nil {
			return nil, syncerr.Configf("mode %q needs a transformer", cfg.Mode)
		}
		if st == StageUpload && deps.Uploader == nil {
			return nil, syncerr.Configf("mode %q needs an uploader", cfg.Mode)
		}
	}
	if stages[0] == StageUpload && deps.Fetcher == nil {
		return nil, syncerr.Configf("mode %q needs a blob fetcher", cfg.Mode)
	}

	s := &Scheduler{
		cfg:         cfg,
		deps:        deps,
		stages:      stages,
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		progress:    NewProgress(),
		runID:       uuid.NewString(),
		now:         time.Now,
		entries:     make(map[string]*ledger.Entry),
		baseline:    make(map[string]int),
		uncommitted: make(map[string]*ledger.Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = slog.Default().With("run_id", s.runID, "pass", cfg.Pass)
	return s, nil
}

// Progress returns the live progress tracker
func (s *Scheduler) Progress() *Progress {
	return s.progress
}

// Run processes every eligible item once, retrying retryable failures, and returns a summary.
// Cancelling ctx stops dispatch; items already running finish, waiting retries stay Pending
// and the ledger is flushed before Run returns. Only configuration errors and storage
// failures are returned as errors; per-item failures end up in the ledger.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	started := s.now()
	ctx, span := otel.StartSpan(ctx, s.tracer, "pipeline.run", trace.WithAttributes(
		otel.AttrRunID.String(s.runID),
		otel.AttrPass.String(s.cfg.Pass),
	))
	defer span.End()

	if err := s.load(ctx); err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	s.progress.start(s.runID, s.cfg.Pass, started)
	s.logger.Info("Run started",
		"mode", s.cfg.Mode,
		"batch_size", s.cfg.BatchSize,
		"concurrency", s.cfg.Concurrency,
		"max_attempts", s.cfg.MaxAttempts,
		"limit", s.cfg.Limit,
	)

	dispatchCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.cancelDispatch = cancel

	summary := &Summary{RunID: s.runID, Mode: s.cfg.Mode, Pass: s.cfg.Pass}
	notStarted, scanErr := s.dispatch(dispatchCtx, summary)

	// The final checkpoint must happen even when the caller has cancelled ctx
	checkpointErr := s.checkpoint(context.WithoutCancel(ctx), true)
	s.progress.finish(s.now())

	s.mu.Lock()
	summary.Ledger = ledger.Tally(s.entries)
	summary.FailedItems = ledger.Failed(s.entries)
	summary.NotStarted = len(notStarted)
	for _, rec := range notStarted {
		// Selected items without an entry are still pending for the pass
		if _, ok := s.entries[rec.ID()]; !ok {
			summary.Ledger.Pending++
		}
	}
	fatal := s.fatal
	s.mu.Unlock()

	snap := s.progress.Snapshot()
	summary.Done = snap.Done
	summary.Failed = snap.Failed
	summary.Retried = snap.Retried
	summary.Interrupted = ctx.Err() != nil
	summary.Duration = s.now().Sub(started)

	s.logger.Info("Run finished",
		"done", summary.Done,
		"failed", summary.Failed,
		"retried", summary.Retried,
		"interrupted", summary.Interrupted,
		"duration", summary.Duration,
	)

	err := errors.Join(fatal, scanErr, checkpointErr)
	if err != nil {
		otel.RecordError(span, err)
	}
	return summary, err
}

// load reads the ledger, resetting permanently failed entries first when asked to
func (s *Scheduler) load(ctx context.Context) error {
	var reset []string
	if s.cfg.RetryFailed {
		ids, err := ledger.ResetFailed(ctx, s.deps.Ledger)
		if err != nil {
			return fmt.Errorf("failed to reset failed items: %w", err)
		}
		reset = ids
		s.logger.Info("Permanently failed items reset to pending", "count", len(ids))
	}

	entries, err := s.deps.Ledger.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	if entries == nil {
		entries = make(map[string]*ledger.Entry)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	for _, id := range reset {
		if e, ok := entries[id]; ok {
			s.baseline[id] = e.AttemptCount
		}
	}

	counts := ledger.Tally(entries)
	s.logger.Info("Ledger loaded",
		"entries", counts.Total(),
		"done", counts.Done,
		"pending", counts.Pending,
		"permanently_failed", counts.PermanentlyFailed,
	)
	return nil
}

// dispatch consumes the scanner and runs selected items in batches.
// It returns the selected items that were never started because dispatch stopped.
func (s *Scheduler) dispatch(ctx context.Context, summary *Summary) ([]records.ImageRecord, error) {
	var notStarted []records.ImageRecord
	batch := make([]records.ImageRecord, 0, s.cfg.BatchSize)
	for rec, err := range s.deps.Scanner.Scan(ctx, s.cfg.Mode.Filter()) {
		if err != nil {
			if ctx.Err() != nil {
				return append(notStarted, batch...), nil
			}
			return append(notStarted, batch...), fmt.Errorf("failed to scan records: %w", err)
		}
		summary.Scanned++

		if s.isTerminal(rec.ID()) {
			summary.Skipped++
			continue
		}
		if s.cfg.Limit > 0 && summary.Selected >= s.cfg.Limit {
			break
		}
		batch = append(batch, rec)
		summary.Selected++

		if len(batch) >= s.cfg.BatchSize {
			n := s.runBatch(ctx, summary.Batches, batch)
			notStarted = append(notStarted, batch[n:]...)
			summary.Batches++
			batch = make([]records.ImageRecord, 0, s.cfg.BatchSize)
			if ctx.Err() != nil {
				return notStarted, nil
			}
		}
	}

	if len(batch) > 0 {
		if ctx.Err() != nil {
			return append(notStarted, batch...), nil
		}
		n := s.runBatch(ctx, summary.Batches, batch)
		notStarted = append(notStarted, batch[n:]...)
		summary.Batches++
	}
	return notStarted, nil
}

func (s *Scheduler) isTerminal(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && e.IsTerminal()
}

// runBatch dispatches every item of batch and waits for all of them, then checkpoints.
// The first semaphore slot of an item is acquired here so a cancelled ctx stops dispatch.
// It returns how many items were started; they are always a prefix of batch.
func (s *Scheduler) runBatch(ctx context.Context, index int, batch []records.ImageRecord) int {
	ctx, span := otel.StartSpan(ctx, s.tracer, "pipeline.batch", trace.WithAttributes(
		otel.AttrBatchIndex.Int(index),
		otel.AttrBatchSize.Int(len(batch)),
	))
	defer span.End()

	s.progress.batch.Store(int64(index + 1))
	s.logger.Info("Batch started", "batch", index, "size", len(batch))

	stop := make(chan struct{})
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		s.watchBatch(ctx, index, stop)
	}()

	var wg sync.WaitGroup
	dispatched := 0
	for i := range batch {
		if ctx.Err() != nil {
			break
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			s.sem.Release(1)
			break
		}
		rec := batch[i]
		dispatched++
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.processItem(ctx, &rec)
		}()
	}
	if dispatched < len(batch) {
		s.logger.Info("Dispatch stopped", "batch", index, "not_started", len(batch)-dispatched, "cause", context.Cause(ctx))
	}

	wg.Wait()
	close(stop)
	watcher.Wait()

	if err := s.checkpoint(context.WithoutCancel(ctx), false); err != nil {
		otel.RecordError(span, err)
		s.logger.Error("Checkpoint failed", "batch", index, "error", err)
	}
	s.logger.Info("Batch finished", "batch", index, "dispatched", dispatched)
	return dispatched
}

// watchBatch takes an intermediate checkpoint every time the batch outlives its time budget
func (s *Scheduler) watchBatch(ctx context.Context, index int, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.BatchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.logger.Warn("Batch exceeded its time budget, taking an intermediate checkpoint",
				"batch", index, "budget", s.cfg.BatchTimeout)
			if err := s.checkpoint(context.WithoutCancel(ctx), false); err != nil {
				s.logger.Error("Intermediate checkpoint failed", "batch", index, "error", err)
			}
		}
	}
}

// checkpoint flushes the sink, then commits Done entries whose record updates are now
// durable, then flushes the ledger. On the final checkpoint, Done entries whose record
// update could not be written are demoted to Pending so nothing stays InFlight.
func (s *Scheduler) checkpoint(ctx context.Context, final bool) error {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	s.mu.Lock()
	pending := s.uncommitted
	s.uncommitted = make(map[string]*ledger.Entry)
	s.mu.Unlock()

	var errs []error
	sinkErr := s.deps.Sink.Flush(ctx)
	switch {
	case sinkErr == nil:
		for id, e := range pending {
			if err := s.deps.Ledger.Upsert(ctx, e.Clone()); err != nil {
				errs = append(errs, fmt.Errorf("failed to commit %s: %w", id, err))
				s.keepUncommitted(id, e)
			}
		}
	case final:
		errs = append(errs, fmt.Errorf("failed to write record updates: %w", sinkErr))
		for id, e := range pending {
			demoted := e.Clone()
			demoted.State = ledger.StatePending
			demoted.LastError = "record update not written: " + sinkErr.Error()
			demoted.UpdatedAt = s.now().UTC()
			if err := s.deps.Ledger.Upsert(ctx, demoted); err != nil {
				errs = append(errs, fmt.Errorf("failed to demote %s: %w", id, err))
			}
			s.mu.Lock()
			s.entries[id] = demoted
			s.mu.Unlock()
		}
	default:
		s.logger.Warn("Record updates not written, retrying at the next checkpoint", "error", sinkErr)
		for id, e := range pending {
			s.keepUncommitted(id, e)
		}
	}

	if err := s.deps.Ledger.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush ledger: %w", err))
	}
	s.metrics.RecordCheckpoint(ctx, s.cfg.Pass, final)
	s.logger.Debug("Checkpoint taken", "final", final, "committed", len(pending))
	return errors.Join(errs...)
}

func (s *Scheduler) keepUncommitted(id string, e *ledger.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uncommitted[id]; !ok {
		s.uncommitted[id] = e
	}
}

// abort records the first fatal error and stops dispatch
func (s *Scheduler) abort(err error) {
	s.mu.Lock()
	first := s.fatal == nil
	if first {
		s.fatal = err
	}
	s.mu.Unlock()

	if first {
		s.logger.Error("Aborting run", "error", err)
		if s.cancelDispatch != nil {
			s.cancelDispatch(err)
		}
	}
}

func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.Reset()
	return b
}

func itemAttributes(rec *records.ImageRecord) []attribute.KeyValue {
	return []attribute.KeyValue{
		otel.AttrItemID.String(rec.ID()),
		otel.AttrProductID.Int64(rec.ProductID),
		otel.AttrImageType.String(string(rec.ImageType)),
	}
}
