package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Father1993/PIM-Image-Management/internal/imgproxy"
	"github.com/Father1993/PIM-Image-Management/internal/ledger"
	"github.com/Father1993/PIM-Image-Management/internal/otel"
	"github.com/Father1993/PIM-Image-Management/internal/records"
	"github.com/Father1993/PIM-Image-Management/internal/syncerr"
)

// slot tracks whether the item currently holds a semaphore slot
type slot struct {
	s       *Scheduler
	holding bool
}

func (sl *slot) release() {
	if sl.holding {
		sl.s.sem.Release(1)
		sl.holding = false
	}
}

// processItem drives one item until it is Done, PermanentlyFailed or left Pending
// by a shutdown. The caller has already acquired one semaphore slot for it.
func (s *Scheduler) processItem(ctx context.Context, rec *records.ImageRecord) {
	sl := &slot{s: s, holding: true}
	defer sl.release()

	id := rec.ID()
	ctx, span := otel.StartSpan(ctx, s.tracer, "pipeline.item", trace.WithAttributes(itemAttributes(rec)...))
	defer span.End()

	s.progress.started.Add(1)
	s.progress.inFlight.Add(1)
	defer s.progress.inFlight.Add(-1)

	// Work already dispatched is allowed to finish after shutdown starts
	work := context.WithoutCancel(ctx)
	bo := s.newBackoff()
	var blob *imgproxy.Blob

	for {
		current := s.entry(id)
		if err := s.persist(work, id, ledger.StateInFlight, current.AttemptCount, current.LastError); err != nil {
			s.abort(err)
			return
		}

		err := s.runStages(work, rec, sl, &blob)
		attempt := current.AttemptCount + 1
		span.SetAttributes(otel.AttrAttempt.Int(attempt))

		switch {
		case err == nil:
			s.succeed(work, rec, attempt)
			return

		case syncerr.IsFatal(err):
			otel.RecordError(span, err)
			// The attempt is not charged to the item: nothing about it was wrong
			if perr := s.persist(work, id, ledger.StatePending, current.AttemptCount, err.Error()); perr != nil {
				err = errors.Join(err, perr)
			}
			s.abort(err)
			return

		case !syncerr.IsRetryable(err) || s.exhausted(id, attempt):
			otel.RecordError(span, err)
			s.fail(work, rec, attempt, err)
			return
		}

		if err := s.persist(work, id, ledger.StatePending, attempt, err.Error()); err != nil {
			s.abort(err)
			return
		}
		s.progress.retried.Add(1)

		wait := bo.NextBackOff()
		s.logger.Warn("Item failed, retrying",
			"item_id", id,
			"attempt", attempt,
			"kind", syncerr.Classify(err),
			"backoff", wait,
			"error", err,
		)

		sl.release()
		if !sleep(ctx, wait) {
			s.logger.Info("Retry abandoned by shutdown, item stays pending", "item_id", id)
			return
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		sl.holding = true
	}
}

// runStages executes the stages of the mode. A blob produced by an earlier attempt
// is reused so a failed upload does not transform again.
func (s *Scheduler) runStages(ctx context.Context, rec *records.ImageRecord, sl *slot, blob **imgproxy.Blob) error {
	for _, stage := range s.stages {
		switch stage {
		case StageTransform:
			if *blob != nil {
				continue
			}
			out, err := call(ctx, s, sl, "transform", func(ctx context.Context) (*imgproxy.Blob, error) {
				return s.deps.Transformer.Transform(ctx, rec)
			})
			if err != nil {
				return err
			}
			*blob = out
			rec.MarkOptimized(out.URL, s.now().UTC())
			if len(s.stages) > 1 {
				// Keep the optimization even if the upload never succeeds
				if err := s.deps.Sink.Put(ctx, *rec); err != nil {
					s.logger.Warn("Failed to queue record update", "item_id", rec.ID(), "error", err)
				}
			}

		case StageUpload:
			if *blob == nil {
				out, err := call(ctx, s, sl, "fetch", func(ctx context.Context) (*imgproxy.Blob, error) {
					return s.deps.Fetcher.Fetch(ctx, rec)
				})
				if err != nil {
					return err
				}
				*blob = out
			}
			_, err := call(ctx, s, sl, "upload", func(ctx context.Context) (struct{}, error) {
				return struct{}{}, s.deps.Uploader.Upload(ctx, rec, *blob)
			})
			if err != nil {
				return err
			}
			rec.MarkUploaded(s.now().UTC())
		}
	}
	return nil
}

// call runs one network operation while holding a semaphore slot. On failure the slot
// stays held until processItem has recorded the outcome.
func call[T any](ctx context.Context, s *Scheduler, sl *slot, op string, fn func(context.Context) (T, error)) (T, error) {
	if !sl.holding {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			var zero T
			return zero, syncerr.New(syncerr.KindTransientNetwork, op, err)
		}
		sl.holding = true
	}

	s.metrics.AddInFlight(ctx, 1)
	started := time.Now()
	out, err := fn(ctx)
	s.metrics.RecordOperation(ctx, op, time.Since(started), err == nil)
	s.metrics.AddInFlight(ctx, -1)
	if err != nil {
		return out, syncerr.Wrap(op, err)
	}
	sl.release()
	return out, nil
}

// succeed queues the record update and keeps the Done entry until a checkpoint commits it
func (s *Scheduler) succeed(ctx context.Context, rec *records.ImageRecord, attempt int) {
	id := rec.ID()
	if err := rec.Validate(); err != nil {
		s.fail(ctx, rec, attempt, syncerr.New(syncerr.KindData, "record update", err))
		return
	}
	// A failed early flush leaves the update queued; the checkpoint decides its fate
	if err := s.deps.Sink.Put(ctx, *rec); err != nil {
		s.logger.Warn("Record update queued but not written yet", "item_id", id, "error", err)
	}

	s.mu.Lock()
	e := s.entryLocked(id)
	if err := ledger.Transition(e, ledger.StateDone, attempt, "", s.now().UTC()); err != nil {
		s.mu.Unlock()
		s.abort(err)
		return
	}
	s.entries[id] = e
	s.uncommitted[id] = e.Clone()
	s.mu.Unlock()

	s.progress.done.Add(1)
	s.metrics.RecordItem(ctx, s.cfg.Pass, string(ledger.StateDone))
	s.logger.Debug("Item done", "item_id", id, "attempt", attempt)
}

// fail marks the item permanently failed and records the error on its record
func (s *Scheduler) fail(ctx context.Context, rec *records.ImageRecord, attempt int, cause error) {
	id := rec.ID()
	msg := cause.Error()
	if err := s.persist(ctx, id, ledger.StatePermanentlyFailed, attempt, msg); err != nil {
		s.abort(err)
		return
	}

	failed := *rec
	failed.MarkFailed(msg, s.now().UTC())
	if err := s.deps.Sink.Put(ctx, failed); err != nil {
		s.logger.Warn("Failed to queue record error", "item_id", id, "error", err)
	}

	s.progress.failed.Add(1)
	s.metrics.RecordItem(ctx, s.cfg.Pass, string(ledger.StatePermanentlyFailed))
	s.logger.Error("Item permanently failed",
		"item_id", id,
		"attempt", attempt,
		"kind", syncerr.Classify(cause),
		"error", cause,
	)
}

// exhausted reports whether attempt used up the item's budget for this run
func (s *Scheduler) exhausted(id string, attempt int) bool {
	s.mu.Lock()
	base := s.baseline[id]
	s.mu.Unlock()
	return attempt-base >= s.cfg.MaxAttempts
}

// entry returns a copy of the item's entry, or a fresh Pending one
func (s *Scheduler) entry(id string) *ledger.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryLocked(id)
}

func (s *Scheduler) entryLocked(id string) *ledger.Entry {
	if e, ok := s.entries[id]; ok {
		return e.Clone()
	}
	return &ledger.Entry{ItemID: id, State: ledger.StatePending}
}

// persist applies a transition and writes it through to the ledger
func (s *Scheduler) persist(ctx context.Context, id string, to ledger.State, attempt int, lastError string) error {
	s.mu.Lock()
	e := s.entryLocked(id)
	if err := ledger.Transition(e, to, attempt, lastError, s.now().UTC()); err != nil {
		s.mu.Unlock()
		return err
	}
	s.entries[id] = e
	s.mu.Unlock()

	if err := s.deps.Ledger.Upsert(ctx, e.Clone()); err != nil {
		return fmt.Errorf("failed to persist %s as %s: %w", id, to, err)
	}
	return nil
}

// sleep waits for d or until ctx is done, reporting whether the full wait elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
