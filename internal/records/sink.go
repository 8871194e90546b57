package records

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultSinkBuffer is how many pending writes trigger an early flush
const DefaultSinkBuffer = 1000

// Sink receives record updates from the pipeline and writes them to the record store
type Sink interface {
	// Put queues one record update
	Put(ctx context.Context, rec ImageRecord) error
	// Flush writes every queued update
	Flush(ctx context.Context) error
}

// BufferedSink coalesces updates per key and writes them in one Upsert per flush
type BufferedSink struct {
	store     Store
	maxBuffer int

	mu      sync.Mutex
	pending map[Key]ImageRecord
	order   []Key
}

// NewBufferedSink creates a sink over store. A non-positive maxBuffer selects DefaultSinkBuffer.
func NewBufferedSink(store Store, maxBuffer int) *BufferedSink {
	if maxBuffer <= 0 {
		maxBuffer = DefaultSinkBuffer
	}
	return &BufferedSink{
		store:     store,
		maxBuffer: maxBuffer,
		pending:   make(map[Key]ImageRecord),
	}
}

// Put implements Sink. A full buffer is flushed before returning.
func (s *BufferedSink) Put(ctx context.Context, rec ImageRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("refusing record update: %w", err)
	}

	s.mu.Lock()
	key := rec.Key()
	if _, ok := s.pending[key]; !ok {
		s.order = append(s.order, key)
	}
	s.pending[key] = rec
	full := len(s.pending) >= s.maxBuffer
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush implements Sink. Updates that fail to write stay queued for the next flush.
func (s *BufferedSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := make([]ImageRecord, 0, len(s.order))
	for _, key := range s.order {
		batch = append(batch, s.pending[key])
	}
	s.pending = make(map[Key]ImageRecord)
	s.order = nil
	s.mu.Unlock()

	if err := s.store.Upsert(ctx, batch); err != nil {
		s.requeue(batch)
		return fmt.Errorf("failed to flush %d record updates: %w", len(batch), err)
	}
	slog.Debug("Record updates flushed", "count", len(batch))
	return nil
}

// requeue puts back updates that failed to write unless a newer one arrived meanwhile
func (s *BufferedSink) requeue(batch []ImageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range batch {
		key := rec.Key()
		if _, ok := s.pending[key]; ok {
			continue
		}
		s.pending[key] = rec
		s.order = append(s.order, key)
	}
}

// Pending returns the number of queued updates
func (s *BufferedSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// DiscardSink accepts and drops every update. Preview runs use it.
type DiscardSink struct{}

// Put implements Sink
func (DiscardSink) Put(_ context.Context, rec ImageRecord) error {
	return rec.Validate()
}

// Flush implements Sink
func (DiscardSink) Flush(_ context.Context) error {
	return nil
}
