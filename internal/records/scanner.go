package records

import (
	"context"
	"iter"
)

// DefaultPageSize bounds how many records the scanner holds at once
const DefaultPageSize = 500

// Scanner enumerates candidate records page by page
type Scanner struct {
	store    Store
	pageSize int
}

// NewScanner creates a scanner over store. A non-positive pageSize selects DefaultPageSize.
func NewScanner(store Store, pageSize int) *Scanner {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Scanner{store: store, pageSize: pageSize}
}

// Scan returns a lazy sequence of records matching filter.
// Pages are fetched on demand with a keyset cursor, so rows rewritten behind the cursor
// are neither skipped nor repeated. Each call starts over and re-evaluates the filter.
// A page error is yielded once and ends the sequence.
func (s *Scanner) Scan(ctx context.Context, filter Filter) iter.Seq2[ImageRecord, error] {
	return func(yield func(ImageRecord, error) bool) {
		var cursor *Key
		for {
			if err := ctx.Err(); err != nil {
				yield(ImageRecord{}, err)
				return
			}

			page, err := s.store.Page(ctx, filter, cursor, s.pageSize)
			if err != nil {
				yield(ImageRecord{}, err)
				return
			}

			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}

			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1].Key()
			cursor = &last
		}
	}
}
