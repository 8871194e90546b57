package records

import (
	"context"
	"fmt"
)

// Filter selects candidate records by their progress flags
type Filter int

const (
	// FilterNotOptimized selects records that still need a transform
	FilterNotOptimized Filter = iota
	// FilterOptimizedNotUploaded selects transformed records awaiting upload
	FilterOptimizedNotUploaded
	// FilterNotUploaded selects every record not yet uploaded
	FilterNotUploaded
	// FilterAll selects every record
	FilterAll
)

// String returns the filter name
func (f Filter) String() string {
	switch f {
	case FilterNotOptimized:
		return "not_optimized"
	case FilterOptimizedNotUploaded:
		return "optimized_not_uploaded"
	case FilterNotUploaded:
		return "not_uploaded"
	case FilterAll:
		return "all"
	default:
		return fmt.Sprintf("filter(%d)", int(f))
	}
}

// Match evaluates the filter against a record
func (f Filter) Match(r *ImageRecord) bool {
	switch f {
	case FilterNotOptimized:
		return !r.IsOptimized
	case FilterOptimizedNotUploaded:
		return r.IsOptimized && !r.IsUploaded
	case FilterNotUploaded:
		return !r.IsUploaded
	default:
		return true
	}
}

// whereClause returns the SQL predicate equivalent to Match
func (f Filter) whereClause() string {
	switch f {
	case FilterNotOptimized:
		return "NOT is_optimized"
	case FilterOptimizedNotUploaded:
		return "is_optimized AND NOT is_uploaded"
	case FilterNotUploaded:
		return "NOT is_uploaded"
	default:
		return "TRUE"
	}
}

// Store is the backing record collection keyed by (product_id, image_name)
type Store interface {
	// Page returns up to limit records matching filter with keys strictly after the cursor,
	// ordered by key. A nil cursor starts from the beginning.
	Page(ctx context.Context, filter Filter, after *Key, limit int) ([]ImageRecord, error)
	// Get returns one record, or nil when the key is unknown
	Get(ctx context.Context, key Key) (*ImageRecord, error)
	// Upsert writes records idempotently. Progress flags only ever turn on.
	Upsert(ctx context.Context, recs []ImageRecord) error
	// Insert adds newly discovered records, leaving existing keys untouched.
	// It returns how many records were new.
	Insert(ctx context.Context, recs []ImageRecord) (int, error)
	// Count returns the number of records matching filter
	Count(ctx context.Context, filter Filter) (int, error)
}
