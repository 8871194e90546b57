package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordColumns = `product_id, image_name, image_type, source_url, optimized_url,
       is_optimized, is_uploaded, is_perfect, last_error, updated_at`

const (
	// Progress flags are OR-ed so replaying an older write never clears them
	upsertRecordSQL = `
INSERT INTO product_images (` + recordColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (product_id, image_name) DO UPDATE
   SET optimized_url = COALESCE(EXCLUDED.optimized_url, product_images.optimized_url),
       is_optimized  = product_images.is_optimized OR EXCLUDED.is_optimized,
       is_uploaded   = product_images.is_uploaded OR EXCLUDED.is_uploaded,
       is_perfect    = product_images.is_perfect OR EXCLUDED.is_perfect,
       last_error    = EXCLUDED.last_error,
       updated_at    = GREATEST(product_images.updated_at, EXCLUDED.updated_at)`

	insertRecordSQL = `
INSERT INTO product_images (` + recordColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (product_id, image_name) DO NOTHING`
)

// PostgresStore is the record Store backed by the product_images table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a record store on the given pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Page implements Store using keyset pagination on (product_id, image_name)
func (s *PostgresStore) Page(ctx context.Context, filter Filter, after *Key, limit int) ([]ImageRecord, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = s.pool.Query(ctx, pageQuery(filter, false), limit)
	} else {
		rows, err = s.pool.Query(ctx, pageQuery(filter, true), after.ProductID, after.ImageName, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query records (%s): %w", filter, err)
	}

	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to read records (%s): %w", filter, err)
	}
	return recs, nil
}

func pageQuery(filter Filter, withCursor bool) string {
	if withCursor {
		return `SELECT ` + recordColumns + `
  FROM product_images
 WHERE ` + filter.whereClause() + `
   AND (product_id, image_name) > ($1, $2)
 ORDER BY product_id, image_name
 LIMIT $3`
	}
	return `SELECT ` + recordColumns + `
  FROM product_images
 WHERE ` + filter.whereClause() + `
 ORDER BY product_id, image_name
 LIMIT $1`
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, key Key) (*ImageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM product_images WHERE product_id = $1 AND image_name = $2`,
		key.ProductID, key.ImageName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query record %s: %w", key, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read record %s: %w", key, err)
	}
	return &rec, nil
}

// Upsert implements Store with a single pgx batch
func (s *PostgresStore) Upsert(ctx context.Context, recs []ImageRecord) error {
	return s.sendBatch(ctx, upsertRecordSQL, recs, nil)
}

// Insert implements Store with a single pgx batch
func (s *PostgresStore) Insert(ctx context.Context, recs []ImageRecord) (int, error) {
	inserted := 0
	err := s.sendBatch(ctx, insertRecordSQL, recs, func(affected int64) {
		inserted += int(affected)
	})
	return inserted, err
}

func (s *PostgresStore) sendBatch(ctx context.Context, sql string, recs []ImageRecord, onResult func(int64)) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			return err
		}
		batch.Queue(sql, recordArgs(&recs[i])...)
	}

	results := s.pool.SendBatch(ctx, batch)
	for i := range recs {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to write record %s: %w", recs[i].ID(), err)
		}
		if onResult != nil {
			onResult(tag.RowsAffected())
		}
	}
	return results.Close()
}

// Count implements Store
func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM product_images WHERE `+filter.whereClause()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records (%s): %w", filter, err)
	}
	return count, nil
}

// Ping verifies the pool can reach the database
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func recordArgs(r *ImageRecord) []any {
	return []any{
		r.ProductID,
		r.ImageName,
		string(r.ImageType),
		r.SourceURL,
		r.OptimizedURL,
		r.IsOptimized,
		r.IsUploaded,
		r.IsPerfect,
		r.LastError,
		r.UpdatedAt.UTC(),
	}
}

func scanRecord(row pgx.CollectableRow) (ImageRecord, error) {
	var (
		r         ImageRecord
		imageType string
	)
	err := row.Scan(
		&r.ProductID,
		&r.ImageName,
		&imageType,
		&r.SourceURL,
		&r.OptimizedURL,
		&r.IsOptimized,
		&r.IsUploaded,
		&r.IsPerfect,
		&r.LastError,
		&r.UpdatedAt,
	)
	r.ImageType = ImageType(imageType)
	return r, err
}
