package app

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Father1993/PIM-Image-Management/internal/bucket"
	"github.com/Father1993/PIM-Image-Management/internal/ledger"
	"github.com/Father1993/PIM-Image-Management/internal/pipeline"
	"github.com/Father1993/PIM-Image-Management/internal/records"
	"github.com/Father1993/PIM-Image-Management/internal/telemetry"
)

// AppComponents groups the collaborators of one run
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Pool is the database connection pool (optional)
	Pool *pgxpool.Pool

	Records records.Store
	Ledger  ledger.Store
	Sink    records.Sink
	Bucket  bucket.Bucket

	Transformer pipeline.Transformer
	Uploader    pipeline.Uploader
	Fetcher     pipeline.BlobFetcher
	Products    pipeline.ProductSource

	Telemetry *telemetry.Telemetry
	Metrics   *telemetry.PipelineMetrics
}
