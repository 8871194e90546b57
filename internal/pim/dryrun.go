package pim

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/Father1993/PIM-Image-Management/internal/imgproxy"
	"github.com/Father1993/PIM-Image-Management/internal/records"
	"github.com/Father1993/PIM-Image-Management/internal/syncerr"
)

// DryRun stands in for Client in preview runs. It checks the payload and logs what would be
// uploaded without contacting the catalog.
type DryRun struct {
	uploads atomic.Int64
}

// NewDryRun creates a dry-run uploader
func NewDryRun() *DryRun {
	return &DryRun{}
}

// Upload implements the pipeline uploader contract
func (d *DryRun) Upload(ctx context.Context, rec *records.ImageRecord, blob *imgproxy.Blob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if blob == nil || len(blob.Data) == 0 {
		return syncerr.Newf(syncerr.KindData, "upload", "no image data for %s", rec.ID())
	}
	d.uploads.Add(1)
	slog.Info("Dry run: would upload picture",
		"item", rec.ID(),
		"image_type", rec.ImageType,
		"bytes", len(blob.Data),
	)
	return nil
}

// Uploads returns how many uploads were simulated
func (d *DryRun) Uploads() int64 {
	return d.uploads.Load()
}
