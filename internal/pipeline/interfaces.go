// Package pipeline runs the discover, transform and upload passes over tracked product images.
package pipeline

import (
	"context"

	"github.com/Father1993/PIM-Image-Management/internal/imgproxy"
	"github.com/Father1993/PIM-Image-Management/internal/records"
)

//go:generate mockgen -destination=mocks/mock_interfaces.go -package=mocks -source=interfaces.go Transformer,Uploader,BlobFetcher

// Transformer produces the optimized image of a record
type Transformer interface {
	Transform(ctx context.Context, rec *records.ImageRecord) (*imgproxy.Blob, error)
}

// Uploader pushes an optimized image to the catalog
type Uploader interface {
	Upload(ctx context.Context, rec *records.ImageRecord, blob *imgproxy.Blob) error
}

// BlobFetcher loads a previously optimized image for an upload-only pass
type BlobFetcher interface {
	Fetch(ctx context.Context, rec *records.ImageRecord) (*imgproxy.Blob, error)
}
