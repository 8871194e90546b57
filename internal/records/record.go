// Package records models the tracked product images and the backing record store
// the pipeline scans and writes back to.
package records

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ImageType distinguishes the main product picture from additional ones
type ImageType string

const (
	// ImageTypeMain is the product's main picture
	ImageTypeMain ImageType = "main"
	// ImageTypeAdditional is any other product picture
	ImageTypeAdditional ImageType = "additional"
)

// ErrUploadedNotOptimized is returned for a record claiming an upload without an optimized image
var ErrUploadedNotOptimized = errors.New("record is uploaded but not optimized")

// Key identifies a record in the backing store
type Key struct {
	ProductID int64
	ImageName string
}

// String returns "<product_id>/<image_name>"
func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.ProductID, k.ImageName)
}

// Less orders keys the way the scanner pages through them
func (k Key) Less(other Key) bool {
	if k.ProductID != other.ProductID {
		return k.ProductID < other.ProductID
	}
	return k.ImageName < other.ImageName
}

// ImageRecord is one tracked image of one product
type ImageRecord struct {
	ProductID    int64
	ImageName    string
	ImageType    ImageType
	SourceURL    string
	OptimizedURL *string
	IsOptimized  bool
	IsUploaded   bool
	IsPerfect    bool
	LastError    *string
	UpdatedAt    time.Time
}

// Key returns the record's store key
func (r *ImageRecord) Key() Key {
	return Key{ProductID: r.ProductID, ImageName: r.ImageName}
}

// ID returns the stable identity used as the ledger item id
func (r *ImageRecord) ID() string {
	return r.Key().String()
}

// Validate checks the record invariants
func (r *ImageRecord) Validate() error {
	if r.ImageName == "" {
		return fmt.Errorf("record %d has no image name", r.ProductID)
	}
	if r.ImageType != ImageTypeMain && r.ImageType != ImageTypeAdditional {
		return fmt.Errorf("record %s has unknown image type %q", r.ID(), r.ImageType)
	}
	if r.IsUploaded && !r.IsOptimized {
		return fmt.Errorf("%w: %s", ErrUploadedNotOptimized, r.ID())
	}
	return nil
}

// MarkOptimized records a successful transform
func (r *ImageRecord) MarkOptimized(optimizedURL string, now time.Time) {
	r.IsOptimized = true
	if optimizedURL != "" {
		r.OptimizedURL = &optimizedURL
	}
	r.LastError = nil
	r.UpdatedAt = now
}

// MarkUploaded records a successful upload. An uploaded record is always optimized.
func (r *ImageRecord) MarkUploaded(now time.Time) {
	r.IsOptimized = true
	r.IsUploaded = true
	r.LastError = nil
	r.UpdatedAt = now
}

// MarkFailed records the last error without touching the progress flags
func (r *ImageRecord) MarkFailed(msg string, now time.Time) {
	r.LastError = &msg
	r.UpdatedAt = now
}

// OptimizedName returns the file name used for the optimized image: the source name with an upper-case .JPG extension
func (r *ImageRecord) OptimizedName() string {
	base := path.Base(r.ImageName)
	ext := path.Ext(base)
	return strings.TrimSuffix(base, ext) + ".JPG"
}
