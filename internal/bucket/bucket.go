// Package bucket stores optimized images between the transform and upload passes.
package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/Father1993/PIM-Image-Management/internal/config"
)

// ContentTypeJPEG is the content type of every optimized image
const ContentTypeJPEG = "image/jpeg"

// Bucket is an object store addressed by slash-separated keys
type Bucket interface {
	// Put stores data under key, replacing any existing object, and returns its public URL
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get reads an object by key or by the public URL Put returned
	Get(ctx context.Context, ref string) ([]byte, error)
}

// ObjectKey returns the date-partitioned key of an optimized image: YYYY/MM/DD/<name>
func ObjectKey(now time.Time, name string) string {
	return fmt.Sprintf("%04d/%02d/%02d/%s", now.Year(), int(now.Month()), now.Day(), name)
}

// New creates the bucket selected by cfg. A nil cfg means no bucket and returns nil.
func New(cfg *config.BucketConfig) (Bucket, error) {
	if cfg == nil {
		return nil, nil
	}

	switch cfg.Type {
	case config.BucketTypeLocal:
		if cfg.Local == nil {
			return nil, fmt.Errorf("bucket.local is required when bucket type is local")
		}
		return NewLocal(cfg.Local.Path, cfg.Local.PublicBaseURL)
	case config.BucketTypeSupabase:
		if cfg.Supabase == nil {
			return nil, fmt.Errorf("bucket.supabase is required when bucket type is supabase")
		}
		key, err := cfg.Supabase.GetKey()
		if err != nil {
			return nil, err
		}
		return NewSupabase(cfg.Supabase.URL, cfg.Supabase.GetBucket(), key), nil
	default:
		return nil, fmt.Errorf("unsupported bucket type %q", cfg.Type)
	}
}
