package pipeline

import (
	"context"
	"net/http"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Father1993/PIM-Image-Management/internal/bucket"
	"github.com/Father1993/PIM-Image-Management/internal/httpclient"
	"github.com/Father1993/PIM-Image-Management/internal/imgproxy"
	"github.com/Father1993/PIM-Image-Management/internal/records"
	"github.com/Father1993/PIM-Image-Management/internal/syncerr"
)

// StoredFetcher loads optimized images from the bucket they were written to,
// falling back to a plain GET of the optimized URL when no bucket is configured.
type StoredFetcher struct {
	bucket bucket.Bucket
	http   httpclient.Client
}

// NewStoredFetcher creates a fetcher. b may be nil.
func NewStoredFetcher(b bucket.Bucket, client httpclient.Client) *StoredFetcher {
	if client == nil {
		client = httpclient.NewDefaultClient(0)
	}
	return &StoredFetcher{bucket: b, http: client}
}

// Fetch implements BlobFetcher
func (f *StoredFetcher) Fetch(ctx context.Context, rec *records.ImageRecord) (*imgproxy.Blob, error) {
	if rec.OptimizedURL == nil || *rec.OptimizedURL == "" {
		return nil, syncerr.Newf(syncerr.KindData, "fetch", "record %s is optimized but has no optimized URL", rec.ID())
	}
	ref := *rec.OptimizedURL

	var data []byte
	if f.bucket != nil {
		b, err := f.bucket.Get(ctx, ref)
		if err != nil {
			return nil, syncerr.Wrap("fetch", err)
		}
		data = b
	} else {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, syncerr.Newf(syncerr.KindData, "fetch", "invalid optimized URL %q: %v", ref, err)
		}
		resp, err := f.http.Do(req)
		if err != nil {
			return nil, syncerr.Wrap("fetch", err)
		}
		if !resp.IsSuccess() {
			return nil, syncerr.FromStatus("fetch", resp.StatusCode, httpclient.StatusError(resp, ref))
		}
		data = resp.Body
	}

	if len(data) == 0 {
		return nil, syncerr.Newf(syncerr.KindData, "fetch", "empty optimized image for %s", rec.ID())
	}
	if mime := mimetype.Detect(data); !mime.Is(bucket.ContentTypeJPEG) {
		return nil, syncerr.Newf(syncerr.KindData, "fetch", "optimized image of %s is %s, not JPEG", rec.ID(), mime.String())
	}

	return &imgproxy.Blob{
		Data:        data,
		ContentType: bucket.ContentTypeJPEG,
		URL:         ref,
		SourceURL:   rec.SourceURL,
	}, nil
}
