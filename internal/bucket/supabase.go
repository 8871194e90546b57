package bucket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	storage "github.com/supabase-community/storage-go"

	"github.com/Father1993/PIM-Image-Management/internal/syncerr"
)

// DefaultSupabaseTimeout bounds one Storage call
const DefaultSupabaseTimeout = 60 * time.Second

// Supabase stores objects in a public Supabase Storage bucket
type Supabase struct {
	storageURL string
	bucket     string
	key        string
	timeout    time.Duration

	// admin sends JSON requests (bucket lookup and creation, downloads)
	admin *storage.Client

	// uploaders holds one client per content type. storage-go writes upload options
	// into headers shared by every request of a client, so each client is created
	// with its upload headers fixed and never receives per-call options.
	mu        sync.Mutex
	uploaders map[string]*storage.Client
	ready     bool
}

// NewSupabase creates a Supabase Storage bucket client for the project at projectURL.
// The bucket is created as public on first Put when it does not exist.
func NewSupabase(projectURL, bucket, serviceKey string) *Supabase {
	storageURL := strings.TrimRight(projectURL, "/") + "/storage/v1"
	return &Supabase{
		storageURL: storageURL,
		bucket:     bucket,
		key:        serviceKey,
		timeout:    DefaultSupabaseTimeout,
		admin:      storage.NewClient(storageURL, serviceKey, map[string]string{"apikey": serviceKey}),
		uploaders:  map[string]*storage.Client{},
	}
}

// Put implements Bucket. Existing objects are overwritten.
func (s *Supabase) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}

	client := s.uploader(contentType)
	_, err := withContext(ctx, s.timeout, func() (storage.FileUploadResponse, error) {
		return client.UploadFile(s.bucket, key, bytes.NewReader(data))
	})
	if err != nil {
		return "", classify("bucket put", err)
	}
	return s.PublicURL(key), nil
}

// Get implements Bucket
func (s *Supabase) Get(ctx context.Context, ref string) ([]byte, error) {
	key := s.keyFromRef(ref)
	data, err := withContext(ctx, s.timeout, func() ([]byte, error) {
		return s.admin.DownloadFile(s.bucket, key)
	})
	if err != nil {
		return nil, classify("bucket get", err)
	}
	return data, nil
}

// PublicURL returns the public object URL of key
func (s *Supabase) PublicURL(key string) string {
	return s.admin.GetPublicUrl(s.bucket, key).SignedURL
}

func (s *Supabase) keyFromRef(ref string) string {
	prefix := fmt.Sprintf("%s/object/public/%s/", s.storageURL, s.bucket)
	return strings.TrimPrefix(ref, prefix)
}

func (s *Supabase) uploader(contentType string) *storage.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.uploaders[contentType]; ok {
		return c
	}
	c := storage.NewClient(s.storageURL, s.key, map[string]string{
		"apikey":       s.key,
		"Content-Type": contentType,
		"x-upsert":     "true",
	})
	s.uploaders[contentType] = c
	return c
}

// ensureBucket creates the bucket once. A failed attempt is retried on the next call.
func (s *Supabase) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready {
		return nil
	}

	_, err := withContext(ctx, s.timeout, func() (storage.Bucket, error) {
		return s.admin.GetBucket(s.bucket)
	})
	switch {
	case err == nil:
	case isNotFound(err):
		_, err = withContext(ctx, s.timeout, func() (storage.Bucket, error) {
			return s.admin.CreateBucket(s.bucket, storage.BucketOptions{Public: true})
		})
		if err != nil && !isAlreadyExists(err) {
			return classify("bucket create", err)
		}
		slog.Info("Created storage bucket", "bucket", s.bucket)
	default:
		return classify("bucket lookup", err)
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

// withContext runs a storage-go call, which takes no context, bounded by ctx and timeout.
// A call abandoned by ctx finishes in the background and its result is dropped.
func withContext[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}

// classify maps a Storage error to a syncerr Kind. Storage reports its status code
// inside the message body, so the message decides when no status was decoded.
func classify(op string, err error) error {
	var storageErr *storage.StorageError
	if !errors.As(err, &storageErr) {
		return syncerr.Wrap(op, err)
	}
	if storageErr.Status > 0 {
		return syncerr.FromStatus(op, storageErr.Status, err)
	}

	msg := strings.ToLower(storageErr.Message)
	switch {
	case isNotFound(err):
		return syncerr.FromStatus(op, http.StatusNotFound, err)
	case strings.Contains(msg, "jwt"), strings.Contains(msg, "jws"),
		strings.Contains(msg, "signature"), strings.Contains(msg, "unauthorized"):
		return syncerr.Configf("storage rejected the service key: %v", err)
	case strings.Contains(msg, "payload too large"), strings.Contains(msg, "invalid"):
		return syncerr.New(syncerr.KindClient, op, err)
	default:
		return syncerr.New(syncerr.KindServer, op, fmt.Errorf("storage error %q", storageErr.Message))
	}
}

func isNotFound(err error) bool {
	var storageErr *storage.StorageError
	if !errors.As(err, &storageErr) {
		return false
	}
	return storageErr.Status == http.StatusNotFound ||
		strings.Contains(strings.ToLower(storageErr.Message), "not found")
}

func isAlreadyExists(err error) bool {
	var storageErr *storage.StorageError
	if !errors.As(err, &storageErr) {
		return false
	}
	return storageErr.Status == http.StatusConflict ||
		strings.Contains(strings.ToLower(storageErr.Message), "already exists")
}
