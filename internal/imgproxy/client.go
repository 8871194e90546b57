package imgproxy

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Father1993/PIM-Image-Management/internal/bucket"
	"github.com/Father1993/PIM-Image-Management/internal/config"
	"github.com/Father1993/PIM-Image-Management/internal/httpclient"
	"github.com/Father1993/PIM-Image-Management/internal/records"
	"github.com/Father1993/PIM-Image-Management/internal/syncerr"
)

// DefaultTimeout bounds one transform call, probe and bucket write included
const DefaultTimeout = 60 * time.Second

// Blob is an optimized image ready for upload
type Blob struct {
	Data        []byte
	ContentType string
	// URL is the public bucket URL, empty when no bucket is configured
	URL string
	// SourceURL is the source actually transformed, after the probe fallback
	SourceURL string
}

// Client transforms images through imgproxy
type Client struct {
	builder *URLBuilder
	http    httpclient.Client
	bucket  bucket.Bucket
	probe   bool
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithBucket writes every transformed image to b
func WithBucket(b bucket.Bucket) Option {
	return func(c *Client) {
		c.bucket = b
	}
}

// WithProbe checks the source with HEAD before transforming it
func WithProbe(enabled bool) Option {
	return func(c *Client) {
		c.probe = enabled
	}
}

// WithTimeout sets the per-call timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock overrides the clock used for date-partitioned bucket keys
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a transformation client
func NewClient(builder *URLBuilder, client httpclient.Client, opts ...Option) *Client {
	c := &Client{
		builder: builder,
		http:    client,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromConfig creates a client for the configured imgproxy with the default profile
func NewClientFromConfig(cfg *config.ImgproxyConfig, b bucket.Bucket) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, syncerr.Configf("imgproxy base URL is required")
	}
	key, salt, err := cfg.GetSigningKey()
	if err != nil {
		return nil, syncerr.Configf("invalid imgproxy signing key: %v", err)
	}

	builder := NewURLBuilder(cfg.BaseURL, key, salt, cfg.PlainSource, DefaultProfile())
	return NewClient(builder, httpclient.NewDefaultClient(cfg.GetTimeout()),
		WithBucket(b),
		WithProbe(cfg.ProbeSource),
		WithTimeout(cfg.GetTimeout()),
	), nil
}

// Transform produces the optimized image of rec. The record is not modified.
func (c *Client) Transform(ctx context.Context, rec *records.ImageRecord) (*Blob, error) {
	if rec.SourceURL == "" {
		return nil, syncerr.Newf(syncerr.KindData, "transform", "record %s has no source URL", rec.ID())
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	source := rec.SourceURL
	if c.probe {
		var err error
		if source, err = c.Probe(ctx, source); err != nil {
			return nil, err
		}
	}

	blob, err := c.Fetch(ctx, source)
	if err != nil {
		return nil, err
	}

	if c.bucket != nil {
		key := bucket.ObjectKey(c.now().UTC(), rec.OptimizedName())
		publicURL, err := c.bucket.Put(ctx, key, blob.Data, blob.ContentType)
		if err != nil {
			return nil, syncerr.Wrap("bucket put", err)
		}
		blob.URL = publicURL
	}
	return blob, nil
}

// Fetch requests the processed image of sourceURL and validates the payload
func (c *Client) Fetch(ctx context.Context, sourceURL string) (*Blob, error) {
	target := c.builder.Build(sourceURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, syncerr.New(syncerr.KindConfiguration, "transform", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncerr.Wrap("transform", err)
	}
	if !resp.IsSuccess() {
		return nil, syncerr.FromStatus("transform", resp.StatusCode, httpclient.StatusError(resp, sourceURL))
	}

	if len(resp.Body) == 0 {
		return nil, syncerr.Newf(syncerr.KindData, "transform", "empty payload for %s", sourceURL)
	}
	mime := mimetype.Detect(resp.Body)
	if !mime.Is(bucket.ContentTypeJPEG) {
		return nil, syncerr.Newf(syncerr.KindData, "transform", "unexpected payload type %s for %s", mime.String(), sourceURL)
	}

	return &Blob{
		Data:        resp.Body,
		ContentType: bucket.ContentTypeJPEG,
		SourceURL:   sourceURL,
	}, nil
}

// Probe checks that sourceURL exists. When it does not and its extension has upper-case letters,
// the lower-case variant is tried. It returns the URL that answered.
func (c *Client) Probe(ctx context.Context, sourceURL string) (string, error) {
	status, err := c.head(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	if status >= 200 && status < 300 {
		return sourceURL, nil
	}

	alt := lowerExtension(sourceURL)
	if alt == sourceURL {
		return "", c.probeError(sourceURL, status)
	}
	altStatus, err := c.head(ctx, alt)
	if err != nil {
		return "", err
	}
	if altStatus >= 200 && altStatus < 300 {
		return alt, nil
	}
	return "", c.probeError(sourceURL, altStatus)
}

func (c *Client) head(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return 0, syncerr.Newf(syncerr.KindData, "probe", "invalid source URL %q: %v", target, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, syncerr.Wrap("probe", err)
	}
	return resp.StatusCode, nil
}

func (*Client) probeError(sourceURL string, status int) error {
	return syncerr.FromStatus("probe", status, fmt.Errorf("source %s is not available", sourceURL))
}

// lowerExtension returns u with its file extension lower-cased, ignoring any query string
func lowerExtension(u string) string {
	base, query, hasQuery := strings.Cut(u, "?")
	ext := path.Ext(base)
	if ext == "" || ext == strings.ToLower(ext) {
		return u
	}
	out := strings.TrimSuffix(base, ext) + strings.ToLower(ext)
	if hasQuery {
		out += "?" + query
	}
	return out
}
