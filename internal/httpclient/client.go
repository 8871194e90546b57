// Package httpclient provides the HTTP transport shared by the imgproxy, PIM and bucket clients.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Father1993/PIM-Image-Management/internal/versions"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	maxErrorBody = 4 * 1024
)

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is an interface for HTTP operations
type Client interface {
	// Get performs an HTTP GET request and returns the response body.
	// Any status other than 200 is returned as an *HTTPError.
	Get(ctx context.Context, url string) ([]byte, error)
	// Do executes req and returns the response regardless of its status code.
	// Only transport failures and oversized bodies are returned as errors.
	Do(req *http.Request) (*Response, error)
}

// DefaultClient is the default HTTP client implementation
type DefaultClient struct {
	client  *http.Client
	timeout time.Duration
}

// NewDefaultClient creates a new default HTTP client with the specified timeout
// If timeout is 0, uses DefaultTimeout
func NewDefaultClient(timeout time.Duration) Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &DefaultClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// Get performs an HTTP GET request
func (c *DefaultClient) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, StatusError(resp, url)
	}
	return resp.Body, nil
}

// Do executes the request and reads the body with a size limit
func (c *DefaultClient) Do(req *http.Request) (*Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", versions.UserAgent())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes (%.2f MB)",
			resp.ContentLength, MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	// +1 to detect if limit exceeded
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes (%.2f MB)",
			MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// IsSuccess reports whether the response carries a 2xx status
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusError converts a response into an *HTTPError
func StatusError(resp *Response, url string) error {
	body := resp.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		URL:        url,
		Message:    http.StatusText(resp.StatusCode),
		Body:       body,
	}
}
