// Package syncerr defines the error taxonomy used to turn per-item failures into ledger transitions.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/Father1993/PIM-Image-Management/internal/httpclient"
)

// Kind classifies a failure by how the scheduler must react to it
type Kind int

const (
	// KindUnknown is an unclassified failure; it is treated as retryable
	KindUnknown Kind = iota
	// KindTransientNetwork covers timeouts, resets and DNS failures
	KindTransientNetwork
	// KindAuthExpired is a 401 that survived one token refresh
	KindAuthExpired
	// KindClient is a 4xx response other than 401
	KindClient
	// KindServer is a 5xx response
	KindServer
	// KindData is a malformed or unexpected response payload
	KindData
	// KindConfiguration aborts the whole run
	KindConfiguration
)

// String returns the name of the kind
func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindAuthExpired:
		return "auth_expired"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	case KindData:
		return "data"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may succeed on another attempt
func (k Kind) Retryable() bool {
	switch k {
	case KindClient, KindData, KindConfiguration:
		return false
	default:
		return true
	}
}

// Error is a classified failure of one operation
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

// Error returns the error message
func (e *Error) Error() string {
	msg := e.Op
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: HTTP %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s (%s)", msg, e.Kind)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error with a formatted cause
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// FromStatus creates a classified error for an HTTP status code
func FromStatus(op string, statusCode int, err error) *Error {
	return &Error{Kind: KindFromStatus(statusCode), Op: op, StatusCode: statusCode, Err: err}
}

// Configf creates a configuration error, which aborts the run
func Configf(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Op: "configuration", Err: fmt.Errorf(format, args...)}
}

// KindFromStatus maps an HTTP status code to a Kind.
// Every 4xx other than 401 is a client error, 429 included.
func KindFromStatus(statusCode int) Kind {
	switch {
	case statusCode == http.StatusUnauthorized:
		return KindAuthExpired
	case statusCode >= 500:
		return KindServer
	case statusCode >= 400:
		return KindClient
	case statusCode >= 200 && statusCode < 300:
		return KindData
	default:
		return KindUnknown
	}
}

// Classify returns the Kind of err, inspecting wrapped errors
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var syncErr *Error
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}

	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) {
		return KindFromStatus(httpErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransientNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}

	return KindUnknown
}

// Wrap classifies err and wraps it with op unless it is already classified
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var syncErr *Error
	if errors.As(err, &syncErr) {
		return err
	}
	kind := Classify(err)
	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) {
		return &Error{Kind: kind, Op: op, StatusCode: httpErr.StatusCode, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsRetryable reports whether err may succeed on another attempt
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// IsFatal reports whether err must abort the run
func IsFatal(err error) bool {
	return Classify(err) == KindConfiguration
}
