package pim

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Father1993/PIM-Image-Management/internal/telemetry"
)

// Token is a bearer token and the time it is assumed to expire
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// fresh reports whether the token can still be used at now, keeping skew in reserve
func (t *Token) fresh(now time.Time, skew time.Duration) bool {
	return t != nil && t.Value != "" && now.Add(skew).Before(t.ExpiresAt)
}

// SignInFunc obtains a new token value
type SignInFunc func(ctx context.Context) (string, error)

// TokenSource caches one token shared by every worker.
// Refreshes are keyed on the token being replaced, so concurrent callers that saw the same
// stale token trigger a single sign-in, and callers holding an already replaced token get
// the current one without signing in again.
type TokenSource struct {
	signIn  SignInFunc
	ttl     time.Duration
	skew    time.Duration
	now     func() time.Time
	metrics *telemetry.PipelineMetrics

	mu      sync.RWMutex
	current *Token

	group     singleflight.Group
	refreshes atomic.Int64
}

// NewTokenSource creates a token source
func NewTokenSource(signIn SignInFunc, ttl, skew time.Duration, metrics *telemetry.PipelineMetrics) *TokenSource {
	return &TokenSource{
		signIn:  signIn,
		ttl:     ttl,
		skew:    skew,
		now:     time.Now,
		metrics: metrics,
	}
}

// Token returns the cached token, refreshing it first when it is missing or about to expire
func (s *TokenSource) Token(ctx context.Context) (*Token, error) {
	s.mu.RLock()
	current := s.current
	s.mu.RUnlock()

	if current.fresh(s.now(), s.skew) {
		return current, nil
	}
	stale := ""
	if current != nil {
		stale = current.Value
	}
	return s.Refresh(ctx, stale)
}

// Refresh replaces the token stale. If stale was already replaced by a fresh token,
// that token is returned without signing in.
func (s *TokenSource) Refresh(ctx context.Context, stale string) (*Token, error) {
	if current := s.replacement(stale); current != nil {
		return current, nil
	}

	v, err, _ := s.group.Do(stale, func() (any, error) {
		return s.replace(ctx, stale)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

// replace signs in unless stale was replaced after the caller last looked.
// A flight for stale that finished between that look and group.Do is caught here.
func (s *TokenSource) replace(ctx context.Context, stale string) (*Token, error) {
	if current := s.replacement(stale); current != nil {
		return current, nil
	}

	// A caller giving up must not fail the sign-in the others are waiting on
	value, err := s.signIn(context.WithoutCancel(ctx))
	s.metrics.RecordTokenRefresh(ctx, err == nil)
	if err != nil {
		return nil, err
	}

	token := &Token{Value: value, ExpiresAt: s.now().Add(s.ttl)}
	s.mu.Lock()
	s.current = token
	s.mu.Unlock()

	n := s.refreshes.Add(1)
	slog.Info("Catalog token refreshed", "refreshes", n, "expires_at", token.ExpiresAt)
	return token, nil
}

// replacement returns the current token when it is fresh and is not stale
func (s *TokenSource) replacement(stale string) *Token {
	s.mu.RLock()
	current := s.current
	s.mu.RUnlock()
	if current != nil && current.Value != stale && current.fresh(s.now(), s.skew) {
		return current
	}
	return nil
}

// Refreshes returns how many sign-ins succeeded
func (s *TokenSource) Refreshes() int64 {
	return s.refreshes.Load()
}
