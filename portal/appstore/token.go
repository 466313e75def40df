package appstore

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Token is a bearer credential for the cluster API with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenSource produces a fresh bearer token. Implementations may read a
// projected service account token file, call a metadata endpoint, etc.
type TokenSource func(ctx context.Context) (Token, error)

// refreshMargin refreshes tokens slightly before they expire so in-flight
// requests never carry a token that dies mid-request.
const refreshMargin = time.Minute

// TokenCache is a process-wide cache for the cluster bearer token. It is an
// explicit injected object with a swappable clock, not ambient state, so
// tests can drive expiry deterministically.
type TokenCache struct {
	mu      sync.Mutex
	source  TokenSource
	now     func() time.Time
	current Token
}

func NewTokenCache(source TokenSource, now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{source: source, now: now}
}

// Token returns the cached bearer token, refreshing from the source when the
// cached one is missing or inside the refresh margin of its expiry.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current.Value != "" && c.now().Add(refreshMargin).Before(c.current.ExpiresAt) {
		return c.current.Value, nil
	}

	token, err := c.source(ctx)
	if err != nil {
		return "", fmt.Errorf("error refreshing cluster token: %w", err)
	}
	c.current = token

	return token.Value, nil
}

// FileTokenSource reads a (periodically rotated) token file, treating the
// content as valid for ttl from the moment it is read.
func FileTokenSource(path string, ttl time.Duration, now func() time.Time) TokenSource {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (Token, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return Token{}, fmt.Errorf("error reading cluster token file %v: %w", path, err)
		}
		return Token{Value: strings.TrimSpace(string(data)), ExpiresAt: now().Add(ttl)}, nil
	}
}

// StaticTokenSource wraps a fixed token that never expires, for dev setups
// where the cluster credential is passed directly through the environment.
func StaticTokenSource(token string) TokenSource {
	return func(ctx context.Context) (Token, error) {
		return Token{Value: token, ExpiresAt: time.Now().Add(24 * 365 * time.Hour)}, nil
	}
}

type bearerTransport struct {
	cache *TokenCache
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.cache.Token(req.Context())
	if err != nil {
		return nil, err
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(clone)
}

// WrapTransport returns a client-go transport wrapper that injects the cached
// bearer token into every cluster API request.
func (c *TokenCache) WrapTransport(base http.RoundTripper) http.RoundTripper {
	return &bearerTransport{cache: c, base: base}
}
