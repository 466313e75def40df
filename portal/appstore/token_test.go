package appstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTokenCacheRefreshesNearExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	calls := 0
	source := func(ctx context.Context) (Token, error) {
		calls++
		return Token{Value: fmt.Sprintf("token-%d", calls), ExpiresAt: now.Add(time.Hour)}, nil
	}

	cache := NewTokenCache(source, clock)

	token, err := cache.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "token-1" {
		t.Fatalf("unexpected token: %v", token)
	}

	// Well inside the lifetime the cached token is reused.
	now = now.Add(30 * time.Minute)
	token, err = cache.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "token-1" || calls != 1 {
		t.Fatalf("expected cached token, got %v after %d source calls", token, calls)
	}

	// Inside the refresh margin the source is consulted again.
	now = now.Add(30*time.Minute - 30*time.Second)
	token, err = cache.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "token-2" || calls != 2 {
		t.Fatalf("expected refreshed token, got %v after %d source calls", token, calls)
	}
}

func TestTokenCacheSourceError(t *testing.T) {
	boom := errors.New("metadata endpoint down")
	cache := NewTokenCache(func(ctx context.Context) (Token, error) {
		return Token{}, boom
	}, nil)

	if _, err := cache.Token(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
}

func TestFileTokenSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("abc123\n"), 0600); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	source := FileTokenSource(path, time.Hour, func() time.Time { return now })

	token, err := source(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token.Value != "abc123" {
		t.Fatalf("expected trimmed token, got %q", token.Value)
	}
	if !token.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry: %v", token.ExpiresAt)
	}

	if _, err := FileTokenSource(filepath.Join(t.TempDir(), "missing"), time.Hour, nil)(context.Background()); err == nil {
		t.Fatal("expected error for missing token file")
	}
}

func TestStaticTokenSource(t *testing.T) {
	token, err := StaticTokenSource("dev-token")(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token.Value != "dev-token" {
		t.Fatalf("unexpected token: %v", token.Value)
	}
	if token.ExpiresAt.Before(time.Now().Add(24 * time.Hour)) {
		t.Fatal("static token should not expire soon")
	}
}
