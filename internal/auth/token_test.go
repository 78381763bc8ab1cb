package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a TokenStore connected to a local Redis instance and
// flushes leftover token keys before returning. Tests that call this helper
// require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *TokenStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, TokenPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewTokenStore(client)
}

func TestIssueAndResolve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token, err := store.Issue(ctx, "alice", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if token == "" {
		t.Fatal("Issue() returned empty token")
	}

	userID, err := store.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if userID != "alice" {
		t.Errorf("Resolve() = %q, want %q", userID, "alice")
	}
}

func TestIssue_EmptyUserID(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Issue(context.Background(), "", time.Minute); err == nil {
		t.Error("expected error for empty user ID")
	}
}

func TestIssue_DistinctTokens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t1, err := store.Issue(ctx, "alice", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	t2, err := store.Issue(ctx, "alice", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if t1 == t2 {
		t.Error("two issued tokens are identical")
	}

	// Both must resolve independently to the same user.
	for _, tok := range []string{t1, t2} {
		userID, err := store.Resolve(ctx, tok)
		if err != nil {
			t.Fatalf("Resolve(%q) error: %v", tok[:8], err)
		}
		if userID != "alice" {
			t.Errorf("Resolve(%q) = %q, want %q", tok[:8], userID, "alice")
		}
	}
}

func TestResolve_UnknownToken(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Resolve(context.Background(), "deadbeef")
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestResolve_EmptyToken(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Resolve(context.Background(), "")
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token, err := store.Issue(ctx, "bob", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	if err := store.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}

	if _, err := store.Resolve(ctx, token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid after revoke, got %v", err)
	}

	// Revoking again is a no-op.
	if err := store.Revoke(ctx, token); err != nil {
		t.Errorf("Revoke() of revoked token: %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token, err := store.Issue(ctx, "carol", time.Second)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	if _, err := store.Resolve(ctx, token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid after expiry, got %v", err)
	}
}
