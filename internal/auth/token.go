// Package auth resolves opaque bearer tokens to durable user identities.
// Tokens are issued by the login flow and stored in Redis as simple
// key-value pairs with TTL-based expiry:
//
//	Key:   auth:token:<token>
//	Value: <user_id>
//	TTL:   token lifetime
//
// The relay trusts the resolved user ID without re-validating credentials;
// credential checking belongs to the external identity system.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// TokenPrefix is the Redis key prefix for token records.
	TokenPrefix = "auth:token:"

	// TokenTTL is the default token lifetime.
	TokenTTL = 24 * time.Hour

	// tokenBytes is the entropy of an issued token (hex-encoded on the wire).
	tokenBytes = 32
)

// ErrTokenInvalid is returned by Resolve for unknown or expired tokens.
var ErrTokenInvalid = errors.New("auth: invalid or expired token")

// TokenStore issues and resolves bearer tokens in Redis.
type TokenStore struct {
	client *redis.Client
}

// NewTokenStore creates a token store using the provided Redis client.
func NewTokenStore(client *redis.Client) *TokenStore {
	return &TokenStore{client: client}
}

// Issue creates a fresh token for userID with the given lifetime
// (TokenTTL if ttl <= 0) and returns it.
func (s *TokenStore) Issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("auth: empty user id")
	}
	if ttl <= 0 {
		ttl = TokenTTL
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := s.client.Set(ctx, TokenPrefix+token, userID, ttl).Err(); err != nil {
		return "", fmt.Errorf("auth: store token: %w", err)
	}
	return token, nil
}

// Resolve returns the user ID a token was issued for, or ErrTokenInvalid if
// the token is unknown or expired.
func (s *TokenStore) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrTokenInvalid
	}

	userID, err := s.client.Get(ctx, TokenPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenInvalid
	}
	if err != nil {
		return "", fmt.Errorf("auth: resolve token: %w", err)
	}
	return userID, nil
}

// Revoke invalidates a token immediately. Revoking an unknown token is a
// no-op.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	return s.client.Del(ctx, TokenPrefix+token).Err()
}
