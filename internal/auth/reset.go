package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const resetTokenBytes = 32

func resetTokenKey(token string) string {
	return "password-reset:" + token
}

func resetRateKey(email string) string {
	return "password-reset-rate:" + email
}

// generateResetToken returns a random, URL-safe token with 256 bits of entropy.
func generateResetToken() (string, error) {
	b := make([]byte, resetTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// checkResetRateLimit increments the per-email counter and reports whether the caller is within limit. The counter's
// TTL is only set on the first increment of a window so it expires exactly `window` after the first request in it.
func checkResetRateLimit(ctx context.Context, rdb *redis.Client, email string, limit int, window time.Duration) (bool, error) {
	key := resetRateKey(email)
	count, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("increment reset rate counter: %w", err)
	}
	if count == 1 {
		if err := rdb.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("set reset rate counter expiry: %w", err)
		}
	}
	return int(count) <= limit, nil
}

// storeResetToken records token as a single-use reset credential for userID.
func storeResetToken(ctx context.Context, rdb *redis.Client, token string, userID uuid.UUID, ttl time.Duration) error {
	if err := rdb.Set(ctx, resetTokenKey(token), userID.String(), ttl).Err(); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}
	return nil
}

// consumeResetToken atomically fetches and deletes token, so a second presentation of the same token always fails
// even if the two requests race.
func consumeResetToken(ctx context.Context, rdb *redis.Client, token string) (uuid.UUID, error) {
	val, err := rdb.GetDel(ctx, resetTokenKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, ErrResetTokenInvalid
		}
		return uuid.Nil, fmt.Errorf("consume reset token: %w", err)
	}
	userID, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse reset token subject: %w", err)
	}
	return userID, nil
}
