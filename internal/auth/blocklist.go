package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func blocklistKey(jti string) string {
	return "jwt:blacklist:" + jti
}

// Blocklist is the ephemeral-store-backed revocation list keyed by jti (spec §6 key `jwt:blacklist:<jti>`).
type Blocklist struct {
	rdb *redis.Client
}

// NewBlocklist wraps a Valkey/Redis client as a token blocklist.
func NewBlocklist(rdb *redis.Client) *Blocklist {
	return &Blocklist{rdb: rdb}
}

// Revoke marks jti as revoked until ttl elapses.
func (b *Blocklist) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := b.rdb.Set(ctx, blocklistKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether jti is on the blocklist. Callers must treat a non-nil error as "unknown", not "not
// revoked" — the Token Service's fail-open policy is applied by the caller, not here.
func (b *Blocklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := b.rdb.Exists(ctx, blocklistKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("check blocklist: %w", err)
	}
	return n > 0, nil
}
