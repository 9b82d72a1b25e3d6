// Package presence provides ephemeral online/offline presence backed by Valkey/Redis, part of the Connection
// Manager's ephemeral key set (user:presence:<uid>). Online presence is refreshed on every heartbeat; when a
// connection closes, presence is set to offline with a short grace TTL rather than deleted outright, so a client
// reconnecting within the grace window is not flapped visibly offline-then-online.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// OnlineTTL bounds how long a presence key survives without a refreshing heartbeat (spec: ≤5 minutes).
	OnlineTTL = 5 * time.Minute

	// OfflineGraceTTL is how long the offline marker set on disconnect is retained before the key disappears
	// entirely (spec: 1-minute grace TTL on unregister).
	OfflineGraceTTL = time.Minute

	// StatusOnline indicates the user has at least one live gateway connection.
	StatusOnline = "online"
	// StatusOffline indicates the user's most recent connection closed within the grace window.
	StatusOffline = "offline"
)

// Store reads and writes ephemeral presence state in Valkey.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a new presence store backed by the given Valkey client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// SetOnline marks the user online with the standard TTL. Called on connection register; heartbeats use Refresh.
func (s *Store) SetOnline(ctx context.Context, userID uuid.UUID) error {
	if err := s.rdb.Set(ctx, presenceKey(userID), StatusOnline, OnlineTTL).Err(); err != nil {
		return fmt.Errorf("set presence online for %s: %w", userID, err)
	}
	return nil
}

// SetOffline marks the user offline with a short grace TTL. Called on connection unregister.
func (s *Store) SetOffline(ctx context.Context, userID uuid.UUID) error {
	if err := s.rdb.Set(ctx, presenceKey(userID), StatusOffline, OfflineGraceTTL).Err(); err != nil {
		return fmt.Errorf("set presence offline for %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's current presence status. If the key does not exist the user is considered offline (the key
// has expired past even its grace window, or was never set).
func (s *Store) Get(ctx context.Context, userID uuid.UUID) (string, error) {
	val, err := s.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("get presence for %s: %w", userID, err)
	}
	return val, nil
}

// Refresh extends the TTL of an existing online presence key without changing the stored status. Called on heartbeat
// so a connected client's presence never lapses while traffic is flowing.
func (s *Store) Refresh(ctx context.Context, userID uuid.UUID) error {
	if err := s.rdb.Expire(ctx, presenceKey(userID), OnlineTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence for %s: %w", userID, err)
	}
	return nil
}

func presenceKey(userID uuid.UUID) string {
	return "user:presence:" + userID.String()
}
