package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relaychat/relaychat-server/internal/presence"
)

// ConnectionManager owns the Connection Manager's ephemeral key families that are not presence: the
// user:server:<userId> instance binding and the server:sessions:<instanceId> membership set. Presence
// (user:presence:<uid>) is delegated to presence.Store rather than duplicated here.
type ConnectionManager struct {
	rdb        *redis.Client
	presence   *presence.Store
	bindingTTL time.Duration
}

// NewConnectionManager builds a ConnectionManager backed by rdb, reusing presenceStore for online/offline state.
func NewConnectionManager(rdb *redis.Client, presenceStore *presence.Store, bindingTTL time.Duration) *ConnectionManager {
	return &ConnectionManager{rdb: rdb, presence: presenceStore, bindingTTL: bindingTTL}
}

// register writes the instance binding, adds connectionID to the instance's session set, and marks the user online.
// Called once per successfully authenticated connection.
func (m *ConnectionManager) register(ctx context.Context, userID uuid.UUID, instanceID, connectionID string) error {
	if err := m.rdb.Set(ctx, userServerKey(userID), instanceID, m.bindingTTL).Err(); err != nil {
		return fmt.Errorf("bind user %s to instance %s: %w", userID, instanceID, err)
	}
	if err := m.rdb.SAdd(ctx, instanceSessionsKey(instanceID), connectionID).Err(); err != nil {
		return fmt.Errorf("add connection %s to instance %s: %w", connectionID, instanceID, err)
	}
	if err := m.presence.SetOnline(ctx, userID); err != nil {
		return err
	}
	return nil
}

// unregister removes connectionID from the instance's session set, deletes the instance binding, and sets the
// user's presence to offline with a short grace TTL rather than deleting it outright.
func (m *ConnectionManager) unregister(ctx context.Context, userID uuid.UUID, instanceID, connectionID string) error {
	if err := m.rdb.SRem(ctx, instanceSessionsKey(instanceID), connectionID).Err(); err != nil {
		return fmt.Errorf("remove connection %s from instance %s: %w", connectionID, instanceID, err)
	}
	if err := m.rdb.Del(ctx, userServerKey(userID)).Err(); err != nil {
		return fmt.Errorf("unbind user %s from instance %s: %w", userID, instanceID, err)
	}
	return m.presence.SetOffline(ctx, userID)
}

func userServerKey(userID uuid.UUID) string {
	return "user:server:" + userID.String()
}

func instanceSessionsKey(instanceID string) string {
	return "server:sessions:" + instanceID
}
