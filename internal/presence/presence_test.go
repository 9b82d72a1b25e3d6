package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestSetOnlineAndGet(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := NewStore(rdb)
	ctx := context.Background()
	userID := uuid.New()

	if err := store.SetOnline(ctx, userID); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}

	got, err := store.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != StatusOnline {
		t.Errorf("Get() = %q, want %q", got, StatusOnline)
	}
}

func TestGet_UnsetIsOffline(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := NewStore(rdb)

	got, err := store.Get(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != StatusOffline {
		t.Errorf("Get() = %q, want %q", got, StatusOffline)
	}
}

func TestSetOffline_GraceTTL(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	store := NewStore(rdb)
	ctx := context.Background()
	userID := uuid.New()

	if err := store.SetOffline(ctx, userID); err != nil {
		t.Fatalf("SetOffline() error = %v", err)
	}

	got, err := store.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != StatusOffline {
		t.Errorf("Get() = %q, want %q", got, StatusOffline)
	}

	mr.FastForward(OfflineGraceTTL + time.Second)

	got, err = store.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() after expiry error = %v", err)
	}
	if got != StatusOffline {
		t.Errorf("Get() after expiry = %q, want %q", got, StatusOffline)
	}
}

func TestRefresh_ExtendsTTL(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	store := NewStore(rdb)
	ctx := context.Background()
	userID := uuid.New()

	if err := store.SetOnline(ctx, userID); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}
	mr.FastForward(OnlineTTL - time.Second)

	if err := store.Refresh(ctx, userID); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	mr.FastForward(OnlineTTL - time.Second)

	got, err := store.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != StatusOnline {
		t.Errorf("Get() after refresh = %q, want %q", got, StatusOnline)
	}
}
