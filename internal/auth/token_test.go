package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
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

func newTestTokenService(t *testing.T) (*TokenService, *miniredis.Miniredis) {
	t.Helper()
	mr, rdb := newTestRedis(t)
	bl := NewBlocklist(rdb)
	return NewTokenService("a-test-secret-thats-long-enough", "relaychat", "relaychat-clients", time.Hour, false, bl), mr
}

func TestMintAndValidate_Active(t *testing.T) {
	t.Parallel()
	svc, _ := newTestTokenService(t)
	userID := uuid.New()

	token, err := svc.Mint(userID, "alice")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	status, err := svc.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if status != Active {
		t.Errorf("Validate() = %v, want Active", status)
	}
}

func TestValidate_Expired(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	bl := NewBlocklist(rdb)
	svc := NewTokenService("a-test-secret-thats-long-enough", "relaychat", "relaychat-clients", time.Second, false, bl)

	token, err := svc.Mint(uuid.New(), "alice")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	// Token expiry is checked against the wall clock, so real time has to pass; miniredis time is irrelevant here.
	time.Sleep(2 * time.Second)

	status, err := svc.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if status != Expired {
		t.Errorf("Validate() = %v, want Expired", status)
	}
}

func TestValidate_RevokedAfterRevoke(t *testing.T) {
	t.Parallel()
	svc, _ := newTestTokenService(t)

	token, err := svc.Mint(uuid.New(), "alice")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if err := svc.Revoke(context.Background(), token); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	status, err := svc.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if status != Revoked {
		t.Errorf("Validate() = %v, want Revoked", status)
	}
}

func TestValidate_InvalidSignature(t *testing.T) {
	t.Parallel()
	svc, _ := newTestTokenService(t)
	other := NewTokenService("a-different-secret-thats-long-too", "relaychat", "relaychat-clients", time.Hour, false, nil)

	token, err := other.Mint(uuid.New(), "alice")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	status, err := svc.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if status != Invalid {
		t.Errorf("Validate() = %v, want Invalid", status)
	}
}

func TestValidate_FailsOpenWhenBlocklistUnavailable(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	bl := NewBlocklist(rdb)
	svc := NewTokenService("a-test-secret-thats-long-enough", "relaychat", "relaychat-clients", time.Hour, false, bl)

	token, err := svc.Mint(uuid.New(), "alice")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	mr.Close()

	status, err := svc.Validate(context.Background(), token)
	if err != ErrBlocklistUnavailable {
		t.Errorf("Validate() error = %v, want ErrBlocklistUnavailable", err)
	}
	if status != Active {
		t.Errorf("Validate() = %v, want Active (fail open)", status)
	}
}

func TestValidate_LegacyModeAllowsMissingAudience(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	bl := NewBlocklist(rdb)
	strict := NewTokenService("shared-secret-thats-long-enough1", "relaychat", "relaychat-clients", time.Hour, false, bl)
	legacy := NewTokenService("shared-secret-thats-long-enough1", "relaychat", "relaychat-clients", time.Hour, true, bl)

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "relaychat",
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		UserID: uuid.New(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("shared-secret-thats-long-enough1"))
	if err != nil {
		t.Fatalf("signing token without audience: %v", err)
	}

	if status, _ := strict.Validate(context.Background(), token); status != Invalid {
		t.Errorf("Validate() without legacy mode = %v, want Invalid", status)
	}

	status, err := legacy.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if status != Active {
		t.Errorf("Validate() with legacy mode = %v, want Active", status)
	}
}
