package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/config"
	"github.com/relaychat/relaychat-server/internal/conversation"
	"github.com/relaychat/relaychat-server/internal/gateway"
	"github.com/relaychat/relaychat-server/internal/message"
	"github.com/relaychat/relaychat-server/internal/pipeline"
	"github.com/relaychat/relaychat-server/internal/presence"
	"github.com/relaychat/relaychat-server/internal/receipt"
	"github.com/relaychat/relaychat-server/internal/user"
)

type fakeGatewayUsers struct{}

func (fakeGatewayUsers) GetByID(_ context.Context, id uuid.UUID) (*user.User, error) {
	return &user.User{ID: id, DisplayName: "Tester"}, nil
}

type fakeGatewayAccess struct{}

func (fakeGatewayAccess) HasAccess(_ context.Context, _ string, _ uuid.UUID) (bool, error) {
	return true, nil
}

func (fakeGatewayAccess) ActiveParticipants(_ context.Context, _ string) ([]conversation.Participant, error) {
	return nil, nil
}

type fakeGatewayMessages struct{}

func (fakeGatewayMessages) Create(_ context.Context, _ message.CreateParams) (*message.Message, error) {
	return nil, nil
}
func (fakeGatewayMessages) GetByID(_ context.Context, _ string, _ uuid.UUID) (*message.Message, error) {
	return nil, message.ErrNotFound
}
func (fakeGatewayMessages) List(_ context.Context, _ string, _ *uuid.UUID, _ int) ([]message.Message, error) {
	return nil, nil
}
func (fakeGatewayMessages) MarkDelivered(_ context.Context, _ string, _, _ uuid.UUID, _ time.Time) error {
	return nil
}
func (fakeGatewayMessages) MarkRead(_ context.Context, _ string, _, _ uuid.UUID, _ time.Time) error {
	return nil
}
func (fakeGatewayMessages) SoftDelete(_ context.Context, _ string, _ uuid.UUID) error { return nil }
func (fakeGatewayMessages) DeleteConversationMessages(_ context.Context, _ string) error {
	return nil
}
func (fakeGatewayMessages) DeleteOrphanedMessages(_ context.Context, _ []string) (int64, error) {
	return 0, nil
}
func (fakeGatewayMessages) SearchText(_ context.Context, _, _ string, _ int) ([]message.Message, error) {
	return nil, nil
}
func (fakeGatewayMessages) SearchRegex(_ context.Context, _, _ string, _ int) ([]message.Message, error) {
	return nil, nil
}
func (fakeGatewayMessages) Window(_ context.Context, _ string, _ time.Time, _ time.Duration) ([]message.Message, error) {
	return nil, nil
}

// testGatewayHandler builds a GatewayHandler backed by a real Hub wired to in-memory fakes and a miniredis-backed
// Valkey client, mirroring the gateway package's own hub_test.go construction.
func testGatewayHandler(t *testing.T) (*GatewayHandler, *auth.TokenService) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		GatewayHeartbeatInterval:    30 * time.Second,
		GatewayConnectionBindingTTL: 24 * time.Hour,
		GatewayMaxConnections:       10,
		RateLimitWSCount:            30,
		RateLimitWSWindowSeconds:    10,
	}

	tokens := auth.NewTokenService("a-test-secret-at-least-32-bytes-long", "relaychat", "relaychat-clients", time.Hour, false, nil)

	presenceStore := presence.NewStore(rdb)
	connmgr := gateway.NewConnectionManager(rdb, presenceStore, cfg.GatewayConnectionBindingTTL)
	publisher := gateway.NewPublisher(rdb, zerolog.Nop())
	access := fakeGatewayAccess{}
	msgs := fakeGatewayMessages{}
	receipts := receipt.NewService(msgs, access, zerolog.Nop())
	pipe := pipeline.New(0, msgs, access, publisher, zerolog.Nop())

	hub := gateway.New(cfg, "instance-test", rdb, connmgr, presenceStore, publisher, tokens,
		fakeGatewayUsers{}, access, access, receipts, pipe, zerolog.Nop())

	return NewGatewayHandler(hub, zerolog.Nop()), tokens
}

func TestUpgrade_RejectsMissingToken(t *testing.T) {
	t.Parallel()
	handler, _ := testGatewayHandler(t)

	app := fiber.New()
	app.Get("/gateway", handler.Upgrade)

	req := httptest.NewRequest(http.MethodGet, "/gateway", nil)
	resp := doReq(t, app, req)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
}

func TestUpgrade_RejectsNonWebSocketWithValidToken(t *testing.T) {
	t.Parallel()
	handler, tokens := testGatewayHandler(t)

	app := fiber.New()
	app.Get("/gateway", handler.Upgrade)

	token, err := tokens.Mint(uuid.New(), "tester")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/gateway?token="+token, nil)
	resp := doReq(t, app, req)
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUpgradeRequired)
	}
}
