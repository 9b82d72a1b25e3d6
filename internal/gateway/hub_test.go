package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/config"
	"github.com/relaychat/relaychat-server/internal/conversation"
	"github.com/relaychat/relaychat-server/internal/message"
	"github.com/relaychat/relaychat-server/internal/pipeline"
	"github.com/relaychat/relaychat-server/internal/presence"
	"github.com/relaychat/relaychat-server/internal/receipt"
	"github.com/relaychat/relaychat-server/internal/user"
)

type fakeUsers struct {
	byID map[uuid.UUID]*user.User
}

func (f *fakeUsers) GetByID(ctx context.Context, id uuid.UUID) (*user.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return u, nil
}

type fakeConversations struct {
	participants map[string][]conversation.Participant
}

func (f *fakeConversations) HasAccess(ctx context.Context, conversationID string, userID uuid.UUID) (bool, error) {
	for _, p := range f.participants[conversationID] {
		if p.UserID == userID && p.Active {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeConversations) ActiveParticipants(ctx context.Context, conversationID string) ([]conversation.Participant, error) {
	return f.participants[conversationID], nil
}

// fakeMessages is a minimal in-memory message.Repository, reused across the gateway's receipt/pipeline wiring tests.
type fakeMessages struct {
	byConv map[string][]message.Message
}

func newFakeMessages() *fakeMessages { return &fakeMessages{byConv: map[string][]message.Message{}} }

func (f *fakeMessages) put(conversationID string, senderID uuid.UUID, recipients []uuid.UUID) uuid.UUID {
	m := message.Message{
		ID: uuid.New(), ConversationID: conversationID, SenderID: senderID, Content: "hi",
		Type: message.TypeText, Timestamp: time.Now().UTC(), RecipientsAtSend: recipients,
		DeliveredTo: map[uuid.UUID]time.Time{}, ReadBy: map[uuid.UUID]time.Time{},
	}
	f.byConv[conversationID] = append(f.byConv[conversationID], m)
	return m.ID
}

func (f *fakeMessages) find(conversationID string, id uuid.UUID) *message.Message {
	for i, m := range f.byConv[conversationID] {
		if m.ID == id {
			return &f.byConv[conversationID][i]
		}
	}
	return nil
}

func (f *fakeMessages) Create(ctx context.Context, params message.CreateParams) (*message.Message, error) {
	id := f.put(params.ConversationID, params.SenderID, params.RecipientsAtSend)
	return f.find(params.ConversationID, id), nil
}
func (f *fakeMessages) GetByID(ctx context.Context, conversationID string, id uuid.UUID) (*message.Message, error) {
	m := f.find(conversationID, id)
	if m == nil {
		return nil, message.ErrNotFound
	}
	cp := *m
	return &cp, nil
}
func (f *fakeMessages) List(ctx context.Context, conversationID string, before *uuid.UUID, limit int) ([]message.Message, error) {
	return f.byConv[conversationID], nil
}
func (f *fakeMessages) MarkDelivered(ctx context.Context, conversationID string, id, userID uuid.UUID, at time.Time) error {
	m := f.find(conversationID, id)
	if m == nil {
		return message.ErrNotFound
	}
	m.DeliveredTo[userID] = at
	return nil
}
func (f *fakeMessages) MarkRead(ctx context.Context, conversationID string, id, userID uuid.UUID, at time.Time) error {
	m := f.find(conversationID, id)
	if m == nil {
		return message.ErrNotFound
	}
	m.ReadBy[userID] = at
	m.DeliveredTo[userID] = at
	return nil
}
func (f *fakeMessages) SoftDelete(ctx context.Context, conversationID string, id uuid.UUID) error { return nil }
func (f *fakeMessages) DeleteConversationMessages(ctx context.Context, conversationID string) error {
	return nil
}
func (f *fakeMessages) DeleteOrphanedMessages(ctx context.Context, activeConversationIDs []string) (int64, error) {
	return 0, nil
}
func (f *fakeMessages) SearchText(ctx context.Context, conversationID, query string, limit int) ([]message.Message, error) {
	return nil, nil
}
func (f *fakeMessages) SearchRegex(ctx context.Context, conversationID, pattern string, limit int) ([]message.Message, error) {
	return nil, nil
}
func (f *fakeMessages) Window(ctx context.Context, conversationID string, center time.Time, radius time.Duration) ([]message.Message, error) {
	return nil, nil
}

func newTestHub(t *testing.T) (*Hub, *fakeMessages, *fakeConversations, *redis.Client, uuid.UUID, uuid.UUID) {
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

	alice, bob := uuid.New(), uuid.New()
	users := &fakeUsers{byID: map[uuid.UUID]*user.User{
		alice: {ID: alice, DisplayName: "Alice"},
		bob:   {ID: bob, DisplayName: "Bob"},
	}}
	convs := &fakeConversations{participants: map[string][]conversation.Participant{
		"c1": {
			{ConversationID: "c1", UserID: alice, Active: true},
			{ConversationID: "c1", UserID: bob, Active: true},
		},
	}}

	presenceStore := presence.NewStore(rdb)
	connmgr := NewConnectionManager(rdb, presenceStore, cfg.GatewayConnectionBindingTTL)
	publisher := NewPublisher(rdb, zerolog.Nop())
	msgs := newFakeMessages()
	receipts := receipt.NewService(msgs, convs, zerolog.Nop())
	pipe := pipeline.New(0, msgs, convs, publisher, zerolog.Nop())

	hub := New(cfg, "instance-1", rdb, connmgr, presenceStore, publisher, tokens, users, convs, convs, receipts, pipe, zerolog.Nop())
	return hub, msgs, convs, rdb, alice, bob
}

func TestAuthenticate_ValidTokenReturnsUserID(t *testing.T) {
	ctx := context.Background()
	hub, _, _, _, alice, _ := newTestHub(t)

	token, err := hub.tokens.Mint(alice, "alice")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	got, err := hub.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got != alice {
		t.Errorf("Authenticate() = %v, want %v", got, alice)
	}
}

func TestAuthenticate_EmptyTokenRejected(t *testing.T) {
	ctx := context.Background()
	hub, _, _, _, _, _ := newTestHub(t)

	if _, err := hub.Authenticate(ctx, ""); err != ErrNotAuthenticated {
		t.Errorf("Authenticate() error = %v, want %v", err, ErrNotAuthenticated)
	}
}

func TestAuthenticate_UnknownUserRejected(t *testing.T) {
	ctx := context.Background()
	hub, _, _, _, _, _ := newTestHub(t)

	token, err := hub.tokens.Mint(uuid.New(), "ghost")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if _, err := hub.Authenticate(ctx, token); err != ErrAuthenticationFailed {
		t.Errorf("Authenticate() error = %v, want %v", err, ErrAuthenticationFailed)
	}
}

func TestHandleChatMessage_DeniedAccessIsRejected(t *testing.T) {
	ctx := context.Background()
	hub, msgs, _, _, _, _ := newTestHub(t)
	outsider := uuid.New()
	client := &Client{hub: hub, userID: outsider}

	err := hub.handleChatMessage(ctx, client, ChatMessagePayload{ConversationID: "c1", Content: "hi"})
	if err == nil {
		t.Fatal("handleChatMessage() expected error for non-participant, got nil")
	}
	if len(msgs.byConv["c1"]) != 0 {
		t.Error("handleChatMessage() persisted a message despite denied access")
	}
}

func TestHandleChatMessage_PersistsViaPipeline(t *testing.T) {
	ctx := context.Background()
	hub, msgs, _, _, alice, _ := newTestHub(t)
	client := &Client{hub: hub, userID: alice}

	if err := hub.handleChatMessage(ctx, client, ChatMessagePayload{ConversationID: "c1", Content: "hello"}); err != nil {
		t.Fatalf("handleChatMessage() error = %v", err)
	}
	if len(msgs.byConv["c1"]) != 1 {
		t.Fatalf("messages in c1 = %d, want 1", len(msgs.byConv["c1"]))
	}
	if msgs.byConv["c1"][0].Content != "hello" {
		t.Errorf("Content = %q, want %q", msgs.byConv["c1"][0].Content, "hello")
	}
}

func TestHandleReceiptUpdate_MarksRead(t *testing.T) {
	ctx := context.Background()
	hub, msgs, _, _, alice, bob := newTestHub(t)
	msgID := msgs.put("c1", bob, []uuid.UUID{alice})
	client := &Client{hub: hub, userID: alice}

	err := hub.handleReceiptUpdate(ctx, client, ReceiptUpdatePayload{
		ConversationID: "c1", MessageID: msgID.String(), Kind: string(receipt.ReadKind),
	})
	if err != nil {
		t.Fatalf("handleReceiptUpdate() error = %v", err)
	}
	if _, ok := msgs.find("c1", msgID).ReadBy[alice]; !ok {
		t.Error("handleReceiptUpdate() did not record the read receipt")
	}
}

func TestHandleBusEvent_ForwardsOnlyToConversationParticipants(t *testing.T) {
	ctx := context.Background()
	hub, _, _, _, alice, bob := newTestHub(t)
	outsider := uuid.New()

	aliceClient := &Client{hub: hub, userID: alice, connectionID: "a1", send: make(chan []byte, 4), done: make(chan struct{})}
	bobClient := &Client{hub: hub, userID: bob, connectionID: "b1", send: make(chan []byte, 4), done: make(chan struct{})}
	outsiderClient := &Client{hub: hub, userID: outsider, connectionID: "o1", send: make(chan []byte, 4), done: make(chan struct{})}
	hub.clients[alice] = map[string]*Client{"a1": aliceClient}
	hub.clients[bob] = map[string]*Client{"b1": bobClient}
	hub.clients[outsider] = map[string]*Client{"o1": outsiderClient}

	hub.handleBusEvent(ctx, `{"conversation_id":"c1","type":"MESSAGE_CREATE","data":{}}`)

	if len(aliceClient.send) != 1 {
		t.Error("participant alice did not receive the dispatch frame")
	}
	if len(bobClient.send) != 1 {
		t.Error("participant bob did not receive the dispatch frame")
	}
	if len(outsiderClient.send) != 0 {
		t.Error("non-participant outsider received a dispatch frame meant for c1")
	}
}

func TestRegisterUnregister_RoundTripsConnectionManagerState(t *testing.T) {
	hub, _, _, rdb, alice, _ := newTestHub(t)
	client := newClient(hub, nil, alice, zerolog.Nop())

	if err := hub.register(client); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if _, ok := hub.clients[alice][client.connectionID]; !ok {
		t.Fatal("register() did not add client to the local registry")
	}
	status, err := presence.NewStore(rdb).Get(context.Background(), alice)
	if err != nil {
		t.Fatalf("Get presence: %v", err)
	}
	if status != presence.StatusOnline {
		t.Errorf("presence after register = %q, want %q", status, presence.StatusOnline)
	}

	hub.unregister(client)
	if _, ok := hub.clients[alice]; ok {
		t.Error("unregister() left the user's client map behind")
	}
}
