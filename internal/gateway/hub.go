// Package gateway implements the Connection Manager and Realtime Gateway (C9/C10): WebSocket connection registry,
// cross-instance event bus, and the ingress/egress frame protocol clients speak.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/conversation"
	"github.com/relaychat/relaychat-server/internal/config"
	"github.com/relaychat/relaychat-server/internal/message"
	"github.com/relaychat/relaychat-server/internal/pipeline"
	"github.com/relaychat/relaychat-server/internal/presence"
	"github.com/relaychat/relaychat-server/internal/receipt"
	"github.com/relaychat/relaychat-server/internal/user"
)

// AccessChecker is the slice of the Conversation Service the Hub needs to authorize an inbound chat or receipt
// frame.
type AccessChecker interface {
	HasAccess(ctx context.Context, conversationID string, userID uuid.UUID) (bool, error)
}

// ParticipantLister is the slice of the Conversation Service the Hub needs to resolve distribution targets for an
// event read off the pub/sub bus.
type ParticipantLister interface {
	ActiveParticipants(ctx context.Context, conversationID string) ([]conversation.Participant, error)
}

// UserLookup is the slice of the User repository the Hub needs to stamp a sender's display name onto an outgoing
// chat message.
type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*user.User, error)
}

// Hub is the central local WebSocket connection registry and cross-instance event distributor. One Hub runs per
// server instance; Hub.Run subscribes to the shared event bus and forwards events to this instance's locally
// connected clients, filtered to the event's conversation participants (never an instance-wide broadcast).
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[string]*Client // userID -> connectionID -> Client, multiple devices per user

	cfg          *config.Config
	instanceID   string
	rdb          *redis.Client
	connmgr      *ConnectionManager
	presence     *presence.Store
	publisher    *Publisher
	tokens       *auth.TokenService
	users        UserLookup
	conversations AccessChecker
	participants ParticipantLister
	receipts     *receipt.Service
	pipeline     *pipeline.Pipeline
	log          zerolog.Logger
}

// New builds a Hub. instanceID identifies this process in the server:sessions:<instanceId> key family.
func New(
	cfg *config.Config,
	instanceID string,
	rdb *redis.Client,
	connmgr *ConnectionManager,
	presenceStore *presence.Store,
	publisher *Publisher,
	tokens *auth.TokenService,
	users UserLookup,
	conversations AccessChecker,
	participants ParticipantLister,
	receipts *receipt.Service,
	pipe *pipeline.Pipeline,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		clients:       make(map[uuid.UUID]map[string]*Client),
		cfg:           cfg,
		instanceID:    instanceID,
		rdb:           rdb,
		connmgr:       connmgr,
		presence:      presenceStore,
		publisher:     publisher,
		tokens:        tokens,
		users:         users,
		conversations: conversations,
		participants:  participants,
		receipts:      receipts,
		pipeline:      pipe,
		log:           logger.With().Str("component", "gateway").Logger(),
	}
}

// Authenticate validates a bearer token presented at upgrade time (query param or Authorization header) and returns
// the authenticated user id. It is pure with respect to the WebSocket connection, so it can be exercised without a
// real socket.
func (h *Hub) Authenticate(ctx context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, ErrNotAuthenticated
	}

	status, err := h.tokens.Validate(ctx, token)
	if err != nil && !errors.Is(err, auth.ErrBlocklistUnavailable) {
		return uuid.Nil, err
	}
	if status != auth.Active {
		return uuid.Nil, ErrAuthenticationFailed
	}

	claims, err := h.tokens.Parse(token)
	if err != nil {
		return uuid.Nil, ErrAuthenticationFailed
	}

	if _, err := h.users.GetByID(ctx, claims.UserID); err != nil {
		return uuid.Nil, ErrAuthenticationFailed
	}
	return claims.UserID, nil
}

// ServeWebSocket takes over an already-upgraded, already-authenticated connection: it sends the Hello frame,
// registers the client, and runs its read/write pumps until the connection closes.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, userID uuid.UUID) {
	client := newClient(h, conn, userID, h.log)

	hello, err := NewHelloFrame(int(h.cfg.GatewayHeartbeatInterval / time.Millisecond))
	if err != nil {
		h.log.Error().Err(err).Msg("build hello frame")
		_ = conn.Close()
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		h.log.Debug().Err(err).Msg("send hello frame")
		_ = conn.Close()
		return
	}

	if err := h.register(client); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("register client")
		client.closeWithCode(CloseUnknownError, "registration failed")
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}

// register adds client to the local registry and writes its Connection Manager ephemeral keys.
func (h *Hub) register(client *Client) error {
	h.mu.Lock()
	if h.totalClientsLocked() >= h.cfg.GatewayMaxConnections {
		h.mu.Unlock()
		return ErrMaxConnections
	}
	byUser, ok := h.clients[client.userID]
	if !ok {
		byUser = make(map[string]*Client)
		h.clients[client.userID] = byUser
	}
	byUser[client.connectionID] = client
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.connmgr.register(ctx, client.userID, h.instanceID, client.connectionID)
}

// unregister removes client from the local registry and tears down its Connection Manager ephemeral keys. Unlike a
// resume-oriented gateway, this is immediate: no delayed reconnect-grace check, just the 1-minute offline presence
// grace TTL the Connection Manager already applies.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	byUser, ok := h.clients[client.userID]
	if ok {
		delete(byUser, client.connectionID)
		if len(byUser) == 0 {
			delete(h.clients, client.userID)
		}
	}
	h.mu.Unlock()

	client.closeSend()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.connmgr.unregister(ctx, client.userID, h.instanceID, client.connectionID); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", client.userID).Msg("unregister client")
	}
}

func (h *Hub) totalClientsLocked() int {
	n := 0
	for _, byUser := range h.clients {
		n += len(byUser)
	}
	return n
}

// handleChatMessage authorizes and submits an inbound chat frame to the Message Pipeline.
func (h *Hub) handleChatMessage(ctx context.Context, client *Client, payload ChatMessagePayload) error {
	ok, err := h.conversations.HasAccess(ctx, payload.ConversationID, client.userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no access to conversation %s", payload.ConversationID)
	}

	displayName := ""
	if u, err := h.users.GetByID(ctx, client.userID); err == nil {
		displayName = u.DisplayName
	}

	_, err = h.pipeline.Submit(ctx, pipeline.Draft{
		ConversationID:    payload.ConversationID,
		SenderID:          client.userID,
		SenderDisplayName: displayName,
		Content:           payload.Content,
		Type:              message.TypeText,
	})
	return err
}

// handleReceiptUpdate authorizes and applies an inbound receipt frame, then broadcasts the transition.
func (h *Hub) handleReceiptUpdate(ctx context.Context, client *Client, payload ReceiptUpdatePayload) error {
	messageID, err := uuid.Parse(payload.MessageID)
	if err != nil {
		return fmt.Errorf("invalid message_id: %w", err)
	}

	switch receipt.Kind(payload.Kind) {
	case receipt.ReadKind:
		err = h.receipts.MarkRead(ctx, payload.ConversationID, messageID, client.userID)
	default:
		err = h.receipts.MarkDelivered(ctx, payload.ConversationID, messageID, client.userID)
	}
	if err != nil {
		return err
	}

	if h.publisher != nil {
		h.publisher.PublishReceiptUpdate(ctx, payload.ConversationID, payload.MessageID, client.userID.String(), payload.Kind)
	}
	return nil
}

// Run subscribes to the gateway's cross-instance event bus and forwards each event to this instance's locally
// connected clients, filtered to the event's conversation participants. It blocks until ctx is cancelled or the
// subscription closes.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, eventsChannel)
	defer func() { _ = sub.Close() }()

	h.log.Info().Msg("gateway hub subscribed to event bus")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.handleBusEvent(ctx, msg.Payload)
		}
	}
}

func (h *Hub) handleBusEvent(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.log.Warn().Err(err).Msg("invalid gateway event envelope")
		return
	}

	participants, err := h.participants.ActiveParticipants(ctx, env.ConversationID)
	if err != nil {
		h.log.Warn().Err(err).Str("conversation_id", env.ConversationID).Msg("list participants for dispatch")
		return
	}

	frame, err := NewDispatchFrame(env.Type, env.Data)
	if err != nil {
		h.log.Warn().Err(err).Msg("build dispatch frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, participant := range participants {
		byUser, ok := h.clients[participant.UserID]
		if !ok {
			continue
		}
		for _, client := range byUser {
			client.enqueue(frame)
		}
	}
}
