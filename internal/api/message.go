package api

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/apperr"
	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/httputil"
	"github.com/relaychat/relaychat-server/internal/message"
)

// AccessChecker is the slice of the Conversation Service the Message handler needs to authorize a history read.
type AccessChecker interface {
	HasAccess(ctx context.Context, conversationID string, userID uuid.UUID) (bool, error)
}

// MessageHandler serves conversation message history. Message creation has no REST endpoint: it is realtime-gateway
// only, per the chat frame protocol.
type MessageHandler struct {
	conversations AccessChecker
	messages      message.Repository
	log           zerolog.Logger
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(conversations AccessChecker, messages message.Repository, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{conversations: conversations, messages: messages, log: logger}
}

func messageResponse(m *message.Message) fiber.Map {
	return fiber.Map{
		"id":                m.ID,
		"conversationId":    m.ConversationID,
		"senderId":          m.SenderID,
		"senderDisplayName": m.SenderDisplayName,
		"content":           m.Content,
		"type":              m.Type,
		"timestamp":         m.Timestamp,
		"status":            m.AggregateStatus(),
	}
}

// List handles GET /conversations/:id/messages, paging backwards from the optional ?since= message id cursor.
func (h *MessageHandler) List(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.FailErr(c, apperr.New(apperr.AuthenticationFailed, "missing user identity"))
	}

	conversationID := c.Params("id")
	allowed, err := h.conversations.HasAccess(c, conversationID, userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "message").Msg("has access check failed")
		return httputil.FailErr(c, apperr.Wrap(apperr.Transient, "an internal error occurred", err))
	}
	if !allowed {
		return httputil.FailErr(c, apperr.New(apperr.Authorization, "no access to this conversation"))
	}

	var before *uuid.UUID
	if raw := c.Query("since"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return httputil.FailErr(c, apperr.New(apperr.Validation, "invalid since cursor"))
		}
		before = &id
	}

	limit := message.ClampLimit(queryInt(c, "limit", 0))

	messages, err := h.messages.List(c, conversationID, before, limit)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			return httputil.FailErr(c, apperr.New(apperr.NotFound, "conversation not found"))
		}
		h.log.Error().Err(err).Str("handler", "message").Msg("list messages failed")
		return httputil.FailErr(c, apperr.Wrap(apperr.Transient, "an internal error occurred", err))
	}

	out := make([]fiber.Map, 0, len(messages))
	for i := range messages {
		out = append(out, messageResponse(&messages[i]))
	}
	return httputil.Success(c, out)
}

// queryInt parses a query parameter as an integer, returning fallback if absent or malformed.
func queryInt(c fiber.Ctx, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
