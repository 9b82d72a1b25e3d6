package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/apperr"
	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/conversation"
	"github.com/relaychat/relaychat-server/internal/httputil"
	"github.com/relaychat/relaychat-server/internal/message"
)

// ConversationHandler serves conversation listing, creation, settings, and deletion endpoints.
type ConversationHandler struct {
	conversations *conversation.Service
	messages      message.Repository
	log           zerolog.Logger
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(conversations *conversation.Service, messages message.Repository, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, messages: messages, log: logger}
}

func conversationResponse(conv *conversation.Conversation) fiber.Map {
	return fiber.Map{
		"id":              conv.ID,
		"kind":            conv.Kind,
		"name":            conv.Name,
		"description":     conv.Description,
		"isPublic":        conv.IsPublic,
		"maxParticipants": conv.MaxParticipants,
		"createdBy":       conv.CreatedBy,
		"createdAt":       conv.CreatedAt,
		"updatedAt":       conv.UpdatedAt,
	}
}

// List handles GET /conversations, optionally filtered by ?type=DIRECT|GROUP.
func (h *ConversationHandler) List(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.FailErr(c, apperr.New(apperr.AuthenticationFailed, "missing user identity"))
	}

	kind := conversation.Kind(c.Query("type"))
	convs, err := h.conversations.ListForUser(c, userID, kind)
	if err != nil {
		return h.mapError(c, err)
	}

	out := make([]fiber.Map, 0, len(convs))
	for i := range convs {
		out = append(out, conversationResponse(&convs[i]))
	}
	return httputil.Success(c, out)
}

// CreateDirect handles POST /conversations/direct/:otherUserId. It is idempotent: re-requesting the same pair
// returns the existing conversation.
func (h *ConversationHandler) CreateDirect(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.FailErr(c, apperr.New(apperr.AuthenticationFailed, "missing user identity"))
	}

	other, err := uuid.Parse(c.Params("otherUserId"))
	if err != nil {
		return httputil.FailErr(c, apperr.New(apperr.Validation, "invalid user id"))
	}

	conv, err := h.conversations.CreateDirect(c, userID, other)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, conversationResponse(conv))
}

type createGroupRequest struct {
	Name            string      `json:"name"`
	Description     string      `json:"description"`
	IsPublic        bool        `json:"isPublic"`
	MaxParticipants int         `json:"maxParticipants"`
	ParticipantIDs  []uuid.UUID `json:"participantIds"`
}

// CreateGroup handles POST /conversations/group.
func (h *ConversationHandler) CreateGroup(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.FailErr(c, apperr.New(apperr.AuthenticationFailed, "missing user identity"))
	}

	var body createGroupRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.FailErr(c, apperr.New(apperr.Validation, "invalid request body"))
	}

	conv, err := h.conversations.CreateGroup(c, userID, conversation.GroupSpec{
		Name:            body.Name,
		Description:     body.Description,
		IsPublic:        body.IsPublic,
		MaxParticipants: body.MaxParticipants,
		ParticipantIDs:  body.ParticipantIDs,
	})
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, conversationResponse(conv))
}

type updateSettingsRequest struct {
	Name            *string `json:"name"`
	Description     *string `json:"description"`
	IsPublic        *bool   `json:"isPublic"`
	MaxParticipants *int    `json:"maxParticipants"`
}

// UpdateSettings handles PATCH /conversations/:id.
func (h *ConversationHandler) UpdateSettings(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.FailErr(c, apperr.New(apperr.AuthenticationFailed, "missing user identity"))
	}

	var body updateSettingsRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.FailErr(c, apperr.New(apperr.Validation, "invalid request body"))
	}

	conv, err := h.conversations.UpdateGroupSettings(c, userID, c.Params("id"), conversation.SettingsUpdate{
		Name:            body.Name,
		Description:     body.Description,
		IsPublic:        body.IsPublic,
		MaxParticipants: body.MaxParticipants,
	})
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, conversationResponse(conv))
}

// Delete handles DELETE /conversations/:id. Deletes the conversation immediately: its messages, its participant rows
// and the conversation row itself.
func (h *ConversationHandler) Delete(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.FailErr(c, apperr.New(apperr.AuthenticationFailed, "missing user identity"))
	}

	if err := h.conversations.DeleteConversation(c, userID, c.Params("id"), h.messages); err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"message": "conversation deleted"})
}

// mapError converts conversation-layer sentinels to *apperr.Error and fails the request.
func (h *ConversationHandler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return httputil.FailErr(c, apperr.New(apperr.NotFound, "conversation not found"))
	case errors.Is(err, conversation.ErrParticipantNotFound):
		return httputil.FailErr(c, apperr.New(apperr.NotFound, "participant not found"))
	case errors.Is(err, conversation.ErrUnknownParticipant):
		return httputil.FailErr(c, apperr.New(apperr.Validation, "one or more participants do not exist"))
	case errors.Is(err, conversation.ErrOperationNotAllowed):
		return httputil.FailErr(c, apperr.New(apperr.Validation, err.Error()))
	case errors.Is(err, conversation.ErrMaxParticipants):
		return httputil.FailErr(c, apperr.New(apperr.Validation, err.Error()))
	case errors.Is(err, conversation.ErrInvalidName):
		return httputil.FailErr(c, apperr.New(apperr.Validation, err.Error()))
	case errors.Is(err, conversation.ErrInvalidMaxParticipant):
		return httputil.FailErr(c, apperr.New(apperr.Validation, err.Error()))
	case errors.Is(err, conversation.ErrNotOwner):
		return httputil.FailErr(c, apperr.New(apperr.Authorization, err.Error()))
	case errors.Is(err, conversation.ErrNoAccess):
		return httputil.FailErr(c, apperr.New(apperr.Authorization, err.Error()))
	default:
		h.log.Error().Err(err).Str("handler", "conversation").Msg("unhandled conversation service error")
		return httputil.FailErr(c, apperr.Wrap(apperr.Transient, "an internal error occurred", err))
	}
}
