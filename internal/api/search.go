package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/apperr"
	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/httputil"
	"github.com/relaychat/relaychat-server/internal/search"
)

// SearchHandler serves per-conversation message search.
type SearchHandler struct {
	service *search.Service
	log     zerolog.Logger
}

// NewSearchHandler builds a SearchHandler.
func NewSearchHandler(service *search.Service, logger zerolog.Logger) *SearchHandler {
	return &SearchHandler{service: service, log: logger}
}

// Search handles GET /conversations/:id/search.
func (h *SearchHandler) Search(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.FailErr(c, apperr.New(apperr.AuthenticationFailed, "missing user identity"))
	}

	opts := search.Options{}
	if raw := c.Query("sender"); raw != "" {
		opts.SenderSubstring = raw
	}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return httputil.FailErr(c, apperr.New(apperr.Validation, "invalid from date, expected RFC3339"))
		}
		opts.From = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return httputil.FailErr(c, apperr.New(apperr.Validation, "invalid to date, expected RFC3339"))
		}
		opts.To = &t
	}
	page, _ := strconv.Atoi(c.Query("page"))
	perPage, _ := strconv.Atoi(c.Query("limit"))
	opts.Page, opts.PerPage = page, perPage

	result, err := h.service.Search(c, c.Params("id"), userID, c.Query("q"), opts)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, result)
}

// Context handles GET /conversations/:id/messages/:messageId/context, returning messages around a target message.
func (h *SearchHandler) Context(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.FailErr(c, apperr.New(apperr.AuthenticationFailed, "missing user identity"))
	}

	messageID, err := uuid.Parse(c.Params("messageId"))
	if err != nil {
		return httputil.FailErr(c, apperr.New(apperr.Validation, "invalid message id"))
	}

	n, _ := strconv.Atoi(c.Query("n"))
	messages, err := h.service.Context(c, c.Params("id"), messageID, userID, n)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, messages)
}

func (h *SearchHandler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, search.ErrSearchUnavailable):
		return httputil.FailErr(c, apperr.New(apperr.Transient, "search is temporarily unavailable"))
	default:
		h.log.Error().Err(err).Str("handler", "search").Msg("unhandled search service error")
		return httputil.FailErr(c, apperr.Wrap(apperr.Transient, "an internal error occurred", err))
	}
}
