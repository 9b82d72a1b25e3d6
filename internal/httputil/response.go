// Package httputil holds the REST boundary's shared response envelope, error-kind-to-status mapping, and request
// logging middleware.
package httputil

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/relaychat/relaychat-server/internal/apperr"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorBody holds structured error details.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// statusForKind maps an apperr.Kind to the HTTP status the REST boundary responds with. Never leaks internal state:
// the message passed alongside is always the caller-facing apperr.Error.Message, never err.Error()'s full chain.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.AuthenticationFailed:
		return fiber.StatusUnauthorized
	case apperr.Authorization:
		return fiber.StatusForbidden
	case apperr.Validation:
		return fiber.StatusBadRequest
	case apperr.NotFound:
		return fiber.StatusNotFound
	case apperr.Conflict:
		return fiber.StatusConflict
	case apperr.RateLimited:
		return fiber.StatusTooManyRequests
	case apperr.Transient:
		return fiber.StatusServiceUnavailable
	case apperr.Overloaded:
		return fiber.StatusTooManyRequests
	default:
		return fiber.StatusInternalServerError
	}
}

// FailErr maps err to a response using its apperr.Kind when present, or a generic 500 when it carries none. This is
// the single place REST handlers translate core-layer errors into HTTP responses (spec §7's propagation policy):
// the message sent to the client is always apperr.Error.Message, never err.Error()'s full wrapped chain.
func FailErr(c fiber.Ctx, err error) error {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		return Fail(c, fiber.StatusInternalServerError, apperr.Unknown.String(), "An internal error occurred")
	}
	return Fail(c, statusForKind(ae.Kind), ae.Kind.String(), ae.Message)
}
