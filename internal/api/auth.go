package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/apperr"
	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/httputil"
	"github.com/relaychat/relaychat-server/internal/user"
)

// AuthHandler serves registration, session, and password-reset endpoints.
type AuthHandler struct {
	auth *auth.Service
	log  zerolog.Logger
}

// NewAuthHandler builds an AuthHandler backed by authService.
func NewAuthHandler(authService *auth.Service, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{auth: authService, log: logger}
}

type registerRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func userResponse(u *user.User) fiber.Map {
	return fiber.Map{
		"id":          u.ID,
		"username":    u.Username,
		"email":       u.Email,
		"displayName": u.DisplayName,
		"avatarRef":   u.AvatarRef,
		"online":      u.Online,
	}
}

func authResultResponse(result *auth.AuthResult) fiber.Map {
	return fiber.Map{
		"user":  userResponse(result.User),
		"token": result.Token,
	}
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(c fiber.Ctx) error {
	var body registerRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.Validation.String(), "invalid request body")
	}

	result, err := h.auth.Register(c, body.Username, body.Email, body.DisplayName, body.Password)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, authResultResponse(result))
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	var body loginRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.Validation.String(), "invalid request body")
	}

	result, err := h.auth.Login(c, body.Email, body.Password)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, authResultResponse(result))
}

// Logout handles POST /auth/logout. The bearer token was already validated by RequireAuth; this re-reads it from the
// header to hand the raw string to Service.Logout, which revokes it by jti.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	token := bearerToken(c)
	if err := h.auth.Logout(c, token); err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"message": "logged out"})
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(c fiber.Ctx) error {
	token := bearerToken(c)
	u, err := h.auth.GetUserFromToken(c, token)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, userResponse(u))
}

// ForgotPassword handles POST /auth/forgot-password. Always responds 200 regardless of whether the account exists,
// per spec: the response must not leak account existence.
func (h *AuthHandler) ForgotPassword(c fiber.Ctx) error {
	var body forgotPasswordRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.Validation.String(), "invalid request body")
	}

	if err := h.auth.RequestPasswordReset(c, body.Email); err != nil && !errors.Is(err, auth.ErrResetRateLimited) {
		h.log.Error().Err(err).Msg("request password reset failed")
	}
	return httputil.Success(c, fiber.Map{"message": "if an account exists for that email, a reset link has been sent"})
}

// ResetPassword handles POST /auth/reset-password.
func (h *AuthHandler) ResetPassword(c fiber.Ctx) error {
	var body resetPasswordRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.Validation.String(), "invalid request body")
	}

	if err := h.auth.ResetPassword(c, body.Token, body.NewPassword); err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"message": "password reset"})
}

// bearerToken extracts the raw token from an already-validated Authorization header.
func bearerToken(c fiber.Ctx) string {
	const prefix = "Bearer "
	header := c.Get("Authorization")
	if len(header) <= len(prefix) {
		return ""
	}
	return header[len(prefix):]
}

// mapError converts auth-layer sentinels to *apperr.Error and fails the request. RateLimited is deliberately never
// surfaced here: RequestPasswordReset's caller already swallows it instead of calling this.
func (h *AuthHandler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return httputil.FailErr(c, apperr.New(apperr.AuthenticationFailed, "invalid email or password"))
	case errors.Is(err, auth.ErrUsernameTaken):
		return httputil.FailErr(c, apperr.New(apperr.Conflict, "username already taken"))
	case errors.Is(err, auth.ErrEmailTaken):
		return httputil.FailErr(c, apperr.New(apperr.Conflict, "email already taken"))
	case errors.Is(err, auth.ErrResetTokenInvalid):
		return httputil.FailErr(c, apperr.New(apperr.Validation, "reset token is invalid or already used"))
	case errors.Is(err, user.ErrInvalidEmail):
		return httputil.FailErr(c, apperr.New(apperr.Validation, err.Error()))
	case errors.Is(err, user.ErrUsernameLength), errors.Is(err, user.ErrUsernameCharset):
		return httputil.FailErr(c, apperr.New(apperr.Validation, err.Error()))
	case errors.Is(err, user.ErrPasswordTooShort):
		return httputil.FailErr(c, apperr.New(apperr.Validation, err.Error()))
	case errors.Is(err, user.ErrNotFound):
		return httputil.FailErr(c, apperr.New(apperr.AuthenticationFailed, "invalid or expired token"))
	default:
		h.log.Error().Err(err).Str("handler", "auth").Msg("unhandled auth service error")
		return httputil.FailErr(c, apperr.Wrap(apperr.Transient, "an internal error occurred", err))
	}
}
