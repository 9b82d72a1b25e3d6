package auth

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/relaychat/relaychat-server/internal/apperr"
	"github.com/relaychat/relaychat-server/internal/httputil"
)

// userIDLocal is the Locals key RequireAuth stores the authenticated user id under.
const userIDLocal = "userID"

// RequireAuth returns Fiber middleware that validates a JWT Bearer token from the Authorization header and stores
// the user id in c.Locals(userIDLocal). Token validation runs before routing, per spec §6.
func RequireAuth(tokens *TokenService) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.FailErr(c, apperr.New(apperr.AuthenticationFailed, "missing or malformed authorization header"))
		}
		tokenStr := header[len(prefix):]

		status, err := tokens.Validate(c, tokenStr)
		if err != nil && !errors.Is(err, ErrBlocklistUnavailable) {
			return httputil.FailErr(c, apperr.Wrap(apperr.Transient, "token validation unavailable", err))
		}
		if status != Active {
			return httputil.FailErr(c, apperr.New(apperr.AuthenticationFailed, "invalid, expired, or revoked token"))
		}

		claims, err := tokens.Parse(tokenStr)
		if err != nil {
			return httputil.FailErr(c, apperr.New(apperr.AuthenticationFailed, "invalid token"))
		}

		c.Locals(userIDLocal, claims.UserID)
		return c.Next()
	}
}

// UserIDFromContext returns the authenticated user id stashed by RequireAuth.
func UserIDFromContext(c fiber.Ctx) (uuid.UUID, bool) {
	id, ok := c.Locals(userIDLocal).(uuid.UUID)
	return id, ok
}
