package auth

import "errors"

// Sentinel errors for the auth package.
var (
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrUsernameTaken        = errors.New("username already taken")
	ErrEmailTaken           = errors.New("email already taken")
	ErrBlocklistUnavailable = errors.New("token blocklist unavailable, validation failed open")
	ErrResetTokenInvalid    = errors.New("password reset token is invalid or already used")
	ErrResetRateLimited     = errors.New("too many password reset requests")
)
