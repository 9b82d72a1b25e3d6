package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/user"
)

// Sender sends transactional emails such as password-reset messages. Implementations must be safe for concurrent
// use. It may be nil when SMTP is not configured, in which case reset emails are silently skipped (still logged in
// development mode so the flow is testable without a mail server).
type Sender interface {
	SendPasswordReset(ctx context.Context, to, token, serverURL, serverName string) error
}

// Params groups the configuration the Auth Service needs, read once at construction time.
type Params struct {
	Argon2Memory      uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8
	Argon2SaltLength  uint32
	Argon2KeyLength   uint32

	ResetTokenTTL   time.Duration
	ResetRateWindow time.Duration
	ResetRateLimit  int

	ServerURL       string
	ServerName      string
	IsDevelopment   bool
}

// Service implements register/login/logout/getUserFromToken/changePassword/requestPasswordReset/resetPassword (spec
// §4.2), orchestrating the User repository, the Token Service, and the ephemeral store.
type Service struct {
	users   user.Repository
	tokens  *TokenService
	rdb     *redis.Client
	params  Params
	sender  Sender
	log     zerolog.Logger
	// dummyHash is a precomputed Argon2id hash used to keep login timing constant when a user is not found,
	// preventing email enumeration via response-time analysis.
	dummyHash string
}

// NewService constructs the Auth Service. It returns an error if the Argon2id configuration is invalid, since
// password hashing is load-bearing for every operation below.
func NewService(users user.Repository, tokens *TokenService, rdb *redis.Client, params Params, sender Sender, logger zerolog.Logger) (*Service, error) {
	dummy, err := HashPassword("relaychat-dummy-password", params.Argon2Memory, params.Argon2Iterations, params.Argon2Parallelism, params.Argon2SaltLength, params.Argon2KeyLength)
	if err != nil {
		return nil, fmt.Errorf("generate dummy hash: %w", err)
	}
	return &Service{users: users, tokens: tokens, rdb: rdb, params: params, sender: sender, log: logger, dummyHash: dummy}, nil
}

// AuthResult is the output of Register and Login.
type AuthResult struct {
	User  *user.User
	Token string
}

// Register validates inputs, creates the user, mints a token, and marks the account online.
func (s *Service) Register(ctx context.Context, username, email, displayName, password string) (*AuthResult, error) {
	if err := user.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := user.ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := user.ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password, s.params.Argon2Memory, s.params.Argon2Iterations, s.params.Argon2Parallelism, s.params.Argon2SaltLength, s.params.Argon2KeyLength)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u, err := s.users.Create(ctx, user.CreateParams{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		DisplayName:  displayName,
	})
	if err != nil {
		switch {
		case errors.Is(err, user.ErrUsernameTaken):
			return nil, ErrUsernameTaken
		case errors.Is(err, user.ErrEmailTaken):
			return nil, ErrEmailTaken
		default:
			return nil, fmt.Errorf("create user: %w", err)
		}
	}

	if err := s.users.SetOnline(ctx, u.ID, true); err != nil {
		s.log.Warn().Err(err).Str("user_id", u.ID.String()).Msg("Failed to mark user online after register")
	}
	if err := s.users.Touch(ctx, u.ID); err != nil {
		s.log.Warn().Err(err).Str("user_id", u.ID.String()).Msg("Failed to touch last-seen after register")
	}

	token, err := s.tokens.Mint(u.ID, u.Username)
	if err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}

	s.log.Debug().Str("user_id", u.ID.String()).Msg("User registered")
	u.Online = true
	return &AuthResult{User: u, Token: token}, nil
}

// Login verifies credentials, mints a token, and marks the account online.
func (s *Service) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	if err := user.ValidateEmail(email); err != nil {
		return nil, ErrInvalidCredentials
	}

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			// Hash against a dummy value so the response takes the same time whether or not the account exists.
			_, _ = VerifyPassword(password, s.dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}

	match, err := VerifyPassword(password, u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return nil, ErrInvalidCredentials
	}

	if NeedsRehash(u.PasswordHash, s.params.Argon2Memory, s.params.Argon2Iterations, s.params.Argon2Parallelism, s.params.Argon2SaltLength, s.params.Argon2KeyLength) {
		if newHash, hashErr := HashPassword(password, s.params.Argon2Memory, s.params.Argon2Iterations, s.params.Argon2Parallelism, s.params.Argon2SaltLength, s.params.Argon2KeyLength); hashErr == nil {
			if updateErr := s.users.UpdatePasswordHash(ctx, u.ID, newHash); updateErr != nil {
				s.log.Warn().Err(updateErr).Str("user_id", u.ID.String()).Msg("Failed to rotate password hash")
			}
		}
	}

	if err := s.users.SetOnline(ctx, u.ID, true); err != nil {
		s.log.Warn().Err(err).Str("user_id", u.ID.String()).Msg("Failed to mark user online after login")
	}
	if err := s.users.Touch(ctx, u.ID); err != nil {
		s.log.Warn().Err(err).Str("user_id", u.ID.String()).Msg("Failed to touch last-seen after login")
	}

	token, err := s.tokens.Mint(u.ID, u.Username)
	if err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}

	s.log.Debug().Str("user_id", u.ID.String()).Msg("User logged in")
	u.Online = true
	return &AuthResult{User: u, Token: token}, nil
}

// Logout revokes the presented token and marks the account offline. An invalid token still returns nil: logout never
// reveals whether a token was well-formed, to avoid giving an enumeration oracle to a caller probing tokens.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil
	}
	if err := s.tokens.Revoke(ctx, token); err != nil {
		s.log.Warn().Err(err).Str("jti", claims.ID).Msg("Failed to revoke token on logout")
	}
	if err := s.users.SetOnline(ctx, claims.UserID, false); err != nil {
		s.log.Warn().Err(err).Str("user_id", claims.UserID.String()).Msg("Failed to mark user offline on logout")
	}
	return nil
}

// GetUserFromToken validates token and returns the user it identifies.
func (s *Service) GetUserFromToken(ctx context.Context, token string) (*user.User, error) {
	status, err := s.tokens.Validate(ctx, token)
	if err != nil && !errors.Is(err, ErrBlocklistUnavailable) {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if status != Active {
		return nil, fmt.Errorf("token is %s", status)
	}

	claims, parseErr := s.tokens.Parse(token)
	if parseErr != nil {
		return nil, parseErr
	}
	u, getErr := s.users.GetByID(ctx, claims.UserID)
	if getErr != nil {
		return nil, fmt.Errorf("get user from token: %w", getErr)
	}
	return u, nil
}

// ChangePassword verifies the current password and replaces it with newPassword.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, currentPassword, newPassword string) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	match, err := VerifyPassword(currentPassword, u.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify current password: %w", err)
	}
	if !match {
		return ErrInvalidCredentials
	}
	if err := user.ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword, s.params.Argon2Memory, s.params.Argon2Iterations, s.params.Argon2Parallelism, s.params.Argon2SaltLength, s.params.Argon2KeyLength)
	if err != nil {
		return fmt.Errorf("hash new password: %w", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return nil
}

// RequestPasswordReset rate-limits, generates, and emails a single-use password-reset token for email. It never
// reveals whether the account exists in its result: a lookup miss returns nil exactly as a successful send would,
// after consuming the same rate-limit slot. A miss returns before the token is stored and the email is sent, so its
// latency is not equalized with a hit.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = user.NormalizeEmail(email)

	withinLimit, err := checkResetRateLimit(ctx, s.rdb, email, s.params.ResetRateLimit, s.params.ResetRateWindow)
	if err != nil {
		return fmt.Errorf("check reset rate limit: %w", err)
	}
	if !withinLimit {
		return ErrResetRateLimited
	}

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("get user by email: %w", err)
	}

	token, err := generateResetToken()
	if err != nil {
		return err
	}
	if err := storeResetToken(ctx, s.rdb, token, u.ID, s.params.ResetTokenTTL); err != nil {
		return err
	}

	if s.params.IsDevelopment {
		s.log.Info().Str("user_id", u.ID.String()).Str("token", token).Msg("Password reset token (dev mode)")
	}

	if s.sender != nil {
		if err := s.sender.SendPasswordReset(ctx, u.Email, token, s.params.ServerURL, s.params.ServerName); err != nil {
			s.log.Error().Err(err).Str("user_id", u.ID.String()).Msg("Failed to send password reset email")
		}
	}

	return nil
}

// ResetPassword consumes a password-reset token and sets a new password. The token is deleted on first use whether
// or not the rest of the operation succeeds, so a failed reset cannot be retried with the same token.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	userID, err := consumeResetToken(ctx, s.rdb, token)
	if err != nil {
		return err
	}
	if err := user.ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword, s.params.Argon2Memory, s.params.Argon2Iterations, s.params.Argon2Parallelism, s.params.Argon2SaltLength, s.params.Argon2KeyLength)
	if err != nil {
		return fmt.Errorf("hash new password: %w", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	s.log.Debug().Str("user_id", userID.String()).Msg("Password reset")
	return nil
}
