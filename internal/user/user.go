// Package user implements the User half of the Credential Store Adapter (C1): identity, authentication principal,
// and profile fields, persisted in PostgreSQL.
package user

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the user package.
var (
	ErrNotFound         = errors.New("user not found")
	ErrEmailTaken       = errors.New("email already taken")
	ErrUsernameTaken    = errors.New("username already taken")
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrUsernameLength   = errors.New("username must be between 3 and 32 characters")
	ErrUsernameCharset  = errors.New("username may only contain letters, digits, underscores, and hyphens")
	ErrDisplayNameEmpty = errors.New("display name must not be empty")
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// User is the identity and authentication principal (spec data model §3). Username is unique and case-sensitive;
// Email is unique and stored normalized to lowercase.
type User struct {
	ID           uuid.UUID
	Username     string
	Email        string
	PasswordHash string
	DisplayName  string
	AvatarRef    string
	CreatedAt    time.Time
	LastSeenAt   time.Time
	Online       bool
}

// CreateParams groups the inputs to Register.
type CreateParams struct {
	Username     string
	Email        string
	PasswordHash string
	DisplayName  string
}

// UpdateParams groups the optional profile fields an update may change. Nil fields are left unchanged.
type UpdateParams struct {
	DisplayName *string
	AvatarRef   *string
}

// NormalizeEmail lowercases and trims an email address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail reports whether email (after normalization) is a syntactically valid address.
func ValidateEmail(email string) error {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") || strings.Contains(email, " ") {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateUsername checks length and charset constraints on a candidate username.
func ValidateUsername(username string) error {
	if n := utf8.RuneCountInString(username); n < 3 || n > 32 {
		return ErrUsernameLength
	}
	if !usernamePattern.MatchString(username) {
		return ErrUsernameCharset
	}
	return nil
}

// ValidatePassword checks the minimum length invariant shared by register, reset, and change-password.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	return nil
}

// Repository defines the data-access contract for the User half of the Credential Store Adapter.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	ExistsAll(ctx context.Context, ids []uuid.UUID) (bool, error)
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	UpdateProfile(ctx context.Context, id uuid.UUID, params UpdateParams) (*User, error)
	SetOnline(ctx context.Context, id uuid.UUID, online bool) error
	Touch(ctx context.Context, id uuid.UUID) error
}
