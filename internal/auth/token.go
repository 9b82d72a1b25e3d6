// Package auth implements the Token Service (C4) and the Auth Service (C5): bearer token mint/parse/validate with
// blocklist-backed revocation, and register/login/logout/password-change/password-reset orchestration.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Status is the outcome of Validate.
type Status int

const (
	Invalid Status = iota
	Active
	Expired
	Revoked
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Expired:
		return "expired"
	case Revoked:
		return "revoked"
	default:
		return "invalid"
	}
}

// Claims holds the JWT claims a token carries: subject (username), jti, issuer, and audience, checked by Validate.
type Claims struct {
	jwt.RegisteredClaims
	UserID uuid.UUID `json:"uid"`
}

// TokenService mints and validates bearer tokens, consulting a Blocklist for revocation.
type TokenService struct {
	secret           string
	issuer           string
	audience         string
	ttl              time.Duration
	allowLegacyClaims bool
	blocklist        *Blocklist
}

// NewTokenService constructs a Token Service. blocklist may be nil only in tests that do not exercise revocation;
// production callers must always supply one so Validate can enforce Revoked.
func NewTokenService(secret, issuer, audience string, ttl time.Duration, allowLegacyClaims bool, blocklist *Blocklist) *TokenService {
	return &TokenService{secret: secret, issuer: issuer, audience: audience, ttl: ttl, allowLegacyClaims: allowLegacyClaims, blocklist: blocklist}
}

// Mint signs a new token for userID/username, embedding a fresh jti.
func (s *TokenService) Mint(userID uuid.UUID, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		UserID: userID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and decodes claims without checking expiry, issuer/audience, or the blocklist. Use
// Validate for the full check; Parse alone is useful when a caller needs claims from an expired token (e.g. logout).
func (s *TokenService) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.secret), nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// ExtractID returns the jti of an already-validated token's claims.
func ExtractID(claims *Claims) string {
	return claims.ID
}

// Validate runs the full check: signature, expiry, issuer/audience (legacy mode allows missing ones, but still
// rejects a present issuer or audience that does not match; it logs nothing), and blocklist membership. If the blocklist store is unreachable, Validate fails open — treats the token as Active if
// otherwise well-formed and non-expired — and returns ErrBlocklistUnavailable so the caller can emit a metric; this
// favors availability over revocation recency.
func (s *TokenService) Validate(ctx context.Context, tokenStr string) (Status, error) {
	claims := &Claims{}
	var opts []jwt.ParserOption
	if !s.allowLegacyClaims {
		opts = append(opts, jwt.WithIssuer(s.issuer), jwt.WithAudience(s.audience))
	}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Expired, nil
		}
		return Invalid, nil
	}
	if !token.Valid {
		return Invalid, nil
	}
	if s.allowLegacyClaims {
		// Legacy mode only tolerates absent issuer/audience claims; a present one must still match.
		if claims.Issuer != "" && claims.Issuer != s.issuer {
			return Invalid, nil
		}
		if len(claims.Audience) > 0 && !slices.Contains(claims.Audience, s.audience) {
			return Invalid, nil
		}
	}

	if s.blocklist == nil {
		return Active, nil
	}

	revoked, err := s.blocklist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Active, ErrBlocklistUnavailable
	}
	if revoked {
		return Revoked, nil
	}
	return Active, nil
}

// Revoke adds the token's jti to the blocklist, with a TTL equal to its remaining lifetime. Tokens that are already
// expired are not stored, since they can never pass Validate's expiry check regardless of blocklist membership.
func (s *TokenService) Revoke(ctx context.Context, tokenStr string) error {
	claims, err := s.Parse(tokenStr)
	if err != nil {
		return err
	}
	if claims.ExpiresAt != nil {
		remaining := time.Until(claims.ExpiresAt.Time)
		if remaining <= 0 {
			return nil
		}
		return s.blocklist.Revoke(ctx, claims.ID, remaining)
	}
	return s.blocklist.Revoke(ctx, claims.ID, s.ttl)
}

