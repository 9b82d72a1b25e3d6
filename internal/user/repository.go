package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/postgres"
)

const selectColumns = `id, username, email, password_hash, display_name, avatar_key, online, last_seen_at, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.DisplayName, &u.AvatarRef,
		&u.Online, &u.LastSeenAt, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new user row. Returns ErrUsernameTaken / ErrEmailTaken on the corresponding unique violation.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*User, error) {
	id := uuid.New()
	now := time.Now().UTC()

	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, display_name, created_at, updated_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6, $6)`,
		id, params.Username, NormalizeEmail(params.Email), params.PasswordHash, params.DisplayName, now,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			// The constraint name distinguishes which column collided; callers that need to differentiate should
			// look the user up by each candidate field. Here we re-check email first since register always supplies
			// both simultaneously and email collisions are the more common abuse pattern (credential stuffing).
			if existing, lookupErr := r.GetByEmail(ctx, params.Email); lookupErr == nil && existing != nil {
				return nil, ErrEmailTaken
			}
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return &User{
		ID: id, Username: params.Username, Email: NormalizeEmail(params.Email),
		PasswordHash: params.PasswordHash, DisplayName: params.DisplayName,
		CreatedAt: now, LastSeenAt: now,
	}, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *PGRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE email = $1`, NormalizeEmail(email))
	u, err := scanUser(row)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *PGRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE username = $1`, username)
	u, err := scanUser(row)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

// ExistsAll reports whether every id in ids refers to an existing user. Used by Conversation Service when creating a
// group to reject unknown participant ids in one round trip.
func (r *PGRepository) ExistsAll(ctx context.Context, ids []uuid.UUID) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	var count int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM users WHERE id = ANY($1)`, ids).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return count == len(ids), nil
}

func (r *PGRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET password_hash = $1, updated_at = now() WHERE id = $2`, hash, id)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) UpdateProfile(ctx context.Context, id uuid.UUID, params UpdateParams) (*User, error) {
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if params.DisplayName != nil {
			if _, err := tx.Exec(ctx, `UPDATE users SET display_name = $1, updated_at = now() WHERE id = $2`, *params.DisplayName, id); err != nil {
				return fmt.Errorf("update display name: %w", err)
			}
		}
		if params.AvatarRef != nil {
			if _, err := tx.Exec(ctx, `UPDATE users SET avatar_key = $1, updated_at = now() WHERE id = $2`, *params.AvatarRef, id); err != nil {
				return fmt.Errorf("update avatar: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// SetOnline updates the online flag, mirroring the ephemeral presence state into the durable profile so REST reads of
// a user's profile reflect the same online/offline state the gateway reports in real time.
func (r *PGRepository) SetOnline(ctx context.Context, id uuid.UUID, online bool) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET online = $1, last_seen_at = now() WHERE id = $2`, online, id)
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	return nil
}

// Touch updates last_seen_at to now, called on successful register/login per spec.
func (r *PGRepository) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET last_seen_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
