package conversation

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

const selectColumns = `id, kind, name, description, is_public, max_participants, created_by, created_at, updated_at, deleted_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.Kind, &c.Name, &c.Description, &c.IsPublic, &c.MaxParticipants,
		&c.CreatedBy, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &c, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed conversation repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (*Conversation, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// CreateDirect creates the direct conversation between a and b if it does not already exist, using id as the
// canonical dm_<lo>_<hi> id. The returned bool reports whether a new row was inserted; false means the pair's
// conversation already existed and is returned unchanged, making this operation idempotent under concurrent calls.
func (r *PGRepository) CreateDirect(ctx context.Context, id string, a, b uuid.UUID) (*Conversation, bool, error) {
	var created bool
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM conversations WHERE id = $1`, id)
		if existing, err := scanConversation(row); err == nil {
			_ = existing
			return nil
		} else if !isNoRows(err) {
			return err
		}

		now := time.Now().UTC()
		_, err := tx.Exec(ctx,
			`INSERT INTO conversations (id, kind, name, description, is_public, max_participants, created_by, created_at, updated_at)
			 VALUES ($1, 'DIRECT', '', '', false, 2, $2, $3, $3)`, id, a, now)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return nil
			}
			return fmt.Errorf("insert direct conversation: %w", err)
		}
		created = true

		for _, uid := range []uuid.UUID{a, b} {
			if _, err := tx.Exec(ctx,
				`INSERT INTO conversation_participants (conversation_id, user_id, role, active, joined_at) VALUES ($1, $2, 'MEMBER', true, $3)`,
				id, uid, now); err != nil {
				return fmt.Errorf("insert direct participant: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	conv, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

// CreateGroup creates a new group conversation owned by creator, with creator and every id in spec.ParticipantIDs
// added as active MEMBER participants and creator promoted to OWNER.
func (r *PGRepository) CreateGroup(ctx context.Context, id string, creator uuid.UUID, spec GroupSpec) (*Conversation, error) {
	now := time.Now().UTC()
	maxParticipants := spec.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = DefaultMaxParticipants
	}

	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversations (id, kind, name, description, is_public, max_participants, created_by, created_at, updated_at)
			 VALUES ($1, 'GROUP', $2, $3, $4, $5, $6, $7, $7)`,
			id, spec.Name, spec.Description, spec.IsPublic, maxParticipants, creator, now); err != nil {
			return fmt.Errorf("insert group conversation: %w", err)
		}

		members := map[uuid.UUID]bool{creator: true}
		for _, uid := range spec.ParticipantIDs {
			members[uid] = true
		}
		for uid := range members {
			role := Member
			if uid == creator {
				role = Owner
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO conversation_participants (conversation_id, user_id, role, active, joined_at) VALUES ($1, $2, $3, true, $4)`,
				id, uid, role, now); err != nil {
				return fmt.Errorf("insert group participant: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *PGRepository) ListForUser(ctx context.Context, userID uuid.UUID, kind Kind) ([]Conversation, error) {
	sql := `SELECT c.id, c.kind, c.name, c.description, c.is_public, c.max_participants, c.created_by, c.created_at, c.updated_at, c.deleted_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1 AND p.active = true AND c.deleted_at IS NULL`
	args := []any{userID}
	if kind != "" {
		sql += ` AND c.kind = $2`
		args = append(args, kind)
	}
	sql += ` ORDER BY c.updated_at DESC`

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *PGRepository) GetParticipant(ctx context.Context, conversationID string, userID uuid.UUID) (*Participant, error) {
	row := r.db.QueryRow(ctx,
		`SELECT conversation_id, user_id, role, active, joined_at, last_read_at FROM conversation_participants
		 WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID)
	var p Participant
	err := row.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.Active, &p.JoinedAt, &p.LastReadAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("scan participant: %w", err)
	}
	return &p, nil
}

func (r *PGRepository) ActiveParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT conversation_id, user_id, role, active, joined_at, last_read_at FROM conversation_participants
		 WHERE conversation_id = $1 AND active = true`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.Active, &p.JoinedAt, &p.LastReadAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PGRepository) ActiveParticipantCount(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM conversation_participants WHERE conversation_id = $1 AND active = true`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return count, nil
}

func (r *PGRepository) AddParticipant(ctx context.Context, conversationID string, userID uuid.UUID, role Role) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id, role, active, joined_at) VALUES ($1, $2, $3, true, now())
		 ON CONFLICT (conversation_id, user_id) DO UPDATE SET active = true, role = $3, joined_at = now()`,
		conversationID, userID, role)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (r *PGRepository) ReactivateParticipant(ctx context.Context, conversationID string, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE conversation_participants SET active = true, joined_at = now() WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID)
	if err != nil {
		return fmt.Errorf("reactivate participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

func (r *PGRepository) DeactivateParticipant(ctx context.Context, conversationID string, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE conversation_participants SET active = false WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID)
	if err != nil {
		return fmt.Errorf("deactivate participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

func (r *PGRepository) UpdateSettings(ctx context.Context, id string, update SettingsUpdate) (*Conversation, error) {
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if update.Name != nil {
			if _, err := tx.Exec(ctx, `UPDATE conversations SET name = $1, updated_at = now() WHERE id = $2`, *update.Name, id); err != nil {
				return fmt.Errorf("update name: %w", err)
			}
		}
		if update.Description != nil {
			if _, err := tx.Exec(ctx, `UPDATE conversations SET description = $1, updated_at = now() WHERE id = $2`, *update.Description, id); err != nil {
				return fmt.Errorf("update description: %w", err)
			}
		}
		if update.IsPublic != nil {
			if _, err := tx.Exec(ctx, `UPDATE conversations SET is_public = $1, updated_at = now() WHERE id = $2`, *update.IsPublic, id); err != nil {
				return fmt.Errorf("update visibility: %w", err)
			}
		}
		if update.MaxParticipants != nil {
			if _, err := tx.Exec(ctx, `UPDATE conversations SET max_participants = $1, updated_at = now() WHERE id = $2`, *update.MaxParticipants, id); err != nil {
				return fmt.Errorf("update max participants: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// Delete hard-deletes the conversation row. conversation_participants.conversation_id carries ON DELETE CASCADE, so
// this single statement removes the conversation and all of its participant rows atomically.
func (r *PGRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (r *PGRepository) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE conversations SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ListSoftDeletedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM conversations WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list soft deleted conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PGRepository) ListActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM conversations WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list active conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
