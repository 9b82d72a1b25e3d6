// Package conversation implements the Conversation half of the Credential Store Adapter (C1) and the Conversation
// Service (C6): direct/group creation, membership, roles, access checks, and the deletion cascade.
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes a two-party conversation from a multi-participant one.
type Kind string

const (
	Direct Kind = "DIRECT"
	Group  Kind = "GROUP"
)

// Role is a participant's standing within a conversation.
type Role string

const (
	Owner  Role = "OWNER"
	Admin  Role = "ADMIN"
	Member Role = "MEMBER"
)

// DefaultMaxParticipants is the default cap applied to a new group when the creator does not specify one.
const DefaultMaxParticipants = 100

// RetentionWindow is the 30-day default retention period for a soft-deleted conversation. The Cleanup Reconciler does
// not read it: its window comes from Config.RetentionWindow(), which defaults to the same 30 days.
const RetentionWindow = 30 * 24 * time.Hour

// Sentinel errors for the conversation package.
var (
	ErrNotFound              = errors.New("conversation not found")
	ErrParticipantNotFound   = errors.New("participant not found")
	ErrUnknownParticipant    = errors.New("one or more participants do not exist")
	ErrOperationNotAllowed   = errors.New("operation not allowed on a direct conversation")
	ErrMaxParticipants       = errors.New("conversation has reached its participant cap")
	ErrNotOwner              = errors.New("only the conversation owner may perform this action")
	ErrNoAccess              = errors.New("user does not have access to this conversation")
	ErrInvalidName           = errors.New("conversation name must be between 1 and 100 characters")
	ErrInvalidMaxParticipant = errors.New("max participants must be at least the current active participant count")
)

// Conversation is a container for messages (spec data model §3).
type Conversation struct {
	ID                string
	Kind              Kind
	Name              string
	Description       string
	IsPublic          bool
	MaxParticipants   int
	CreatedBy         uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

// IsDeleted reports whether the conversation is soft-deleted.
func (c *Conversation) IsDeleted() bool { return c.DeletedAt != nil }

// Participant is the (conversation, user) relation (spec data model §3).
type Participant struct {
	ConversationID string
	UserID         uuid.UUID
	Role           Role
	Active         bool
	JoinedAt       time.Time
	LastReadAt     *time.Time
}

// GroupSpec groups the inputs to createGroup.
type GroupSpec struct {
	Name            string
	Description     string
	IsPublic        bool
	MaxParticipants int
	ParticipantIDs  []uuid.UUID
}

// SettingsUpdate groups the optional fields an updateGroupSettings call may change. Nil fields are left unchanged.
type SettingsUpdate struct {
	Name            *string
	Description     *string
	IsPublic        *bool
	MaxParticipants *int
}

// CanonicalDirectID returns the canonical id for a direct conversation between a and b: dm_<lo>_<hi> with the two
// user ids lexicographically ordered, so the same pair of users always resolves to the same conversation id
// regardless of call order (spec data model §3, testable property 1).
func CanonicalDirectID(a, b uuid.UUID) string {
	as, bs := a.String(), b.String()
	if strings.Compare(as, bs) > 0 {
		as, bs = bs, as
	}
	return "dm_" + as + "_" + bs
}

// NewGroupID mints a random id for a new group conversation.
func NewGroupID() string {
	return "grp_" + uuid.New().String()
}

// ValidateGroupName checks the 1..100 character invariant on a group's display name.
func ValidateGroupName(name string) error {
	n := len([]rune(strings.TrimSpace(name)))
	if n < 1 || n > 100 {
		return ErrInvalidName
	}
	return nil
}

// Repository defines the data-access contract for conversations and participants.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Conversation, error)
	CreateDirect(ctx context.Context, id string, a, b uuid.UUID) (*Conversation, bool, error)
	CreateGroup(ctx context.Context, id string, creator uuid.UUID, spec GroupSpec) (*Conversation, error)
	ListForUser(ctx context.Context, userID uuid.UUID, kind Kind) ([]Conversation, error)
	GetParticipant(ctx context.Context, conversationID string, userID uuid.UUID) (*Participant, error)
	ActiveParticipants(ctx context.Context, conversationID string) ([]Participant, error)
	ActiveParticipantCount(ctx context.Context, conversationID string) (int, error)
	AddParticipant(ctx context.Context, conversationID string, userID uuid.UUID, role Role) error
	ReactivateParticipant(ctx context.Context, conversationID string, userID uuid.UUID) error
	DeactivateParticipant(ctx context.Context, conversationID string, userID uuid.UUID) error
	UpdateSettings(ctx context.Context, id string, update SettingsUpdate) (*Conversation, error)
	Delete(ctx context.Context, id string) error
	SoftDelete(ctx context.Context, id string) error
	ListSoftDeletedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	ListActiveIDs(ctx context.Context) ([]string, error)
}
