// Package message implements the Message Store Adapter (C2): append-only message documents, per-recipient
// delivery/read vectors, and the status aggregate, persisted in MongoDB.
package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the message package.
var (
	ErrNotFound       = errors.New("message not found")
	ErrEmptyContent   = errors.New("message content must not be empty")
	ErrContentTooLong = errors.New("message content exceeds the maximum length")
)

// Status is the author-visible aggregate delivery state of a message.
type Status string

const (
	Sent      Status = "SENT"
	Delivered Status = "DELIVERED"
	Read      Status = "READ"
)

// Type distinguishes the kind of content a message carries. TEXT is the only type the core pipeline produces today;
// the field exists so future message kinds (e.g. attachments) do not require a schema migration.
type Type string

const TypeText Type = "TEXT"

// MaxContentLength bounds a message's content, matching the teacher's channel-message length cap.
const MaxContentLength = 4000

// Pagination defaults for List (Search has its own in internal/search).
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Message is an append-only event within a conversation (spec data model §3).
type Message struct {
	ID                uuid.UUID
	ConversationID    string
	SenderID          uuid.UUID
	SenderDisplayName string
	Content           string
	Type              Type
	Timestamp         time.Time
	// RecipientsAtSend is the set of active non-sender participants captured by the pipeline at persist time. It is
	// the fixed denominator AggregateStatus compares DeliveredTo/ReadBy against, independent of who has since joined
	// or left, and independent of whether every delivered-to write in that initial fanout actually succeeded.
	RecipientsAtSend []uuid.UUID
	DeliveredTo      map[uuid.UUID]time.Time
	ReadBy           map[uuid.UUID]time.Time
	Deleted          bool
}

// AggregateStatus recomputes the author-visible aggregate from the delivered/read vectors against
// m.RecipientsAtSend. READ iff every one of them has read; DELIVERED iff every one of them has been delivered to but
// not all have read; otherwise SENT.
func (m *Message) AggregateStatus() Status {
	recipients := m.RecipientsAtSend
	if len(recipients) == 0 {
		return Sent
	}
	allRead, allDelivered := true, true
	for _, uid := range recipients {
		if _, ok := m.ReadBy[uid]; !ok {
			allRead = false
		}
		if _, ok := m.DeliveredTo[uid]; !ok {
			allDelivered = false
		}
	}
	switch {
	case allRead:
		return Read
	case allDelivered:
		return Delivered
	default:
		return Sent
	}
}

// CreateParams groups the inputs to Create.
type CreateParams struct {
	ConversationID    string
	SenderID          uuid.UUID
	SenderDisplayName string
	Content           string
	Type              Type
	// RecipientsAtSend is the pipeline's snapshot of active non-sender participants, fixed at persist time.
	RecipientsAtSend []uuid.UUID
}

// ValidateContent trims content and checks the non-empty / max-length invariants shared by every ingestion path.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to DefaultLimit when non-positive.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for the Message Store Adapter.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Message, error)
	GetByID(ctx context.Context, conversationID string, id uuid.UUID) (*Message, error)
	List(ctx context.Context, conversationID string, before *uuid.UUID, limit int) ([]Message, error)
	MarkDelivered(ctx context.Context, conversationID string, id uuid.UUID, userID uuid.UUID, at time.Time) error
	MarkRead(ctx context.Context, conversationID string, id uuid.UUID, userID uuid.UUID, at time.Time) error
	SoftDelete(ctx context.Context, conversationID string, id uuid.UUID) error
	DeleteConversationMessages(ctx context.Context, conversationID string) error
	DeleteOrphanedMessages(ctx context.Context, activeConversationIDs []string) (int64, error)
	SearchText(ctx context.Context, conversationID, query string, limit int) ([]Message, error)
	SearchRegex(ctx context.Context, conversationID, pattern string, limit int) ([]Message, error)
	Window(ctx context.Context, conversationID string, center time.Time, radius time.Duration) ([]Message, error)
}
