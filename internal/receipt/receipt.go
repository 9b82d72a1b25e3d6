// Package receipt implements the Receipts Service (C7): delivery/read state transitions on messages, viewer-scoped
// status, and conversation-wide catch-up reads.
package receipt

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/message"
)

// ErrNoAccess is returned by StatusFor when the viewer has no access to the message's conversation. Mark* operations
// never return it: a denied mark is a silent no-op, logged but not surfaced, so as not to leak conversation
// existence to a caller who should not have it.
var ErrNoAccess = errors.New("user does not have access to this conversation")

// AccessChecker is the slice of the Conversation Service the Receipts Service needs to authorize a receipt update.
type AccessChecker interface {
	HasAccess(ctx context.Context, conversationID string, userID uuid.UUID) (bool, error)
}

// Kind distinguishes the two receipt transitions a BatchUpdate entry may apply.
type Kind string

const (
	DeliveredKind Kind = "DELIVERED"
	ReadKind      Kind = "READ"
)

// Update is a single entry in a BatchUpdate call.
type Update struct {
	ConversationID string
	MessageID      uuid.UUID
	UserID         uuid.UUID
	Kind           Kind
}

// Service applies and queries delivery/read receipts.
type Service struct {
	messages message.Repository
	access   AccessChecker
	log      zerolog.Logger
}

// NewService builds a Receipts Service backed by messages, authorizing every call against access.
func NewService(messages message.Repository, access AccessChecker, logger zerolog.Logger) *Service {
	return &Service{messages: messages, access: access, log: logger}
}

// authorize reports whether userID may act on conversationID, logging and swallowing a denial rather than
// propagating it as an error: callers of Mark* must not learn anything about a conversation they cannot access.
func (s *Service) authorize(ctx context.Context, conversationID string, userID uuid.UUID) (bool, error) {
	ok, err := s.access.HasAccess(ctx, conversationID, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.Warn().Str("conversation_id", conversationID).Str("user_id", userID.String()).
			Msg("receipt update denied: no conversation access")
	}
	return ok, nil
}

// MarkDelivered records that userID received messageID. No-ops, successfully, if userID lacks access to
// conversationID, the message does not exist, or userID is the message's own sender.
func (s *Service) MarkDelivered(ctx context.Context, conversationID string, messageID, userID uuid.UUID) error {
	ok, err := s.authorize(ctx, conversationID, userID)
	if err != nil || !ok {
		return err
	}
	msg, err := s.messages.GetByID(ctx, conversationID, messageID)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			return nil
		}
		return err
	}
	if msg.SenderID == userID {
		return nil
	}
	return s.messages.MarkDelivered(ctx, conversationID, messageID, userID, time.Now().UTC())
}

// MarkRead records that userID read messageID, implying delivery. Same no-op conditions as MarkDelivered.
func (s *Service) MarkRead(ctx context.Context, conversationID string, messageID, userID uuid.UUID) error {
	ok, err := s.authorize(ctx, conversationID, userID)
	if err != nil || !ok {
		return err
	}
	msg, err := s.messages.GetByID(ctx, conversationID, messageID)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			return nil
		}
		return err
	}
	if msg.SenderID == userID {
		return nil
	}
	return s.messages.MarkRead(ctx, conversationID, messageID, userID, time.Now().UTC())
}

// MarkConversationRead applies the read transition to every message in conversationID not sent by userID and not
// already read by them, paging through the full history. Individual message failures are logged and do not abort
// the remainder of the batch.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID string, userID uuid.UUID) error {
	ok, err := s.authorize(ctx, conversationID, userID)
	if err != nil || !ok {
		return err
	}

	now := time.Now().UTC()
	var before *uuid.UUID
	for {
		page, err := s.messages.List(ctx, conversationID, before, message.MaxLimit)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for i := range page {
			m := &page[i]
			if m.SenderID == userID {
				continue
			}
			if _, already := m.ReadBy[userID]; already {
				continue
			}
			if err := s.messages.MarkRead(ctx, conversationID, m.ID, userID, now); err != nil {
				s.log.Error().Err(err).Str("message_id", m.ID.String()).Msg("mark conversation read: message update failed")
			}
		}
		if len(page) < message.MaxLimit {
			return nil
		}
		last := page[len(page)-1].ID
		before = &last
	}
}

// BatchUpdate applies every entry in updates. Entries fail independently: one bad entry is logged and the rest
// still apply.
func (s *Service) BatchUpdate(ctx context.Context, updates []Update) error {
	for _, u := range updates {
		var err error
		switch u.Kind {
		case ReadKind:
			err = s.MarkRead(ctx, u.ConversationID, u.MessageID, u.UserID)
		default:
			err = s.MarkDelivered(ctx, u.ConversationID, u.MessageID, u.UserID)
		}
		if err != nil {
			s.log.Error().Err(err).Str("message_id", u.MessageID.String()).Str("kind", string(u.Kind)).
				Msg("batch receipt update failed")
		}
	}
	return nil
}

// StatusFor returns messageID's status as seen by viewerID: the real aggregate status if viewerID is the sender,
// otherwise always SENT (other users never see a message's foreign delivery/read state).
func (s *Service) StatusFor(ctx context.Context, conversationID string, messageID, viewerID uuid.UUID) (message.Status, error) {
	ok, err := s.access.HasAccess(ctx, conversationID, viewerID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoAccess
	}
	msg, err := s.messages.GetByID(ctx, conversationID, messageID)
	if err != nil {
		return "", err
	}
	if msg.SenderID != viewerID {
		return message.Sent, nil
	}
	return msg.AggregateStatus(), nil
}
