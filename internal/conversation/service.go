package conversation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// UserExistenceChecker is the slice of the User repository the Conversation Service needs to reject unknown
// participant ids when creating a group.
type UserExistenceChecker interface {
	ExistsAll(ctx context.Context, ids []uuid.UUID) (bool, error)
}

// MessageDeleter is the slice of the Message Store Adapter the Conversation Service needs to cascade a hard delete.
type MessageDeleter interface {
	DeleteConversationMessages(ctx context.Context, conversationID string) error
}

// Service implements conversation creation, membership, and access-control decisions.
type Service struct {
	repo  Repository
	users UserExistenceChecker
}

// NewService builds a Conversation Service backed by repo, consulting users to validate participant ids.
func NewService(repo Repository, users UserExistenceChecker) *Service {
	return &Service{repo: repo, users: users}
}

// CreateDirect returns the conversation between requester and other, creating it if it did not already exist. It is
// idempotent: calling it again for the same pair returns the same conversation regardless of call order.
func (s *Service) CreateDirect(ctx context.Context, requester, other uuid.UUID) (*Conversation, error) {
	if requester == other {
		return nil, fmt.Errorf("%w: cannot create a direct conversation with yourself", ErrOperationNotAllowed)
	}
	ok, err := s.users.ExistsAll(ctx, []uuid.UUID{other})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownParticipant
	}
	id := CanonicalDirectID(requester, other)
	conv, _, err := s.repo.CreateDirect(ctx, id, requester, other)
	return conv, err
}

// CreateGroup creates a new group conversation owned by requester.
func (s *Service) CreateGroup(ctx context.Context, requester uuid.UUID, spec GroupSpec) (*Conversation, error) {
	if err := ValidateGroupName(spec.Name); err != nil {
		return nil, err
	}
	if len(spec.ParticipantIDs) > 0 {
		ok, err := s.users.ExistsAll(ctx, spec.ParticipantIDs)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrUnknownParticipant
		}
	}
	max := spec.MaxParticipants
	if max <= 0 {
		max = DefaultMaxParticipants
	}
	if count := len(spec.ParticipantIDs) + 1; count > max {
		return nil, ErrMaxParticipants
	}
	return s.repo.CreateGroup(ctx, NewGroupID(), requester, spec)
}

// ListForUser returns every conversation in which userID is an active participant, optionally filtered by kind
// (pass "" for no filter).
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, kind Kind) ([]Conversation, error) {
	return s.repo.ListForUser(ctx, userID, kind)
}

// HasAccess reports whether userID is an active participant of a not-yet-soft-deleted conversationID.
func (s *Service) HasAccess(ctx context.Context, conversationID string, userID uuid.UUID) (bool, error) {
	conv, err := s.repo.GetByID(ctx, conversationID)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if conv.IsDeleted() {
		return false, nil
	}
	p, err := s.repo.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		if err == ErrParticipantNotFound {
			return false, nil
		}
		return false, err
	}
	return p.Active, nil
}

// RoleOf returns userID's role within conversationID, or ErrParticipantNotFound if they are not a participant.
func (s *Service) RoleOf(ctx context.Context, conversationID string, userID uuid.UUID) (Role, error) {
	p, err := s.repo.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return "", err
	}
	if !p.Active {
		return "", ErrParticipantNotFound
	}
	return p.Role, nil
}

// IsOwner reports whether userID owns conversationID.
func (s *Service) IsOwner(ctx context.Context, conversationID string, userID uuid.UUID) (bool, error) {
	role, err := s.RoleOf(ctx, conversationID, userID)
	if err != nil {
		if err == ErrParticipantNotFound {
			return false, nil
		}
		return false, err
	}
	return role == Owner, nil
}

// CanManageParticipants reports whether userID may add or remove participants of conversationID: owners and admins
// of a group conversation, never on a direct conversation.
func (s *Service) CanManageParticipants(ctx context.Context, conversationID string, userID uuid.UUID) (bool, error) {
	conv, err := s.repo.GetByID(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if conv.Kind == Direct {
		return false, nil
	}
	role, err := s.RoleOf(ctx, conversationID, userID)
	if err != nil {
		if err == ErrParticipantNotFound {
			return false, nil
		}
		return false, err
	}
	return role == Owner || role == Admin, nil
}

// CanUpdateSettings reports whether userID may update the name/description/visibility/cap of conversationID. Only
// the owner of a group conversation may; direct conversations have no mutable settings.
func (s *Service) CanUpdateSettings(ctx context.Context, conversationID string, userID uuid.UUID) (bool, error) {
	conv, err := s.repo.GetByID(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if conv.Kind == Direct {
		return false, nil
	}
	return s.IsOwner(ctx, conversationID, userID)
}

// UpdateGroupSettings applies update to a group conversation, rejecting the call on a direct conversation or when
// requester is not the owner.
func (s *Service) UpdateGroupSettings(ctx context.Context, requester uuid.UUID, conversationID string, update SettingsUpdate) (*Conversation, error) {
	allowed, err := s.CanUpdateSettings(ctx, conversationID, requester)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrNotOwner
	}
	if update.Name != nil {
		if err := ValidateGroupName(*update.Name); err != nil {
			return nil, err
		}
	}
	if update.MaxParticipants != nil {
		count, err := s.repo.ActiveParticipantCount(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if *update.MaxParticipants < count {
			return nil, ErrInvalidMaxParticipant
		}
	}
	return s.repo.UpdateSettings(ctx, conversationID, update)
}

// AddUser adds userID to conversationID as a MEMBER, enforcing the participant cap. Re-adding a user who previously
// left reactivates their row rather than creating a duplicate.
func (s *Service) AddUser(ctx context.Context, requester uuid.UUID, conversationID string, userID uuid.UUID) error {
	allowed, err := s.CanManageParticipants(ctx, conversationID, requester)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrNoAccess
	}
	ok, err := s.users.ExistsAll(ctx, []uuid.UUID{userID})
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownParticipant
	}

	existing, err := s.repo.GetParticipant(ctx, conversationID, userID)
	if err != nil && err != ErrParticipantNotFound {
		return err
	}
	if err == nil && existing.Active {
		return nil
	}
	reactivate := err == nil

	conv, err := s.repo.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	count, err := s.repo.ActiveParticipantCount(ctx, conversationID)
	if err != nil {
		return err
	}
	if count >= conv.MaxParticipants {
		return ErrMaxParticipants
	}
	if reactivate {
		return s.repo.ReactivateParticipant(ctx, conversationID, userID)
	}
	return s.repo.AddParticipant(ctx, conversationID, userID, Member)
}

// RemoveUser deactivates userID's participation in conversationID. A user may always remove themselves; removing
// someone else requires CanManageParticipants.
func (s *Service) RemoveUser(ctx context.Context, requester uuid.UUID, conversationID string, userID uuid.UUID) error {
	if requester != userID {
		allowed, err := s.CanManageParticipants(ctx, conversationID, requester)
		if err != nil {
			return err
		}
		if !allowed {
			return ErrNoAccess
		}
	}
	return s.repo.DeactivateParticipant(ctx, conversationID, userID)
}

// DeleteConversation deletes conversationID and everything in it immediately: messages are deleted via the Message
// Store Adapter, then the Conversation row is hard-deleted, which cascades to its Participant rows in the same
// statement. A GROUP conversation may only be deleted by its OWNER; a DIRECT conversation may be deleted by either
// active participant.
//
// conversationID is soft-deleted first (hiding it from listings and access checks at once) so the deletion is
// visible to callers before the message purge completes. If the message purge fails, the hard delete is skipped and
// conversationID is left soft-deleted rather than destroyed: the Conversation and Participant rows still exist, and
// the Cleanup Reconciler's retention-window phase is the backstop that eventually purges them if the hard delete is
// never retried.
func (s *Service) DeleteConversation(ctx context.Context, requester uuid.UUID, conversationID string, messages MessageDeleter) error {
	conv, err := s.repo.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}

	if conv.Kind == Group {
		owner, err := s.IsOwner(ctx, conversationID, requester)
		if err != nil {
			return err
		}
		if !owner {
			return ErrNotOwner
		}
	} else {
		hasAccess, err := s.HasAccess(ctx, conversationID, requester)
		if err != nil {
			return err
		}
		if !hasAccess {
			return ErrNoAccess
		}
	}

	if err := s.repo.SoftDelete(ctx, conversationID); err != nil {
		return err
	}

	if messages != nil {
		if err := messages.DeleteConversationMessages(ctx, conversationID); err != nil {
			return err
		}
	}

	return s.repo.Delete(ctx, conversationID)
}
