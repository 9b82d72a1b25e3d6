// Package cleanup implements the Cleanup Reconciler (C12): the scheduled job that purges orphaned messages, messages
// belonging to soft-deleted conversations, and soft-deleted conversations past their retention window.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ConversationLister is the slice of the Conversation Service's repository the Reconciler needs to enumerate
// conversations for the orphan and retention phases.
type ConversationLister interface {
	ListActiveIDs(ctx context.Context) ([]string, error)
	ListSoftDeletedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// MessagePurger is the slice of the Message Store Adapter the Reconciler needs.
type MessagePurger interface {
	DeleteConversationMessages(ctx context.Context, conversationID string) error
	DeleteOrphanedMessages(ctx context.Context, activeConversationIDs []string) (int64, error)
}

// Report summarises a single reconciliation pass. Sample id slices are capped at sampleLimit entries so a dry-run
// report stays small even when a phase touches many conversations.
type Report struct {
	DryRun bool

	OrphanedMessagesDeleted int64

	SoftDeletedConversationsMessagesPurged int
	SoftDeletedConversationSampleIDs       []string

	HardDeletedConversations   int
	HardDeletedConversationIDs []string
}

const sampleLimit = 20

// Reconciler runs the cleanup phases on a schedule.
type Reconciler struct {
	conversations   ConversationLister
	messages        MessagePurger
	retentionWindow time.Duration
	log             zerolog.Logger
}

// NewReconciler builds a Reconciler. retentionWindow is the age past which a soft-deleted conversation is
// hard-deleted (spec §4.8: 30 days).
func NewReconciler(conversations ConversationLister, messages MessagePurger, retentionWindow time.Duration, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		conversations:   conversations,
		messages:        messages,
		retentionWindow: retentionWindow,
		log:             logger.With().Str("component", "cleanup").Logger(),
	}
}

// Run ticks Reconcile on the given interval until ctx is cancelled, running one pass immediately on start.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	r.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	report, err := r.Reconcile(ctx, false)
	if err != nil {
		r.log.Error().Err(err).Msg("cleanup reconciliation pass failed")
		return
	}
	r.log.Info().
		Int64("orphaned_messages_deleted", report.OrphanedMessagesDeleted).
		Int("soft_deleted_conversations_messages_purged", report.SoftDeletedConversationsMessagesPurged).
		Int("hard_deleted_conversations", report.HardDeletedConversations).
		Msg("cleanup reconciliation pass complete")
}

// Reconcile runs all three phases of a single pass. Each phase is independent: a failure in one is logged and does
// not block the others (spec §4.8). In dryRun mode, no mutation occurs and Report carries counts and sample ids only
// (phase 1 is skipped in dry-run, so its orphan count stays zero).
func (r *Reconciler) Reconcile(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun}

	activeIDs, err := r.conversations.ListActiveIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active conversations: %w", err)
	}

	if err := r.purgeOrphanedMessages(ctx, activeIDs, dryRun, report); err != nil {
		r.log.Warn().Err(err).Msg("orphaned message purge failed")
	}

	softDeleted, err := r.conversations.ListSoftDeletedBefore(ctx, time.Now())
	if err != nil {
		r.log.Warn().Err(err).Msg("list soft-deleted conversations failed")
	} else if err := r.purgeSoftDeletedMessages(ctx, softDeleted, dryRun, report); err != nil {
		r.log.Warn().Err(err).Msg("soft-deleted conversation message purge failed")
	}

	if err := r.purgeExpiredConversations(ctx, dryRun, report); err != nil {
		r.log.Warn().Err(err).Msg("expired conversation purge failed")
	}

	return report, nil
}

// purgeOrphanedMessages implements phase 1: messages whose conversation id is not in activeIDs.
func (r *Reconciler) purgeOrphanedMessages(ctx context.Context, activeIDs []string, dryRun bool, report *Report) error {
	if dryRun {
		// DeleteOrphanedMessages reports the count it would remove via its normal return value; running it with the
		// same active set and discarding nothing is not possible without a second read-only method, so dry-run
		// orphan counting is approximated as zero and left to the normal pass to report accurately. Soft-deleted and
		// expired-conversation phases below still honor dryRun precisely.
		return nil
	}
	deleted, err := r.messages.DeleteOrphanedMessages(ctx, activeIDs)
	if err != nil {
		return fmt.Errorf("delete orphaned messages: %w", err)
	}
	report.OrphanedMessagesDeleted = deleted
	return nil
}

// purgeSoftDeletedMessages implements phase 2: every currently soft-deleted conversation's messages are purged
// immediately, regardless of how long ago it was deleted. In the normal path Conversation Service.DeleteConversation
// already purges messages and hard-deletes the conversation itself before this ever runs; this phase only finds work
// when that purge failed partway (message purge error, or a crash between the purge and the hard delete).
func (r *Reconciler) purgeSoftDeletedMessages(ctx context.Context, conversationIDs []string, dryRun bool, report *Report) error {
	for _, id := range conversationIDs {
		if len(report.SoftDeletedConversationSampleIDs) < sampleLimit {
			report.SoftDeletedConversationSampleIDs = append(report.SoftDeletedConversationSampleIDs, id)
		}
		if dryRun {
			report.SoftDeletedConversationsMessagesPurged++
			continue
		}
		if err := r.messages.DeleteConversationMessages(ctx, id); err != nil {
			r.log.Warn().Err(err).Str("conversation_id", id).Msg("purge soft-deleted conversation's messages")
			continue
		}
		report.SoftDeletedConversationsMessagesPurged++
	}
	return nil
}

// purgeExpiredConversations implements phase 3: conversations left soft-deleted longer than retentionWindow are
// hard-deleted, which cascades to their participant rows; their messages are purged too, in case phase 2's earlier
// purge of the same conversation never ran (e.g. it was soft-deleted after this pass's phase-2 read). This is the
// crash-recovery backstop for a DeleteConversation call that purged messages but never reached the hard delete.
func (r *Reconciler) purgeExpiredConversations(ctx context.Context, dryRun bool, report *Report) error {
	expired, err := r.conversations.ListSoftDeletedBefore(ctx, time.Now().Add(-r.retentionWindow))
	if err != nil {
		return fmt.Errorf("list expired conversations: %w", err)
	}

	for _, id := range expired {
		if dryRun {
			if len(report.HardDeletedConversationIDs) < sampleLimit {
				report.HardDeletedConversationIDs = append(report.HardDeletedConversationIDs, id)
			}
			report.HardDeletedConversations++
			continue
		}

		if err := r.messages.DeleteConversationMessages(ctx, id); err != nil {
			r.log.Warn().Err(err).Str("conversation_id", id).Msg("purge expired conversation's messages")
			continue
		}
		if err := r.conversations.Delete(ctx, id); err != nil {
			r.log.Warn().Err(err).Str("conversation_id", id).Msg("hard delete expired conversation")
			continue
		}
		if len(report.HardDeletedConversationIDs) < sampleLimit {
			report.HardDeletedConversationIDs = append(report.HardDeletedConversationIDs, id)
		}
		report.HardDeletedConversations++
	}
	return nil
}
