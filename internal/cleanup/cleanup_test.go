package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeConversations struct {
	activeIDs     []string
	softDeleted   map[string]time.Time // id -> deleted_at
	deleted       []string
	listActiveErr error
	listSoftErr   error
}

func (f *fakeConversations) ListActiveIDs(_ context.Context) ([]string, error) {
	if f.listActiveErr != nil {
		return nil, f.listActiveErr
	}
	return f.activeIDs, nil
}

func (f *fakeConversations) ListSoftDeletedBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	if f.listSoftErr != nil {
		return nil, f.listSoftErr
	}
	var ids []string
	for id, at := range f.softDeleted {
		if at.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeConversations) Delete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeMessages struct {
	orphanedDeleted   int64
	purgedConvIDs     []string
	deleteOrphanedErr error
}

func (f *fakeMessages) DeleteConversationMessages(_ context.Context, conversationID string) error {
	f.purgedConvIDs = append(f.purgedConvIDs, conversationID)
	return nil
}

func (f *fakeMessages) DeleteOrphanedMessages(_ context.Context, _ []string) (int64, error) {
	if f.deleteOrphanedErr != nil {
		return 0, f.deleteOrphanedErr
	}
	return f.orphanedDeleted, nil
}

func TestReconcile_PurgesOrphanedMessages(t *testing.T) {
	t.Parallel()
	convs := &fakeConversations{activeIDs: []string{"conv-1"}}
	msgs := &fakeMessages{orphanedDeleted: 7}
	r := NewReconciler(convs, msgs, 30*24*time.Hour, zerolog.Nop())

	report, err := r.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}
	if report.OrphanedMessagesDeleted != 7 {
		t.Errorf("OrphanedMessagesDeleted = %d, want 7", report.OrphanedMessagesDeleted)
	}
}

func TestReconcile_PurgesAllSoftDeletedConversationMessagesRegardlessOfAge(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	convs := &fakeConversations{
		activeIDs: []string{},
		softDeleted: map[string]time.Time{
			"conv-recent": now.Add(-time.Minute),
			"conv-old":    now.Add(-60 * 24 * time.Hour),
		},
	}
	msgs := &fakeMessages{}
	r := NewReconciler(convs, msgs, 30*24*time.Hour, zerolog.Nop())

	report, err := r.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}
	if report.SoftDeletedConversationsMessagesPurged != 2 {
		t.Errorf("SoftDeletedConversationsMessagesPurged = %d, want 2", report.SoftDeletedConversationsMessagesPurged)
	}
}

func TestReconcile_HardDeletesOnlyConversationsPastRetentionWindow(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	convs := &fakeConversations{
		activeIDs: []string{},
		softDeleted: map[string]time.Time{
			"conv-recent": now.Add(-time.Hour),
			"conv-old":    now.Add(-31 * 24 * time.Hour),
		},
	}
	msgs := &fakeMessages{}
	r := NewReconciler(convs, msgs, 30*24*time.Hour, zerolog.Nop())

	report, err := r.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}
	if report.HardDeletedConversations != 1 {
		t.Fatalf("HardDeletedConversations = %d, want 1", report.HardDeletedConversations)
	}
	if len(convs.deleted) != 1 || convs.deleted[0] != "conv-old" {
		t.Errorf("deleted = %v, want [conv-old]", convs.deleted)
	}
}

func TestReconcile_DryRunDoesNotMutate(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	convs := &fakeConversations{
		activeIDs: []string{},
		softDeleted: map[string]time.Time{
			"conv-old": now.Add(-31 * 24 * time.Hour),
		},
	}
	msgs := &fakeMessages{}
	r := NewReconciler(convs, msgs, 30*24*time.Hour, zerolog.Nop())

	report, err := r.Reconcile(context.Background(), true)
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}
	if !report.DryRun {
		t.Error("Report.DryRun = false, want true")
	}
	if report.HardDeletedConversations != 1 {
		t.Errorf("HardDeletedConversations = %d, want 1 (counted, not mutated)", report.HardDeletedConversations)
	}
	if len(convs.deleted) != 0 {
		t.Errorf("dry run deleted = %v, want no mutation", convs.deleted)
	}
	if len(msgs.purgedConvIDs) != 0 {
		t.Errorf("dry run purgedConvIDs = %v, want no mutation", msgs.purgedConvIDs)
	}
}

func TestReconcile_PhaseFailureDoesNotBlockOtherPhases(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	convs := &fakeConversations{
		activeIDs: []string{},
		softDeleted: map[string]time.Time{
			"conv-old": now.Add(-31 * 24 * time.Hour),
		},
	}
	msgs := &fakeMessages{deleteOrphanedErr: context.DeadlineExceeded}
	r := NewReconciler(convs, msgs, 30*24*time.Hour, zerolog.Nop())

	report, err := r.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}
	if report.HardDeletedConversations != 1 {
		t.Errorf("HardDeletedConversations = %d, want 1 despite orphan-phase failure", report.HardDeletedConversations)
	}
}

func TestReconcile_SampleIDsAreCapped(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	softDeleted := map[string]time.Time{}
	for i := 0; i < sampleLimit+10; i++ {
		softDeleted[string(rune('a'+i%26))+string(rune(i))] = now.Add(-time.Minute)
	}
	convs := &fakeConversations{activeIDs: []string{}, softDeleted: softDeleted}
	msgs := &fakeMessages{}
	r := NewReconciler(convs, msgs, 30*24*time.Hour, zerolog.Nop())

	report, err := r.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}
	if len(report.SoftDeletedConversationSampleIDs) != sampleLimit {
		t.Errorf("len(SoftDeletedConversationSampleIDs) = %d, want %d", len(report.SoftDeletedConversationSampleIDs), sampleLimit)
	}
}
