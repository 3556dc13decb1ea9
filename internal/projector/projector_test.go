package projector

import (
	"errors"
	"testing"
	"time"

	"github.com/MailLoop/ReplyPace/internal/clock"
	"github.com/MailLoop/ReplyPace/internal/models"
	"github.com/MailLoop/ReplyPace/internal/store"
)

var baseTime = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func newTestProjector(t *testing.T) (*Projector, *store.InMemoryStore, *clock.Fake) {
	t.Helper()
	st := store.NewInMemoryStore()
	t.Cleanup(func() { st.Close() })
	clk := clock.NewFake(baseTime)
	return New(st, clk), st, clk
}

func createScheduled(t *testing.T, st *store.InMemoryStore, subjectKey string, kind models.ActionKind, urgency int, tone string, target time.Time) *models.PendingAction {
	t.Helper()
	a, err := st.Create(store.CreateParams{
		SubjectKey:   subjectKey,
		Kind:         kind,
		Urgency:      urgency,
		Tone:         tone,
		TargetFireAt: &target,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return a
}

func TestReplyStatus_Pending(t *testing.T) {
	p, st, _ := newTestProjector(t)
	target := baseTime.Add(45 * time.Minute)
	createScheduled(t, st, "conv-1", models.KindAIReply, 6, "neutral", target)

	status, err := p.ReplyStatus("conv-1")
	if err != nil {
		t.Fatalf("ReplyStatus failed: %v", err)
	}
	if !status.HasReplyPending {
		t.Fatal("expected a pending reply")
	}
	if status.State != "scheduled" {
		t.Errorf("state = %q, want scheduled", status.State)
	}
	if status.Urgency == nil || *status.Urgency != 6 {
		t.Errorf("urgency = %v, want 6", status.Urgency)
	}
	if status.TargetFireAt == nil || !status.TargetFireAt.Equal(target) {
		t.Errorf("target = %v, want %v", status.TargetFireAt, target)
	}
}

func TestReplyStatus_NoPendingReply(t *testing.T) {
	p, st, _ := newTestProjector(t)

	status, err := p.ReplyStatus("conv-unknown")
	if err != nil {
		t.Fatalf("ReplyStatus failed: %v", err)
	}
	if status.HasReplyPending {
		t.Error("expected no pending reply for unknown conversation")
	}

	// A cancelled action does not count as pending.
	a := createScheduled(t, st, "conv-2", models.KindAIReply, 4, "neutral", baseTime.Add(time.Hour))
	if err := st.Cancel(a.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	status, err = p.ReplyStatus("conv-2")
	if err != nil {
		t.Fatalf("ReplyStatus failed: %v", err)
	}
	if status.HasReplyPending {
		t.Error("cancelled reply reported as pending")
	}
	if status.State != "" || status.Urgency != nil {
		t.Errorf("detail fields leaked for inactive reply: %+v", status)
	}
}

func TestReplyStatus_IgnoresReminders(t *testing.T) {
	p, st, _ := newTestProjector(t)
	createScheduled(t, st, "conv-3", models.KindFollowupReminder, 0, "general", baseTime.Add(18*time.Hour))

	status, err := p.ReplyStatus("conv-3")
	if err != nil {
		t.Fatalf("ReplyStatus failed: %v", err)
	}
	if status.HasReplyPending {
		t.Error("follow-up reminder reported as a pending reply")
	}
}

func TestReplyStatus_EmptySubjectKey(t *testing.T) {
	p, _, _ := newTestProjector(t)
	if _, err := p.ReplyStatus(""); !errors.Is(err, models.ErrInvalidSubjectKey) {
		t.Errorf("expected ErrInvalidSubjectKey, got %v", err)
	}
}

func TestPendingRepliesSummary(t *testing.T) {
	p, st, _ := newTestProjector(t)
	createScheduled(t, st, "conv-a", models.KindAIReply, 9, "angry", baseTime.Add(15*time.Minute))
	createScheduled(t, st, "conv-b", models.KindAIReply, 2, "gratitude", baseTime.Add(3*time.Hour))
	// Reminders and terminal actions stay out of the summary.
	createScheduled(t, st, "merchant-1", models.KindFollowupReminder, 0, "general", baseTime.Add(18*time.Hour))
	done := createScheduled(t, st, "conv-c", models.KindAIReply, 5, "neutral", baseTime.Add(-time.Minute))
	if _, err := st.ClaimDue(baseTime, 1); err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if _, err := st.MarkOutcome(done.ID, store.Outcome{Success: true}); err != nil {
		t.Fatalf("MarkOutcome failed: %v", err)
	}

	summary, err := p.PendingRepliesSummary()
	if err != nil {
		t.Fatalf("PendingRepliesSummary failed: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("summary has %d rows, want 2", len(summary))
	}

	// Rows follow target-fire-time order.
	if summary[0].SubjectKey != "conv-a" || summary[1].SubjectKey != "conv-b" {
		t.Errorf("row order = %s, %s; want conv-a, conv-b", summary[0].SubjectKey, summary[1].SubjectKey)
	}
	if got := summary[0].MinutesUntilFire; got != 15 {
		t.Errorf("conv-a minutes = %v, want 15", got)
	}
	if got := summary[1].MinutesUntilFire; got != 180 {
		t.Errorf("conv-b minutes = %v, want 180", got)
	}
}

func TestPendingRepliesSummary_OverdueClampsToZero(t *testing.T) {
	p, st, clk := newTestProjector(t)
	createScheduled(t, st, "conv-late", models.KindAIReply, 5, "neutral", baseTime.Add(10*time.Minute))
	clk.Advance(time.Hour)

	summary, err := p.PendingRepliesSummary()
	if err != nil {
		t.Fatalf("PendingRepliesSummary failed: %v", err)
	}
	if len(summary) != 1 {
		t.Fatalf("summary has %d rows, want 1", len(summary))
	}
	if summary[0].MinutesUntilFire != 0 {
		t.Errorf("overdue minutes = %v, want 0", summary[0].MinutesUntilFire)
	}
}

func TestPendingRepliesSummary_Empty(t *testing.T) {
	p, _, _ := newTestProjector(t)
	summary, err := p.PendingRepliesSummary()
	if err != nil {
		t.Fatalf("PendingRepliesSummary failed: %v", err)
	}
	if len(summary) != 0 {
		t.Errorf("expected empty summary, got %d rows", len(summary))
	}
}
