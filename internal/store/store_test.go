package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MailLoop/ReplyPace/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_action_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachStore runs the same contract test against every backend.
func forEachStore(t *testing.T, test func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		test(t, NewInMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		test(t, newTestSQLiteStore(t))
	})
}

func mustCreateScheduled(t *testing.T, s Store, subjectKey string, kind models.ActionKind, target time.Time) *models.PendingAction {
	t.Helper()
	a, err := s.Create(CreateParams{
		SubjectKey:   subjectKey,
		Kind:         kind,
		Urgency:      4,
		Tone:         "general",
		TargetFireAt: &target,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return a
}

func TestStore_CreateAnalyzing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		a, err := s.Create(CreateParams{
			SubjectKey: "conv-1",
			Kind:       models.KindAIReply,
			Payload:    "where is my refund?",
		})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if a.State != models.StateAnalyzing {
			t.Errorf("expected analyzing state, got %q", a.State)
		}
		if a.TargetFireAt != nil {
			t.Errorf("expected nil target before classification, got %v", a.TargetFireAt)
		}
		if a.Payload != "where is my refund?" {
			t.Errorf("payload not persisted: %q", a.Payload)
		}
		if a.MaxAttempts != DefaultMaxAttempts {
			t.Errorf("expected default max attempts, got %d", a.MaxAttempts)
		}
	})
}

func TestStore_CreateScheduled(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		target := time.Now().Add(18 * time.Hour)
		a := mustCreateScheduled(t, s, "conv-2", models.KindFollowupReminder, target)
		if a.State != models.StateScheduled {
			t.Errorf("expected scheduled state, got %q", a.State)
		}
		if a.TargetFireAt == nil || !a.TargetFireAt.Truncate(time.Second).Equal(target.Truncate(time.Second)) {
			t.Errorf("target not persisted: got %v, want %v", a.TargetFireAt, target)
		}
	})
}

func TestStore_CreateValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		if _, err := s.Create(CreateParams{Kind: models.KindAIReply}); !errors.Is(err, models.ErrInvalidSubjectKey) {
			t.Errorf("expected ErrInvalidSubjectKey, got %v", err)
		}
		if _, err := s.Create(CreateParams{SubjectKey: "x", Kind: "bogus"}); !errors.Is(err, models.ErrInvalidActionKind) {
			t.Errorf("expected ErrInvalidActionKind, got %v", err)
		}
		if _, err := s.Create(CreateParams{SubjectKey: "x", Kind: models.KindAIReply, Urgency: 11}); !errors.Is(err, models.ErrInvalidUrgency) {
			t.Errorf("expected ErrInvalidUrgency, got %v", err)
		}
	})
}

func TestStore_UniquePerSubjectAndKind(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		if _, err := s.Create(CreateParams{SubjectKey: "conv-3", Kind: models.KindAIReply}); err != nil {
			t.Fatalf("first Create failed: %v", err)
		}
		_, err := s.Create(CreateParams{SubjectKey: "conv-3", Kind: models.KindAIReply})
		if !errors.Is(err, models.ErrAlreadyPending) {
			t.Errorf("expected ErrAlreadyPending, got %v", err)
		}

		// A different kind for the same subject is allowed.
		if _, err := s.Create(CreateParams{SubjectKey: "conv-3", Kind: models.KindFollowupReminder}); err != nil {
			t.Errorf("different kind should not collide: %v", err)
		}
	})
}

func TestStore_SupersedeAfterCancel(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		first, err := s.Create(CreateParams{SubjectKey: "conv-4", Kind: models.KindAIReply})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := s.Cancel(first.ID); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		if _, err := s.Create(CreateParams{SubjectKey: "conv-4", Kind: models.KindAIReply}); err != nil {
			t.Errorf("create after cancel should succeed: %v", err)
		}
	})
}

func TestStore_ConcurrentCreate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		const callers = 8
		var succeeded, rejected atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Create(CreateParams{SubjectKey: "conv-race", Kind: models.KindAIReply})
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, models.ErrAlreadyPending):
					rejected.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if succeeded.Load() != 1 {
			t.Errorf("expected exactly 1 successful create, got %d", succeeded.Load())
		}
		if rejected.Load() != callers-1 {
			t.Errorf("expected %d ErrAlreadyPending, got %d", callers-1, rejected.Load())
		}
	})
}

func TestStore_Schedule(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		a, err := s.Create(CreateParams{SubjectKey: "conv-5", Kind: models.KindAIReply, Payload: "thanks!"})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		target := time.Now().Add(3 * time.Hour)
		scheduled, err := s.Schedule(a.ID, 3, "gratitude", target)
		if err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
		if scheduled.State != models.StateScheduled {
			t.Errorf("expected scheduled, got %q", scheduled.State)
		}
		if scheduled.Urgency != 3 || scheduled.Tone != "gratitude" {
			t.Errorf("classification not persisted: urgency=%d tone=%q", scheduled.Urgency, scheduled.Tone)
		}

		// Scheduling twice is illegal; the action already left analyzing.
		if _, err := s.Schedule(a.ID, 3, "gratitude", target); !errors.Is(err, models.ErrAlreadyFired) {
			t.Errorf("expected ErrAlreadyFired on double schedule, got %v", err)
		}
		if _, err := s.Schedule("act_missing", 3, "gratitude", target); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_ReschedulePreservesClassification(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		a := mustCreateScheduled(t, s, "conv-6", models.KindFollowupReminder, time.Now().Add(time.Hour))

		newTarget := time.Now().Add(180 * time.Minute)
		updated, err := s.Reschedule(a.ID, newTarget)
		if err != nil {
			t.Fatalf("Reschedule failed: %v", err)
		}
		if !updated.TargetFireAt.Truncate(time.Second).Equal(newTarget.Truncate(time.Second)) {
			t.Errorf("target = %v, want %v", updated.TargetFireAt, newTarget)
		}
		if updated.Urgency != a.Urgency || updated.Tone != a.Tone {
			t.Errorf("snooze must not touch urgency/tone: got %d/%q, want %d/%q",
				updated.Urgency, updated.Tone, a.Urgency, a.Tone)
		}
		if updated.State != models.StateScheduled {
			t.Errorf("state = %q, want scheduled", updated.State)
		}
	})
}

func TestStore_RescheduleAfterClaim(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		a := mustCreateScheduled(t, s, "conv-7", models.KindAIReply, time.Now().Add(-time.Minute))

		claimed, err := s.ClaimDue(time.Now(), 10)
		if err != nil {
			t.Fatalf("ClaimDue failed: %v", err)
		}
		if len(claimed) != 1 {
			t.Fatalf("expected 1 claimed action, got %d", len(claimed))
		}

		// The claim is the commit point; a late snooze loses.
		if _, err := s.Reschedule(a.ID, time.Now().Add(time.Hour)); !errors.Is(err, models.ErrAlreadyFired) {
			t.Errorf("expected ErrAlreadyFired after claim, got %v", err)
		}
	})
}

func TestStore_ClaimDue(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now()
		due := mustCreateScheduled(t, s, "conv-due", models.KindAIReply, now.Add(-time.Minute))
		mustCreateScheduled(t, s, "conv-future", models.KindAIReply, now.Add(time.Hour))

		claimed, err := s.ClaimDue(now, 10)
		if err != nil {
			t.Fatalf("ClaimDue failed: %v", err)
		}
		if len(claimed) != 1 || claimed[0].ID != due.ID {
			t.Fatalf("expected only the due action, got %+v", claimed)
		}
		if claimed[0].State != models.StateFiring {
			t.Errorf("claimed state = %q, want firing", claimed[0].State)
		}
		if claimed[0].LockedAt == nil {
			t.Error("claimed action missing locked_at")
		}

		// Already claimed; nothing left.
		again, err := s.ClaimDue(now, 10)
		if err != nil {
			t.Fatalf("second ClaimDue failed: %v", err)
		}
		if len(again) != 0 {
			t.Errorf("expected empty second claim, got %d", len(again))
		}
	})
}

func TestStore_ClaimDueNonPositiveLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now()
		a := mustCreateScheduled(t, s, "conv-limit", models.KindAIReply, now.Add(-time.Minute))

		for _, limit := range []int{0, -1} {
			claimed, err := s.ClaimDue(now, limit)
			if err != nil {
				t.Fatalf("ClaimDue(limit=%d) failed: %v", limit, err)
			}
			if len(claimed) != 0 {
				t.Errorf("ClaimDue(limit=%d) claimed %d actions, want 0", limit, len(claimed))
			}
		}

		// The action is still claimable with a real limit.
		claimed, err := s.ClaimDue(now, 1)
		if err != nil {
			t.Fatalf("ClaimDue failed: %v", err)
		}
		if len(claimed) != 1 || claimed[0].ID != a.ID {
			t.Errorf("expected the due action after non-positive limits, got %+v", claimed)
		}
	})
}

func TestStore_ClaimDueExclusive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now()
		mustCreateScheduled(t, s, "conv-claim-race", models.KindAIReply, now.Add(-time.Minute))

		const claimants = 8
		var total atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < claimants; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, err := s.ClaimDue(now, 10)
				if err != nil {
					t.Errorf("ClaimDue failed: %v", err)
					return
				}
				total.Add(int32(len(claimed)))
			}()
		}
		wg.Wait()
		if total.Load() != 1 {
			t.Errorf("due action claimed %d times, want exactly 1", total.Load())
		}
	})
}

func TestStore_MarkOutcomeSuccess(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		a := mustCreateScheduled(t, s, "conv-8", models.KindAIReply, time.Now().Add(-time.Minute))
		if _, err := s.ClaimDue(time.Now(), 10); err != nil {
			t.Fatalf("ClaimDue failed: %v", err)
		}

		sent, err := s.MarkOutcome(a.ID, Outcome{Success: true})
		if err != nil {
			t.Fatalf("MarkOutcome failed: %v", err)
		}
		if sent.State != models.StateSent {
			t.Errorf("state = %q, want sent", sent.State)
		}
		if sent.LastError != "" {
			t.Errorf("last error should be cleared, got %q", sent.LastError)
		}

		// Marking an already-sent action again is a no-op.
		again, err := s.MarkOutcome(a.ID, Outcome{Success: false, Error: "late failure"})
		if err != nil {
			t.Fatalf("second MarkOutcome failed: %v", err)
		}
		if again.State != models.StateSent || again.Attempt != sent.Attempt {
			t.Errorf("second mark mutated the action: %+v", again)
		}
	})
}

func TestStore_MarkOutcomeRetryThenFail(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		target := time.Now().Add(-time.Minute)
		a, err := s.Create(CreateParams{
			SubjectKey:   "conv-9",
			Kind:         models.KindAIReply,
			Urgency:      4,
			Tone:         "general",
			TargetFireAt: &target,
			MaxAttempts:  2,
		})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		if _, err := s.ClaimDue(time.Now(), 10); err != nil {
			t.Fatalf("ClaimDue failed: %v", err)
		}
		retryAt := time.Now().Add(30 * time.Second)
		requeued, err := s.MarkOutcome(a.ID, Outcome{Error: "smtp timeout", NextRetryAt: retryAt})
		if err != nil {
			t.Fatalf("MarkOutcome failed: %v", err)
		}
		if requeued.State != models.StateScheduled {
			t.Fatalf("state = %q, want scheduled (retry)", requeued.State)
		}
		if requeued.Attempt != 1 {
			t.Errorf("attempt = %d, want 1", requeued.Attempt)
		}
		if requeued.LastError != "smtp timeout" {
			t.Errorf("last error = %q", requeued.LastError)
		}

		// Second failure exhausts the budget.
		if _, err := s.ClaimDue(retryAt.Add(time.Second), 10); err != nil {
			t.Fatalf("second ClaimDue failed: %v", err)
		}
		failed, err := s.MarkOutcome(a.ID, Outcome{Error: "smtp timeout", NextRetryAt: time.Now().Add(time.Minute)})
		if err != nil {
			t.Fatalf("second MarkOutcome failed: %v", err)
		}
		if failed.State != models.StateFailed {
			t.Errorf("state = %q, want failed", failed.State)
		}
	})
}

func TestStore_MarkOutcomePermanent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		a := mustCreateScheduled(t, s, "conv-10", models.KindAIReply, time.Now().Add(-time.Minute))
		if _, err := s.ClaimDue(time.Now(), 10); err != nil {
			t.Fatalf("ClaimDue failed: %v", err)
		}

		failed, err := s.MarkOutcome(a.ID, Outcome{Error: "recipient rejected", Permanent: true})
		if err != nil {
			t.Fatalf("MarkOutcome failed: %v", err)
		}
		if failed.State != models.StateFailed {
			t.Errorf("state = %q, want failed on permanent error", failed.State)
		}
	})
}

func TestStore_Cancel(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		if err := s.Cancel("act_missing"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		a := mustCreateScheduled(t, s, "conv-11", models.KindFollowupReminder, time.Now().Add(time.Hour))
		if err := s.Cancel(a.ID); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		// Cancelling twice is idempotent.
		if err := s.Cancel(a.ID); err != nil {
			t.Errorf("second Cancel should be a no-op, got %v", err)
		}

		// Cancelling an already-sent action loses to the claim.
		b := mustCreateScheduled(t, s, "conv-12", models.KindAIReply, time.Now().Add(-time.Minute))
		if _, err := s.ClaimDue(time.Now(), 10); err != nil {
			t.Fatalf("ClaimDue failed: %v", err)
		}
		if _, err := s.MarkOutcome(b.ID, Outcome{Success: true}); err != nil {
			t.Fatalf("MarkOutcome failed: %v", err)
		}
		if err := s.Cancel(b.ID); !errors.Is(err, models.ErrAlreadyFired) {
			t.Errorf("expected ErrAlreadyFired, got %v", err)
		}
	})
}

func TestStore_CancelFiringBestEffort(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		a := mustCreateScheduled(t, s, "conv-13", models.KindAIReply, time.Now().Add(-time.Minute))
		if _, err := s.ClaimDue(time.Now(), 10); err != nil {
			t.Fatalf("ClaimDue failed: %v", err)
		}

		if err := s.Cancel(a.ID); err != nil {
			t.Fatalf("cancel of firing action should succeed (best effort): %v", err)
		}
		got, err := s.GetByID(a.ID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.State != models.StateCancelled {
			t.Errorf("state = %q, want cancelled", got.State)
		}

		// The in-flight executor call finishing later must not resurrect it.
		after, err := s.MarkOutcome(a.ID, Outcome{Success: true})
		if err != nil {
			t.Fatalf("MarkOutcome failed: %v", err)
		}
		if after.State != models.StateCancelled {
			t.Errorf("state = %q, want cancelled to stick", after.State)
		}
	})
}

func TestStore_GetAndListActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		none, err := s.Get("conv-none", models.KindAIReply)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if none != nil {
			t.Errorf("expected nil for unknown subject, got %+v", none)
		}

		now := time.Now()
		mustCreateScheduled(t, s, "conv-a", models.KindAIReply, now.Add(time.Hour))
		mustCreateScheduled(t, s, "conv-b", models.KindAIReply, now.Add(30*time.Minute))
		mustCreateScheduled(t, s, "conv-b", models.KindFollowupReminder, now.Add(2*time.Hour))

		all, err := s.ListActive(ListFilter{})
		if err != nil {
			t.Fatalf("ListActive failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 active actions, got %d", len(all))
		}
		// Ordered by target fire time.
		if all[0].SubjectKey != "conv-b" || all[0].Kind != models.KindAIReply {
			t.Errorf("expected earliest target first, got %+v", all[0])
		}

		replies, err := s.ListActive(ListFilter{Kind: models.KindAIReply})
		if err != nil {
			t.Fatalf("ListActive filtered failed: %v", err)
		}
		if len(replies) != 2 {
			t.Errorf("expected 2 ai_reply actions, got %d", len(replies))
		}

		limited, err := s.ListActive(ListFilter{Limit: 1})
		if err != nil {
			t.Fatalf("ListActive limited failed: %v", err)
		}
		if len(limited) != 1 {
			t.Errorf("expected 1 action with limit, got %d", len(limited))
		}
	})
}

func TestStore_RequeueStaleFiring(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		a := mustCreateScheduled(t, s, "conv-stale", models.KindAIReply, time.Now().Add(-time.Minute))
		if _, err := s.ClaimDue(time.Now(), 10); err != nil {
			t.Fatalf("ClaimDue failed: %v", err)
		}

		// Nothing is stale yet.
		n, err := s.RequeueStaleFiring(time.Now().Add(-5 * time.Minute))
		if err != nil {
			t.Fatalf("RequeueStaleFiring failed: %v", err)
		}
		if n != 0 {
			t.Errorf("expected 0 requeued, got %d", n)
		}

		// With a future cutoff the firing action counts as stale.
		n, err = s.RequeueStaleFiring(time.Now().Add(time.Minute))
		if err != nil {
			t.Fatalf("RequeueStaleFiring failed: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 requeued, got %d", n)
		}
		got, err := s.GetByID(a.ID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.State != models.StateScheduled {
			t.Errorf("state = %q, want scheduled after requeue", got.State)
		}
		if got.LockedAt != nil {
			t.Error("locked_at should be cleared after requeue")
		}
	})
}

func TestStore_PurgeTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		a := mustCreateScheduled(t, s, "conv-purge", models.KindAIReply, time.Now().Add(-time.Minute))
		if _, err := s.ClaimDue(time.Now(), 10); err != nil {
			t.Fatalf("ClaimDue failed: %v", err)
		}
		if _, err := s.MarkOutcome(a.ID, Outcome{Success: true}); err != nil {
			t.Fatalf("MarkOutcome failed: %v", err)
		}
		keep := mustCreateScheduled(t, s, "conv-keep", models.KindAIReply, time.Now().Add(time.Hour))

		n, err := s.PurgeTerminal(time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("PurgeTerminal failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 purged, got %d", n)
		}
		gone, err := s.GetByID(a.ID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if gone != nil {
			t.Errorf("terminal action should be gone, got %+v", gone)
		}
		kept, err := s.GetByID(keep.ID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if kept == nil {
			t.Error("active action must survive the purge")
		}
	})
}

func TestStore_SentLog(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		log, ok := s.(SentLog)
		if !ok {
			t.Fatalf("%T does not implement SentLog", s)
		}

		sent, err := log.IsSent("act_x")
		if err != nil {
			t.Fatalf("IsSent failed: %v", err)
		}
		if sent {
			t.Error("unknown action should not be sent")
		}

		first, err := log.RecordSent("act_x", "conv-1", models.KindAIReply, time.Now())
		if err != nil {
			t.Fatalf("RecordSent failed: %v", err)
		}
		if !first {
			t.Error("first RecordSent should return true")
		}

		second, err := log.RecordSent("act_x", "conv-1", models.KindAIReply, time.Now())
		if err != nil {
			t.Fatalf("second RecordSent failed: %v", err)
		}
		if second {
			t.Error("second RecordSent should return false")
		}

		sent, err = log.IsSent("act_x")
		if err != nil {
			t.Fatalf("IsSent failed: %v", err)
		}
		if !sent {
			t.Error("recorded action should report sent")
		}
	})
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":   "postgres",
		"postgresql://u:p@localhost/db": "postgres",
		"host=localhost user=replypace": "postgres",
		"/var/lib/replypace/rp.db":      "sqlite",
		"rp.db":                         "sqlite",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}
