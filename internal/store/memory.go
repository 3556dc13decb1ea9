package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MailLoop/ReplyPace/internal/models"
	"github.com/MailLoop/ReplyPace/internal/util"
)

// Compile-time checks that InMemoryStore implements the store contracts.
var (
	_ Store   = (*InMemoryStore)(nil)
	_ SentLog = (*InMemoryStore)(nil)
)

// InMemoryStore keeps pending actions in process memory. It backs tests
// and DSN-less runs; production deployments use SQLite or PostgreSQL.
type InMemoryStore struct {
	mu      sync.Mutex
	actions map[string]*models.PendingAction
	sent    map[string]time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		actions: make(map[string]*models.PendingAction),
		sent:    make(map[string]time.Time),
	}
}

func (s *InMemoryStore) Create(p CreateParams) (*models.PendingAction, error) {
	if err := validateCreateParams(&p); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.actions {
		if a.SubjectKey == p.SubjectKey && a.Kind == p.Kind && a.State.Active() {
			return nil, models.ErrAlreadyPending
		}
	}

	now := time.Now()
	action := &models.PendingAction{
		ID:           util.GenerateActionID(),
		SubjectKey:   p.SubjectKey,
		Kind:         p.Kind,
		State:        initialState(p),
		Urgency:      p.Urgency,
		Tone:         p.Tone,
		Payload:      p.Payload,
		TargetFireAt: copyTime(p.TargetFireAt),
		MaxAttempts:  p.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.actions[action.ID] = action
	slog.Debug("InMemoryStore.Create", "id", action.ID, "subjectKey", p.SubjectKey, "kind", p.Kind, "state", action.State)
	return snapshot(action), nil
}

func (s *InMemoryStore) Schedule(id string, urgency int, tone string, targetFireAt time.Time) (*models.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if a.State != models.StateAnalyzing {
		return nil, models.ErrAlreadyFired
	}
	a.State = models.StateScheduled
	a.Urgency = urgency
	a.Tone = tone
	t := targetFireAt
	a.TargetFireAt = &t
	a.UpdatedAt = time.Now()
	return snapshot(a), nil
}

func (s *InMemoryStore) Reschedule(id string, newTargetFireAt time.Time) (*models.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if a.State != models.StateAnalyzing && a.State != models.StateScheduled {
		return nil, models.ErrAlreadyFired
	}
	t := newTargetFireAt
	a.TargetFireAt = &t
	a.UpdatedAt = time.Now()
	slog.Debug("InMemoryStore.Reschedule", "id", id, "targetFireAt", newTargetFireAt)
	return snapshot(a), nil
}

func (s *InMemoryStore) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return models.ErrNotFound
	}
	switch a.State {
	case models.StateCancelled:
		return nil
	case models.StateSent, models.StateFailed:
		return models.ErrAlreadyFired
	}
	a.State = models.StateCancelled
	a.LockedAt = nil
	a.UpdatedAt = time.Now()
	slog.Debug("InMemoryStore.Cancel", "id", id)
	return nil
}

func (s *InMemoryStore) ClaimDue(now time.Time, limit int) ([]models.PendingAction, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.PendingAction
	for _, a := range s.actions {
		if a.State == models.StateScheduled && a.TargetFireAt != nil && !a.TargetFireAt.After(now) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TargetFireAt.Before(*due[j].TargetFireAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]models.PendingAction, 0, len(due))
	for _, a := range due {
		a.State = models.StateFiring
		locked := now
		a.LockedAt = &locked
		a.UpdatedAt = now
		claimed = append(claimed, *snapshot(a))
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkOutcome(id string, o Outcome) (*models.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if a.State != models.StateFiring {
		// Already resolved elsewhere; marking again is a no-op.
		return snapshot(a), nil
	}

	now := time.Now()
	a.LockedAt = nil
	a.UpdatedAt = now
	switch {
	case o.Success:
		a.State = models.StateSent
		a.LastError = ""
	case o.Permanent || a.Attempt+1 >= a.MaxAttempts:
		a.Attempt++
		a.State = models.StateFailed
		a.LastError = o.Error
	default:
		a.Attempt++
		a.State = models.StateScheduled
		t := o.NextRetryAt
		a.TargetFireAt = &t
		a.LastError = o.Error
	}
	slog.Debug("InMemoryStore.MarkOutcome", "id", id, "state", a.State, "attempt", a.Attempt)
	return snapshot(a), nil
}

func (s *InMemoryStore) Get(subjectKey string, kind models.ActionKind) (*models.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.PendingAction
	for _, a := range s.actions {
		if a.SubjectKey != subjectKey || a.Kind != kind {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, nil
	}
	return snapshot(latest), nil
}

func (s *InMemoryStore) GetByID(id string) (*models.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, nil
	}
	return snapshot(a), nil
}

func (s *InMemoryStore) ListActive(f ListFilter) ([]models.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.PendingAction
	for _, a := range s.actions {
		if !a.State.Active() {
			continue
		}
		if f.SubjectKey != "" && a.SubjectKey != f.SubjectKey {
			continue
		}
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if len(f.States) > 0 && !containsState(f.States, a.State) {
			continue
		}
		out = append(out, *snapshot(a))
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].TargetFireAt, out[j].TargetFireAt
		switch {
		case ti == nil && tj == nil:
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		case ti == nil:
			return true
		case tj == nil:
			return false
		default:
			return ti.Before(*tj)
		}
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) RequeueStaleFiring(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, a := range s.actions {
		if a.State == models.StateFiring && a.LockedAt != nil && a.LockedAt.Before(staleBefore) {
			a.State = models.StateScheduled
			a.LockedAt = nil
			a.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) PurgeTerminal(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, a := range s.actions {
		if a.State.Terminal() && a.UpdatedAt.Before(olderThan) {
			delete(s.actions, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }

// IsSent implements SentLog.
func (s *InMemoryStore) IsSent(actionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sent[actionID]
	return ok, nil
}

// RecordSent implements SentLog.
func (s *InMemoryStore) RecordSent(actionID, subjectKey string, kind models.ActionKind, sentAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sent[actionID]; ok {
		return false, nil
	}
	s.sent[actionID] = sentAt
	return true, nil
}

func snapshot(a *models.PendingAction) *models.PendingAction {
	cp := *a
	cp.TargetFireAt = copyTime(a.TargetFireAt)
	cp.LockedAt = copyTime(a.LockedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func containsState(states []models.ActionState, s models.ActionState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
