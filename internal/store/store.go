// Package store provides durable storage backends for pending actions.
//
// The store is the single shared mutable resource in ReplyPace: it owns
// the one-active-action-per-(subject, kind) invariant and the atomic
// claim that makes firing at-most-once, so the scheduler can re-derive
// all in-flight work from it after a restart.
package store

import (
	"strings"
	"time"

	"github.com/MailLoop/ReplyPace/internal/models"
)

// Default limits applied when CreateParams leaves them unset.
const (
	DefaultMaxAttempts = 3
)

// CreateParams describes a new pending action. A nil TargetFireAt creates
// the action in the analyzing state awaiting classification; a concrete
// target creates it scheduled.
type CreateParams struct {
	SubjectKey   string
	Kind         models.ActionKind
	Urgency      int
	Tone         string
	Payload      string
	TargetFireAt *time.Time
	MaxAttempts  int
}

// Outcome reports an executor invocation result for a firing action.
type Outcome struct {
	Success bool
	Error   string
	// Permanent marks failures that must not be retried regardless of the
	// remaining attempt budget.
	Permanent bool
	// NextRetryAt is the requeue target when a transient failure still has
	// attempts left.
	NextRetryAt time.Time
}

// ListFilter narrows ListActive results. Zero values match everything.
type ListFilter struct {
	SubjectKey string
	Kind       models.ActionKind
	States     []models.ActionState
	Limit      int
}

// Store is the durable pending-action contract the scheduler requires.
type Store interface {
	// Create inserts a new pending action. It returns
	// models.ErrAlreadyPending when an active action already exists for
	// the same (subject key, kind); the caller decides whether to
	// supersede or reject.
	Create(p CreateParams) (*models.PendingAction, error)

	// Schedule resolves an analyzing action with its classification and
	// target fire time. Returns models.ErrNotFound if the action is gone
	// and models.ErrAlreadyFired if it left the analyzing state.
	Schedule(id string, urgency int, tone string, targetFireAt time.Time) (*models.PendingAction, error)

	// Reschedule moves the target fire time of a still-pending action
	// (snooze). Legal only while analyzing or scheduled; a claim that
	// already happened wins and surfaces as models.ErrAlreadyFired.
	Reschedule(id string, newTargetFireAt time.Time) (*models.PendingAction, error)

	// Cancel marks a non-terminal action cancelled. Cancelling a firing
	// action is best-effort; the executor's idempotency check is the
	// final backstop. Returns models.ErrNotFound for unknown ids and
	// models.ErrAlreadyFired for actions that already reached a sent or
	// failed state.
	Cancel(id string) error

	// ClaimDue atomically flips up to limit scheduled actions with
	// targetFireAt <= now into the firing state and returns them. The
	// claim is exclusive across concurrent callers: each due action is
	// returned to exactly one of them. A non-positive limit claims
	// nothing.
	ClaimDue(now time.Time, limit int) ([]models.PendingAction, error)

	// MarkOutcome records an executor result for a firing action:
	// success moves it to sent; a transient failure requeues it at
	// NextRetryAt while attempts remain, otherwise it goes to failed; a
	// permanent failure goes to failed immediately. Marking an action
	// that is no longer firing is a no-op.
	MarkOutcome(id string, o Outcome) (*models.PendingAction, error)

	// Get returns the most recent action for a (subject key, kind), or
	// nil when none exists.
	Get(subjectKey string, kind models.ActionKind) (*models.PendingAction, error)

	// GetByID returns a single action by id, or nil when absent.
	GetByID(id string) (*models.PendingAction, error)

	// ListActive returns non-terminal actions matching the filter in
	// target-fire-time order, as a single bounded query.
	ListActive(f ListFilter) ([]models.PendingAction, error)

	// RequeueStaleFiring returns firing actions locked since before
	// staleBefore to the scheduled state (crash recovery: outcome
	// unknown, re-fire behind the executor's idempotency check).
	RequeueStaleFiring(staleBefore time.Time) (int, error)

	// PurgeTerminal deletes terminal actions older than the cutoff and
	// reports how many were removed.
	PurgeTerminal(olderThan time.Time) (int, error)

	Close() error
}

// SentLog records which actions have performed their side effect, so an
// executor wrapper can verify "has this already been sent" before sending.
type SentLog interface {
	// IsSent reports whether the action already performed its side effect.
	IsSent(actionID string) (bool, error)

	// RecordSent marks the action's side effect as performed. Returns
	// false when it was already recorded.
	RecordSent(actionID, subjectKey string, kind models.ActionKind, sentAt time.Time) (bool, error)
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" (file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// validateCreateParams applies shared parameter checks and defaults.
func validateCreateParams(p *CreateParams) error {
	if p.SubjectKey == "" {
		return models.ErrInvalidSubjectKey
	}
	if !models.IsValidActionKind(p.Kind) {
		return models.ErrInvalidActionKind
	}
	if p.Urgency < models.MinUrgency || p.Urgency > models.MaxUrgency {
		return models.ErrInvalidUrgency
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return nil
}

// initialState derives the starting state from the creation parameters.
func initialState(p CreateParams) models.ActionState {
	if p.TargetFireAt == nil {
		return models.StateAnalyzing
	}
	return models.StateScheduled
}
