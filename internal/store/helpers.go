package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/MailLoop/ReplyPace/internal/models"
)

// actionColumns is the canonical SELECT column list for pending actions.
const actionColumns = `id, subject_key, kind, state, urgency, tone, payload, target_fire_at, attempt, max_attempts, last_error, locked_at, created_at, updated_at`

// activeStatesSQL is the quoted state list used by active-row predicates.
// It must match the partial unique index in the migrations.
const activeStatesSQL = `('analyzing', 'scheduled', 'firing')`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfNilTime returns nil for a nil time pointer, otherwise the value.
func nilIfNilTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanAction scans a PendingAction from a row or rows cursor.
func scanAction(row rowScanner) (models.PendingAction, error) {
	var a models.PendingAction
	var tone, payload, lastError sql.NullString
	var targetFireAt, lockedAt sql.NullTime
	err := row.Scan(
		&a.ID, &a.SubjectKey, &a.Kind, &a.State, &a.Urgency, &tone, &payload,
		&targetFireAt, &a.Attempt, &a.MaxAttempts, &lastError, &lockedAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}
	a.Tone = tone.String
	a.Payload = payload.String
	a.LastError = lastError.String
	if targetFireAt.Valid {
		t := targetFireAt.Time
		a.TargetFireAt = &t
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		a.LockedAt = &t
	}
	return a, nil
}

// collectActions drains a rows cursor into a slice.
func collectActions(rows *sql.Rows) ([]models.PendingAction, error) {
	defer rows.Close()
	var actions []models.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending action failed: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending action iteration failed: %w", err)
	}
	return actions, nil
}
