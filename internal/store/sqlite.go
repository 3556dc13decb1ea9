// Package store provides storage backends for ReplyPace.
//
// This file implements the SQLite-backed pending-action store, the default
// for single-node deployments.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/MailLoop/ReplyPace/internal/models"
	"github.com/MailLoop/ReplyPace/internal/util"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time checks that SQLiteStore implements the store contracts.
var (
	_ Store   = (*SQLiteStore)(nil)
	_ SentLog = (*SQLiteStore)(nil)
)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000")
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(p CreateParams) (*models.PendingAction, error) {
	if err := validateCreateParams(&p); err != nil {
		return nil, err
	}

	id := util.GenerateActionID()
	now := time.Now()
	state := initialState(p)

	_, err := s.db.Exec(
		`INSERT INTO pending_actions (id, subject_key, kind, state, urgency, tone, payload, target_fire_at, attempt, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		id, p.SubjectKey, p.Kind, state, p.Urgency, p.Tone, nilIfEmpty(p.Payload),
		nilIfNilTime(p.TargetFireAt), p.MaxAttempts, now, now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			slog.Debug("SQLiteStore.Create: active action exists", "subjectKey", p.SubjectKey, "kind", p.Kind)
			return nil, models.ErrAlreadyPending
		}
		return nil, fmt.Errorf("create pending action failed: %w", err)
	}
	slog.Debug("SQLiteStore.Create", "id", id, "subjectKey", p.SubjectKey, "kind", p.Kind, "state", state)
	return s.GetByID(id)
}

func (s *SQLiteStore) Schedule(id string, urgency int, tone string, targetFireAt time.Time) (*models.PendingAction, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE pending_actions SET state = 'scheduled', urgency = ?, tone = ?, target_fire_at = ?, updated_at = ?
		 WHERE id = ? AND state = 'analyzing'`,
		urgency, tone, targetFireAt, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("schedule action failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, s.missingOrFired(id)
	}
	slog.Debug("SQLiteStore.Schedule", "id", id, "urgency", urgency, "tone", tone, "targetFireAt", targetFireAt)
	return s.GetByID(id)
}

func (s *SQLiteStore) Reschedule(id string, newTargetFireAt time.Time) (*models.PendingAction, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE pending_actions SET target_fire_at = ?, updated_at = ?
		 WHERE id = ? AND state IN ('analyzing', 'scheduled')`,
		newTargetFireAt, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("reschedule action failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, s.missingOrFired(id)
	}
	slog.Debug("SQLiteStore.Reschedule", "id", id, "targetFireAt", newTargetFireAt)
	return s.GetByID(id)
}

func (s *SQLiteStore) Cancel(id string) error {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE pending_actions SET state = 'cancelled', locked_at = NULL, updated_at = ?
		 WHERE id = ? AND state IN `+activeStatesSQL,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("cancel action failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		existing, err := s.GetByID(id)
		if err != nil {
			return err
		}
		switch {
		case existing == nil:
			return models.ErrNotFound
		case existing.State == models.StateCancelled:
			return nil
		default:
			return models.ErrAlreadyFired
		}
	}
	slog.Debug("SQLiteStore.Cancel", "id", id)
	return nil
}

func (s *SQLiteStore) ClaimDue(now time.Time, limit int) ([]models.PendingAction, error) {
	// A negative LIMIT means unbounded in SQLite; the contract says
	// non-positive claims nothing.
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT id FROM pending_actions
		 WHERE state = 'scheduled' AND target_fire_at <= ?
		 ORDER BY target_fire_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due query failed: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim due scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim due iteration failed: %w", err)
	}
	rows.Close()

	// Each flip is conditional on the row still being scheduled, so a
	// concurrent claimant that got there first simply wins the row.
	var claimed []models.PendingAction
	for _, id := range ids {
		result, err := s.db.Exec(
			`UPDATE pending_actions SET state = 'firing', locked_at = ?, updated_at = ?
			 WHERE id = ? AND state = 'scheduled'`,
			now, now, id,
		)
		if err != nil {
			return nil, fmt.Errorf("claim action failed: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			continue // lost the race to another claimant
		}
		a, err := s.GetByID(id)
		if err != nil {
			return nil, err
		}
		if a != nil {
			claimed = append(claimed, *a)
		}
	}
	if len(claimed) > 0 {
		slog.Debug("SQLiteStore.ClaimDue", "claimed", len(claimed))
	}
	return claimed, nil
}

func (s *SQLiteStore) MarkOutcome(id string, o Outcome) (*models.PendingAction, error) {
	now := time.Now()

	if o.Success {
		_, err := s.db.Exec(
			`UPDATE pending_actions SET state = 'sent', last_error = NULL, locked_at = NULL, updated_at = ?
			 WHERE id = ? AND state = 'firing'`,
			now, id,
		)
		if err != nil {
			return nil, fmt.Errorf("mark outcome success failed: %w", err)
		}
		return s.GetByID(id)
	}

	var attempt, maxAttempts int
	err := s.db.QueryRow(
		`SELECT attempt, max_attempts FROM pending_actions WHERE id = ? AND state = 'firing'`, id,
	).Scan(&attempt, &maxAttempts)
	if err == sql.ErrNoRows {
		// No longer firing: outcome was already recorded or the action was
		// cancelled mid-flight. No-op.
		return s.GetByID(id)
	}
	if err != nil {
		return nil, fmt.Errorf("mark outcome lookup failed: %w", err)
	}

	attempt++
	if o.Permanent || attempt >= maxAttempts {
		_, err = s.db.Exec(
			`UPDATE pending_actions SET state = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ?
			 WHERE id = ? AND state = 'firing'`,
			attempt, o.Error, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE pending_actions SET state = 'scheduled', attempt = ?, last_error = ?, target_fire_at = ?, locked_at = NULL, updated_at = ?
			 WHERE id = ? AND state = 'firing'`,
			attempt, o.Error, o.NextRetryAt, now, id,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("mark outcome update failed: %w", err)
	}
	slog.Debug("SQLiteStore.MarkOutcome", "id", id, "success", o.Success, "permanent", o.Permanent, "attempt", attempt)
	return s.GetByID(id)
}

func (s *SQLiteStore) Get(subjectKey string, kind models.ActionKind) (*models.PendingAction, error) {
	row := s.db.QueryRow(
		`SELECT `+actionColumns+` FROM pending_actions
		 WHERE subject_key = ? AND kind = ?
		 ORDER BY created_at DESC LIMIT 1`,
		subjectKey, kind,
	)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get action failed: %w", err)
	}
	return &a, nil
}

func (s *SQLiteStore) GetByID(id string) (*models.PendingAction, error) {
	row := s.db.QueryRow(`SELECT `+actionColumns+` FROM pending_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get action by id failed: %w", err)
	}
	return &a, nil
}

func (s *SQLiteStore) ListActive(f ListFilter) ([]models.PendingAction, error) {
	query := `SELECT ` + actionColumns + ` FROM pending_actions WHERE state IN ` + activeStatesSQL
	var args []interface{}
	if f.SubjectKey != "" {
		query += ` AND subject_key = ?`
		args = append(args, f.SubjectKey)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if len(f.States) > 0 {
		query += ` AND state IN (`
		for i, st := range f.States {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, st)
		}
		query += `)`
	}
	query += ` ORDER BY target_fire_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active query failed: %w", err)
	}
	return collectActions(rows)
}

func (s *SQLiteStore) RequeueStaleFiring(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE pending_actions SET state = 'scheduled', locked_at = NULL, updated_at = ?
		 WHERE state = 'firing' AND locked_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale firing failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleFiring", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) PurgeTerminal(olderThan time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM pending_actions
		 WHERE state IN ('sent', 'cancelled', 'failed') AND updated_at < ?`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("purge terminal failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore.PurgeTerminal", "purged", n)
	}
	return int(n), nil
}

// IsSent implements SentLog.
func (s *SQLiteStore) IsSent(actionID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM sent_log WHERE action_id = ?`, actionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sent log lookup failed: %w", err)
	}
	return true, nil
}

// RecordSent implements SentLog.
func (s *SQLiteStore) RecordSent(actionID, subjectKey string, kind models.ActionKind, sentAt time.Time) (bool, error) {
	_, err := s.db.Exec(
		`INSERT INTO sent_log (action_id, subject_key, kind, sent_at) VALUES (?, ?, ?, ?)`,
		actionID, subjectKey, kind, sentAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return false, nil
		}
		return false, fmt.Errorf("record sent failed: %w", err)
	}
	return true, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// missingOrFired distinguishes a missing row from one that already left
// the pending states.
func (s *SQLiteStore) missingOrFired(id string) error {
	existing, err := s.GetByID(id)
	if err != nil {
		return err
	}
	if existing == nil {
		return models.ErrNotFound
	}
	return models.ErrAlreadyFired
}
