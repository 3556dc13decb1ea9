// Package store provides storage backends for ReplyPace.
//
// This file implements the PostgreSQL-backed pending-action store used
// when multiple scheduler instances share one database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/MailLoop/ReplyPace/internal/models"
	"github.com/MailLoop/ReplyPace/internal/util"
	"github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// pqUniqueViolation is the PostgreSQL error code for unique constraint violations.
const pqUniqueViolation = "23505"

// Compile-time checks that PostgresStore implements the store contracts.
var (
	_ Store   = (*PostgresStore)(nil)
	_ SentLog = (*PostgresStore)(nil)
)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN and
// applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Create(p CreateParams) (*models.PendingAction, error) {
	if err := validateCreateParams(&p); err != nil {
		return nil, err
	}

	id := util.GenerateActionID()
	now := time.Now()
	state := initialState(p)

	_, err := s.db.Exec(
		`INSERT INTO pending_actions (id, subject_key, kind, state, urgency, tone, payload, target_fire_at, attempt, max_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11)`,
		id, p.SubjectKey, p.Kind, state, p.Urgency, p.Tone, nilIfEmpty(p.Payload),
		nilIfNilTime(p.TargetFireAt), p.MaxAttempts, now, now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			slog.Debug("PostgresStore.Create: active action exists", "subjectKey", p.SubjectKey, "kind", p.Kind)
			return nil, models.ErrAlreadyPending
		}
		return nil, fmt.Errorf("create pending action failed: %w", err)
	}
	slog.Debug("PostgresStore.Create", "id", id, "subjectKey", p.SubjectKey, "kind", p.Kind, "state", state)
	return s.GetByID(id)
}

func (s *PostgresStore) Schedule(id string, urgency int, tone string, targetFireAt time.Time) (*models.PendingAction, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE pending_actions SET state = 'scheduled', urgency = $1, tone = $2, target_fire_at = $3, updated_at = $4
		 WHERE id = $5 AND state = 'analyzing'`,
		urgency, tone, targetFireAt, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("schedule action failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, s.missingOrFired(id)
	}
	return s.GetByID(id)
}

func (s *PostgresStore) Reschedule(id string, newTargetFireAt time.Time) (*models.PendingAction, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE pending_actions SET target_fire_at = $1, updated_at = $2
		 WHERE id = $3 AND state IN ('analyzing', 'scheduled')`,
		newTargetFireAt, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("reschedule action failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, s.missingOrFired(id)
	}
	slog.Debug("PostgresStore.Reschedule", "id", id, "targetFireAt", newTargetFireAt)
	return s.GetByID(id)
}

func (s *PostgresStore) Cancel(id string) error {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE pending_actions SET state = 'cancelled', locked_at = NULL, updated_at = $1
		 WHERE id = $2 AND state IN `+activeStatesSQL,
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
	slog.Debug("PostgresStore.Cancel", "id", id)
	return nil
}

// ClaimDue uses FOR UPDATE SKIP LOCKED so concurrent scheduler instances
// never receive the same row.
func (s *PostgresStore) ClaimDue(now time.Time, limit int) ([]models.PendingAction, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(
		`UPDATE pending_actions SET state = 'firing', locked_at = $1, updated_at = $1
		 WHERE id IN (
		     SELECT id FROM pending_actions
		     WHERE state = 'scheduled' AND target_fire_at <= $1
		     ORDER BY target_fire_at ASC
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+actionColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due failed: %w", err)
	}
	claimed, err := collectActions(rows)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		slog.Debug("PostgresStore.ClaimDue", "claimed", len(claimed))
	}
	return claimed, nil
}

func (s *PostgresStore) MarkOutcome(id string, o Outcome) (*models.PendingAction, error) {
	now := time.Now()

	if o.Success {
		_, err := s.db.Exec(
			`UPDATE pending_actions SET state = 'sent', last_error = NULL, locked_at = NULL, updated_at = $1
			 WHERE id = $2 AND state = 'firing'`,
			now, id,
		)
		if err != nil {
			return nil, fmt.Errorf("mark outcome success failed: %w", err)
		}
		return s.GetByID(id)
	}

	var attempt, maxAttempts int
	err := s.db.QueryRow(
		`SELECT attempt, max_attempts FROM pending_actions WHERE id = $1 AND state = 'firing'`, id,
	).Scan(&attempt, &maxAttempts)
	if err == sql.ErrNoRows {
		return s.GetByID(id)
	}
	if err != nil {
		return nil, fmt.Errorf("mark outcome lookup failed: %w", err)
	}

	attempt++
	if o.Permanent || attempt >= maxAttempts {
		_, err = s.db.Exec(
			`UPDATE pending_actions SET state = 'failed', attempt = $1, last_error = $2, locked_at = NULL, updated_at = $3
			 WHERE id = $4 AND state = 'firing'`,
			attempt, o.Error, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE pending_actions SET state = 'scheduled', attempt = $1, last_error = $2, target_fire_at = $3, locked_at = NULL, updated_at = $4
			 WHERE id = $5 AND state = 'firing'`,
			attempt, o.Error, o.NextRetryAt, now, id,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("mark outcome update failed: %w", err)
	}
	slog.Debug("PostgresStore.MarkOutcome", "id", id, "success", o.Success, "permanent", o.Permanent, "attempt", attempt)
	return s.GetByID(id)
}

func (s *PostgresStore) Get(subjectKey string, kind models.ActionKind) (*models.PendingAction, error) {
	row := s.db.QueryRow(
		`SELECT `+actionColumns+` FROM pending_actions
		 WHERE subject_key = $1 AND kind = $2
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

func (s *PostgresStore) GetByID(id string) (*models.PendingAction, error) {
	row := s.db.QueryRow(`SELECT `+actionColumns+` FROM pending_actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get action by id failed: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListActive(f ListFilter) ([]models.PendingAction, error) {
	query := `SELECT ` + actionColumns + ` FROM pending_actions WHERE state IN ` + activeStatesSQL
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.SubjectKey != "" {
		query += ` AND subject_key = ` + arg(f.SubjectKey)
	}
	if f.Kind != "" {
		query += ` AND kind = ` + arg(f.Kind)
	}
	if len(f.States) > 0 {
		query += ` AND state = ANY(` + arg(pq.Array(stateStrings(f.States))) + `)`
	}
	query += ` ORDER BY target_fire_at ASC NULLS FIRST`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active query failed: %w", err)
	}
	return collectActions(rows)
}

func (s *PostgresStore) RequeueStaleFiring(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE pending_actions SET state = 'scheduled', locked_at = NULL, updated_at = $1
		 WHERE state = 'firing' AND locked_at < $2`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale firing failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleFiring", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) PurgeTerminal(olderThan time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM pending_actions
		 WHERE state IN ('sent', 'cancelled', 'failed') AND updated_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("purge terminal failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("PostgresStore.PurgeTerminal", "purged", n)
	}
	return int(n), nil
}

// IsSent implements SentLog.
func (s *PostgresStore) IsSent(actionID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM sent_log WHERE action_id = $1`, actionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sent log lookup failed: %w", err)
	}
	return true, nil
}

// RecordSent implements SentLog.
func (s *PostgresStore) RecordSent(actionID, subjectKey string, kind models.ActionKind, sentAt time.Time) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO sent_log (action_id, subject_key, kind, sent_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (action_id) DO NOTHING`,
		actionID, subjectKey, kind, sentAt,
	)
	if err != nil {
		return false, fmt.Errorf("record sent failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) missingOrFired(id string) error {
	existing, err := s.GetByID(id)
	if err != nil {
		return err
	}
	if existing == nil {
		return models.ErrNotFound
	}
	return models.ErrAlreadyFired
}

func stateStrings(states []models.ActionState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
