// Package scheduler drives pending actions through their lifecycle:
// inbound messages become analyzing actions, classification schedules
// them, a polling loop claims due actions and hands them to the
// executor, and outcomes (including retries) are recorded back into the
// store. All in-flight state lives in the store, so a restarted process
// picks up exactly where the previous one stopped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MailLoop/ReplyPace/internal/clock"
	"github.com/MailLoop/ReplyPace/internal/delay"
	"github.com/MailLoop/ReplyPace/internal/mailer"
	"github.com/MailLoop/ReplyPace/internal/models"
	"github.com/MailLoop/ReplyPace/internal/store"
)

// Defaults applied when options leave the corresponding knob unset.
const (
	DefaultPollInterval      = 15 * time.Second
	DefaultFollowUpDelay     = 18 * time.Hour
	DefaultClaimLimit        = 25
	DefaultWorkerPoolSize    = 8
	DefaultRetention         = 72 * time.Hour
	DefaultStaleThreshold    = 5 * time.Minute
	DefaultClassifyAttempts  = 5
	DefaultClassifyBackoff   = 5 * time.Second
	maintenanceEveryNthPolls = 4
	maxRetryBackoff          = 30 * time.Minute
)

// Classifier scores an inbound message.
type Classifier interface {
	Classify(ctx context.Context, messageText string) (models.Classification, error)
}

// SubjectConfig carries the per-assignment knobs the delay policy needs.
type SubjectConfig struct {
	Hours     models.WorkingHours
	Overrides models.DelayOverrides
}

// ConfigProvider resolves the delay configuration for a subject.
type ConfigProvider interface {
	SubjectConfig(subjectKey string) SubjectConfig
}

// StaticConfig is a ConfigProvider returning the same configuration for
// every subject.
type StaticConfig SubjectConfig

// SubjectConfig implements ConfigProvider.
func (c StaticConfig) SubjectConfig(string) SubjectConfig { return SubjectConfig(c) }

// Opts holds configuration for the scheduler.
type Opts struct {
	PollInterval     time.Duration
	FollowUpDelay    time.Duration
	ClaimLimit       int
	WorkerPoolSize   int
	MaxAttempts      int
	Retention        time.Duration
	StaleThreshold   time.Duration
	ClassifyAttempts int
	ClassifyBackoff  time.Duration
	Clock            clock.Clock
	Config           ConfigProvider
}

// Option configures the scheduler.
type Option func(*Opts)

// WithPollInterval sets how often due actions are claimed.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithFollowUpDelay sets the merchant follow-up reminder delay.
func WithFollowUpDelay(d time.Duration) Option {
	return func(o *Opts) { o.FollowUpDelay = d }
}

// WithClaimLimit caps how many due actions one poll claims.
func WithClaimLimit(n int) Option {
	return func(o *Opts) { o.ClaimLimit = n }
}

// WithWorkerPoolSize bounds concurrent executor invocations.
func WithWorkerPoolSize(n int) Option {
	return func(o *Opts) { o.WorkerPoolSize = n }
}

// WithMaxAttempts sets the per-action attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithRetention sets how long terminal actions are kept before purging.
func WithRetention(d time.Duration) Option {
	return func(o *Opts) { o.Retention = d }
}

// WithStaleThreshold sets how long a firing action may hold its claim
// before maintenance requeues it.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *Opts) { o.StaleThreshold = d }
}

// WithClassifyRetry sets the classification retry budget and base backoff.
func WithClassifyRetry(attempts int, backoff time.Duration) Option {
	return func(o *Opts) {
		o.ClassifyAttempts = attempts
		o.ClassifyBackoff = backoff
	}
}

// WithClock injects a clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithConfigProvider sets the per-subject configuration source.
func WithConfigProvider(p ConfigProvider) Option {
	return func(o *Opts) { o.Config = p }
}

// Scheduler owns the pending-action lifecycle.
type Scheduler struct {
	st       store.Store
	policy   *delay.Policy
	cls      Classifier
	exec     mailer.Executor
	clk      clock.Clock
	config   ConfigProvider
	opts     Opts
	sem      chan struct{}
	wg       sync.WaitGroup
	inflight map[string]struct{}
	mu       sync.Mutex
}

// New creates a scheduler over the given collaborators.
func New(st store.Store, policy *delay.Policy, cls Classifier, exec mailer.Executor, opts ...Option) *Scheduler {
	cfg := Opts{
		PollInterval:     DefaultPollInterval,
		FollowUpDelay:    DefaultFollowUpDelay,
		ClaimLimit:       DefaultClaimLimit,
		WorkerPoolSize:   DefaultWorkerPoolSize,
		MaxAttempts:      store.DefaultMaxAttempts,
		Retention:        DefaultRetention,
		StaleThreshold:   DefaultStaleThreshold,
		ClassifyAttempts: DefaultClassifyAttempts,
		ClassifyBackoff:  DefaultClassifyBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Config == nil {
		cfg.Config = StaticConfig{Hours: models.DefaultWorkingHours()}
	}
	return &Scheduler{
		st:       st,
		policy:   policy,
		cls:      cls,
		exec:     exec,
		clk:      cfg.Clock,
		config:   cfg.Config,
		opts:     cfg,
		sem:      make(chan struct{}, cfg.WorkerPoolSize),
		inflight: make(map[string]struct{}),
	}
}

// HandleInbound records a new inbound message for a conversation. Any
// still-pending reply for the same conversation is superseded: the newest
// message wins and the old reply is cancelled before the replacement is
// created. Classification runs asynchronously; the action sits in the
// analyzing state until it completes.
func (s *Scheduler) HandleInbound(ctx context.Context, subjectKey, messageText string) (*models.PendingAction, error) {
	if subjectKey == "" {
		return nil, models.ErrInvalidSubjectKey
	}

	existing, err := s.st.Get(subjectKey, models.KindAIReply)
	if err != nil {
		return nil, fmt.Errorf("Scheduler.HandleInbound: lookup failed: %w", err)
	}
	if existing != nil && existing.State.Active() {
		if err := s.st.Cancel(existing.ID); err != nil && !errors.Is(err, models.ErrAlreadyFired) {
			return nil, fmt.Errorf("Scheduler.HandleInbound: failed to supersede %s: %w", existing.ID, err)
		}
		slog.Info("Scheduler.HandleInbound: superseded pending reply", "subjectKey", subjectKey, "supersededID", existing.ID)
	}

	action, err := s.st.Create(store.CreateParams{
		SubjectKey:  subjectKey,
		Kind:        models.KindAIReply,
		Payload:     messageText,
		MaxAttempts: s.opts.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("Scheduler.HandleInbound: create failed: %w", err)
	}
	slog.Info("Scheduler.HandleInbound: analyzing", "subjectKey", subjectKey, "id", action.ID)

	s.spawnClassify(ctx, *action)
	return action, nil
}

// spawnClassify starts classification for an analyzing action unless one
// is already running for it.
func (s *Scheduler) spawnClassify(ctx context.Context, action models.PendingAction) {
	s.mu.Lock()
	if _, running := s.inflight[action.ID]; running {
		s.mu.Unlock()
		return
	}
	s.inflight[action.ID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, action.ID)
			s.mu.Unlock()
		}()
		s.classifyAndSchedule(ctx, action)
	}()
}

// classifyAndSchedule resolves an analyzing action into a scheduled one.
// Classifier outages are retried with exponential backoff; if the budget
// runs out the action stays analyzing and the maintenance sweep picks it
// up again later. A missing classification is never guessed at.
func (s *Scheduler) classifyAndSchedule(ctx context.Context, action models.PendingAction) {
	var cls models.Classification
	var err error
	for attempt := 0; attempt < s.opts.ClassifyAttempts; attempt++ {
		cls, err = s.cls.Classify(ctx, action.Payload)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrClassifierUnavailable) {
			slog.Error("Scheduler.classifyAndSchedule: classification failed", "id", action.ID, "error", err)
			return
		}
		backoff := s.opts.ClassifyBackoff << attempt
		slog.Warn("Scheduler.classifyAndSchedule: classifier unavailable, retrying",
			"id", action.ID, "attempt", attempt+1, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
	if err != nil {
		slog.Error("Scheduler.classifyAndSchedule: classifier retry budget exhausted, leaving action analyzing", "id", action.ID)
		return
	}

	cfg := s.config.SubjectConfig(action.SubjectKey)
	res := s.policy.Compute(delay.Request{
		Urgency:   cls.Urgency,
		Tone:      cls.Tone,
		Overrides: cfg.Overrides,
		Hours:     cfg.Hours,
		Now:       s.clk.Now(),
	})

	if _, err := s.st.Schedule(action.ID, cls.Urgency, cls.Tone, res.TargetFireAt); err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrAlreadyFired) {
			// Cancelled or superseded while we were classifying.
			slog.Info("Scheduler.classifyAndSchedule: action left analyzing state, dropping result", "id", action.ID)
			return
		}
		slog.Error("Scheduler.classifyAndSchedule: schedule failed", "id", action.ID, "error", err)
		return
	}
	slog.Info("Scheduler.classifyAndSchedule: scheduled",
		"id", action.ID, "subjectKey", action.SubjectKey,
		"urgency", cls.Urgency, "tone", cls.Tone,
		"targetFireAt", res.TargetFireAt, "pushedToOpen", res.PushedToOpen)
}

// Run polls for due actions until the context is cancelled. It recovers
// interrupted work first, so a restart resumes cleanly.
func (s *Scheduler) Run(ctx context.Context) {
	s.Recover(ctx)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler.Run: stopping, waiting for in-flight work")
			s.wg.Wait()
			return
		case <-ticker.C:
			s.pollOnce(ctx)
			polls++
			if polls%maintenanceEveryNthPolls == 0 {
				s.maintain(ctx)
			}
		}
	}
}

// Recover requeues actions that were mid-flight when the previous process
// stopped: firing actions locked longer ago than the stale threshold go
// back to scheduled (the executor's sent log prevents double sends), and
// analyzing actions get their classification restarted from the persisted
// message text. The threshold keeps a restarting node on a shared
// Postgres backend from requeuing a peer's in-flight sends; claims that
// survive it are picked up by the maintenance sweep once they age out.
func (s *Scheduler) Recover(ctx context.Context) {
	requeued, err := s.st.RequeueStaleFiring(s.clk.Now().Add(-s.opts.StaleThreshold))
	if err != nil {
		slog.Error("Scheduler.Recover: failed to requeue firing actions", "error", err)
	} else if requeued > 0 {
		slog.Info("Scheduler.Recover: requeued interrupted firing actions", "count", requeued)
	}
	s.resumeAnalyzing(ctx)
}

// resumeAnalyzing restarts classification for analyzing actions with no
// in-flight goroutine.
func (s *Scheduler) resumeAnalyzing(ctx context.Context) {
	actions, err := s.st.ListActive(store.ListFilter{States: []models.ActionState{models.StateAnalyzing}})
	if err != nil {
		slog.Error("Scheduler.resumeAnalyzing: list failed", "error", err)
		return
	}
	for _, a := range actions {
		s.spawnClassify(ctx, a)
	}
}

// pollOnce claims due actions and dispatches them to the worker pool.
func (s *Scheduler) pollOnce(ctx context.Context) {
	actions, err := s.st.ClaimDue(s.clk.Now(), s.opts.ClaimLimit)
	if err != nil {
		slog.Error("Scheduler.pollOnce: claim failed", "error", err)
		return
	}
	for _, a := range actions {
		action := a
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.fire(ctx, action)
		}()
	}
}

// maintain requeues stale claims and purges old terminal actions.
func (s *Scheduler) maintain(ctx context.Context) {
	now := s.clk.Now()
	if n, err := s.st.RequeueStaleFiring(now.Add(-s.opts.StaleThreshold)); err != nil {
		slog.Error("Scheduler.maintain: requeue stale firing failed", "error", err)
	} else if n > 0 {
		slog.Warn("Scheduler.maintain: requeued stale firing actions", "count", n)
	}
	if n, err := s.st.PurgeTerminal(now.Add(-s.opts.Retention)); err != nil {
		slog.Error("Scheduler.maintain: purge failed", "error", err)
	} else if n > 0 {
		slog.Info("Scheduler.maintain: purged terminal actions", "count", n)
	}
	s.resumeAnalyzing(ctx)
}

// fire invokes the executor for a claimed action and records the outcome.
func (s *Scheduler) fire(ctx context.Context, action models.PendingAction) {
	var err error
	switch action.Kind {
	case models.KindAIReply:
		err = s.exec.SendReply(ctx, action)
	case models.KindFollowupReminder:
		err = s.exec.SendReminder(ctx, action)
	default:
		err = fmt.Errorf("%w: unknown action kind %q", models.ErrPermanent, action.Kind)
	}

	if err == nil {
		if _, err := s.st.MarkOutcome(action.ID, store.Outcome{Success: true}); err != nil {
			slog.Error("Scheduler.fire: failed to mark sent", "id", action.ID, "error", err)
			return
		}
		slog.Info("Scheduler.fire: sent", "id", action.ID, "subjectKey", action.SubjectKey, "kind", action.Kind)
		if action.Kind == models.KindAIReply {
			s.createFollowUp(action.SubjectKey)
		}
		return
	}

	outcome := store.Outcome{Error: err.Error()}
	if mailer.IsPermanent(err) {
		outcome.Permanent = true
		slog.Error("Scheduler.fire: permanent failure", "id", action.ID, "error", err)
	} else {
		outcome.NextRetryAt = s.clk.Now().Add(retryBackoff(action.Attempt))
		slog.Warn("Scheduler.fire: transient failure",
			"id", action.ID, "attempt", action.Attempt, "nextRetryAt", outcome.NextRetryAt, "error", err)
	}
	if _, err := s.st.MarkOutcome(action.ID, outcome); err != nil {
		slog.Error("Scheduler.fire: failed to mark outcome", "id", action.ID, "error", err)
	}
}

// createFollowUp schedules the merchant follow-up reminder that fires if
// nobody marks the conversation as replied in time.
func (s *Scheduler) createFollowUp(subjectKey string) {
	target := s.clk.Now().Add(s.opts.FollowUpDelay)
	_, err := s.st.Create(store.CreateParams{
		SubjectKey:   subjectKey,
		Kind:         models.KindFollowupReminder,
		Tone:         "general",
		TargetFireAt: &target,
		MaxAttempts:  s.opts.MaxAttempts,
	})
	if errors.Is(err, models.ErrAlreadyPending) {
		return
	}
	if err != nil {
		slog.Error("Scheduler.createFollowUp: create failed", "subjectKey", subjectKey, "error", err)
		return
	}
	slog.Info("Scheduler.createFollowUp: reminder scheduled", "subjectKey", subjectKey, "targetFireAt", target)
}

// MarkReplied records that a human answered the conversation: the pending
// follow-up reminder is cancelled and a fresh one is scheduled a full
// follow-up delay out.
func (s *Scheduler) MarkReplied(subjectKey string) (*models.PendingAction, error) {
	if subjectKey == "" {
		return nil, models.ErrInvalidSubjectKey
	}
	existing, err := s.st.Get(subjectKey, models.KindFollowupReminder)
	if err != nil {
		return nil, fmt.Errorf("Scheduler.MarkReplied: lookup failed: %w", err)
	}
	if existing != nil && existing.State.Active() {
		if err := s.st.Cancel(existing.ID); err != nil && !errors.Is(err, models.ErrAlreadyFired) {
			return nil, fmt.Errorf("Scheduler.MarkReplied: cancel failed: %w", err)
		}
	}

	target := s.clk.Now().Add(s.opts.FollowUpDelay)
	action, err := s.st.Create(store.CreateParams{
		SubjectKey:   subjectKey,
		Kind:         models.KindFollowupReminder,
		Tone:         "general",
		TargetFireAt: &target,
		MaxAttempts:  s.opts.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("Scheduler.MarkReplied: create failed: %w", err)
	}
	slog.Info("Scheduler.MarkReplied: reminder reset", "subjectKey", subjectKey, "targetFireAt", target)
	return action, nil
}

// Snooze pushes the conversation's scheduled follow-up reminder out by the
// given number of minutes from now, keeping its classification. A pending
// AI reply for the same subject is left alone. Returns models.ErrNotFound
// when no reminder is scheduled for the subject and models.ErrAlreadyFired
// when the reminder was claimed first.
func (s *Scheduler) Snooze(subjectKey string, minutes int) (*models.PendingAction, error) {
	if subjectKey == "" {
		return nil, models.ErrInvalidSubjectKey
	}
	if minutes <= 0 {
		return nil, fmt.Errorf("snooze minutes must be positive, got %d", minutes)
	}

	actions, err := s.st.ListActive(store.ListFilter{
		SubjectKey: subjectKey,
		Kind:       models.KindFollowupReminder,
		States:     []models.ActionState{models.StateScheduled},
		Limit:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("Scheduler.Snooze: list failed: %w", err)
	}
	if len(actions) == 0 {
		return nil, models.ErrNotFound
	}

	target := s.clk.Now().Add(time.Duration(minutes) * time.Minute)
	action, err := s.st.Reschedule(actions[0].ID, target)
	if err != nil {
		return nil, fmt.Errorf("Scheduler.Snooze: reschedule failed: %w", err)
	}
	slog.Info("Scheduler.Snooze: rescheduled", "subjectKey", subjectKey, "id", action.ID, "targetFireAt", target)
	return action, nil
}

// Wait blocks until all spawned goroutines finish. Intended for tests and
// shutdown paths that bypass Run.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// PollOnce runs a single claim-and-dispatch cycle. Exposed for tests that
// drive the scheduler with a fake clock instead of the ticker loop.
func (s *Scheduler) PollOnce(ctx context.Context) {
	s.pollOnce(ctx)
}

// retryBackoff doubles per attempt: 30s, 60s, 120s, ... capped so a
// flapping executor does not push retries out indefinitely.
func retryBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		attempt = 10
	}
	d := 30 * time.Second << attempt
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}
