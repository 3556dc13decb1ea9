// Package models defines the core data structures for ReplyPace.
//
// It includes the PendingAction entity shared by the store, scheduler and
// projector modules, together with the action state machine.
package models

import (
	"errors"
	"fmt"
	"time"
)

// ActionKind identifies what a deferred action does when it fires.
type ActionKind string

const (
	// KindAIReply is an AI-generated email reply to an inbound message.
	KindAIReply ActionKind = "ai_reply"
	// KindFollowupReminder is a merchant follow-up reminder.
	KindFollowupReminder ActionKind = "followup_reminder"
)

// IsValidActionKind checks if the given action kind is supported.
func IsValidActionKind(k ActionKind) bool {
	switch k {
	case KindAIReply, KindFollowupReminder:
		return true
	default:
		return false
	}
}

// ActionState represents the lifecycle state of a pending action.
type ActionState string

const (
	// StateAnalyzing means the inbound message is awaiting classification.
	StateAnalyzing ActionState = "analyzing"
	// StateScheduled means a target fire time has been resolved.
	StateScheduled ActionState = "scheduled"
	// StateFiring means a scheduler worker has claimed the action.
	StateFiring ActionState = "firing"
	// StateSent means the executor reported success. Terminal.
	StateSent ActionState = "sent"
	// StateCancelled means the action was superseded or explicitly
	// cancelled before it fired. Terminal.
	StateCancelled ActionState = "cancelled"
	// StateFailed means the retry budget was exhausted. Terminal.
	StateFailed ActionState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s ActionState) Terminal() bool {
	switch s {
	case StateSent, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// Active reports whether an action in this state still counts against the
// one-active-action-per-(subject,kind) invariant.
func (s ActionState) Active() bool {
	return !s.Terminal()
}

// legalTransitions declares the closed set of state transitions. Anything
// not listed here is a bug, not an implicit no-op.
var legalTransitions = map[ActionState][]ActionState{
	StateAnalyzing: {StateScheduled, StateCancelled},
	StateScheduled: {StateFiring, StateCancelled},
	StateFiring:    {StateSent, StateScheduled, StateFailed, StateCancelled},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to ActionState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Urgency bounds produced by the classifier.
const (
	MinUrgency = 0
	MaxUrgency = 10
)

// Error variables shared across the store, scheduler and API layers.
var (
	ErrAlreadyPending        = errors.New("an active action already exists for this subject and kind")
	ErrNotFound              = errors.New("pending action not found")
	ErrAlreadyFired          = errors.New("action has already been claimed or fired")
	ErrInvalidSubjectKey     = errors.New("subject key cannot be empty")
	ErrInvalidActionKind     = errors.New("invalid action kind")
	ErrInvalidUrgency        = errors.New("urgency must be between 0 and 10")
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	// ErrPermanent marks an executor failure that must not be retried.
	ErrPermanent = errors.New("permanent executor failure")
)

// PendingAction is the central entity: one deferred outbound action held in
// a durable pending state until it fires, is rescheduled, or is superseded.
type PendingAction struct {
	ID         string      `json:"id"`
	SubjectKey string      `json:"subject_key"`
	Kind       ActionKind  `json:"kind"`
	State      ActionState `json:"state"`
	// Urgency and Tone are captured from the classifier at scheduling time
	// and immutable thereafter.
	Urgency int    `json:"urgency"`
	Tone    string `json:"tone,omitempty"`
	// Payload holds the inbound message text so classification can resume
	// after a restart.
	Payload      string     `json:"payload,omitempty"`
	TargetFireAt *time.Time `json:"target_fire_at,omitempty"`
	Attempt      int        `json:"attempt"`
	MaxAttempts  int        `json:"max_attempts"`
	LastError    string     `json:"last_error,omitempty"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Classification is the opaque output of the classifier for an inbound
// message.
type Classification struct {
	Urgency int    `json:"urgency"`
	Tone    string `json:"tone"`
}

// Validate checks classification output before it is persisted.
func (c Classification) Validate() error {
	if c.Urgency < MinUrgency || c.Urgency > MaxUrgency {
		return fmt.Errorf("%w: got %d", ErrInvalidUrgency, c.Urgency)
	}
	return nil
}

// DelayOverrides carries optional per-assignment reply delay bounds in
// minutes. Zero means unset.
type DelayOverrides struct {
	MinReplyDelayMinutes int `json:"min_reply_delay_minutes,omitempty"`
	MaxReplyDelayMinutes int `json:"max_reply_delay_minutes,omitempty"`
}
