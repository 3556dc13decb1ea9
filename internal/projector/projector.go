// Package projector answers read-only status questions about pending
// actions. It never mutates the store; everything here is a projection
// of the scheduler's durable state for dashboards and agent tooling.
package projector

import (
	"fmt"
	"time"

	"github.com/MailLoop/ReplyPace/internal/clock"
	"github.com/MailLoop/ReplyPace/internal/models"
	"github.com/MailLoop/ReplyPace/internal/store"
)

// ReplyStatus describes whether a conversation still has a reply on the way.
type ReplyStatus struct {
	SubjectKey      string     `json:"subject_key"`
	HasReplyPending bool       `json:"has_reply_pending"`
	State           string     `json:"state,omitempty"`
	TargetFireAt    *time.Time `json:"target_fire_at,omitempty"`
	Urgency         *int       `json:"urgency,omitempty"`
	Tone            string     `json:"tone,omitempty"`
}

// PendingReply is one row of the pending-replies summary.
type PendingReply struct {
	SubjectKey       string  `json:"subject_key"`
	State            string  `json:"state"`
	MinutesUntilFire float64 `json:"minutes_until_fire"`
	Urgency          int     `json:"urgency"`
	Tone             string  `json:"tone"`
}

// Projector reads scheduler state.
type Projector struct {
	st  store.Store
	clk clock.Clock
}

// New creates a projector over the given store. A nil clock defaults to
// the system clock.
func New(st store.Store, clk clock.Clock) *Projector {
	if clk == nil {
		clk = clock.System{}
	}
	return &Projector{st: st, clk: clk}
}

// ReplyStatus reports the reply state for one conversation. A conversation
// with no active reply action gets HasReplyPending false and no detail
// fields.
func (p *Projector) ReplyStatus(subjectKey string) (ReplyStatus, error) {
	if subjectKey == "" {
		return ReplyStatus{}, models.ErrInvalidSubjectKey
	}
	status := ReplyStatus{SubjectKey: subjectKey}

	action, err := p.st.Get(subjectKey, models.KindAIReply)
	if err != nil {
		return status, fmt.Errorf("Projector.ReplyStatus: lookup failed: %w", err)
	}
	if action == nil || !action.State.Active() {
		return status, nil
	}

	status.HasReplyPending = true
	status.State = string(action.State)
	status.TargetFireAt = action.TargetFireAt
	urgency := action.Urgency
	status.Urgency = &urgency
	status.Tone = action.Tone
	return status, nil
}

// PendingRepliesSummary lists every active reply action with the minutes
// remaining until it fires. Analyzing actions have no target yet and show
// zero minutes.
func (p *Projector) PendingRepliesSummary() ([]PendingReply, error) {
	actions, err := p.st.ListActive(store.ListFilter{Kind: models.KindAIReply})
	if err != nil {
		return nil, fmt.Errorf("Projector.PendingRepliesSummary: list failed: %w", err)
	}

	now := p.clk.Now()
	summary := make([]PendingReply, 0, len(actions))
	for _, a := range actions {
		row := PendingReply{
			SubjectKey: a.SubjectKey,
			State:      string(a.State),
			Urgency:    a.Urgency,
			Tone:       a.Tone,
		}
		if a.TargetFireAt != nil {
			minutes := a.TargetFireAt.Sub(now).Minutes()
			if minutes < 0 {
				minutes = 0
			}
			row.MinutesUntilFire = minutes
		}
		summary = append(summary, row)
	}
	return summary, nil
}
