// Package delay computes how long to hold an outbound action before it
// fires: urgency-bucketed base windows, per-assignment overrides,
// humanlike jitter, and working-hours gating.
package delay

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/MailLoop/ReplyPace/internal/models"
)

// Urgency bucket boundaries. Boundary values fall into the higher bucket.
const (
	// UrgentThreshold marks urgencies that bypass working-hours gating.
	UrgentThreshold = 8
	// ElevatedThreshold marks the middle urgency bucket.
	ElevatedThreshold = 5
)

// Base windows per bucket.
const (
	urgentMin   = 10 * time.Minute
	urgentMax   = 20 * time.Minute
	elevatedMin = 30 * time.Minute
	elevatedMax = 60 * time.Minute
	gratefulMin = 120 * time.Minute
	gratefulMax = 240 * time.Minute
	generalMin  = 60 * time.Minute
	generalMax  = 120 * time.Minute
)

// gratitudeTones are tone labels that indicate the inbound message is a
// thank-you rather than a question; those can wait longest.
var gratitudeTones = map[string]bool{
	"gratitude":    true,
	"grateful":     true,
	"thankful":     true,
	"thank-you":    true,
	"thank_you":    true,
	"appreciative": true,
}

// Request is the full input to a delay computation.
type Request struct {
	Urgency   int
	Tone      string
	Overrides models.DelayOverrides
	Hours     models.WorkingHours
	Now       time.Time
}

// Result describes the computed delay window and the concrete target.
type Result struct {
	MinDelay time.Duration `json:"min_delay"`
	MaxDelay time.Duration `json:"max_delay"`
	// JitteredDelay is drawn uniformly from [MinDelay, MaxDelay] at second
	// granularity, before any working-hours push.
	JitteredDelay time.Duration `json:"jittered_delay"`
	TargetFireAt  time.Time     `json:"target_fire_at"`
	// OverrideWins is set when the configured bounds did not intersect the
	// urgency bucket and the configured bounds were used alone.
	OverrideWins bool `json:"override_wins,omitempty"`
	// BypassedHours is set for urgent actions that skip gating.
	BypassedHours bool `json:"bypassed_hours,omitempty"`
	// PushedToOpen is set when gating moved the target to the next
	// working-hours start.
	PushedToOpen bool `json:"pushed_to_open,omitempty"`
}

// Policy computes delays. It is stateless apart from its random source;
// inject a seeded source to make tests deterministic.
type Policy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Policy backed by the given random source. A nil rng gets a
// time-seeded PCG source.
func New(rng *rand.Rand) *Policy {
	if rng == nil {
		now := time.Now()
		rng = rand.New(rand.NewPCG(uint64(now.UnixNano()), uint64(now.Unix())))
	}
	return &Policy{rng: rng}
}

// Compute resolves the effective delay window for the request, draws a
// jittered delay from it, and applies working-hours gating. It has no side
// effects beyond consuming randomness.
func (p *Policy) Compute(req Request) Result {
	res := Result{}
	res.MinDelay, res.MaxDelay = baseWindow(req.Urgency, req.Tone)
	res.MinDelay, res.MaxDelay, res.OverrideWins = applyOverrides(res.MinDelay, res.MaxDelay, req.Overrides)
	res.JitteredDelay = p.draw(res.MinDelay, res.MaxDelay)

	candidate := req.Now.Add(res.JitteredDelay)
	if req.Urgency >= UrgentThreshold {
		res.BypassedHours = true
		res.TargetFireAt = candidate
		return res
	}
	if req.Hours.Contains(candidate) {
		res.TargetFireAt = candidate
		return res
	}
	// Push to the next working-hours start and keep the jittered offset on
	// top so fire times stay non-mechanical after the push.
	res.PushedToOpen = true
	res.TargetFireAt = req.Hours.NextOpen(candidate).Add(res.JitteredDelay)
	return res
}

// baseWindow maps urgency and tone to the base delay window. Order matters:
// urgent beats gratitude, gratitude beats the urgency buckets below it.
func baseWindow(urgency int, tone string) (time.Duration, time.Duration) {
	switch {
	case urgency >= UrgentThreshold:
		return urgentMin, urgentMax
	case IsGratitudeTone(tone):
		return gratefulMin, gratefulMax
	case urgency >= ElevatedThreshold:
		return elevatedMin, elevatedMax
	default:
		return generalMin, generalMax
	}
}

// IsGratitudeTone reports whether the tone label is a thank-you-like label.
func IsGratitudeTone(tone string) bool {
	return gratitudeTones[strings.ToLower(strings.TrimSpace(tone))]
}

// applyOverrides intersects the bucket window with configured bounds. An
// empty intersection means the configured bounds win outright and the
// bucket is ignored; the caller sees that through the returned flag rather
// than a silent drop.
func applyOverrides(min, max time.Duration, o models.DelayOverrides) (time.Duration, time.Duration, bool) {
	if o.MinReplyDelayMinutes <= 0 && o.MaxReplyDelayMinutes <= 0 {
		return min, max, false
	}
	cfgMin := min
	if o.MinReplyDelayMinutes > 0 {
		cfgMin = time.Duration(o.MinReplyDelayMinutes) * time.Minute
	}
	cfgMax := max
	if o.MaxReplyDelayMinutes > 0 {
		cfgMax = time.Duration(o.MaxReplyDelayMinutes) * time.Minute
	}

	effMin := maxDuration(min, cfgMin)
	effMax := minDuration(max, cfgMax)
	if effMin > effMax {
		// No overlap: configured bounds take precedence.
		if cfgMin > cfgMax {
			cfgMax = cfgMin
		}
		return cfgMin, cfgMax, true
	}
	return effMin, effMax, false
}

// draw picks a uniformly random duration in [min, max] at second
// granularity.
func (p *Policy) draw(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	spanSeconds := int64((max - min) / time.Second)
	p.mu.Lock()
	offset := p.rng.Int64N(spanSeconds + 1)
	p.mu.Unlock()
	return min + time.Duration(offset)*time.Second
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
