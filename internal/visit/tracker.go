package visit

import (
	"time"

	"github.com/alanagoyal/ghostbusters-sub001/config"
	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// State is the tracker's debounce state, exposed for observability.
type State string

const (
	// StateIdle means no arrival is pending.
	StateIdle State = "idle"
	// StatePending means candidates were seen and confirmation is awaited.
	StatePending State = "pending"
	// StateCooldown means a visit was just emitted and new ones are
	// suppressed until the cooldown has elapsed.
	StateCooldown State = "cooldown"
)

// Tracker converts noisy per-tick candidate sets into discrete visits.
//
// A visit is emitted only after candidates have been present for a configured
// number of consecutive ticks, which rejects single-frame detector flicker. A
// cooldown after each visit keeps one slow-walking subject from producing a
// burst of visits. Cooldown expiry is evaluated lazily at the top of each
// tick rather than by a timer, so the transition is an explicit, testable
// branch.
type Tracker struct {
	confirmationTicks int
	cooldown          time.Duration

	consecutiveCount int
	lastVisitAt      time.Time
	visitEmitted     bool
	framesSeen       uint64
}

// NewTracker creates a tracker with the configured debounce parameters.
func NewTracker(cfg config.TrackerConfig) *Tracker {
	return &Tracker{
		confirmationTicks: cfg.ConfirmationTicks,
		cooldown:          cfg.Cooldown,
	}
}

// State derives the current debounce state for the given time.
func (t *Tracker) State(now time.Time) State {
	if t.inCooldown(now) {
		return StateCooldown
	}
	if t.consecutiveCount > 0 {
		return StatePending
	}
	return StateIdle
}

// inCooldown applies the canonical rule: the cooldown is over once
// elapsed >= cooldown, so a confirmation exactly at the boundary is allowed.
func (t *Tracker) inCooldown(now time.Time) bool {
	if !t.visitEmitted {
		return false
	}
	return now.Sub(t.lastVisitAt) < t.cooldown
}

// Observe evaluates one pipeline tick. candidates is the tick's filtered
// candidate set; frame is the frame they were detected in. When the
// confirmation threshold is reached and the cooldown has elapsed, a Visit
// containing every candidate in the set is returned; otherwise nil.
//
// The emitted visit holds a reference to frame; ownership of that reference
// passes to the caller's dispatch path.
func (t *Tracker) Observe(now time.Time, frame model.FrameRef, seq uint64, candidates []model.Candidate) *model.Visit {
	t.framesSeen++

	if len(candidates) == 0 {
		// A single empty tick cancels a pending confirmation.
		t.consecutiveCount = 0
		return nil
	}

	t.consecutiveCount++
	if t.consecutiveCount < t.confirmationTicks {
		return nil
	}

	if t.inCooldown(now) {
		// Confirmation is withheld, not queued: an arrival fully inside
		// another visit's cooldown window is dropped. If the subject is
		// still present once the cooldown elapses, the ongoing run of
		// non-empty ticks confirms a new visit then.
		log.Debugf("Confirmation withheld, cooldown active for another %s",
			t.cooldown-now.Sub(t.lastVisitAt))
		return nil
	}

	v := &model.Visit{
		ID:        uuid.NewString(),
		FrameSeq:  seq,
		Timestamp: now,
		Frame:     frame,
		Persons:   append([]model.Candidate(nil), candidates...),
	}

	t.lastVisitAt = now
	t.visitEmitted = true
	t.consecutiveCount = 0

	log.WithFields(log.Fields{
		"visit_id": v.ID,
		"persons":  len(v.Persons),
		"seq":      seq,
	}).Info("Visit confirmed")

	return v
}

// FramesSeen returns the number of ticks observed since startup.
func (t *Tracker) FramesSeen() uint64 {
	return t.framesSeen
}
