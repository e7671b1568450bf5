// Package scheduling implements the turn-based time negotiation stored on a
// session record: scheduledTime, scheduleRevision and the two confirmation
// flags.
package scheduling

import (
	"errors"
	"fmt"
	"time"

	"github.com/skillswap/session-core/internal/model"
)

var (
	ErrNotParticipant = errors.New("user is not a session participant")
	ErrMissingTime    = errors.New("proposed time is required")
	ErrStaleProposal  = errors.New("proposal is based on a stale schedule revision")
	ErrClosed         = errors.New("session is no longer negotiable")
)

type Phase string

const (
	PhasePropose Phase = "propose"
	PhaseRespond Phase = "respond"
	PhaseWaiting Phase = "waiting"
	PhaseAgreed  Phase = "agreed"
)

// Propose applies who's proposal of t to s in place.
//
// observedRevision must match the stored revision. Proposing the stored time
// is an accept and only sets the caller's flag. Any other time bumps the
// revision and resets both flags before setting the caller's.
func Propose(s *model.Session, who string, t time.Time, observedRevision int64, now time.Time) error {
	role, ok := s.RoleOf(who)
	if !ok {
		return ErrNotParticipant
	}
	if s.Status != model.StatusPending {
		return fmt.Errorf("%w: status %s", ErrClosed, s.Status)
	}
	if t.IsZero() {
		return ErrMissingTime
	}
	if observedRevision != s.ScheduleRevision {
		return fmt.Errorf("%w: observed %d, current %d", ErrStaleProposal, observedRevision, s.ScheduleRevision)
	}

	t = t.UTC()
	if s.ScheduledTime == nil || !s.ScheduledTime.Equal(t) {
		s.ScheduledTime = &t
		s.ScheduleRevision++
		s.TeacherConfirmed = false
		s.LearnerConfirmed = false
	}
	s.SetConfirmed(role, true)
	s.UpdatedAt = now
	return nil
}

// PhaseFor derives the negotiation phase as seen by viewer.
func PhaseFor(s *model.Session, viewer string) Phase {
	role, ok := s.RoleOf(viewer)
	if !ok {
		return PhasePropose
	}
	other := model.RoleLearner
	if role == model.RoleLearner {
		other = model.RoleTeacher
	}
	self, theirs := s.Confirmed(role), s.Confirmed(other)
	switch {
	case self && theirs:
		return PhaseAgreed
	case self:
		return PhaseWaiting
	case theirs:
		return PhaseRespond
	default:
		return PhasePropose
	}
}

// Agreed reports whether both participants confirmed the stored time.
func Agreed(s *model.Session) bool {
	return s.ScheduledTime != nil && s.TeacherConfirmed && s.LearnerConfirmed
}

// Draft is a participant's local negotiation state. Editing overlays the
// stored phase without touching the session record until Propose is called.
type Draft struct {
	Editing  bool
	Time     time.Time
	Revision int64
}

// BeginCounter starts a counter-proposal from the respond phase. The stored
// scheduledTime is untouched until the counter is submitted.
func (d *Draft) BeginCounter(s *model.Session) {
	d.Editing = true
	d.Time = time.Time{}
	d.Revision = s.ScheduleRevision
}

// ChangeSuggestion reopens the editor from the waiting phase.
func (d *Draft) ChangeSuggestion(s *model.Session) {
	d.Editing = true
	if s.ScheduledTime != nil {
		d.Time = *s.ScheduledTime
	}
	d.Revision = s.ScheduleRevision
}

func (d *Draft) Reset() {
	*d = Draft{}
}

// View returns the phase to display. An open draft always shows the propose
// form unless negotiation is already agreed.
func (d *Draft) View(s *model.Session, viewer string) Phase {
	p := PhaseFor(s, viewer)
	if d.Editing && p != PhaseAgreed {
		return PhasePropose
	}
	return p
}
