package model

import (
	"errors"
	"fmt"
	"time"
)

type SessionType string

const (
	SessionTypeVirtual  SessionType = "virtual"
	SessionTypePhysical SessionType = "physical"
)

func (t SessionType) Valid() bool {
	return t == SessionTypeVirtual || t == SessionTypePhysical
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidTransition is returned when a status change is not permitted by
// the lifecycle table.
var ErrInvalidTransition = errors.New("invalid session status transition")

var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusCancelled},
	StatusActive:  {StatusCompleted, StatusCancelled},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Re-entering pending is never allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown session status %q", raw)
	}
	return s, nil
}

type Role string

const (
	RoleTeacher Role = "teacher"
	RoleLearner Role = "learner"
)

// Venue is the fixed meeting point of a physical session.
type Venue struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

type Session struct {
	ID            string      `json:"id"`
	TeacherID     string      `json:"teacherId"`
	LearnerID     string      `json:"learnerId"`
	SkillTeaching string      `json:"skillTeaching"`
	SkillLearning string      `json:"skillLearning,omitempty"`
	Type          SessionType `json:"sessionType"`
	Status        Status      `json:"status"`

	ScheduledTime    *time.Time `json:"scheduledTime,omitempty"`
	ScheduleRevision int64      `json:"scheduleRevision"`
	TeacherConfirmed bool       `json:"teacherConfirmed"`
	LearnerConfirmed bool       `json:"learnerConfirmed"`

	Credits  int    `json:"credits"`
	Location *Venue `json:"location,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	CreditsTransferred bool `json:"creditsTransferred"`

	LastRead map[string]time.Time `json:"lastRead,omitempty"`

	CheckedInBy string     `json:"checkedInBy,omitempty"`
	CheckInTime *time.Time `json:"checkInTime,omitempty"`
}

// RoleOf returns the role userID plays in the session, or false when the user
// is not a participant.
func (s *Session) RoleOf(userID string) (Role, bool) {
	switch userID {
	case "":
		return "", false
	case s.TeacherID:
		return RoleTeacher, true
	case s.LearnerID:
		return RoleLearner, true
	default:
		return "", false
	}
}

func (s *Session) IsParticipant(userID string) bool {
	_, ok := s.RoleOf(userID)
	return ok
}

// Partner returns the other participant's id.
func (s *Session) Partner(userID string) string {
	if userID == s.TeacherID {
		return s.LearnerID
	}
	if userID == s.LearnerID {
		return s.TeacherID
	}
	return ""
}

// Transition moves the session to next, stamping UpdatedAt.
func (s *Session) Transition(next Status, now time.Time) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = now
	return nil
}

// Confirmed returns the stored confirmation flag for role.
func (s *Session) Confirmed(r Role) bool {
	if r == RoleTeacher {
		return s.TeacherConfirmed
	}
	return s.LearnerConfirmed
}

func (s *Session) SetConfirmed(r Role, v bool) {
	if r == RoleTeacher {
		s.TeacherConfirmed = v
		return
	}
	s.LearnerConfirmed = v
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.ScheduledTime = cloneTime(s.ScheduledTime)
	out.StartTime = cloneTime(s.StartTime)
	out.EndTime = cloneTime(s.EndTime)
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.CheckInTime = cloneTime(s.CheckInTime)
	if s.Location != nil {
		v := *s.Location
		out.Location = &v
	}
	if s.LastRead != nil {
		out.LastRead = make(map[string]time.Time, len(s.LastRead))
		for k, v := range s.LastRead {
			out.LastRead[k] = v
		}
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
