package model

import (
	"errors"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	all := []Status{StatusPending, StatusActive, StatusCompleted, StatusCancelled}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusActive}:    true,
		{StatusPending, StatusCancelled}: true,
		{StatusActive, StatusCompleted}:  true,
		{StatusActive, StatusCancelled}:  true,
	}
	for _, from := range all {
		for _, to := range all {
			got := from.CanTransitionTo(to)
			if got != allowed[[2]Status{from, to}] {
				t.Fatalf("%s -> %s allowed=%v, want %v", from, to, got, !got)
			}
		}
	}
}

func TestTransition_RejectsBackwardsMove(t *testing.T) {
	s := &Session{Status: StatusActive}
	err := s.Transition(StatusPending, time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err=%v, want ErrInvalidTransition", err)
	}
	if s.Status != StatusActive {
		t.Fatalf("status=%q, want %q", s.Status, StatusActive)
	}
}

func TestRoleOfAndPartner(t *testing.T) {
	s := &Session{TeacherID: "t", LearnerID: "l"}
	if r, ok := s.RoleOf("t"); !ok || r != RoleTeacher {
		t.Fatalf("RoleOf(t)=%q,%v", r, ok)
	}
	if r, ok := s.RoleOf("l"); !ok || r != RoleLearner {
		t.Fatalf("RoleOf(l)=%q,%v", r, ok)
	}
	if _, ok := s.RoleOf("x"); ok {
		t.Fatalf("RoleOf(x) ok=true, want false")
	}
	if _, ok := s.RoleOf(""); ok {
		t.Fatalf("RoleOf(\"\") ok=true, want false")
	}
	if got := s.Partner("t"); got != "l" {
		t.Fatalf("Partner(t)=%q, want l", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	s := &Session{ScheduledTime: &now, Location: &Venue{Lat: 1}, LastRead: map[string]time.Time{"a": now}}
	c := s.Clone()
	c.Location.Lat = 2
	c.LastRead["b"] = now
	*c.ScheduledTime = now.Add(time.Hour)
	if s.Location.Lat != 1 || len(s.LastRead) != 1 || !s.ScheduledTime.Equal(now) {
		t.Fatalf("clone shares state with original")
	}
}

func TestReputationFor(t *testing.T) {
	cases := []struct {
		avg     float64
		reviews int
		want    Reputation
	}{
		{0, 0, ReputationNew},
		{4.5, 2, ReputationExcellent},
		{4, 1, ReputationExcellent},
		{3.2, 3, ReputationGreat},
		{2, 1, ReputationGood},
		{1.5, 2, ReputationFair},
		{0.5, 1, ReputationPoor},
	}
	for _, tc := range cases {
		if got := ReputationFor(tc.avg, tc.reviews); got != tc.want {
			t.Fatalf("ReputationFor(%v,%d)=%q, want %q", tc.avg, tc.reviews, got, tc.want)
		}
	}
}
