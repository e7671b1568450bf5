package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/skillswap/session-core/internal/api"
	"github.com/skillswap/session-core/internal/model"
	"github.com/skillswap/session-core/internal/store"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestParsePeerFlags(t *testing.T) {
	f, err := parsePeerFlags(lookupFrom(map[string]string{envVarUserID: "learner"}), []string{
		"--server", "https://sessions.example.com/",
		"--session", "s1",
		"--resignal-interval", "3s",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parsePeerFlags: %v", err)
	}
	if f.ServerURL != "https://sessions.example.com" {
		t.Fatalf("ServerURL=%q", f.ServerURL)
	}
	if f.mailboxURL() != "https://sessions.example.com/mailbox" {
		t.Fatalf("mailboxURL=%q", f.mailboxURL())
	}
	if f.credential() != "learner" || f.ResignalInterval != 3*time.Second {
		t.Fatalf("flags=%+v", f)
	}
}

func TestParsePeerFlagsRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{"no session", map[string]string{envVarUserID: "u"}, nil},
		{"no identity", nil, []string{"--session", "s1"}},
		{"both identities", map[string]string{envVarUserID: "u", envVarToken: "t"}, []string{"--session", "s1"}},
		{"bad scheme", map[string]string{envVarUserID: "u"}, []string{"--session", "s1", "--server", "ftp://x"}},
		{"negative interval", map[string]string{envVarUserID: "u"}, []string{"--session", "s1", "--resignal-interval", "-1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parsePeerFlags(lookupFrom(tt.env), tt.args, io.Discard); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestUsableICEServers(t *testing.T) {
	in := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
		{URLs: []string{"turns:turn.example.com:5349"}, Username: "u", Credential: "p"},
		{URLs: []string{"TURN:turn.example.com:3478"}, Username: "u"},
	}
	got := usableICEServers(in)
	if len(got) != 2 {
		t.Fatalf("got %d servers, want 2: %+v", len(got), got)
	}
	if got[0].URLs[0] != "stun:stun.example.com:3478" || got[1].Username != "u" {
		t.Fatalf("servers=%+v", got)
	}
}

func sequence(sessions ...*model.Session) func(context.Context) (*model.Session, error) {
	i := 0
	return func(context.Context) (*model.Session, error) {
		s := sessions[i]
		if i < len(sessions)-1 {
			i++
		}
		return s, nil
	}
}

func TestAwaitJoinableWaitsForAgreement(t *testing.T) {
	at := time.Date(2030, 1, 2, 15, 0, 0, 0, time.UTC)
	pending := &model.Session{ID: "s1", Status: model.StatusPending}
	proposed := &model.Session{ID: "s1", Status: model.StatusPending, ScheduledTime: &at, ScheduleRevision: 1, LearnerConfirmed: true}
	agreed := &model.Session{ID: "s1", Status: model.StatusPending, ScheduledTime: &at, ScheduleRevision: 1, LearnerConfirmed: true, TeacherConfirmed: true}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	got, err := awaitJoinable(context.Background(), sequence(pending, proposed, agreed), time.Millisecond, logger)
	if err != nil {
		t.Fatalf("awaitJoinable: %v", err)
	}
	if !got.TeacherConfirmed || !got.LearnerConfirmed {
		t.Fatalf("returned %+v before agreement", got)
	}

	active := &model.Session{ID: "s1", Status: model.StatusActive}
	if _, err := awaitJoinable(context.Background(), sequence(active), time.Hour, logger); err != nil {
		t.Fatalf("active session: %v", err)
	}
}

func TestAwaitJoinableStops(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cancelled := &model.Session{ID: "s1", Status: model.StatusCancelled}
	if _, err := awaitJoinable(context.Background(), sequence(cancelled), time.Millisecond, logger); err == nil {
		t.Fatalf("expected error for a cancelled session")
	}

	missing := func(context.Context) (*model.Session, error) {
		return nil, &api.APIError{Status: http.StatusNotFound, Body: api.ErrorBody{Code: "not_found"}}
	}
	_, err := awaitJoinable(context.Background(), missing, time.Millisecond, logger)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err=%v, want store.ErrNotFound", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pending := &model.Session{ID: "s1", Status: model.StatusPending}
	if _, err := awaitJoinable(ctx, sequence(pending), time.Hour, logger); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}
