package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skillswap/session-core/internal/lifecycle"
	"github.com/skillswap/session-core/internal/model"
	"github.com/skillswap/session-core/internal/scheduling"
)

// awaitJoinable polls the session until it can be joined: both participants
// confirmed the time, or the call is already active. A session that ends
// first is an error.
func awaitJoinable(ctx context.Context, fetch lifecycle.FetchFunc, interval time.Duration, logger *slog.Logger) (*model.Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready *model.Session
	var ended error
	w := lifecycle.NewWatcher(fetch, interval, func(s *model.Session) {
		switch {
		case s.Status.Terminal():
			ended = fmt.Errorf("session %s is %s", s.ID, s.Status)
			cancel()
		case s.Status == model.StatusActive || scheduling.Agreed(s):
			ready = s
			cancel()
		default:
			logger.Info("waiting for schedule agreement",
				"status", s.Status,
				"teacher_confirmed", s.TeacherConfirmed,
				"learner_confirmed", s.LearnerConfirmed,
			)
		}
	}, logger)

	err := w.Run(ctx)
	switch {
	case ready != nil:
		return ready, nil
	case ended != nil:
		return nil, ended
	}
	return nil, err
}
