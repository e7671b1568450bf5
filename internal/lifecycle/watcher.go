package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skillswap/session-core/internal/model"
	"github.com/skillswap/session-core/internal/store"
)

const DefaultPollInterval = 2 * time.Second

// FetchFunc loads the current copy of the watched session.
type FetchFunc func(ctx context.Context) (*model.Session, error)

// Watcher polls one session and reports each change. Polls are skipped while
// suspended, so a half-edited schedule form is not overwritten by a refresh.
type Watcher struct {
	fetch    FetchFunc
	interval time.Duration
	onChange func(*model.Session)
	logger   *slog.Logger

	mu        sync.Mutex
	suspended bool
	last      *model.Session
}

// NewWatcher returns a Watcher that calls fetch every interval. Call Run to
// start polling.
func NewWatcher(fetch FetchFunc, interval time.Duration, onChange func(*model.Session), logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		fetch:    fetch,
		interval: interval,
		onChange: onChange,
		logger:   logger,
	}
}

// Watch returns a Watcher reading sessionID from the store as userID.
func (s *Service) Watch(sessionID, userID string, interval time.Duration, onChange func(*model.Session)) *Watcher {
	fetch := func(ctx context.Context) (*model.Session, error) {
		return s.Get(ctx, sessionID, userID)
	}
	return NewWatcher(fetch, interval, onChange, s.logger.With("session_id", sessionID))
}

func (w *Watcher) Suspend() {
	w.mu.Lock()
	w.suspended = true
	w.mu.Unlock()
}

// Resume re-enables polling. The next tick reports the session if it changed
// while suspended.
func (w *Watcher) Resume() {
	w.mu.Lock()
	w.suspended = false
	w.mu.Unlock()
}

func (w *Watcher) Suspended() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.suspended
}

// Run polls until ctx is done, the session is gone, or the user stops being
// a participant. It polls once immediately. Other fetch errors are logged
// and retried on the next tick.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := w.Poll(ctx); err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrNotParticipant) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("session poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches the session once and calls onChange if it differs from the
// last reported copy.
func (w *Watcher) Poll(ctx context.Context) error {
	if w.Suspended() {
		return nil
	}
	sess, err := w.fetch(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	if w.suspended || !changed(w.last, sess) {
		w.mu.Unlock()
		return nil
	}
	w.last = sess.Clone()
	w.mu.Unlock()
	w.onChange(sess)
	return nil
}

func changed(prev, cur *model.Session) bool {
	if prev == nil {
		return true
	}
	return prev.Status != cur.Status ||
		!prev.UpdatedAt.Equal(cur.UpdatedAt) ||
		prev.ScheduleRevision != cur.ScheduleRevision ||
		prev.TeacherConfirmed != cur.TeacherConfirmed ||
		prev.LearnerConfirmed != cur.LearnerConfirmed
}
