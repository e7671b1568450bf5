// Package presence publishes a participant's online and typing state for a
// session and lets the partner watch it.
//
// Online state is refreshed by a heartbeat; going offline on Close is best
// effort, so watchers should also look at LastSeen.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skillswap/session-core/internal/mailbox"
)

const (
	DefaultHeartbeat   = 30 * time.Second
	DefaultTypingDecay = 1500 * time.Millisecond
)

type Record struct {
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

type Typing struct {
	Typing    bool      `json:"typing"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Config struct {
	SessionID string
	UserID    string
	Mailbox   mailbox.Transport
	// Heartbeat is how often the online record is rewritten.
	Heartbeat time.Duration
	// TypingDecay clears the typing flag this long after the last keystroke.
	TypingDecay time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Tracker publishes one user's presence and typing records.
type Tracker struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	started  bool
	closed   bool
	typing   bool
	decay    *time.Timer
	// decayGen identifies the current decay timer. A timer that fired after
	// being replaced sees a newer value and does nothing.
	decayGen uint64
	stopBeat chan struct{}
	beatDone chan struct{}
}

func New(cfg Config) (*Tracker, error) {
	if cfg.SessionID == "" || cfg.UserID == "" {
		return nil, errors.New("presence: missing session or user id")
	}
	if cfg.Mailbox == nil {
		return nil, errors.New("presence: missing mailbox transport")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.TypingDecay <= 0 {
		cfg.TypingDecay = DefaultTypingDecay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:    cfg,
		logger: logger.With("session_id", cfg.SessionID, "user_id", cfg.UserID),
	}, nil
}

// Start marks the user online and begins the heartbeat.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed || t.started {
		t.mu.Unlock()
		return errors.New("presence: tracker already started or closed")
	}
	t.started = true
	t.stopBeat = make(chan struct{})
	t.beatDone = make(chan struct{})
	t.mu.Unlock()

	if err := t.setOnline(ctx, true); err != nil {
		return err
	}
	go t.heartbeat()
	return nil
}

func (t *Tracker) heartbeat() {
	defer close(t.beatDone)
	ticker := time.NewTicker(t.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopBeat:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Heartbeat)
			if err := t.setOnline(ctx, true); err != nil {
				t.logger.Warn("presence heartbeat failed", "err", err)
			}
			cancel()
		}
	}
}

func (t *Tracker) setOnline(ctx context.Context, online bool) error {
	rec := Record{Online: online, LastSeen: t.cfg.Now().UTC()}
	_, err := t.cfg.Mailbox.Write(ctx, mailbox.PresencePath(t.cfg.SessionID, t.cfg.UserID), rec, true)
	return err
}

func (t *Tracker) setTyping(ctx context.Context, typing bool) error {
	rec := Typing{Typing: typing, UpdatedAt: t.cfg.Now().UTC()}
	_, err := t.cfg.Mailbox.Write(ctx, mailbox.TypingPath(t.cfg.SessionID, t.cfg.UserID), rec, false)
	return err
}

// Typed records a keystroke. The typing flag is written when it turns on
// and cleared once no keystroke arrived for TypingDecay.
func (t *Tracker) Typed(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	wasTyping := t.typing
	t.typing = true
	if t.decay != nil {
		t.decay.Stop()
	}
	t.decayGen++
	gen := t.decayGen
	t.decay = time.AfterFunc(t.cfg.TypingDecay, func() { t.decayTyping(gen) })
	t.mu.Unlock()

	if wasTyping {
		return nil
	}
	return t.setTyping(ctx, true)
}

func (t *Tracker) decayTyping(gen uint64) {
	t.mu.Lock()
	if gen != t.decayGen || !t.typing || t.closed {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.decay = nil
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.setTyping(ctx, false); err != nil {
		t.logger.Debug("clear typing flag", "err", err)
	}
}

// StopTyping clears the typing flag right away, e.g. after a message is sent.
func (t *Tracker) StopTyping(ctx context.Context) error {
	t.mu.Lock()
	t.decayGen++
	if t.decay != nil {
		t.decay.Stop()
		t.decay = nil
	}
	wasTyping := t.typing
	t.typing = false
	t.mu.Unlock()
	if !wasTyping {
		return nil
	}
	return t.setTyping(ctx, false)
}

// Close stops the heartbeat and marks the user offline. Write failures are
// only logged.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	started := t.started
	wasTyping := t.typing
	t.typing = false
	t.decayGen++
	if t.decay != nil {
		t.decay.Stop()
		t.decay = nil
	}
	t.mu.Unlock()

	if !started {
		return
	}
	close(t.stopBeat)
	<-t.beatDone

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if wasTyping {
		if err := t.setTyping(ctx, false); err != nil {
			t.logger.Debug("clear typing flag on close", "err", err)
		}
	}
	if err := t.setOnline(ctx, false); err != nil {
		t.logger.Debug("mark offline", "err", err)
	}
}

// View is the presence and typing state of every participant in a session,
// keyed by user id.
type View struct {
	Presence map[string]Record
	Typing   map[string]Typing
}

// Online reports whether userID is online. With maxAge > 0 a record whose
// LastSeen is older than maxAge counts as offline, which covers clients that
// went away without saying so.
func (v View) Online(userID string, now time.Time, maxAge time.Duration) bool {
	rec, ok := v.Presence[userID]
	if !ok || !rec.Online {
		return false
	}
	return maxAge <= 0 || now.Sub(rec.LastSeen) <= maxAge
}

func (v View) IsTyping(userID string) bool {
	return v.Typing[userID].Typing
}

// Watch calls fn with the session's presence and typing state whenever
// either changes. fn runs on subscription goroutines and receives a fresh
// copy each time.
func Watch(ctx context.Context, mb mailbox.Transport, sessionID string, fn func(View)) (func(), error) {
	var mu sync.Mutex
	view := View{Presence: map[string]Record{}, Typing: map[string]Typing{}}
	emit := func() {
		out := View{Presence: make(map[string]Record, len(view.Presence)), Typing: make(map[string]Typing, len(view.Typing))}
		for k, v := range view.Presence {
			out.Presence[k] = v
		}
		for k, v := range view.Typing {
			out.Typing[k] = v
		}
		fn(out)
	}

	stopPresence, err := mb.Subscribe(ctx, mailbox.Query{Collection: mailbox.SessionCollection(sessionID, mailbox.KindPresence)}, func(c mailbox.Change) {
		mu.Lock()
		defer mu.Unlock()
		id := c.Doc.ID()
		if c.Kind == mailbox.ChangeRemoved {
			delete(view.Presence, id)
		} else {
			var rec Record
			if err := c.Doc.Decode(&rec); err != nil {
				return
			}
			view.Presence[id] = rec
		}
		emit()
	})
	if err != nil {
		return nil, err
	}
	stopTyping, err := mb.Subscribe(ctx, mailbox.Query{Collection: mailbox.SessionCollection(sessionID, mailbox.KindTyping)}, func(c mailbox.Change) {
		mu.Lock()
		defer mu.Unlock()
		id := c.Doc.ID()
		if c.Kind == mailbox.ChangeRemoved {
			delete(view.Typing, id)
		} else {
			var rec Typing
			if err := c.Doc.Decode(&rec); err != nil {
				return
			}
			view.Typing[id] = rec
		}
		emit()
	})
	if err != nil {
		stopPresence()
		return nil, err
	}
	return func() {
		stopPresence()
		stopTyping()
	}, nil
}
