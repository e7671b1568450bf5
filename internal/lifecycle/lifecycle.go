// Package lifecycle is the top-level session state machine: negotiation,
// joining, physical check-in, completion with credit settlement, and
// reviews. Every mutation runs in one store transaction and the resulting
// session record is mirrored into the mailbox for subscribers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skillswap/session-core/internal/geofence"
	"github.com/skillswap/session-core/internal/ledger"
	"github.com/skillswap/session-core/internal/mailbox"
	"github.com/skillswap/session-core/internal/metrics"
	"github.com/skillswap/session-core/internal/model"
	"github.com/skillswap/session-core/internal/scheduling"
	"github.com/skillswap/session-core/internal/store"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotParticipant is shared with the scheduling negotiator.
	ErrNotParticipant  = scheduling.ErrNotParticipant
	ErrNotAgreed       = errors.New("session time has not been agreed by both participants")
	ErrWrongType       = errors.New("operation does not apply to this session type")
	ErrNotCompleted    = errors.New("session is not completed")
	ErrAlreadyReviewed = errors.New("session already reviewed by this user")
)

type Config struct {
	Store    *store.Store
	Ledger   *ledger.Ledger
	Geofence *geofence.Verifier
	// Mailbox, when set, receives a copy of every session record after each
	// committed change.
	Mailbox mailbox.Transport
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// DefaultCredits is the price of a session created without one.
	DefaultCredits int
}

type Service struct {
	store    *store.Store
	ledger   *ledger.Ledger
	geofence *geofence.Verifier
	mailbox  mailbox.Transport
	metrics  *metrics.Metrics
	logger   *slog.Logger
	credits  int

	now   func() time.Time
	newID func() string
}

func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := cfg.Ledger
	if l == nil {
		l = ledger.New(cfg.Store, cfg.Metrics)
	}
	g := cfg.Geofence
	if g == nil {
		g = geofence.NewVerifier(geofence.DefaultRadiusKm)
	}
	credits := cfg.DefaultCredits
	if credits <= 0 {
		credits = 1
	}
	return &Service{
		store:    cfg.Store,
		ledger:   l,
		geofence: g,
		mailbox:  cfg.Mailbox,
		metrics:  cfg.Metrics,
		logger:   logger,
		credits:  credits,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

type CreateRequest struct {
	TeacherID     string            `json:"teacherId"`
	LearnerID     string            `json:"learnerId"`
	SkillTeaching string            `json:"skillTeaching"`
	SkillLearning string            `json:"skillLearning,omitempty"`
	Type          model.SessionType `json:"sessionType"`
	Location      *model.Venue      `json:"location,omitempty"`
	Credits       int               `json:"credits,omitempty"`
}

func (r *CreateRequest) normalize(defaultCredits int) error {
	r.TeacherID = strings.TrimSpace(r.TeacherID)
	r.LearnerID = strings.TrimSpace(r.LearnerID)
	r.SkillTeaching = strings.TrimSpace(r.SkillTeaching)
	r.SkillLearning = strings.TrimSpace(r.SkillLearning)
	if r.TeacherID == "" || r.LearnerID == "" {
		return fmt.Errorf("%w: teacherId and learnerId are required", ErrInvalidInput)
	}
	if r.TeacherID == r.LearnerID {
		return fmt.Errorf("%w: a user cannot teach themselves", ErrInvalidInput)
	}
	if r.SkillTeaching == "" {
		return fmt.Errorf("%w: skillTeaching is required", ErrInvalidInput)
	}
	if r.SkillLearning == "" {
		r.SkillLearning = r.SkillTeaching
	}
	if r.Type == "" {
		r.Type = model.SessionTypeVirtual
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown sessionType %q", ErrInvalidInput, r.Type)
	}
	switch r.Type {
	case model.SessionTypePhysical:
		if r.Location == nil {
			return fmt.Errorf("%w: physical sessions need a location", ErrInvalidInput)
		}
		if r.Location.Lat < -90 || r.Location.Lat > 90 || r.Location.Lng < -180 || r.Location.Lng > 180 {
			return fmt.Errorf("%w: location coordinate out of range", ErrInvalidInput)
		}
	case model.SessionTypeVirtual:
		r.Location = nil
	}
	if r.Credits == 0 {
		r.Credits = defaultCredits
	}
	if r.Credits < 0 {
		return fmt.Errorf("%w: credits must be positive", ErrInvalidInput)
	}
	return nil
}

// CreateSession books a pending session. creatorID must be one of the two
// participants, and the learner needs a positive balance.
func (s *Service) CreateSession(ctx context.Context, creatorID string, req CreateRequest) (*model.Session, error) {
	if err := req.normalize(s.credits); err != nil {
		return nil, err
	}
	if creatorID != req.TeacherID && creatorID != req.LearnerID {
		return nil, ErrNotParticipant
	}

	now := s.now().UTC()
	sess := &model.Session{
		ID:            s.newID(),
		TeacherID:     req.TeacherID,
		LearnerID:     req.LearnerID,
		SkillTeaching: req.SkillTeaching,
		SkillLearning: req.SkillLearning,
		Type:          req.Type,
		Status:        model.StatusPending,
		Credits:       req.Credits,
		Location:      req.Location,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetUser(ctx, sess.TeacherID); err != nil {
			return err
		}
		learner, err := tx.GetUser(ctx, sess.LearnerID)
		if err != nil {
			return err
		}
		if learner.Credits <= 0 {
			return fmt.Errorf("%w: learner %s has %d credits", ledger.ErrInsufficientCredits, learner.ID, learner.Credits)
		}
		return tx.CreateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Inc(metrics.SessionCreated)
	s.logger.Info("session created",
		"session_id", sess.ID,
		"teacher_id", sess.TeacherID,
		"learner_id", sess.LearnerID,
		"type", sess.Type,
	)
	s.mirror(ctx, sess)
	return sess, nil
}

// Get returns the session if userID takes part in it.
func (s *Service) Get(ctx context.Context, sessionID, userID string) (*model.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return sess, nil
}

// List returns userID's sessions, newest first, optionally by status.
func (s *Service) List(ctx context.Context, userID string, status model.Status) ([]*model.Session, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return s.store.ListSessions(ctx, store.SessionFilter{UserID: userID, Status: status})
}

// Participants looks up a session's two participants for the mailbox
// authorizer.
func (s *Service) Participants(ctx context.Context, sessionID string) (teacherID, learnerID string, err error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", mailbox.ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	return sess.TeacherID, sess.LearnerID, nil
}

// update loads the session, checks userID is a participant, applies fn and
// writes the result back, all in one transaction.
func (s *Service) update(ctx context.Context, sessionID, userID string, fn func(tx *store.Tx, sess *model.Session) error) (*model.Session, error) {
	var out *model.Session
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if !sess.IsParticipant(userID) {
			return ErrNotParticipant
		}
		if err := fn(tx, sess); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.mirror(ctx, out)
	return out, nil
}

// mirror publishes the committed record. The store stays authoritative, so
// failures are only logged.
func (s *Service) mirror(ctx context.Context, sess *model.Session) {
	if s.mailbox == nil {
		return
	}
	if _, err := s.mailbox.Write(ctx, mailbox.SessionPath(sess.ID), sess, false); err != nil {
		s.logger.Warn("mirror session to mailbox", "session_id", sess.ID, "err", err)
	}
}
