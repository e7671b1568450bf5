package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skillswap/session-core/internal/geofence"
	"github.com/skillswap/session-core/internal/ledger"
	"github.com/skillswap/session-core/internal/metrics"
	"github.com/skillswap/session-core/internal/model"
	"github.com/skillswap/session-core/internal/scheduling"
	"github.com/skillswap/session-core/internal/store"
)

// Propose submits or accepts a scheduled time. observedRevision is the
// scheduleRevision the caller last saw.
func (s *Service) Propose(ctx context.Context, sessionID, userID string, t time.Time, observedRevision int64) (*model.Session, error) {
	sess, err := s.update(ctx, sessionID, userID, func(_ *store.Tx, sess *model.Session) error {
		return scheduling.Propose(sess, userID, t, observedRevision, s.now().UTC())
	})
	if errors.Is(err, scheduling.ErrStaleProposal) {
		s.metrics.Inc(metrics.ProposalStale)
	}
	if err != nil {
		return nil, err
	}
	s.metrics.Inc(metrics.ProposalSubmitted)
	s.logger.Debug("schedule proposal",
		"session_id", sess.ID,
		"user_id", userID,
		"revision", sess.ScheduleRevision,
		"agreed", scheduling.Agreed(sess),
	)
	return sess, nil
}

// Join moves an agreed pending session to active. Joining an already active
// session succeeds without changes, since either side may join first.
func (s *Service) Join(ctx context.Context, sessionID, userID string) (*model.Session, error) {
	joined := false
	sess, err := s.update(ctx, sessionID, userID, func(_ *store.Tx, sess *model.Session) error {
		if sess.Status == model.StatusActive {
			return nil
		}
		if sess.Status == model.StatusPending && !scheduling.Agreed(sess) {
			return ErrNotAgreed
		}
		now := s.now().UTC()
		if err := sess.Transition(model.StatusActive, now); err != nil {
			return err
		}
		if sess.StartTime == nil {
			sess.StartTime = &now
		}
		joined = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if joined {
		s.metrics.Inc(metrics.SessionJoined)
		s.logger.Info("session active", "session_id", sess.ID, "user_id", userID)
	}
	return sess, nil
}

type CheckInRequest struct {
	// QRPayload is the raw scanned text.
	QRPayload string `json:"qrPayload"`
	// Position is nil when the device refused to share its location.
	Position *geofence.Coordinate `json:"position,omitempty"`
}

// CheckIn verifies a physical session's venue QR code and, when a position
// is given, the distance to the venue. A verified check-in is recorded on the
// session; a rejected one changes nothing and may simply be retried.
func (s *Service) CheckIn(ctx context.Context, sessionID, userID string, req CheckInRequest) (geofence.Result, *model.Session, error) {
	payload, err := geofence.ParsePayload(req.QRPayload)
	if err != nil {
		return geofence.Result{}, nil, err
	}
	var res geofence.Result
	sess, err := s.update(ctx, sessionID, userID, func(_ *store.Tx, sess *model.Session) error {
		if sess.Type != model.SessionTypePhysical {
			return fmt.Errorf("%w: check-in is for physical sessions", ErrWrongType)
		}
		if sess.Status.Terminal() {
			return fmt.Errorf("%w: session is %s", model.ErrInvalidTransition, sess.Status)
		}
		r, err := s.geofence.CheckIn(sess, payload, req.Position)
		if err != nil {
			return err
		}
		res = r
		if !r.Verified {
			return errRejected
		}
		now := s.now().UTC()
		sess.CheckedInBy = userID
		sess.CheckInTime = &now
		sess.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errRejected) {
		s.metrics.Inc(metrics.CheckInRejected)
		s.logger.Info("check-in outside venue radius", "session_id", sessionID, "user_id", userID, "distance_km", *res.DistanceKm)
		cur, getErr := s.Get(ctx, sessionID, userID)
		if getErr != nil {
			return res, nil, getErr
		}
		return res, cur, nil
	}
	if err != nil {
		return geofence.Result{}, nil, err
	}
	s.metrics.Inc(metrics.CheckInVerified)
	if res.Method == geofence.MethodQROnly {
		s.metrics.Inc(metrics.CheckInQROnly)
		s.logger.Warn("check-in without position, qr code only", "session_id", sess.ID, "user_id", userID)
	}
	return res, sess, nil
}

// errRejected rolls back a check-in whose position failed the geofence.
var errRejected = errors.New("check-in rejected")

// EndResult describes how a session was completed.
type EndResult struct {
	Session    *model.Session     `json:"session"`
	Settlement *ledger.Settlement `json:"settlement,omitempty"`
	// Forced is set when the learner could not pay and the session was
	// completed without a transfer.
	Forced bool `json:"forced"`
}

// End completes an active session and settles its credits in the same
// transaction. When the learner cannot pay, End fails with
// ledger.ErrInsufficientCredits unless force is set, in which case the
// session completes without a transfer.
func (s *Service) End(ctx context.Context, sessionID, userID string, force bool) (EndResult, error) {
	var res EndResult
	sess, err := s.update(ctx, sessionID, userID, func(tx *store.Tx, sess *model.Session) error {
		if sess.Status != model.StatusActive {
			return fmt.Errorf("%w: cannot end a %s session", model.ErrInvalidTransition, sess.Status)
		}
		if !sess.CreditsTransferred {
			st, err := s.ledger.Settle(ctx, tx, sess)
			switch {
			case err == nil:
				res.Settlement = &st
			case errors.Is(err, ledger.ErrInsufficientCredits) && force:
				res.Forced = true
			default:
				return err
			}
		}
		now := s.now().UTC()
		if err := sess.Transition(model.StatusCompleted, now); err != nil {
			return err
		}
		sess.CompletedAt = &now
		sess.EndTime = &now
		return nil
	})
	if err != nil {
		return EndResult{}, err
	}
	res.Session = sess
	if res.Forced {
		s.metrics.Inc(metrics.SessionForceCompleted)
		s.logger.Warn("session completed without credit transfer", "session_id", sess.ID, "learner_id", sess.LearnerID)
	} else {
		s.metrics.Inc(metrics.SessionCompleted)
		s.logger.Info("session completed", "session_id", sess.ID, "credits", sess.Credits)
	}
	return res, nil
}

// Cancel abandons a pending or active session.
func (s *Service) Cancel(ctx context.Context, sessionID, userID string) (*model.Session, error) {
	sess, err := s.update(ctx, sessionID, userID, func(_ *store.Tx, sess *model.Session) error {
		return sess.Transition(model.StatusCancelled, s.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Inc(metrics.SessionCancelled)
	s.logger.Info("session cancelled", "session_id", sess.ID, "user_id", userID)
	return sess, nil
}

// MarkRead records that userID has read the chat up to now.
func (s *Service) MarkRead(ctx context.Context, sessionID, userID string) (*model.Session, error) {
	return s.update(ctx, sessionID, userID, func(_ *store.Tx, sess *model.Session) error {
		now := s.now().UTC()
		if sess.LastRead == nil {
			sess.LastRead = make(map[string]time.Time)
		}
		sess.LastRead[userID] = now
		sess.UpdatedAt = now
		return nil
	})
}
