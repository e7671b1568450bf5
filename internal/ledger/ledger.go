// Package ledger moves credits between users. Every balance change is paired
// with an append-only transaction row in the same database transaction, so
// a user's balance always equals the sum of their logged amounts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skillswap/session-core/internal/metrics"
	"github.com/skillswap/session-core/internal/model"
	"github.com/skillswap/session-core/internal/store"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadySettled      = errors.New("session credits already transferred")
	ErrInvalidAmount       = errors.New("invalid credit amount")
	ErrWrongParties        = errors.New("transfer parties do not match the session")
)

type Ledger struct {
	store   *store.Store
	metrics *metrics.Metrics

	now   func() time.Time
	newID func() string
}

func New(s *store.Store, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:   s,
		metrics: m,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Settlement is the pair of rows written by a session transfer.
type Settlement struct {
	SessionID string                  `json:"sessionId"`
	Credit    model.CreditTransaction `json:"credit"`
	Debit     model.CreditTransaction `json:"debit"`
}

// Settle moves sess.Credits from the learner to the teacher inside tx and
// marks sess as transferred. The caller persists sess in the same tx.
func (l *Ledger) Settle(ctx context.Context, tx *store.Tx, sess *model.Session) (Settlement, error) {
	if sess.CreditsTransferred {
		return Settlement{}, ErrAlreadySettled
	}
	st, err := l.move(ctx, tx, sess.ID, sess.LearnerID, sess.TeacherID, sess.Credits)
	if err != nil {
		return Settlement{}, err
	}
	sess.CreditsTransferred = true
	return st, nil
}

// Transfer settles sessionID in its own transaction. from must be the
// session's learner and to its teacher.
func (l *Ledger) Transfer(ctx context.Context, sessionID, from, to string, amount int) (Settlement, error) {
	var st Settlement
	err := l.store.InTx(ctx, func(tx *store.Tx) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.LearnerID != from || sess.TeacherID != to {
			return ErrWrongParties
		}
		if sess.CreditsTransferred {
			return ErrAlreadySettled
		}
		if st, err = l.move(ctx, tx, sessionID, from, to, amount); err != nil {
			return err
		}
		sess.CreditsTransferred = true
		sess.UpdatedAt = l.now().UTC()
		return tx.UpdateSession(ctx, sess)
	})
	return st, err
}

func (l *Ledger) move(ctx context.Context, tx *store.Tx, sessionID, from, to string, amount int) (Settlement, error) {
	if amount <= 0 {
		return Settlement{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	learner, err := tx.GetUser(ctx, from)
	if err != nil {
		return Settlement{}, err
	}
	teacher, err := tx.GetUser(ctx, to)
	if err != nil {
		return Settlement{}, err
	}
	if learner.Credits < amount {
		l.metrics.Inc(metrics.CreditTransferInsufficient)
		return Settlement{}, fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientCredits, from, learner.Credits, amount)
	}

	now := l.now().UTC()
	teacher.Credits += amount
	teacher.TotalSessionsTeaching++
	learner.Credits -= amount
	learner.TotalSessionsLearning++
	if err := tx.UpdateUserStats(ctx, teacher); err != nil {
		return Settlement{}, err
	}
	if err := tx.UpdateUserStats(ctx, learner); err != nil {
		return Settlement{}, err
	}

	st := Settlement{
		SessionID: sessionID,
		Credit: model.CreditTransaction{
			ID:         l.newID(),
			UserID:     to,
			SessionID:  sessionID,
			Amount:     amount,
			Reason:     "Completed teaching session: " + sessionID,
			NewBalance: teacher.Credits,
			CreatedAt:  now,
		},
		Debit: model.CreditTransaction{
			ID:         l.newID(),
			UserID:     from,
			SessionID:  sessionID,
			Amount:     -amount,
			Reason:     "Completed learning session: " + sessionID,
			NewBalance: learner.Credits,
			CreatedAt:  now,
		},
	}
	if err := tx.InsertTransaction(ctx, &st.Credit); err != nil {
		return Settlement{}, err
	}
	if err := tx.InsertTransaction(ctx, &st.Debit); err != nil {
		return Settlement{}, err
	}
	l.metrics.Inc(metrics.CreditTransfer)
	return st, nil
}

// Grant adds amount (which may be negative) to userID's balance outside of
// any session. A deduction below zero fails with ErrInsufficientCredits.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int, reason string) (model.CreditTransaction, error) {
	if amount == 0 {
		return model.CreditTransaction{}, fmt.Errorf("%w: 0", ErrInvalidAmount)
	}
	var t model.CreditTransaction
	err := l.store.InTx(ctx, func(tx *store.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if u.Credits+amount < 0 {
			return fmt.Errorf("%w: %s has %d", ErrInsufficientCredits, userID, u.Credits)
		}
		u.Credits += amount
		if err := tx.UpdateUserStats(ctx, u); err != nil {
			return err
		}
		t = model.CreditTransaction{
			ID:         l.newID(),
			UserID:     userID,
			Amount:     amount,
			Reason:     reason,
			NewBalance: u.Credits,
			CreatedAt:  l.now().UTC(),
		}
		return tx.InsertTransaction(ctx, &t)
	})
	return t, err
}

// Balance reads the stored balance, which is authoritative for gating.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Credits, nil
}

// History returns the user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error) {
	return l.store.ListTransactions(ctx, userID, limit)
}

type Reconciliation struct {
	UserID     string `json:"userId"`
	Balance    int    `json:"balance"`
	LogSum     int    `json:"logSum"`
	Consistent bool   `json:"consistent"`
}

// Reconcile compares the stored balance with the sum of the user's log.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (Reconciliation, error) {
	var r Reconciliation
	err := l.store.InTx(ctx, func(tx *store.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		sum, err := tx.SumTransactions(ctx, userID)
		if err != nil {
			return err
		}
		r = Reconciliation{UserID: userID, Balance: u.Credits, LogSum: sum, Consistent: u.Credits == sum}
		return nil
	})
	return r, err
}
