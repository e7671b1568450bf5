package store

import (
	"context"

	"github.com/skillswap/session-core/internal/model"
)

// InsertTransaction appends t to its user's log.
func (q queries) InsertTransaction(ctx context.Context, t *model.CreditTransaction) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO credit_transactions
			(transaction_id, user_id, session_id, amount, reason, new_balance, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM credit_transactions WHERE user_id = ?))`,
		t.ID, t.UserID, t.SessionID, t.Amount, t.Reason, t.NewBalance, t.CreatedAt.UTC(), t.UserID)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// ListTransactions returns the user's log, newest first. limit <= 0 means
// no limit.
func (q queries) ListTransactions(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.q.QueryContext(ctx, `SELECT transaction_id, user_id, session_id, amount, reason, new_balance, created_at
		FROM credit_transactions WHERE user_id = ? ORDER BY seq DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CreditTransaction
	for rows.Next() {
		var t model.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &t.Amount, &t.Reason, &t.NewBalance, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SumTransactions returns the sum of the user's logged amounts.
func (q queries) SumTransactions(ctx context.Context, userID string) (int, error) {
	var sum int
	err := q.q.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = ?`, userID).Scan(&sum)
	return sum, err
}
