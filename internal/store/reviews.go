package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/skillswap/session-core/internal/model"
)

// InsertReview stores r. A second review of the same session by the same
// reviewer fails with ErrConflict.
func (q queries) InsertReview(ctx context.Context, r *model.Review) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO reviews
			(review_id, session_id, reviewer_id, reviewee_id, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.ReviewerID, r.RevieweeID, r.Rating, r.Comment, r.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetSessionReview returns the review reviewerID left on sessionID.
func (q queries) GetSessionReview(ctx context.Context, sessionID, reviewerID string) (*model.Review, error) {
	var r model.Review
	err := q.q.QueryRowContext(ctx, `SELECT review_id, session_id, reviewer_id, reviewee_id, rating, comment, created_at
		FROM reviews WHERE session_id = ? AND reviewer_id = ?`, sessionID, reviewerID).
		Scan(&r.ID, &r.SessionID, &r.ReviewerID, &r.RevieweeID, &r.Rating, &r.Comment, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(err, "review")
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (q queries) ListReviewsFor(ctx context.Context, revieweeID string) ([]model.Review, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT review_id, session_id, reviewer_id, reviewee_id, rating, comment, created_at
		FROM reviews WHERE reviewee_id = ? ORDER BY created_at DESC`, revieweeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Review
	for rows.Next() {
		var r model.Review
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ReviewerID, &r.RevieweeID, &r.Rating, &r.Comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
