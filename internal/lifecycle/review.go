package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/skillswap/session-core/internal/metrics"
	"github.com/skillswap/session-core/internal/model"
	"github.com/skillswap/session-core/internal/store"
)

const maxCommentRunes = 2000

type ReviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// SubmitReview records reviewerID's rating of the other participant of a
// completed session and folds it into the reviewee's average and reputation.
// Each participant may review a session once.
func (s *Service) SubmitReview(ctx context.Context, sessionID, reviewerID string, req ReviewRequest) (*model.Review, error) {
	if req.Rating < model.MinRating || req.Rating > model.MaxRating {
		return nil, fmt.Errorf("%w: rating must be between %d and %d", ErrInvalidInput, model.MinRating, model.MaxRating)
	}
	comment := strings.TrimSpace(req.Comment)
	if len([]rune(comment)) > maxCommentRunes {
		return nil, fmt.Errorf("%w: comment is too long", ErrInvalidInput)
	}

	var review *model.Review
	var reviewee *model.User
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if !sess.IsParticipant(reviewerID) {
			return ErrNotParticipant
		}
		if sess.Status != model.StatusCompleted {
			return ErrNotCompleted
		}
		review = &model.Review{
			ID:         s.newID(),
			SessionID:  sess.ID,
			ReviewerID: reviewerID,
			RevieweeID: sess.Partner(reviewerID),
			Rating:     req.Rating,
			Comment:    comment,
			CreatedAt:  s.now().UTC(),
		}
		if err := tx.InsertReview(ctx, review); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrAlreadyReviewed
			}
			return err
		}
		if reviewee, err = tx.GetUser(ctx, review.RevieweeID); err != nil {
			return err
		}
		applyRating(reviewee, req.Rating)
		return tx.UpdateUserStats(ctx, reviewee)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Inc(metrics.ReviewSubmitted)
	s.logger.Info("review submitted",
		"session_id", sessionID,
		"reviewee_id", reviewee.ID,
		"average_rating", reviewee.AverageRating,
		"reputation", reviewee.Reputation,
	)
	return review, nil
}

// applyRating folds one more rating into u's running average, rounded to one
// decimal place.
func applyRating(u *model.User, rating int) {
	total := u.AverageRating*float64(u.ReviewCount) + float64(rating)
	u.ReviewCount++
	u.AverageRating = math.Round(total/float64(u.ReviewCount)*10) / 10
	u.Reputation = model.ReputationFor(u.AverageRating, u.ReviewCount)
}

// Reviews lists the reviews userID has received, newest first.
func (s *Service) Reviews(ctx context.Context, userID string) ([]model.Review, error) {
	return s.store.ListReviewsFor(ctx, userID)
}
