package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/skillswap/session-core/internal/model"
)

const userColumns = `user_id, display_name, credits, total_sessions_teaching, total_sessions_learning,
	review_count, average_rating, reputation, skills_offered, skills_wanted, location, created_at`

// PutUser inserts u, or refreshes its profile fields when it exists. Ledger
// and reputation columns are never overwritten by a profile refresh.
func (q queries) PutUser(ctx context.Context, u *model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Reputation == "" {
		u.Reputation = model.ReputationNew
	}
	offered, _ := json.Marshal(u.SkillsOffered)
	wanted, _ := json.Marshal(u.SkillsWanted)
	_, err := q.q.ExecContext(ctx, `INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			skills_offered = excluded.skills_offered,
			skills_wanted = excluded.skills_wanted,
			location = excluded.location`,
		u.ID, u.DisplayName, u.Credits, u.TotalSessionsTeaching, u.TotalSessionsLearning,
		u.ReviewCount, u.AverageRating, string(u.Reputation), string(offered), string(wanted), u.Location, u.CreatedAt)
	return err
}

func (q queries) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFound(err, "user "+id)
	}
	return u, nil
}

// UpdateUserStats writes the ledger and reputation columns of u.
func (q queries) UpdateUserStats(ctx context.Context, u *model.User) error {
	res, err := q.q.ExecContext(ctx, `UPDATE users SET
			credits = ?, total_sessions_teaching = ?, total_sessions_learning = ?,
			review_count = ?, average_rating = ?, reputation = ?
		WHERE user_id = ?`,
		u.Credits, u.TotalSessionsTeaching, u.TotalSessionsLearning,
		u.ReviewCount, u.AverageRating, string(u.Reputation), u.ID)
	if err != nil {
		return err
	}
	return expectOneRow(res, "user "+u.ID)
}

// TopRated returns users with at least minReviews reviews, best first.
func (q queries) TopRated(ctx context.Context, minReviews, limit int) ([]*model.User, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users
		WHERE review_count >= ? ORDER BY average_rating DESC, review_count DESC LIMIT ?`, minReviews, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*model.User, error) {
	var (
		u               model.User
		reputation      string
		offered, wanted sql.NullString
	)
	if err := s.Scan(&u.ID, &u.DisplayName, &u.Credits, &u.TotalSessionsTeaching, &u.TotalSessionsLearning,
		&u.ReviewCount, &u.AverageRating, &reputation, &offered, &wanted, &u.Location, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Reputation = model.Reputation(reputation)
	if offered.Valid {
		_ = json.Unmarshal([]byte(offered.String), &u.SkillsOffered)
	}
	if wanted.Valid {
		_ = json.Unmarshal([]byte(wanted.String), &u.SkillsWanted)
	}
	return &u, nil
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(sql.ErrNoRows, what)
	}
	return nil
}
