package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/skillswap/session-core/internal/model"
)

const sessionColumns = `session_id, teacher_id, learner_id, skill_teaching, skill_learning, session_type, status,
	scheduled_time, schedule_revision, teacher_confirmed, learner_confirmed, credits, location,
	created_at, updated_at, start_time, end_time, completed_at, credits_transferred, last_read,
	checked_in_by, check_in_time`

func (q queries) CreateSession(ctx context.Context, s *model.Session) error {
	args, err := sessionArgs(s)
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (q queries) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, notFound(err, "session "+id)
	}
	return s, nil
}

// UpdateSession writes every mutable column of s.
func (q queries) UpdateSession(ctx context.Context, s *model.Session) error {
	args, err := sessionArgs(s)
	if err != nil {
		return err
	}
	// Drop session_id, teacher_id, learner_id and created_at; append the key.
	mutable := append([]any{}, args[3:13]...)
	mutable = append(mutable, args[14:]...)
	mutable = append(mutable, s.ID)
	res, err := q.q.ExecContext(ctx, `UPDATE sessions SET
			skill_teaching = ?, skill_learning = ?, session_type = ?, status = ?,
			scheduled_time = ?, schedule_revision = ?, teacher_confirmed = ?, learner_confirmed = ?,
			credits = ?, location = ?, updated_at = ?, start_time = ?, end_time = ?, completed_at = ?,
			credits_transferred = ?, last_read = ?, checked_in_by = ?, check_in_time = ?
		WHERE session_id = ?`, mutable...)
	if err != nil {
		return err
	}
	return expectOneRow(res, "session "+s.ID)
}

// SessionFilter narrows ListSessions. Empty fields match everything.
type SessionFilter struct {
	UserID string
	Status model.Status
}

// ListSessions returns matching sessions, newest first.
func (q queries) ListSessions(ctx context.Context, f SessionFilter) ([]*model.Session, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE (? = '' OR teacher_id = ? OR learner_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY created_at DESC, session_id`,
		f.UserID, f.UserID, f.UserID, string(f.Status), string(f.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func sessionArgs(s *model.Session) ([]any, error) {
	var location, lastRead any
	if s.Location != nil {
		b, err := json.Marshal(s.Location)
		if err != nil {
			return nil, err
		}
		location = string(b)
	}
	if len(s.LastRead) > 0 {
		b, err := json.Marshal(s.LastRead)
		if err != nil {
			return nil, err
		}
		lastRead = string(b)
	}
	return []any{
		s.ID, s.TeacherID, s.LearnerID, // 0-2
		s.SkillTeaching, s.SkillLearning, string(s.Type), string(s.Status), // 3-6
		nullTime(s.ScheduledTime), s.ScheduleRevision, s.TeacherConfirmed, s.LearnerConfirmed, // 7-10
		s.Credits, location, // 11-12
		s.CreatedAt, // 13
		s.UpdatedAt, nullTime(s.StartTime), nullTime(s.EndTime), nullTime(s.CompletedAt), // 14-17
		s.CreditsTransferred, lastRead, s.CheckedInBy, nullTime(s.CheckInTime), // 18-21
	}, nil
}

func scanSession(sc scanner) (*model.Session, error) {
	var (
		s                                      model.Session
		sessionType, status                    string
		scheduled, start, end, completed, chkd sql.NullTime
		location, lastRead                     sql.NullString
	)
	if err := sc.Scan(&s.ID, &s.TeacherID, &s.LearnerID, &s.SkillTeaching, &s.SkillLearning, &sessionType, &status,
		&scheduled, &s.ScheduleRevision, &s.TeacherConfirmed, &s.LearnerConfirmed, &s.Credits, &location,
		&s.CreatedAt, &s.UpdatedAt, &start, &end, &completed, &s.CreditsTransferred, &lastRead,
		&s.CheckedInBy, &chkd); err != nil {
		return nil, err
	}
	s.Type = model.SessionType(sessionType)
	s.Status = model.Status(status)
	s.ScheduledTime = timePtr(scheduled)
	s.StartTime = timePtr(start)
	s.EndTime = timePtr(end)
	s.CompletedAt = timePtr(completed)
	s.CheckInTime = timePtr(chkd)
	if location.Valid {
		var v model.Venue
		if err := json.Unmarshal([]byte(location.String), &v); err != nil {
			return nil, err
		}
		s.Location = &v
	}
	if lastRead.Valid {
		if err := json.Unmarshal([]byte(lastRead.String), &s.LastRead); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
