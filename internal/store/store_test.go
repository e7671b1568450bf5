package store

import (
	"context"
	"testing"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillswap/session-core/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUsers(t *testing.T, s *Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.PutUser(context.Background(), &model.User{ID: id, DisplayName: id, Credits: 2}))
	}
}

func TestUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u := &model.User{ID: "u1", DisplayName: "Ada", Credits: 3, SkillsOffered: []string{"go", "chess"}}
	require.NoError(t, s.PutUser(ctx, u))

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.DisplayName)
	assert.Equal(t, 3, got.Credits)
	assert.Equal(t, []string{"go", "chess"}, got.SkillsOffered)
	assert.Equal(t, model.ReputationNew, got.Reputation)

	// A profile refresh keeps the balance.
	require.NoError(t, s.PutUser(ctx, &model.User{ID: "u1", DisplayName: "Ada L", Credits: 99}))
	got, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada L", got.DisplayName)
	assert.Equal(t, 3, got.Credits)

	got.Credits = 7
	got.ReviewCount = 1
	got.AverageRating = 4.5
	got.Reputation = model.ReputationExcellent
	require.NoError(t, s.UpdateUserStats(ctx, got))
	got, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.Credits)
	assert.Equal(t, model.ReputationExcellent, got.Reputation)

	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateUserStats(ctx, &model.User{ID: "missing"}), ErrNotFound)
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedUsers(t, s, "t1", "l1")

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sched := now.Add(48 * time.Hour)
	sess := &model.Session{
		ID:               "s1",
		TeacherID:        "t1",
		LearnerID:        "l1",
		SkillTeaching:    "guitar",
		Type:             model.SessionTypePhysical,
		Status:           model.StatusPending,
		ScheduledTime:    &sched,
		ScheduleRevision: 2,
		TeacherConfirmed: true,
		Credits:          1,
		Location:         &model.Venue{Name: "Library", Lat: -1.2843, Lng: 36.8172},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.ErrorIs(t, s.CreateSession(ctx, sess), ErrConflict)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.True(t, got.ScheduledTime.Equal(sched))
	assert.Equal(t, int64(2), got.ScheduleRevision)
	assert.True(t, got.TeacherConfirmed)
	assert.False(t, got.LearnerConfirmed)
	assert.Equal(t, "Library", got.Location.Name)
	assert.Nil(t, got.StartTime)

	start := now.Add(time.Hour)
	got.Status = model.StatusActive
	got.StartTime = &start
	got.LastRead = map[string]time.Time{"l1": start}
	got.CheckedInBy = "l1"
	got.CheckInTime = &start
	require.NoError(t, s.UpdateSession(ctx, got))

	again, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, again.Status)
	assert.True(t, again.StartTime.Equal(start))
	assert.True(t, again.LastRead["l1"].Equal(start))
	assert.Equal(t, "l1", again.CheckedInBy)

	_, err = s.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedUsers(t, s, "a", "b", "c")

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, p := range [][3]string{{"s1", "a", "b"}, {"s2", "b", "c"}, {"s3", "a", "c"}} {
		status := model.StatusPending
		if p[0] == "s3" {
			status = model.StatusCompleted
		}
		created := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.CreateSession(ctx, &model.Session{
			ID: p[0], TeacherID: p[1], LearnerID: p[2], SkillTeaching: "x",
			Type: model.SessionTypeVirtual, Status: status, Credits: 1, CreatedAt: created, UpdatedAt: created,
		}))
	}

	list, err := s.ListSessions(ctx, SessionFilter{UserID: "a"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s3", list[0].ID)

	list, err = s.ListSessions(ctx, SessionFilter{UserID: "c", Status: model.StatusPending})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s2", list[0].ID)

	list, err = s.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestTransactionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedUsers(t, s, "u1")

	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, amt := range []int{5, -1, 2} {
		require.NoError(t, s.InsertTransaction(ctx, &model.CreditTransaction{
			ID: string(rune('a' + i)), UserID: "u1", Amount: amt, Reason: "r", NewBalance: 0, CreatedAt: ts,
		}))
	}
	list, err := s.ListTransactions(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "a", list[2].ID)

	list, err = s.ListTransactions(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	sum, err := s.SumTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 6, sum)
}

func TestReviewUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedUsers(t, s, "t1", "l1")
	now := time.Now().UTC()
	require.NoError(t, s.CreateSession(ctx, &model.Session{
		ID: "s1", TeacherID: "t1", LearnerID: "l1", SkillTeaching: "x",
		Type: model.SessionTypeVirtual, Status: model.StatusCompleted, Credits: 1, CreatedAt: now, UpdatedAt: now,
	}))

	r := &model.Review{ID: "r1", SessionID: "s1", ReviewerID: "l1", RevieweeID: "t1", Rating: 5, CreatedAt: now}
	require.NoError(t, s.InsertReview(ctx, r))
	r.ID = "r2"
	assert.ErrorIs(t, s.InsertReview(ctx, r), ErrConflict)

	got, err := s.GetSessionReview(ctx, "s1", "l1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Rating)
	_, err = s.GetSessionReview(ctx, "s1", "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListReviewsFor(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDuplicateKeysConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedUsers(t, s, "u1")
	now := time.Now().UTC()

	txn := &model.CreditTransaction{ID: "c1", UserID: "u1", Amount: 2, Reason: "welcome", NewBalance: 2, CreatedAt: now}
	require.NoError(t, s.InsertTransaction(ctx, txn))
	assert.ErrorIs(t, s.InsertTransaction(ctx, txn), ErrConflict)

	sess := &model.Session{
		ID: "dup", TeacherID: "u1", LearnerID: "u1", SkillTeaching: "x",
		Type: model.SessionTypeVirtual, Status: model.StatusPending, Credits: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	err := s.CreateSession(ctx, sess)
	assert.ErrorIs(t, err, ErrConflict)
	assert.True(t, isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}))
	assert.False(t, isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}))
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedUsers(t, s, "u1")

	err := s.InTx(ctx, func(tx *Tx) error {
		u, err := tx.GetUser(ctx, "u1")
		require.NoError(t, err)
		u.Credits = 100
		require.NoError(t, tx.UpdateUserStats(ctx, u))
		return ErrConflict
	})
	assert.ErrorIs(t, err, ErrConflict)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, u.Credits)
}
