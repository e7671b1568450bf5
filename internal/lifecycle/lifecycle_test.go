package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillswap/session-core/internal/geofence"
	"github.com/skillswap/session-core/internal/ledger"
	"github.com/skillswap/session-core/internal/mailbox"
	"github.com/skillswap/session-core/internal/metrics"
	"github.com/skillswap/session-core/internal/model"
	"github.com/skillswap/session-core/internal/scheduling"
	"github.com/skillswap/session-core/internal/store"
)

var venue = model.Venue{Name: "Library", Lat: 51.5074, Lng: -0.1278}

type fixture struct {
	svc     *Service
	store   *store.Store
	mailbox *mailbox.Memory
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, learnerCredits int) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	mb := mailbox.NewMemory()
	t.Cleanup(func() { _ = mb.Close() })

	m := metrics.New()
	svc := New(Config{Store: st, Mailbox: mb, Metrics: m})
	var mu sync.Mutex
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	for _, id := range []string{"teacher", "learner", "stranger"} {
		require.NoError(t, st.PutUser(ctx, &model.User{ID: id, DisplayName: id}))
	}
	if learnerCredits > 0 {
		_, err := svc.Ledger().Grant(ctx, "learner", learnerCredits, "signup bonus")
		require.NoError(t, err)
	}
	return &fixture{svc: svc, store: st, mailbox: mb, metrics: m}
}

func (f *fixture) create(t *testing.T, typ model.SessionType) *model.Session {
	t.Helper()
	req := CreateRequest{TeacherID: "teacher", LearnerID: "learner", SkillTeaching: "guitar", Type: typ}
	if typ == model.SessionTypePhysical {
		v := venue
		req.Location = &v
	}
	sess, err := f.svc.CreateSession(context.Background(), "learner", req)
	require.NoError(t, err)
	return sess
}

// agree runs a propose/accept round.
func (f *fixture) agree(t *testing.T, sessionID string) *model.Session {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)
	sess, err := f.svc.Propose(ctx, sessionID, "teacher", at, 0)
	require.NoError(t, err)
	sess, err = f.svc.Propose(ctx, sessionID, "learner", at, sess.ScheduleRevision)
	require.NoError(t, err)
	require.True(t, scheduling.Agreed(sess))
	return sess
}

func (f *fixture) active(t *testing.T, typ model.SessionType) *model.Session {
	t.Helper()
	sess := f.create(t, typ)
	f.agree(t, sess.ID)
	sess, err := f.svc.Join(context.Background(), sess.ID, "learner")
	require.NoError(t, err)
	return sess
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	cases := []struct {
		name    string
		creator string
		req     CreateRequest
		want    error
	}{
		{"missing learner", "teacher", CreateRequest{TeacherID: "teacher", SkillTeaching: "x"}, ErrInvalidInput},
		{"self teaching", "teacher", CreateRequest{TeacherID: "teacher", LearnerID: "teacher", SkillTeaching: "x"}, ErrInvalidInput},
		{"missing skill", "teacher", CreateRequest{TeacherID: "teacher", LearnerID: "learner"}, ErrInvalidInput},
		{"bad type", "teacher", CreateRequest{TeacherID: "teacher", LearnerID: "learner", SkillTeaching: "x", Type: "hologram"}, ErrInvalidInput},
		{"physical without venue", "teacher", CreateRequest{TeacherID: "teacher", LearnerID: "learner", SkillTeaching: "x", Type: model.SessionTypePhysical}, ErrInvalidInput},
		{"negative credits", "teacher", CreateRequest{TeacherID: "teacher", LearnerID: "learner", SkillTeaching: "x", Credits: -1}, ErrInvalidInput},
		{"outsider", "stranger", CreateRequest{TeacherID: "teacher", LearnerID: "learner", SkillTeaching: "x"}, ErrNotParticipant},
		{"unknown teacher", "learner", CreateRequest{TeacherID: "ghost", LearnerID: "learner", SkillTeaching: "x"}, store.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateSession(ctx, tc.creator, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreateSessionRequiresLearnerCredits(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.svc.CreateSession(context.Background(), "learner", CreateRequest{TeacherID: "teacher", LearnerID: "learner", SkillTeaching: "guitar"})
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)
}

func TestCreateSessionDefaultsAndMirror(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t, model.SessionTypeVirtual)

	assert.Equal(t, model.StatusPending, sess.Status)
	assert.Equal(t, 1, sess.Credits)
	assert.Equal(t, "guitar", sess.SkillLearning)
	assert.Nil(t, sess.Location)
	assert.Equal(t, uint64(1), f.metrics.Get(metrics.SessionCreated))

	doc, err := f.mailbox.Read(ctx, mailbox.SessionPath(sess.ID))
	require.NoError(t, err)
	var mirrored model.Session
	require.NoError(t, doc.Decode(&mirrored))
	assert.Equal(t, sess.ID, mirrored.ID)
	assert.Equal(t, model.StatusPending, mirrored.Status)

	teacher, learner, err := f.svc.Participants(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "teacher", teacher)
	assert.Equal(t, "learner", learner)
	_, _, err = f.svc.Participants(ctx, "missing")
	require.ErrorIs(t, err, mailbox.ErrNotFound)
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	a := f.create(t, model.SessionTypeVirtual)
	b := f.create(t, model.SessionTypeVirtual)
	_, err := f.svc.Cancel(ctx, b.ID, "teacher")
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, a.ID, "stranger")
	require.ErrorIs(t, err, ErrNotParticipant)
	got, err := f.svc.Get(ctx, a.ID, "teacher")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	all, err := f.svc.List(ctx, "learner", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	pending, err := f.svc.List(ctx, "learner", model.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
	_, err = f.svc.List(ctx, "learner", "bogus")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestProposeStaleRevision(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t, model.SessionTypeVirtual)

	t1 := time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)
	_, err := f.svc.Propose(ctx, sess.ID, "teacher", t1, 0)
	require.NoError(t, err)

	// The learner still looks at revision 0 and tries to counter.
	_, err = f.svc.Propose(ctx, sess.ID, "learner", t2, 0)
	require.ErrorIs(t, err, scheduling.ErrStaleProposal)
	assert.Equal(t, uint64(1), f.metrics.Get(metrics.ProposalStale))

	stored, err := f.svc.Get(ctx, sess.ID, "learner")
	require.NoError(t, err)
	assert.True(t, stored.ScheduledTime.Equal(t1))
	assert.True(t, stored.TeacherConfirmed)
	assert.False(t, stored.LearnerConfirmed)

	_, err = f.svc.Propose(ctx, sess.ID, "stranger", t1, 1)
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestJoin(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t, model.SessionTypeVirtual)

	_, err := f.svc.Join(ctx, sess.ID, "teacher")
	require.ErrorIs(t, err, ErrNotAgreed)

	f.agree(t, sess.ID)
	joined, err := f.svc.Join(ctx, sess.ID, "teacher")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, joined.Status)
	require.NotNil(t, joined.StartTime)

	again, err := f.svc.Join(ctx, sess.ID, "learner")
	require.NoError(t, err)
	assert.True(t, again.StartTime.Equal(*joined.StartTime))
	assert.Equal(t, uint64(1), f.metrics.Get(metrics.SessionJoined))

	_, err = f.svc.Join(ctx, sess.ID, "stranger")
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestEndTransfersCredits(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	sess := f.active(t, model.SessionTypeVirtual)

	res, err := f.svc.End(ctx, sess.ID, "teacher", false)
	require.NoError(t, err)
	assert.False(t, res.Forced)
	require.NotNil(t, res.Settlement)
	assert.Equal(t, model.StatusCompleted, res.Session.Status)
	assert.True(t, res.Session.CreditsTransferred)
	require.NotNil(t, res.Session.CompletedAt)
	require.NotNil(t, res.Session.EndTime)

	teacher, err := f.store.GetUser(ctx, "teacher")
	require.NoError(t, err)
	learner, err := f.store.GetUser(ctx, "learner")
	require.NoError(t, err)
	assert.Equal(t, 1, teacher.Credits)
	assert.Equal(t, 1, learner.Credits)
	assert.Equal(t, 1, teacher.TotalSessionsTeaching)
	assert.Equal(t, 1, learner.TotalSessionsLearning)

	// A second end must not move credits again.
	_, err = f.svc.End(ctx, sess.ID, "learner", false)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	for _, id := range []string{"teacher", "learner"} {
		rec, err := f.svc.Ledger().Reconcile(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.Consistent, "%s: %+v", id, rec)
	}
	learner, err = f.store.GetUser(ctx, "learner")
	require.NoError(t, err)
	assert.Equal(t, 1, learner.Credits)
}

func TestEndInsufficientCredits(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.active(t, model.SessionTypeVirtual)
	// The learner spends the credit elsewhere before the session ends.
	_, err := f.svc.Ledger().Grant(ctx, "learner", -1, "other session")
	require.NoError(t, err)

	_, err = f.svc.End(ctx, sess.ID, "teacher", false)
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	stored, err := f.svc.Get(ctx, sess.ID, "teacher")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, stored.Status)

	res, err := f.svc.End(ctx, sess.ID, "teacher", true)
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Nil(t, res.Settlement)
	assert.Equal(t, model.StatusCompleted, res.Session.Status)
	assert.False(t, res.Session.CreditsTransferred)
	assert.Equal(t, uint64(1), f.metrics.Get(metrics.SessionForceCompleted))

	teacher, err := f.store.GetUser(ctx, "teacher")
	require.NoError(t, err)
	assert.Equal(t, 0, teacher.Credits)
}

func TestEndRequiresActive(t *testing.T) {
	f := newFixture(t, 1)
	sess := f.create(t, model.SessionTypeVirtual)
	_, err := f.svc.End(context.Background(), sess.ID, "teacher", false)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	pending := f.create(t, model.SessionTypeVirtual)
	got, err := f.svc.Cancel(ctx, pending.ID, "learner")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	_, err = f.svc.Cancel(ctx, pending.ID, "learner")
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	active := f.active(t, model.SessionTypeVirtual)
	_, err = f.svc.Cancel(ctx, active.ID, "teacher")
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, active.ID, "teacher")
	require.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestCheckIn(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	sess := f.active(t, model.SessionTypePhysical)
	qr, err := geofence.NewPayload(sess, time.Now()).Encode()
	require.NoError(t, err)

	t.Run("outside radius", func(t *testing.T) {
		res, cur, err := f.svc.CheckIn(ctx, sess.ID, "learner", CheckInRequest{
			QRPayload: qr,
			Position:  &geofence.Coordinate{Lat: venue.Lat + 0.01, Lng: venue.Lng},
		})
		require.NoError(t, err)
		assert.False(t, res.Verified)
		assert.Empty(t, cur.CheckedInBy)
		assert.Equal(t, uint64(1), f.metrics.Get(metrics.CheckInRejected))
	})

	t.Run("mismatched payload", func(t *testing.T) {
		other := *sess
		other.ID = "another-session"
		bad, err := geofence.NewPayload(&other, time.Now()).Encode()
		require.NoError(t, err)
		_, _, err = f.svc.CheckIn(ctx, sess.ID, "learner", CheckInRequest{QRPayload: bad})
		require.ErrorIs(t, err, geofence.ErrPayloadMismatch)
	})

	t.Run("garbage payload", func(t *testing.T) {
		_, _, err := f.svc.CheckIn(ctx, sess.ID, "learner", CheckInRequest{QRPayload: "not json"})
		require.ErrorIs(t, err, geofence.ErrInvalidPayload)
	})

	t.Run("at venue", func(t *testing.T) {
		res, cur, err := f.svc.CheckIn(ctx, sess.ID, "learner", CheckInRequest{
			QRPayload: qr,
			Position:  &geofence.Coordinate{Lat: venue.Lat + 0.0001, Lng: venue.Lng},
		})
		require.NoError(t, err)
		assert.True(t, res.Verified)
		assert.Equal(t, geofence.MethodGeofence, res.Method)
		assert.Equal(t, "learner", cur.CheckedInBy)
		require.NotNil(t, cur.CheckInTime)
		assert.Equal(t, model.StatusActive, cur.Status)
	})

	t.Run("qr only", func(t *testing.T) {
		res, _, err := f.svc.CheckIn(ctx, sess.ID, "teacher", CheckInRequest{QRPayload: qr})
		require.NoError(t, err)
		assert.True(t, res.Verified)
		assert.Equal(t, geofence.MethodQROnly, res.Method)
		assert.Equal(t, uint64(1), f.metrics.Get(metrics.CheckInQROnly))
	})

	t.Run("virtual session", func(t *testing.T) {
		virtual := f.create(t, model.SessionTypeVirtual)
		vqr, err := geofence.NewPayload(virtual, time.Now()).Encode()
		require.NoError(t, err)
		_, _, err = f.svc.CheckIn(ctx, virtual.ID, "learner", CheckInRequest{QRPayload: vqr})
		require.ErrorIs(t, err, ErrWrongType)
	})
}

func TestSubmitReview(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	open := f.active(t, model.SessionTypeVirtual)
	_, err := f.svc.SubmitReview(ctx, open.ID, "learner", ReviewRequest{Rating: 5})
	require.ErrorIs(t, err, ErrNotCompleted)

	_, err = f.svc.End(ctx, open.ID, "teacher", false)
	require.NoError(t, err)

	_, err = f.svc.SubmitReview(ctx, open.ID, "learner", ReviewRequest{Rating: 6})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.SubmitReview(ctx, open.ID, "stranger", ReviewRequest{Rating: 4})
	require.ErrorIs(t, err, ErrNotParticipant)

	r, err := f.svc.SubmitReview(ctx, open.ID, "learner", ReviewRequest{Rating: 5, Comment: "  great  "})
	require.NoError(t, err)
	assert.Equal(t, "teacher", r.RevieweeID)
	assert.Equal(t, "great", r.Comment)

	_, err = f.svc.SubmitReview(ctx, open.ID, "learner", ReviewRequest{Rating: 1})
	require.ErrorIs(t, err, ErrAlreadyReviewed)

	second := f.active(t, model.SessionTypeVirtual)
	_, err = f.svc.End(ctx, second.ID, "teacher", false)
	require.NoError(t, err)
	_, err = f.svc.SubmitReview(ctx, second.ID, "learner", ReviewRequest{Rating: 4})
	require.NoError(t, err)

	teacher, err := f.store.GetUser(ctx, "teacher")
	require.NoError(t, err)
	assert.Equal(t, 2, teacher.ReviewCount)
	assert.InDelta(t, 4.5, teacher.AverageRating, 1e-9)
	assert.Equal(t, model.ReputationExcellent, teacher.Reputation)

	reviews, err := f.svc.Reviews(ctx, "teacher")
	require.NoError(t, err)
	assert.Len(t, reviews, 2)
}

func TestSubmitReviewConcurrentOnce(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.active(t, model.SessionTypeVirtual)
	_, err := f.svc.End(ctx, sess.ID, "teacher", false)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.SubmitReview(ctx, sess.ID, "teacher", ReviewRequest{Rating: 3})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyReviewed):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	learner, err := f.store.GetUser(ctx, "learner")
	require.NoError(t, err)
	assert.Equal(t, 1, learner.ReviewCount)
}

func TestApplyRatingRounds(t *testing.T) {
	u := &model.User{}
	for _, r := range []int{5, 4, 4} {
		applyRating(u, r)
	}
	assert.Equal(t, 3, u.ReviewCount)
	assert.InDelta(t, 4.3, u.AverageRating, 1e-9)
	assert.Equal(t, model.ReputationExcellent, u.Reputation)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.create(t, model.SessionTypeVirtual)

	got, err := f.svc.MarkRead(ctx, sess.ID, "learner")
	require.NoError(t, err)
	first := got.LastRead["learner"]
	require.False(t, first.IsZero())

	got, err = f.svc.MarkRead(ctx, sess.ID, "learner")
	require.NoError(t, err)
	assert.True(t, got.LastRead["learner"].After(first))
	_, ok := got.LastRead["teacher"]
	assert.False(t, ok)

	_, err = f.svc.MarkRead(ctx, sess.ID, "stranger")
	require.ErrorIs(t, err, ErrNotParticipant)
}
