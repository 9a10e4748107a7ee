package sponsorship_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/christmasforkids/cfk-sponsorship/internal/models"
	"github.com/christmasforkids/cfk-sponsorship/internal/sponsorship"
	"github.com/christmasforkids/cfk-sponsorship/internal/testutil/memrepo"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []models.SponsorshipDetails
	err   error
}

func (n *recordingNotifier) SponsorshipRequested(ctx context.Context, d models.SponsorshipDetails) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, d)
	return n.err
}

func (n *recordingNotifier) Calls() []models.SponsorshipDetails {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.SponsorshipDetails(nil), n.calls...)
}

func newManager(t *testing.T, opts ...sponsorship.Option) (*sponsorship.Manager, *memrepo.Store, *recordingNotifier) {
	t.Helper()
	store := memrepo.New()
	n := &recordingNotifier{}
	m := sponsorship.NewManager(store, n, zap.NewNop(), opts...)
	t.Cleanup(m.Wait)
	return m, store, n
}

func addChild(store *memrepo.Store, id int64) int64 {
	return store.AddChild(models.Child{ID: id, FamilyNumber: "175", Letter: "A", AgeMonths: 96, Gender: "F"})
}

var jane = models.SponsorData{Name: "Jane Doe", Email: "jane@example.com"}

func TestCreateSponsorshipRequest_EndToEnd(t *testing.T) {
	m, store, n := newManager(t)
	ctx := context.Background()
	id := addChild(store, 42)

	res := m.CreateSponsorshipRequest(ctx, id, jane)
	require.True(t, res.Success, res.Message)
	require.NoError(t, res.Err)
	require.NotZero(t, res.SponsorshipID)
	require.Equal(t, models.ChildPending, store.Child(42).Status)

	rows := store.SponsorshipsFor(42)
	require.Len(t, rows, 1)
	require.Equal(t, res.SponsorshipID, rows[0].ID)
	require.Equal(t, models.SponsorshipPending, rows[0].Status)
	require.Equal(t, "jane@example.com", rows[0].SponsorEmail)

	second := m.CreateSponsorshipRequest(ctx, id, models.SponsorData{Name: "John Roe", Email: "john@example.com"})
	require.False(t, second.Success)
	require.ErrorIs(t, second.Err, sponsorship.ErrConflict)
	require.Contains(t, second.Message, "selected by another sponsor")
	require.Len(t, store.SponsorshipsFor(42), 1)

	m.Wait()
	calls := n.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "Jane Doe", calls[0].Sponsorship.SponsorName)
	require.Equal(t, "175A", calls[0].Child.DisplayID())
}

func TestReserve_ConcurrentCallersOneWinner(t *testing.T) {
	m, store, _ := newManager(t)
	id := addChild(store, 0)

	const n = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res := m.Reserve(context.Background(), id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case res.Success:
				wins++
			case errors.Is(res.Err, sponsorship.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected result: %+v", res)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, n-1, conflicts)
	require.Equal(t, models.ChildPending, store.Child(id).Status)
}

func TestReserve_LostRaceReportsConflict(t *testing.T) {
	m, store, _ := newManager(t)
	id := addChild(store, 0)
	store.BeforeSwapChild = func(childID int64, to models.ChildStatus) {
		if to == models.ChildPending {
			now := time.Now()
			store.ForceChild(childID, models.ChildPending, &now)
		}
	}

	res := m.Reserve(context.Background(), id)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, sponsorship.ErrConflict)
	require.Equal(t, sponsorship.MsgLostRace, res.Message)
}

func TestReserve_NotFound(t *testing.T) {
	m, _, _ := newManager(t)

	res := m.Reserve(context.Background(), 999)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, sponsorship.ErrNotFound)
	require.Equal(t, sponsorship.MsgChildNotFound, res.Message)
}

func TestReserve_MentionsHoldDuration(t *testing.T) {
	m, store, _ := newManager(t, sponsorship.WithReservationTimeout(90*time.Minute))
	id := addChild(store, 0)

	res := m.Reserve(context.Background(), id)
	require.True(t, res.Success)
	require.Contains(t, res.Message, "90 minutes")
	require.Equal(t, models.ChildPending, res.Child.Status)
}

func TestCheckAvailability(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	tests := []struct {
		status    models.ChildStatus
		available bool
		reason    string
	}{
		{models.ChildAvailable, true, ""},
		{models.ChildPending, false, sponsorship.MsgSelected},
		{models.ChildConfirmed, false, sponsorship.MsgSponsored},
		{models.ChildLogged, false, sponsorship.MsgSponsored},
		{models.ChildCompleted, false, sponsorship.MsgSponsored},
		{models.ChildInactive, false, sponsorship.MsgInactive},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			id := store.AddChild(models.Child{FamilyNumber: "200", Letter: string(tt.status), Status: tt.status})
			got := m.CheckAvailability(ctx, id)
			require.Equal(t, tt.available, got.Available)
			require.Equal(t, tt.reason, got.Reason)
			require.NotNil(t, got.Child)
			require.Equal(t, tt.status, store.Child(id).Status, "check must not change state")
		})
	}

	got := m.CheckAvailability(ctx, 12345)
	require.False(t, got.Available)
	require.Equal(t, sponsorship.MsgChildNotFound, got.Reason)
}

func TestCreateSponsorshipRequest_InvalidEmailReleasesChild(t *testing.T) {
	m, store, n := newManager(t)
	id := addChild(store, 0)

	res := m.CreateSponsorshipRequest(context.Background(), id, models.SponsorData{Name: "Jane Doe", Email: "not-an-email"})
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, sponsorship.ErrValidation)
	require.NotEmpty(t, res.Problems)
	require.Equal(t, models.ChildAvailable, store.Child(id).Status)
	require.Nil(t, store.Child(id).ReservedAt)
	require.Empty(t, store.SponsorshipsFor(id))

	m.Wait()
	require.Empty(t, n.Calls())
}

func TestCreateSponsorshipRequest_InsertFailureReleasesChild(t *testing.T) {
	m, store, _ := newManager(t)
	id := addChild(store, 0)
	store.FailInsertSponsorship = errors.New("connection reset by peer")

	res := m.CreateSponsorshipRequest(context.Background(), id, jane)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, sponsorship.ErrSystem)
	require.Equal(t, sponsorship.MsgSystemError, res.Message)
	require.NotContains(t, res.Message, "connection reset")
	require.Equal(t, models.ChildAvailable, store.Child(id).Status)
	require.Empty(t, store.SponsorshipsFor(id))
}

func TestCreateSponsorshipRequest_FailedCompensationLeavesHoldForSweeper(t *testing.T) {
	m, store, _ := newManager(t)
	id := addChild(store, 0)
	store.FailSwapChild = func(_ int64, to models.ChildStatus) error {
		if to == models.ChildAvailable {
			return errors.New("db down")
		}
		return nil
	}

	res := m.CreateSponsorshipRequest(context.Background(), id, models.SponsorData{Name: "", Email: "jane@example.com"})
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, sponsorship.ErrValidation)
	require.Equal(t, models.ChildPending, store.Child(id).Status)

	store.FailSwapChild = nil
	store.SetClock(func() time.Time { return time.Now().Add(3 * time.Hour) })
	m2 := sponsorship.NewManager(store, nil, zap.NewNop(), sponsorship.WithClock(func() time.Time { return time.Now().Add(3 * time.Hour) }))
	n, err := m2.ExpireStaleReservations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, models.ChildAvailable, store.Child(id).Status)
}

func TestCreateSponsorshipRequest_ReservationLostBeforeInsert(t *testing.T) {
	m, store, _ := newManager(t)
	id := addChild(store, 0)
	store.BeforeLockChild = func(childID int64) {
		store.ForceChild(childID, models.ChildAvailable, nil)
	}

	res := m.CreateSponsorshipRequest(context.Background(), id, jane)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, sponsorship.ErrConflict)
	require.Equal(t, sponsorship.MsgReservationGone, res.Message)
	require.Empty(t, store.SponsorshipsFor(id))
}

func TestCreateSponsorshipRequest_ActiveSponsorshipBlocksSecondInsert(t *testing.T) {
	m, store, _ := newManager(t)
	childID, _ := requestFor(t, m, store)
	// child row drifted back to available while its request is still open
	store.ForceChild(childID, models.ChildAvailable, nil)

	res := m.CreateSponsorshipRequest(context.Background(), childID, john)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, sponsorship.ErrConflict)
	require.Equal(t, sponsorship.MsgSelected, res.Message)
	require.Len(t, store.SponsorshipsFor(childID), 1)
	require.Equal(t, models.ChildPending, store.Child(childID).Status)
}

func TestCreateSponsorshipRequest_DriftedCompletedChildIsResynced(t *testing.T) {
	m, store, _ := newManager(t)
	childID, spID := requestFor(t, m, store)
	advance(t, spID, m.ConfirmSponsorship, m.LogSponsorship, m.CompleteSponsorship)
	store.ForceChild(childID, models.ChildAvailable, nil)

	res := m.CreateSponsorshipRequest(context.Background(), childID, john)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, sponsorship.ErrConflict)
	require.Equal(t, sponsorship.MsgSponsored, res.Message)
	require.Equal(t, models.ChildCompleted, store.Child(childID).Status)
	require.Len(t, store.SponsorshipsFor(childID), 1)
}

func TestCreateSponsorshipRequest_HoldRetakenBeforeInsert(t *testing.T) {
	m, store, _ := newManager(t)
	id := addChild(store, 0)
	other := time.Now().Add(time.Minute)
	store.BeforeLockChild = func(childID int64) {
		// released by an admin and reserved again by another visitor
		store.ForceChild(childID, models.ChildPending, &other)
	}

	res := m.CreateSponsorshipRequest(context.Background(), id, jane)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, sponsorship.ErrConflict)
	require.Equal(t, sponsorship.MsgReservationGone, res.Message)
	require.Empty(t, store.SponsorshipsFor(id))

	c := store.Child(id)
	require.Equal(t, models.ChildPending, c.Status)
	require.True(t, c.ReservedAt.Equal(other))
}

func TestCreateSponsorshipRequest_NotifierFailureDoesNotFailRequest(t *testing.T) {
	m, store, n := newManager(t)
	n.err = errors.New("smtp unavailable")
	id := addChild(store, 0)

	res := m.CreateSponsorshipRequest(context.Background(), id, jane)
	require.True(t, res.Success)
	m.Wait()
	require.Len(t, n.Calls(), 1)
	require.Equal(t, models.SponsorshipPending, store.SponsorshipsFor(id)[0].Status)
}

func requestFor(t *testing.T, m *sponsorship.Manager, store *memrepo.Store) (childID, sponsorshipID int64) {
	t.Helper()
	childID = addChild(store, 0)
	res := m.CreateSponsorshipRequest(context.Background(), childID, jane)
	require.True(t, res.Success, res.Message)
	return childID, res.SponsorshipID
}

func TestCancelSponsorship_Idempotent(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	childID, spID := requestFor(t, m, store)

	res := m.CancelSponsorship(ctx, spID, "  sponsor changed   their mind ")
	require.True(t, res.Success, res.Message)
	sp := store.Sponsorship(spID)
	require.Equal(t, models.SponsorshipCancelled, sp.Status)
	require.Equal(t, "sponsor changed their mind", sp.CancellationReason)
	require.NotNil(t, sp.CancelledAt)
	require.Equal(t, models.ChildAvailable, store.Child(childID).Status)

	// someone else picks the child before the duplicate cancel arrives
	require.True(t, m.Reserve(ctx, childID).Success)

	again := m.CancelSponsorship(ctx, spID, "")
	require.False(t, again.Success)
	require.ErrorIs(t, again.Err, sponsorship.ErrInvalidTransition)
	require.Equal(t, sponsorship.MsgAlreadyCancelled, again.Message)
	require.Equal(t, models.ChildPending, store.Child(childID).Status)
}

func TestCancelSponsorship_DefaultReasonAndStatuses(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	childID, spID := requestFor(t, m, store)
	require.True(t, m.ConfirmSponsorship(ctx, spID).Success)
	require.True(t, m.LogSponsorship(ctx, spID).Success)

	res := m.CancelSponsorship(ctx, spID, "")
	require.True(t, res.Success, res.Message)
	require.Equal(t, "cancelled by administrator", store.Sponsorship(spID).CancellationReason)
	require.Equal(t, models.ChildAvailable, store.Child(childID).Status)

	_, doneID := requestFor(t, m, store)
	require.True(t, m.ConfirmSponsorship(ctx, doneID).Success)
	require.True(t, m.LogSponsorship(ctx, doneID).Success)
	require.True(t, m.CompleteSponsorship(ctx, doneID).Success)
	res = m.CancelSponsorship(ctx, doneID, "")
	require.ErrorIs(t, res.Err, sponsorship.ErrInvalidTransition)
	require.Equal(t, models.SponsorshipCompleted, store.Sponsorship(doneID).Status)
}

func TestCancelSponsorship_NotFound(t *testing.T) {
	m, _, _ := newManager(t)

	res := m.CancelSponsorship(context.Background(), 77, "")
	require.ErrorIs(t, res.Err, sponsorship.ErrNotFound)
	require.Equal(t, sponsorship.MsgSponsorNotFound, res.Message)
}

func TestLogSponsorship_RequiresConfirmed(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	childID, spID := requestFor(t, m, store)

	res := m.LogSponsorship(ctx, spID)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, sponsorship.ErrInvalidTransition)
	require.Contains(t, res.Message, "pending")
	require.Equal(t, models.SponsorshipPending, store.Sponsorship(spID).Status)

	require.True(t, m.ConfirmSponsorship(ctx, spID).Success)
	require.Equal(t, models.ChildConfirmed, store.Child(childID).Status)

	res = m.LogSponsorship(ctx, spID)
	require.True(t, res.Success, res.Message)
	require.Equal(t, models.SponsorshipLogged, store.Sponsorship(spID).Status)
	require.NotNil(t, store.Sponsorship(spID).LoggedAt)
	require.Equal(t, models.ChildLogged, store.Child(childID).Status)
}

func TestLogThenUnlog_RoundTrip(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	childID, spID := requestFor(t, m, store)
	require.True(t, m.ConfirmSponsorship(ctx, spID).Success)

	before := store.Sponsorship(spID)
	childBefore := store.Child(childID)

	require.True(t, m.LogSponsorship(ctx, spID).Success)
	res := m.UnlogSponsorship(ctx, spID)
	require.True(t, res.Success, res.Message)

	after := store.Sponsorship(spID)
	childAfter := store.Child(childID)
	require.Equal(t, models.SponsorshipConfirmed, after.Status)
	require.Nil(t, after.LoggedAt)

	after.UpdatedAt, before.UpdatedAt = time.Time{}, time.Time{}
	require.Equal(t, before, after)
	childAfter.UpdatedAt, childBefore.UpdatedAt = time.Time{}, time.Time{}
	require.Equal(t, childBefore, childAfter)
}

func TestUnlogSponsorship_RequiresLogged(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	_, spID := requestFor(t, m, store)
	require.True(t, m.ConfirmSponsorship(ctx, spID).Success)

	res := m.UnlogSponsorship(ctx, spID)
	require.ErrorIs(t, res.Err, sponsorship.ErrInvalidTransition)
	require.Equal(t, models.SponsorshipConfirmed, store.Sponsorship(spID).Status)
}

func TestCompleteSponsorship_OnlyFromLogged(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	childID, spID := requestFor(t, m, store)
	require.True(t, m.ConfirmSponsorship(ctx, spID).Success)

	res := m.CompleteSponsorship(ctx, spID)
	require.ErrorIs(t, res.Err, sponsorship.ErrInvalidTransition)
	require.Equal(t, models.SponsorshipConfirmed, store.Sponsorship(spID).Status)

	require.True(t, m.LogSponsorship(ctx, spID).Success)
	res = m.CompleteSponsorship(ctx, spID)
	require.True(t, res.Success, res.Message)
	require.Equal(t, models.SponsorshipCompleted, store.Sponsorship(spID).Status)
	require.NotNil(t, store.Sponsorship(spID).CompletedAt)
	require.Equal(t, models.ChildCompleted, store.Child(childID).Status)
}

func TestConfirmSponsorship_ChildOutOfSyncRollsBack(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	childID, spID := requestFor(t, m, store)
	store.ForceChild(childID, models.ChildInactive, nil)

	res := m.ConfirmSponsorship(ctx, spID)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, sponsorship.ErrConflict)
	require.Equal(t, models.SponsorshipPending, store.Sponsorship(spID).Status)
	require.Equal(t, models.ChildInactive, store.Child(childID).Status)
}

func TestConfirmSponsorship_Twice(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	_, spID := requestFor(t, m, store)

	require.True(t, m.ConfirmSponsorship(ctx, spID).Success)
	confirmedAt := store.Sponsorship(spID).ConfirmedAt
	require.NotNil(t, confirmedAt)

	res := m.ConfirmSponsorship(ctx, spID)
	require.ErrorIs(t, res.Err, sponsorship.ErrInvalidTransition)
	require.Equal(t, confirmedAt, store.Sponsorship(spID).ConfirmedAt)
}

func TestRelease(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	childID, spID := requestFor(t, m, store)
	require.True(t, m.Release(ctx, childID))
	require.Equal(t, models.ChildAvailable, store.Child(childID).Status)
	sp := store.Sponsorship(spID)
	require.Equal(t, models.SponsorshipCancelled, sp.Status)
	require.Equal(t, "reservation released", sp.CancellationReason)

	// a bare hold with no request is released too
	held := addChild(store, 0)
	require.True(t, m.Reserve(ctx, held).Success)
	require.True(t, m.Release(ctx, held))
	require.Equal(t, models.ChildAvailable, store.Child(held).Status)

	require.False(t, m.Release(ctx, 4242))
	res := m.ReleaseChild(ctx, 4242)
	require.ErrorIs(t, res.Err, sponsorship.ErrNotFound)
}

var john = models.SponsorData{Name: "John Roe", Email: "john@example.com"}

func advance(t *testing.T, spID int64, steps ...func(context.Context, int64) sponsorship.Result) {
	t.Helper()
	for _, step := range steps {
		res := step(context.Background(), spID)
		require.True(t, res.Success, res.Message)
	}
}

// After a release an available child never carries an open sponsorship, and
// the next visitor can either sponsor the child or is told why not.
func TestReleaseChild_ByStatus(t *testing.T) {
	cases := []struct {
		name      string
		setup     func(t *testing.T, m *sponsorship.Manager, store *memrepo.Store) (childID, spID int64)
		wantErr   error
		wantChild models.ChildStatus
		wantSp    models.SponsorshipStatus
	}{
		{
			name: "available",
			setup: func(t *testing.T, m *sponsorship.Manager, store *memrepo.Store) (int64, int64) {
				return addChild(store, 0), 0
			},
			wantChild: models.ChildAvailable,
		},
		{
			name: "bare_hold",
			setup: func(t *testing.T, m *sponsorship.Manager, store *memrepo.Store) (int64, int64) {
				id := addChild(store, 0)
				require.True(t, m.Reserve(context.Background(), id).Success)
				return id, 0
			},
			wantChild: models.ChildAvailable,
		},
		{
			name: "pending_request",
			setup: func(t *testing.T, m *sponsorship.Manager, store *memrepo.Store) (int64, int64) {
				return requestFor(t, m, store)
			},
			wantChild: models.ChildAvailable,
			wantSp:    models.SponsorshipCancelled,
		},
		{
			name: "confirmed",
			setup: func(t *testing.T, m *sponsorship.Manager, store *memrepo.Store) (int64, int64) {
				childID, spID := requestFor(t, m, store)
				advance(t, spID, m.ConfirmSponsorship)
				return childID, spID
			},
			wantChild: models.ChildAvailable,
			wantSp:    models.SponsorshipCancelled,
		},
		{
			name: "logged",
			setup: func(t *testing.T, m *sponsorship.Manager, store *memrepo.Store) (int64, int64) {
				childID, spID := requestFor(t, m, store)
				advance(t, spID, m.ConfirmSponsorship, m.LogSponsorship)
				return childID, spID
			},
			wantChild: models.ChildAvailable,
			wantSp:    models.SponsorshipCancelled,
		},
		{
			name: "completed",
			setup: func(t *testing.T, m *sponsorship.Manager, store *memrepo.Store) (int64, int64) {
				childID, spID := requestFor(t, m, store)
				advance(t, spID, m.ConfirmSponsorship, m.LogSponsorship, m.CompleteSponsorship)
				return childID, spID
			},
			wantErr:   sponsorship.ErrInvalidTransition,
			wantChild: models.ChildCompleted,
			wantSp:    models.SponsorshipCompleted,
		},
		{
			name: "inactive",
			setup: func(t *testing.T, m *sponsorship.Manager, store *memrepo.Store) (int64, int64) {
				return store.AddChild(models.Child{FamilyNumber: "176", Letter: "A", AgeMonths: 60, Status: models.ChildInactive}), 0
			},
			wantChild: models.ChildAvailable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, store, _ := newManager(t)
			ctx := context.Background()
			childID, spID := tc.setup(t, m, store)

			res := m.ReleaseChild(ctx, childID)
			if tc.wantErr != nil {
				require.False(t, res.Success)
				require.ErrorIs(t, res.Err, tc.wantErr)
			} else {
				require.True(t, res.Success, res.Message)
			}
			require.Equal(t, tc.wantChild, store.Child(childID).Status)
			if spID != 0 {
				require.Equal(t, tc.wantSp, store.Sponsorship(spID).Status)
			}
			if store.Child(childID).Status == models.ChildAvailable {
				for _, sp := range store.SponsorshipsFor(childID) {
					require.False(t, sp.Status.Active(), "available child still has sponsorship %d (%s)", sp.ID, sp.Status)
				}
			}

			next := m.CreateSponsorshipRequest(ctx, childID, john)
			if tc.wantErr != nil {
				require.False(t, next.Success)
				require.ErrorIs(t, next.Err, sponsorship.ErrConflict)
				require.Equal(t, sponsorship.MsgSponsored, next.Message)
			} else {
				require.True(t, next.Success, next.Message)
			}

			later := func() time.Time { return time.Now().Add(3 * time.Hour) }
			sweeper := sponsorship.NewManager(store, nil, zap.NewNop(), sponsorship.WithClock(later))
			_, err := sweeper.ExpireStaleReservations(ctx)
			require.NoError(t, err)
			if tc.wantErr != nil {
				require.Equal(t, models.ChildCompleted, store.Child(childID).Status)
			} else {
				require.Equal(t, models.ChildPending, store.Child(childID).Status)
			}
		})
	}
}

func TestExpireStaleReservations(t *testing.T) {
	base := time.Date(2026, 12, 1, 10, 0, 0, 0, time.UTC)
	now := base
	clock := func() time.Time { return now }

	m, store, _ := newManager(t, sponsorship.WithClock(clock), sponsorship.WithReservationTimeout(2*time.Hour))
	store.SetClock(clock)
	ctx := context.Background()

	abandoned := addChild(store, 0)
	require.True(t, m.Reserve(ctx, abandoned).Success)
	requestedChild, spID := requestFor(t, m, store)

	now = base.Add(90 * time.Minute)
	fresh := addChild(store, 0)
	require.True(t, m.Reserve(ctx, fresh).Success)

	now = base.Add(2*time.Hour + time.Minute)
	n, err := m.ExpireStaleReservations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, models.ChildAvailable, store.Child(abandoned).Status)
	require.Equal(t, models.ChildPending, store.Child(fresh).Status)
	require.Equal(t, models.ChildPending, store.Child(requestedChild).Status)
	require.Equal(t, models.SponsorshipPending, store.Sponsorship(spID).Status)

	n, err = m.ExpireStaleReservations(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
