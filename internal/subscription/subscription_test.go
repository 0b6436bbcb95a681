package subscription

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, slog.Default())
	return svc, store
}

func TestPlanCatalog(t *testing.T) {
	price, err := PlanPrice("pro")
	require.NoError(t, err)
	assert.Equal(t, int64(9900), price)

	price, err = PlanPrice("business")
	require.NoError(t, err)
	assert.Equal(t, int64(29000), price)

	price, err = PlanPrice("premium")
	require.NoError(t, err)
	assert.Equal(t, int64(79000), price)

	_, err = PlanPrice("enterprise")
	assert.ErrorIs(t, err, ErrUnknownPlan)

	assert.False(t, IsBillable(PlanFree))
	assert.True(t, IsBillable("pro"))
	assert.False(t, IsBillable("enterprise"))
}

func TestCreateSubscription(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	start := time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }

	sub, err := svc.Create(ctx, "user1", "pro")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, int64(9900), sub.Price)
	assert.Equal(t, start.AddDate(0, 1, 0), sub.NextBillingDate)
	assert.Equal(t, start, sub.LastBillingDate)

	// Second active subscription for the same user is rejected.
	_, err = svc.Create(ctx, "user1", "business")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	// Unknown plan never reaches the store.
	_, err = svc.Create(ctx, "user2", "enterprise")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestCancelHonorsPaidPeriod(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Create(ctx, "user1", "pro")
	require.NoError(t, err)
	paidThrough := sub.NextBillingDate

	cancelled, err := svc.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, paidThrough, cancelled.NextBillingDate, "cancel must not shorten the paid period")

	// Cancelling twice fails.
	_, err = svc.Cancel(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrNotActive)

	// Before the paid period ends the sweep leaves it alone.
	expired, err := store.ExpireLapsed(ctx, paidThrough.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)

	// After the paid period it expires, and the sweep reports who lapsed.
	expired, err = store.ExpireLapsed(ctx, paidThrough.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, sub.ID, expired[0].ID)
	assert.Equal(t, "user1", expired[0].UserID)

	got, err := svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestListDueOrderingAndLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	mk := func(id, user, plan string, due time.Time, status Status) {
		require.NoError(t, store.Create(ctx, &Subscription{
			ID: id, UserID: user, PlanType: plan, Status: status,
			NextBillingDate: due,
		}))
	}

	mk("sub_c", "u3", "pro", now.Add(-time.Hour), StatusActive)
	mk("sub_a", "u1", "pro", now.Add(-72*time.Hour), StatusActive)
	mk("sub_b", "u2", "business", now.Add(-24*time.Hour), StatusActive)
	mk("sub_free", "u4", PlanFree, now.Add(-72*time.Hour), StatusActive)
	mk("sub_susp", "u5", "pro", now.Add(-72*time.Hour), StatusSuspended)
	mk("sub_future", "u6", "pro", now.Add(time.Hour), StatusActive)

	due, err := store.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "sub_a", due[0].ID, "oldest due first")
	assert.Equal(t, "sub_b", due[1].ID)
	assert.Equal(t, "sub_c", due[2].ID)

	limited, err := store.ListDue(ctx, now, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestClaimCompareAndSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	due := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	sub := &Subscription{
		ID: "sub_1", UserID: "u1", PlanType: "pro",
		Status: StatusActive, NextBillingDate: due,
	}
	require.NoError(t, store.Create(ctx, sub))

	ok, err := store.Claim(ctx, sub.ID, due)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second claim while the first is held fails.
	ok, err = store.Claim(ctx, sub.ID, due)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Release(ctx, sub.ID))

	// Stale expected date fails even when unclaimed.
	ok, err = store.Claim(ctx, sub.ID, due.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.False(t, ok)

	// Advancing the billing date simulates a completed charge: a worker
	// holding the old date can no longer claim.
	sub.NextBillingDate = due.AddDate(0, 1, 0)
	require.NoError(t, store.Update(ctx, sub))
	ok, err = store.Claim(ctx, sub.ID, due)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Claim(ctx, sub.ID, due.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Claim(ctx, "sub_missing", due)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimRequiresActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	due := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	sub := &Subscription{
		ID: "sub_1", UserID: "u1", PlanType: "pro",
		Status: StatusActive, NextBillingDate: due,
	}
	require.NoError(t, store.Create(ctx, sub))

	sub.Status = StatusSuspended
	require.NoError(t, store.Update(ctx, sub))

	ok, err := store.Claim(ctx, sub.ID, due)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextPeriod(t *testing.T) {
	from := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
	// AddDate normalizes Jan 31 + 1 month to Mar 3; the point is that the
	// schedule always moves strictly forward.
	next := NextPeriod(from)
	assert.True(t, next.After(from.AddDate(0, 0, 27)))

	from = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC), NextPeriod(from))
}
