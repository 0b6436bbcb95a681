package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amondhq/billing/internal/account"
	"github.com/amondhq/billing/internal/billingkey"
	"github.com/amondhq/billing/internal/gateway"
	"github.com/amondhq/billing/internal/ledger"
	"github.com/amondhq/billing/internal/subscription"
)

type fixture struct {
	sched    *Scheduler
	subs     *subscription.MemoryStore
	keys     *billingkey.Service
	keyStore *billingkey.MemoryStore
	ledger   *ledger.MemoryStore
	accounts *account.MemoryDirectory
	adapter  *gateway.SimulatedAdapter
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.Default()
	adapter := gateway.NewSimulatedAdapter()
	accounts := account.NewMemoryDirectory()
	keyStore := billingkey.NewMemoryStore()
	keys := billingkey.NewService(keyStore, adapter, accounts, logger)
	subs := subscription.NewMemoryStore()
	ledgerStore := ledger.NewMemoryStore()
	recorder := ledger.NewService(ledgerStore, logger)

	f := &fixture{
		subs:     subs,
		keys:     keys,
		keyStore: keyStore,
		ledger:   ledgerStore,
		accounts: accounts,
		adapter:  adapter,
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.sched = New(Config{MerchantID: "testmid", BatchSize: 10}, subs, keys, recorder,
		accounts, adapter, DefaultFailurePolicy(), logger)
	f.sched.now = func() time.Time { return f.now }
	return f
}

// addUser registers the user in the directory and issues a billing key.
func (f *fixture) addUser(t *testing.T, userID string) *billingkey.BillingKey {
	t.Helper()
	f.accounts.Put(userID, gateway.Buyer{Name: userID, Email: userID + "@example.com"})
	key, err := f.keys.Register(context.Background(), userID, gateway.CardDetails{
		Number: "4111111111111111", Expiry: "2712", BirthDate: "900101", PINPrefix: "12",
	})
	require.NoError(t, err)
	return key
}

// addSubscription creates an active pro subscription due at f.now.
func (f *fixture) addSubscription(t *testing.T, id, userID string) *subscription.Subscription {
	t.Helper()
	sub := &subscription.Subscription{
		ID: id, UserID: userID, PlanType: "pro", Price: 9900,
		Status: subscription.StatusActive, NextBillingDate: f.now,
	}
	require.NoError(t, f.subs.Create(context.Background(), sub))
	return sub
}

func TestCycleSuccessAdvancesOnePeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addUser(t, "user1")
	sub := f.addSubscription(t, "sub_1", "user1")
	sub.ConsecutiveFailures = 2
	require.NoError(t, f.subs.Update(ctx, sub))

	stats, err := f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Due)
	assert.Equal(t, 1, stats.Charged)
	assert.Equal(t, 0, stats.Failed)

	got, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, got.Status)
	assert.Equal(t, f.now.AddDate(0, 1, 0), got.NextBillingDate)
	assert.Equal(t, f.now, got.LastBillingDate)
	assert.Equal(t, 0, got.ConsecutiveFailures, "success resets the failure count")

	// Membership extended to the new paid-through date.
	grade, paidThrough, ok := f.accounts.Membership("user1")
	require.True(t, ok)
	assert.Equal(t, "pro", grade)
	assert.Equal(t, got.NextBillingDate, paidThrough)

	// One success row in the ledger with a well-formed order number.
	entries, err := f.ledger.ListByUser(ctx, "user1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, int64(9900), entries[0].Amount)
	assert.True(t, strings.HasPrefix(entries[0].OrderNumber, "testmid_20250601120000_user1_"),
		"order number was %q", entries[0].OrderNumber)

	// Not due again this period.
	stats, err = f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Due)
}

func TestThreeFailuresSuspendAndDowngrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := f.addUser(t, "user1")
	sub := f.addSubscription(t, "sub_1", "user1")
	f.adapter.ScriptChargeError(key.Token, gateway.ErrDeclined)

	for i := 1; i <= 3; i++ {
		stats, err := f.sched.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed, "cycle %d", i)

		got, err := f.subs.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, i, got.ConsecutiveFailures)
		if i < 3 {
			assert.Equal(t, subscription.StatusActive, got.Status)
			// Failed charges never advance the billing date.
			assert.Equal(t, f.now, got.NextBillingDate)
		} else {
			assert.Equal(t, subscription.StatusSuspended, got.Status)
		}
	}

	grade, _, ok := f.accounts.Membership("user1")
	require.True(t, ok)
	assert.Equal(t, account.GradeFree, grade, "suspension downgrades the member")

	entries, err := f.ledger.ListByUser(ctx, "user1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, ledger.OutcomeFailed, e.Outcome)
	}

	// Suspended subscriptions never come due again.
	stats, err := f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Due)
}

func TestTimeoutCountsLikeDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := f.addUser(t, "user1")
	sub := f.addSubscription(t, "sub_1", "user1")
	f.adapter.ScriptChargeError(key.Token, gateway.ErrTimeout)

	stats, err := f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	got, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.Equal(t, subscription.StatusActive, got.Status)
}

func TestClaimedSubscriptionIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addUser(t, "user1")
	sub := f.addSubscription(t, "sub_1", "user1")

	// Another cycle run already holds the claim.
	ok, err := f.subs.Claim(ctx, sub.ID, sub.NextBillingDate)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Charged)
	assert.Empty(t, f.adapter.Charges(), "claimed subscription must not be charged")
}

func TestInvalidBillingKeyRetiredImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := f.addUser(t, "user1")
	sub := f.addSubscription(t, "sub_1", "user1")
	f.adapter.ScriptChargeError(key.Token, gateway.ErrInvalidBillingKey)

	stats, err := f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	_, err = f.keyStore.GetActive(ctx, "user1")
	assert.ErrorIs(t, err, billingkey.ErrNoActiveKey, "unusable key is retired at once")

	got, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures)

	// Next cycle finds no usable key and skips without charging.
	stats, err = f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Len(t, f.adapter.Charges(), 1, "no second gateway call without a key")
}

func TestForeignGatewayKeyRetired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.accounts.Put("user1", gateway.Buyer{Name: "user1"})
	require.NoError(t, f.keyStore.Replace(ctx, &billingkey.BillingKey{
		ID: "bk_foreign", UserID: "user1", Gateway: "direct",
		Token: "StdpayCARD123", Status: billingkey.StatusActive,
	}))
	sub := f.addSubscription(t, "sub_1", "user1")

	stats, err := f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Empty(t, f.adapter.Charges(), "foreign token never reaches the gateway")

	_, err = f.keyStore.GetActive(ctx, "user1")
	assert.ErrorIs(t, err, billingkey.ErrNoActiveKey)

	got, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures)
}

func TestCredentialRejectionAbortsCycleUncounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := f.addUser(t, "user1")
	sub := f.addSubscription(t, "sub_1", "user1")
	f.adapter.ScriptChargeError(key.Token, gateway.ErrAuth)

	_, err := f.sched.RunCycle(ctx)
	assert.ErrorIs(t, err, gateway.ErrAuth)

	// Our credentials failed, not the customer's card: nothing is counted
	// and the claim is released for the next cycle.
	got, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.Equal(t, subscription.StatusActive, got.Status)

	entries, err := f.ledger.ListByUser(ctx, "user1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	ok, err := f.subs.Claim(ctx, sub.ID, sub.NextBillingDate)
	require.NoError(t, err)
	assert.True(t, ok, "claim must have been released")
}

func TestPerItemIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	badKey := f.addUser(t, "user1")
	f.addUser(t, "user2")
	f.addSubscription(t, "sub_1", "user1")
	f.addSubscription(t, "sub_2", "user2")
	f.adapter.ScriptChargeError(badKey.Token, gateway.ErrDeclined)

	stats, err := f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Due)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Charged, "one decline must not block the rest of the batch")
}

func TestNoActiveKeySkipsWithoutCounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.accounts.Put("user1", gateway.Buyer{Name: "user1"})
	sub := f.addSubscription(t, "sub_1", "user1")

	stats, err := f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)

	got, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.Equal(t, subscription.StatusActive, got.Status)
}

func TestExpirySweepRunsInCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addUser(t, "user1")
	require.NoError(t, f.accounts.SetMembership(ctx, "user1", "pro", f.now.AddDate(0, 0, -1)))

	sub := &subscription.Subscription{
		ID: "sub_1", UserID: "user1", PlanType: "pro", Price: 9900,
		Status: subscription.StatusCancelled, NextBillingDate: f.now.AddDate(0, 0, -1),
	}
	require.NoError(t, f.subs.Create(ctx, sub))

	stats, err := f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 0, stats.Due, "cancelled subscriptions are never charged")

	got, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusExpired, got.Status)

	// The lapsed member loses the paid grade.
	grade, _, ok := f.accounts.Membership("user1")
	require.True(t, ok)
	assert.Equal(t, account.GradeFree, grade)
}

func TestBatchSizeCapsCycle(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.BatchSize = 2
	ctx := context.Background()

	for _, u := range []string{"user1", "user2", "user3"} {
		f.addUser(t, u)
		f.addSubscription(t, "sub_"+u, u)
	}

	stats, err := f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Due)
	assert.Equal(t, 2, stats.Charged)

	// The third one is picked up by the next cycle.
	stats, err = f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Charged)
}

func TestOrderNumbersAreUnique(t *testing.T) {
	f := newFixture(t)
	seen := make(map[string]bool)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		o := f.sched.orderNumber("user1", now)
		assert.False(t, seen[o], "duplicate order number %q", o)
		seen[o] = true
	}
}
