package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amondhq/billing/internal/testutil"
)

func TestPostgresAppendOnly(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	entry := &Entry{
		ID: "pay_pg1", UserID: "user1", SubscriptionID: "sub_1",
		OrderNumber: "mid_20250601120000_user1_abcd", BillingKeyToken: "tok_1",
		Amount: 9900, Outcome: OutcomeSuccess, GatewayCode: "00",
		TID: "TID1", RawResponse: `{"resultCode":"00"}`, CreatedAt: time.Now(),
	}
	require.NoError(t, store.Append(ctx, entry))

	// The unique order number guards against double-recording one attempt.
	dup := &Entry{
		ID: "pay_pg2", UserID: "user1",
		OrderNumber: entry.OrderNumber, BillingKeyToken: "tok_1",
		Amount: 9900, Outcome: OutcomeFailed, CreatedAt: time.Now(),
	}
	assert.ErrorIs(t, store.Append(ctx, dup), ErrDuplicateOrder)

	got, err := store.GetByOrderNumber(ctx, entry.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, "pay_pg1", got.ID)
	assert.Equal(t, `{"resultCode":"00"}`, got.RawResponse)

	got, err = store.Get(ctx, "pay_pg1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, got.Outcome)

	_, err = store.Get(ctx, "pay_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresListByUser(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"pay_a", "pay_b", "pay_c"} {
		require.NoError(t, store.Append(ctx, &Entry{
			ID: id, UserID: "user1", OrderNumber: "order_" + id,
			BillingKeyToken: "tok_1", Amount: 9900, Outcome: OutcomeSuccess,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	entries, err := store.ListByUser(ctx, "user1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "pay_c", entries[0].ID, "newest first")
}
