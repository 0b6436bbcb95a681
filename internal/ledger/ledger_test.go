package ledger

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amondhq/billing/internal/gateway"
)

func TestRecordSuccess(t *testing.T) {
	svc := NewService(NewMemoryStore(), slog.Default())
	ctx := context.Background()

	entry, err := svc.Record(ctx, Attempt{
		UserID:          "user1",
		SubscriptionID:  "sub_1",
		OrderNumber:     "mid_20250601120000_user1_abcd",
		BillingKeyToken: "tok_1",
		Amount:          9900,
		Receipt: &gateway.ChargeReceipt{
			TID:     "TID123",
			Outcome: gateway.ChargeOutcome{OK: true, GatewayCode: "00", Message: "approved"},
			Raw:     `{"resultCode":"00"}`,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, entry.Outcome)
	assert.Equal(t, "TID123", entry.TID)
	assert.Equal(t, `{"resultCode":"00"}`, entry.RawResponse)
}

func TestRecordDecline(t *testing.T) {
	svc := NewService(NewMemoryStore(), slog.Default())
	ctx := context.Background()

	entry, err := svc.Record(ctx, Attempt{
		UserID:      "user1",
		OrderNumber: "order_declined",
		Amount:      9900,
		Receipt: &gateway.ChargeReceipt{
			Outcome: gateway.ChargeOutcome{GatewayCode: "05", Message: "insufficient funds"},
			Raw:     `{"resultCode":"05"}`,
		},
		Err: gateway.ErrDeclined,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, entry.Outcome)
	assert.Equal(t, "05", entry.GatewayCode)
	assert.Equal(t, `{"resultCode":"05"}`, entry.RawResponse, "raw gateway reply preserved on failure")
}

func TestRecordTransportFailureWithoutReceipt(t *testing.T) {
	svc := NewService(NewMemoryStore(), slog.Default())
	ctx := context.Background()

	entry, err := svc.Record(ctx, Attempt{
		UserID:      "user1",
		OrderNumber: "order_timeout",
		Amount:      9900,
		Err:         gateway.ErrTimeout,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, entry.Outcome)
	assert.Equal(t, "timeout", entry.GatewayCode)
}

func TestDuplicateOrderNumberRejected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := &Entry{ID: "pay_1", UserID: "u1", OrderNumber: "order_1", Outcome: OutcomeSuccess, CreatedAt: time.Now()}
	require.NoError(t, store.Append(ctx, first))

	dup := &Entry{ID: "pay_2", UserID: "u1", OrderNumber: "order_1", Outcome: OutcomeFailed, CreatedAt: time.Now()}
	assert.ErrorIs(t, store.Append(ctx, dup), ErrDuplicateOrder)

	got, err := store.GetByOrderNumber(ctx, "order_1")
	require.NoError(t, err)
	assert.Equal(t, "pay_1", got.ID)
}

func TestHistoryNewestFirst(t *testing.T) {
	svc := NewService(NewMemoryStore(), slog.Default())
	store := svc.store.(*MemoryStore)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, &Entry{
			ID:          string(rune('a' + i)),
			UserID:      "u1",
			OrderNumber: "order_" + string(rune('a'+i)),
			Outcome:     OutcomeSuccess,
			CreatedAt:   base.Add(time.Duration(i) * time.Hour),
		}))
	}

	history, err := svc.History(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c", history[0].ID)
	assert.Equal(t, "b", history[1].ID)
}
