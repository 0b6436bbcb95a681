package billingkey

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amondhq/billing/internal/gateway"
)

type staticDirectory struct{}

func (staticDirectory) Buyer(ctx context.Context, userID string) (gateway.Buyer, error) {
	return gateway.Buyer{Name: userID, Email: userID + "@example.com", Tel: "01012345678"}, nil
}

var testCard = gateway.CardDetails{
	Number: "4111111111111111", Expiry: "2712", BirthDate: "900101", PINPrefix: "12",
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *gateway.SimulatedAdapter) {
	t.Helper()
	store := NewMemoryStore()
	adapter := gateway.NewSimulatedAdapter()
	svc := NewService(store, adapter, staticDirectory{}, slog.Default())
	return svc, store, adapter
}

func TestRegisterIssuesActiveKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	key, err := svc.Register(ctx, "user1", testCard)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, key.Status)
	assert.Equal(t, "simulated", key.Gateway)
	assert.NotEmpty(t, key.Token)
	assert.Equal(t, "411111******1111", key.MaskedCardNumber)

	active, err := svc.Active(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, key.ID, active.ID)
}

func TestReplacementDeactivatesOldKey(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, "user1", testCard)
	require.NoError(t, err)

	second, err := svc.Register(ctx, "user1", testCard)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// Exactly one active key, and it is the new one.
	active, err := store.GetActive(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	old, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, old.Status, "prior key deactivated, kept for audit")

	keys, err := svc.History(ctx, "user1", 10)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestRemoveRevokesAtGateway(t *testing.T) {
	svc, store, adapter := newTestService(t)
	ctx := context.Background()

	key, err := svc.Register(ctx, "user1", testCard)
	require.NoError(t, err)

	require.NoError(t, svc.Remove(ctx, "user1"))

	_, err = store.GetActive(ctx, "user1")
	assert.ErrorIs(t, err, ErrNoActiveKey)

	// The gateway refuses charges on the revoked token.
	_, err = adapter.Charge(ctx, gateway.ChargeRequest{Token: key.Token, Amount: 100})
	assert.ErrorIs(t, err, gateway.ErrInvalidBillingKey)
}

func TestRemoveWithoutKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.Remove(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNoActiveKey)
}

func TestMarkInvalidExcludesKeyFromCycles(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	key, err := svc.Register(ctx, "user1", testCard)
	require.NoError(t, err)

	require.NoError(t, svc.MarkInvalid(ctx, key.Token))

	_, err = store.GetActive(ctx, "user1")
	assert.ErrorIs(t, err, ErrNoActiveKey)

	got, err := store.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, got.Status)
}

type failingStore struct {
	*MemoryStore
}

func (f *failingStore) Replace(ctx context.Context, key *BillingKey) error {
	return errors.New("store down")
}

// recordingAdapter wraps the simulated gateway and remembers revocations.
type recordingAdapter struct {
	*gateway.SimulatedAdapter
	revoked []string
}

func (r *recordingAdapter) Revoke(ctx context.Context, token string) error {
	r.revoked = append(r.revoked, token)
	return r.SimulatedAdapter.Revoke(ctx, token)
}

func TestRegisterRevokesOrphanedTokenOnStoreFailure(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	adapter := &recordingAdapter{SimulatedAdapter: gateway.NewSimulatedAdapter()}
	svc := NewService(store, adapter, staticDirectory{}, slog.Default())
	ctx := context.Background()

	_, err := svc.Register(ctx, "user1", testCard)
	require.Error(t, err)

	// Registration minted a token at the gateway; a failed store write must
	// not leave it chargeable.
	require.Len(t, adapter.revoked, 1)
}

func TestHistoryNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"bk_a", "bk_b", "bk_c"} {
		require.NoError(t, store.Replace(ctx, &BillingKey{
			ID: id, UserID: "user1", Token: "tok_" + id,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	keys, err := store.ListByUser(ctx, "user1", 10)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, "bk_c", keys[0].ID)
	assert.Equal(t, "bk_a", keys[2].ID)
}
