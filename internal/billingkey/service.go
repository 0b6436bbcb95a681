package billingkey

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/amondhq/billing/internal/gateway"
	"github.com/amondhq/billing/internal/idgen"
)

// BuyerDirectory resolves buyer display metadata from the upstream
// account store.
type BuyerDirectory interface {
	Buyer(ctx context.Context, userID string) (gateway.Buyer, error)
}

// Service implements billing key business logic.
type Service struct {
	store    Store
	adapter  gateway.Adapter
	accounts BuyerDirectory
	logger   *slog.Logger
}

// NewService creates a new billing key service.
func NewService(store Store, adapter gateway.Adapter, accounts BuyerDirectory, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		adapter:  adapter,
		accounts: accounts,
		logger:   logger,
	}
}

// Register issues a billing key at the gateway and stores it as the user's
// single active key, deactivating any prior one.
func (s *Service) Register(ctx context.Context, userID string, card gateway.CardDetails) (*BillingKey, error) {
	buyer, err := s.accounts.Buyer(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve buyer: %w", err)
	}

	registered, err := s.adapter.RegisterBillingKey(ctx, card, buyer)
	if err != nil {
		return nil, fmt.Errorf("register at gateway: %w", err)
	}

	key := &BillingKey{
		ID:               idgen.WithPrefix("bk_"),
		UserID:           userID,
		Gateway:          s.adapter.Name(),
		Token:            registered.Token,
		MaskedCardNumber: registered.MaskedCardNumber,
		CardLabel:        registered.CardLabel,
		Status:           StatusActive,
	}

	if err := s.store.Replace(ctx, key); err != nil {
		// The gateway issued a token we could not store. Best-effort revoke
		// so it does not linger usable on their side.
		if revokeErr := s.adapter.Revoke(ctx, registered.Token); revokeErr != nil {
			s.logger.Warn("failed to revoke orphaned billing key", "user", userID, "error", revokeErr)
		}
		return nil, fmt.Errorf("store billing key: %w", err)
	}

	s.logger.Info("billing key registered",
		"user", userID, "key", key.ID, "gateway", key.Gateway, "card", key.MaskedCardNumber)
	return key, nil
}

// Active returns the user's active key.
func (s *Service) Active(ctx context.Context, userID string) (*BillingKey, error) {
	return s.store.GetActive(ctx, userID)
}

// Remove revokes the user's active key at the gateway and deactivates it.
func (s *Service) Remove(ctx context.Context, userID string) error {
	key, err := s.store.GetActive(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.adapter.Revoke(ctx, key.Token); err != nil {
		s.logger.Warn("gateway revoke failed, deactivating locally anyway",
			"user", userID, "key", key.ID, "error", err)
	}

	if err := s.store.SetStatus(ctx, key.ID, StatusInactive); err != nil {
		return fmt.Errorf("deactivate billing key: %w", err)
	}

	s.logger.Info("billing key removed", "user", userID, "key", key.ID)
	return nil
}

// MarkInvalid flags the key holding token as unusable. Invalid keys are
// excluded from billing cycles until the user registers a new card.
func (s *Service) MarkInvalid(ctx context.Context, token string) error {
	if err := s.store.SetStatusByToken(ctx, token, StatusInvalid); err != nil {
		return fmt.Errorf("mark billing key invalid: %w", err)
	}
	return nil
}

// History returns the user's keys, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*BillingKey, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListByUser(ctx, userID, limit)
}
