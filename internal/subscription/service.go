package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/amondhq/billing/internal/idgen"
)

// Service implements subscription business logic.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new subscription service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Create starts a subscription for the user on the given plan. The first
// billing date is one period out: the purchase itself is charged separately
// at signup, so the cycle picks the subscription up a month later.
func (s *Service) Create(ctx context.Context, userID, planType string) (*Subscription, error) {
	price, err := PlanPrice(planType)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sub := &Subscription{
		ID:              idgen.WithPrefix("sub_"),
		UserID:          userID,
		PlanType:        planType,
		Price:           price,
		Status:          StatusActive,
		NextBillingDate: NextPeriod(now),
		LastBillingDate: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Create(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info("subscription created",
		"subscription", sub.ID, "user", userID, "plan", planType, "next_billing", sub.NextBillingDate)
	return sub, nil
}

// Get returns a subscription by ID.
func (s *Service) Get(ctx context.Context, id string) (*Subscription, error) {
	return s.store.Get(ctx, id)
}

// ActiveForUser returns the user's active subscription.
func (s *Service) ActiveForUser(ctx context.Context, userID string) (*Subscription, error) {
	return s.store.GetActiveByUser(ctx, userID)
}

// Cancel marks the subscription cancelled. The user keeps access until the
// paid period runs out, at which point the expiry sweep flips it to expired.
func (s *Service) Cancel(ctx context.Context, id string) (*Subscription, error) {
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusActive {
		return nil, ErrNotActive
	}

	sub.Status = StatusCancelled
	if err := s.store.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}

	s.logger.Info("subscription cancelled",
		"subscription", sub.ID, "user", sub.UserID, "paid_through", sub.NextBillingDate)
	return sub, nil
}
