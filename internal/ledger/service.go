package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/amondhq/billing/internal/gateway"
	"github.com/amondhq/billing/internal/idgen"
)

// Service records charge attempts and serves payment history.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a new ledger service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Attempt describes one charge attempt to be recorded.
type Attempt struct {
	UserID          string
	SubscriptionID  string
	OrderNumber     string
	BillingKeyToken string
	Amount          int64
	Receipt         *gateway.ChargeReceipt
	Err             error
}

// Record appends the attempt to the ledger. The receipt may be nil when the
// gateway was never reached; the failure outcome is then derived from err.
func (s *Service) Record(ctx context.Context, a Attempt) (*Entry, error) {
	entry := &Entry{
		ID:              idgen.WithPrefix("pay_"),
		UserID:          a.UserID,
		SubscriptionID:  a.SubscriptionID,
		OrderNumber:     a.OrderNumber,
		BillingKeyToken: a.BillingKeyToken,
		Amount:          a.Amount,
		CreatedAt:       time.Now(),
	}

	switch {
	case a.Err == nil && a.Receipt != nil:
		entry.Outcome = OutcomeSuccess
		entry.TID = a.Receipt.TID
		entry.GatewayCode = a.Receipt.Outcome.GatewayCode
		entry.Message = a.Receipt.Outcome.Message
		entry.RawResponse = a.Receipt.Raw
	case a.Receipt != nil:
		entry.Outcome = OutcomeFailed
		entry.TID = a.Receipt.TID
		entry.GatewayCode = a.Receipt.Outcome.GatewayCode
		entry.Message = a.Receipt.Outcome.Message
		entry.RawResponse = a.Receipt.Raw
	default:
		outcome := gateway.FailureOutcome(a.Err)
		entry.Outcome = OutcomeFailed
		entry.GatewayCode = outcome.GatewayCode
		entry.Message = outcome.Message
	}

	if err := s.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("record charge attempt: %w", err)
	}

	s.logger.Info("charge attempt recorded",
		"entry", entry.ID, "user", entry.UserID, "order", entry.OrderNumber,
		"amount", entry.Amount, "outcome", entry.Outcome, "code", entry.GatewayCode)
	return entry, nil
}

// History returns the user's charge attempts, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListByUser(ctx, userID, limit)
}
