// Package scheduler runs the recurring billing cycle: it picks up due
// subscriptions in batches, charges each one through the configured gateway
// adapter, records the attempt in the payment ledger, and advances or
// degrades the subscription accordingly.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amondhq/billing/internal/account"
	"github.com/amondhq/billing/internal/billingkey"
	"github.com/amondhq/billing/internal/gateway"
	"github.com/amondhq/billing/internal/idgen"
	"github.com/amondhq/billing/internal/ledger"
	"github.com/amondhq/billing/internal/subscription"
)

const orderTimestampFormat = "20060102150405"

// KeyDirectory is the slice of the billing-key service the cycle needs.
type KeyDirectory interface {
	Active(ctx context.Context, userID string) (*billingkey.BillingKey, error)
	MarkInvalid(ctx context.Context, token string) error
}

// Recorder appends charge attempts to the payment ledger.
type Recorder interface {
	Record(ctx context.Context, a ledger.Attempt) (*ledger.Entry, error)
}

// Config tunes one scheduler instance.
type Config struct {
	// MerchantID prefixes every order number.
	MerchantID string
	// BatchSize caps how many due subscriptions one cycle picks up.
	BatchSize int
	// PacingDelay is the pause between consecutive charges, so a large
	// batch does not hammer the gateway.
	PacingDelay time.Duration
	// ChargeTimeout bounds each individual gateway call.
	ChargeTimeout time.Duration
}

// Scheduler drives billing cycles.
type Scheduler struct {
	cfg      Config
	subs     subscription.Store
	keys     KeyDirectory
	recorder Recorder
	accounts account.Directory
	adapter  gateway.Adapter
	policy   FailurePolicy
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a scheduler.
func New(cfg Config, subs subscription.Store, keys KeyDirectory, recorder Recorder,
	accounts account.Directory, adapter gateway.Adapter, policy FailurePolicy, logger *slog.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.ChargeTimeout <= 0 {
		cfg.ChargeTimeout = gateway.DefaultHTTPTimeout
	}
	return &Scheduler{
		cfg:      cfg,
		subs:     subs,
		keys:     keys,
		recorder: recorder,
		accounts: accounts,
		adapter:  adapter,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// CycleStats summarizes one cycle run.
type CycleStats struct {
	Due       int `json:"due"`
	Charged   int `json:"charged"`
	Failed    int `json:"failed"`
	Suspended int `json:"suspended"`
	Skipped   int `json:"skipped"`
	Expired   int `json:"expired"`
}

// RunCycle executes one billing cycle: sweep lapsed cancellations, then
// charge due subscriptions one at a time. Failures are isolated per
// subscription; only an adapter credential rejection aborts the cycle,
// since every remaining charge would fail the same way.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleStats, error) {
	started := s.now()
	cycleRuns.Inc()
	defer func() { cycleDuration.Observe(time.Since(started).Seconds()) }()

	var stats CycleStats

	expired, err := s.subs.ExpireLapsed(ctx, started)
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
	} else {
		stats.Expired = len(expired)
		expiredSubscriptions.Add(float64(len(expired)))
		for _, sub := range expired {
			// The paid period is over, so the member loses the paid grade.
			if err := s.accounts.SetMembership(ctx, sub.UserID, account.GradeFree, started); err != nil {
				s.logger.Error("failed to downgrade membership on expiry",
					"subscription", sub.ID, "user", sub.UserID, "error", err)
			}
			s.logger.Info("subscription expired",
				"subscription", sub.ID, "user", sub.UserID, "plan", sub.PlanType)
		}
	}

	due, err := s.subs.ListDue(ctx, started, s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list due subscriptions: %w", err)
	}
	stats.Due = len(due)

	for i, sub := range due {
		if i > 0 && s.cfg.PacingDelay > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(s.cfg.PacingDelay):
			}
		}

		err := s.chargeOne(ctx, sub, &stats)
		if errors.Is(err, gateway.ErrAuth) {
			s.logger.Error("gateway rejected our credentials, aborting cycle",
				"subscription", sub.ID, "error", err)
			return stats, err
		}
		if err != nil {
			s.logger.Error("charge processing failed", "subscription", sub.ID, "error", err)
		}
	}

	s.logger.Info("billing cycle complete",
		"due", stats.Due, "charged", stats.Charged, "failed", stats.Failed,
		"suspended", stats.Suspended, "skipped", stats.Skipped, "expired", stats.Expired,
		"took", time.Since(started))
	return stats, nil
}

// chargeOne processes a single due subscription. The returned error is only
// ever a credential rejection or an internal store failure; gateway declines
// are absorbed into the failure count.
func (s *Scheduler) chargeOne(ctx context.Context, sub *subscription.Subscription, stats *CycleStats) error {
	claimed, err := s.subs.Claim(ctx, sub.ID, sub.NextBillingDate)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		// Another cycle run holds it, or it already advanced.
		stats.Skipped++
		return nil
	}
	defer func() {
		if err := s.subs.Release(ctx, sub.ID); err != nil {
			s.logger.Error("failed to release claim", "subscription", sub.ID, "error", err)
		}
	}()

	key, err := s.keys.Active(ctx, sub.UserID)
	if errors.Is(err, billingkey.ErrNoActiveKey) {
		// An active paid subscription should always have a usable key.
		s.logger.Error("due subscription has no active billing key",
			"subscription", sub.ID, "user", sub.UserID)
		integrityErrors.Inc()
		stats.Skipped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve billing key: %w", err)
	}

	if key.Gateway != s.adapter.Name() {
		// Token issued by a different backend than the one configured now.
		// It can never succeed here, so retire it like an unusable key.
		s.logger.Warn("billing key issued by a different gateway",
			"subscription", sub.ID, "key", key.ID, "issued_by", key.Gateway, "configured", s.adapter.Name())
		if err := s.keys.MarkInvalid(ctx, key.Token); err != nil {
			s.logger.Error("failed to mark foreign billing key invalid", "key", key.ID, "error", err)
		}
		return s.recordFailure(ctx, sub, key, "", nil, gateway.ErrInvalidBillingKey, stats)
	}

	buyer, err := s.accounts.Buyer(ctx, sub.UserID)
	if err != nil {
		return fmt.Errorf("resolve buyer: %w", err)
	}

	now := s.now()
	orderNumber := s.orderNumber(sub.UserID, now)

	chargeCtx, cancel := context.WithTimeout(ctx, s.cfg.ChargeTimeout)
	chargeStart := time.Now()
	receipt, chargeErr := s.adapter.Charge(chargeCtx, gateway.ChargeRequest{
		Token:       key.Token,
		OrderID:     orderNumber,
		Amount:      sub.Price,
		ProductName: sub.PlanType + " plan",
		Buyer:       buyer,
	})
	cancel()
	chargeDuration.Observe(time.Since(chargeStart).Seconds())

	if errors.Is(chargeErr, gateway.ErrAuth) {
		// Our credentials, not the customer's card. Never counted.
		chargeAttempts.WithLabelValues("auth_error").Inc()
		return chargeErr
	}

	if chargeErr == nil {
		return s.recordSuccess(ctx, sub, key, orderNumber, receipt, now, stats)
	}

	if errors.Is(chargeErr, gateway.ErrInvalidBillingKey) {
		if err := s.keys.MarkInvalid(ctx, key.Token); err != nil {
			s.logger.Error("failed to mark billing key invalid", "key", key.ID, "error", err)
		}
	}
	return s.recordFailure(ctx, sub, key, orderNumber, receipt, chargeErr, stats)
}

func (s *Scheduler) recordSuccess(ctx context.Context, sub *subscription.Subscription,
	key *billingkey.BillingKey, orderNumber string, receipt *gateway.ChargeReceipt,
	now time.Time, stats *CycleStats) error {

	// Ledger first. If the attempt cannot be recorded the subscription is
	// left as-is for the next cycle; the duplicate-order guard upstream at
	// the gateway is the TID, which support can reconcile manually.
	if _, err := s.recorder.Record(ctx, ledger.Attempt{
		UserID:          sub.UserID,
		SubscriptionID:  sub.ID,
		OrderNumber:     orderNumber,
		BillingKeyToken: key.Token,
		Amount:          sub.Price,
		Receipt:         receipt,
	}); err != nil {
		return fmt.Errorf("record success: %w", err)
	}

	sub.NextBillingDate = subscription.NextPeriod(now)
	sub.LastBillingDate = now
	sub.ConsecutiveFailures = 0
	if err := s.subs.Update(ctx, sub); err != nil {
		return fmt.Errorf("advance subscription: %w", err)
	}

	if err := s.accounts.SetMembership(ctx, sub.UserID, sub.PlanType, sub.NextBillingDate); err != nil {
		s.logger.Error("failed to extend membership after successful charge",
			"subscription", sub.ID, "user", sub.UserID, "error", err)
	}

	chargeAttempts.WithLabelValues("success").Inc()
	stats.Charged++
	s.logger.Info("charge succeeded",
		"subscription", sub.ID, "user", sub.UserID, "order", orderNumber,
		"amount", sub.Price, "tid", receipt.TID, "next_billing", sub.NextBillingDate)
	return nil
}

func (s *Scheduler) recordFailure(ctx context.Context, sub *subscription.Subscription,
	key *billingkey.BillingKey, orderNumber string, receipt *gateway.ChargeReceipt,
	chargeErr error, stats *CycleStats) error {

	if orderNumber == "" {
		orderNumber = s.orderNumber(sub.UserID, s.now())
	}

	if _, err := s.recorder.Record(ctx, ledger.Attempt{
		UserID:          sub.UserID,
		SubscriptionID:  sub.ID,
		OrderNumber:     orderNumber,
		BillingKeyToken: key.Token,
		Amount:          sub.Price,
		Receipt:         receipt,
		Err:             chargeErr,
	}); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	sub.ConsecutiveFailures++
	suspendNow := s.policy.ShouldSuspend(sub.ConsecutiveFailures)
	if suspendNow {
		sub.Status = subscription.StatusSuspended
	}
	if err := s.subs.Update(ctx, sub); err != nil {
		return fmt.Errorf("update after failure: %w", err)
	}

	chargeAttempts.WithLabelValues("failure").Inc()
	stats.Failed++
	s.logger.Warn("charge failed",
		"subscription", sub.ID, "user", sub.UserID, "order", orderNumber,
		"consecutive_failures", sub.ConsecutiveFailures, "error", chargeErr)

	if suspendNow {
		suspensions.Inc()
		stats.Suspended++
		s.logger.Warn("subscription suspended after repeated failures",
			"subscription", sub.ID, "user", sub.UserID, "failures", sub.ConsecutiveFailures)
		if err := s.accounts.SetMembership(ctx, sub.UserID, account.GradeFree, s.now()); err != nil {
			s.logger.Error("failed to downgrade membership on suspension",
				"subscription", sub.ID, "user", sub.UserID, "error", err)
		}
	}
	return nil
}

// orderNumber builds a unique, human-traceable order ID:
// <merchant>_<timestamp>_<user>_<random suffix>. The suffix keeps retries
// for the same user within one second distinct.
func (s *Scheduler) orderNumber(userID string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s",
		s.cfg.MerchantID, now.Format(orderTimestampFormat), userID, idgen.Hex(2))
}
