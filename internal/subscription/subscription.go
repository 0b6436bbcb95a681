// Package subscription manages recurring subscription records and their
// billing schedule.
//
// State machine:
//
//	active --charge success--> active (nextBillingDate + one period)
//	active --failure, count<3--> active
//	active --failure, count==3--> suspended
//	active --user cancel--> cancelled
//	cancelled --paid period elapses--> expired
//
// suspended and expired are terminal until the user registers a new
// billing key and resubscribes.
package subscription

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("subscription: not found")
	ErrAlreadyActive = errors.New("subscription: user already has an active subscription")
	ErrNotActive     = errors.New("subscription: not active")
)

// Status represents subscription state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Subscription is one recurring billing agreement.
type Subscription struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"userId"`
	PlanType            string    `json:"planType"`
	Price               int64     `json:"price"` // KRW per period
	Status              Status    `json:"status"`
	NextBillingDate     time.Time `json:"nextBillingDate"`
	LastBillingDate     time.Time `json:"lastBillingDate,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// NextPeriod returns the billing date one period after from. Periods are
// calendar months, matching how paid-through dates are shown to users.
func NextPeriod(from time.Time) time.Time {
	return from.AddDate(0, 1, 0)
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetActiveByUser(ctx context.Context, userID string) (*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error

	// ListDue returns active, billable subscriptions with
	// nextBillingDate <= now, oldest due first, capped at limit.
	// Free-plan subscriptions are never due.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)

	// Claim atomically marks the subscription as charge-in-progress,
	// succeeding only if it is active, unclaimed, and its nextBillingDate
	// still equals expectedNext. Overlapping cycle invocations therefore
	// cannot both claim the same subscription.
	Claim(ctx context.Context, id string, expectedNext time.Time) (bool, error)

	// Release clears the charge-in-progress marker.
	Release(ctx context.Context, id string) error

	// ExpireLapsed transitions cancelled subscriptions whose paid period
	// has elapsed to expired, returning the affected subscriptions so the
	// caller can downgrade each member.
	ExpireLapsed(ctx context.Context, now time.Time) ([]*Subscription, error)
}
