// Package account is the boundary to the upstream user store. Billing only
// reads buyer display data and writes membership grade changes; everything
// else about accounts lives outside this service.
package account

import (
	"context"
	"errors"
	"time"

	"github.com/amondhq/billing/internal/gateway"
)

var ErrNotFound = errors.New("account: user not found")

// Membership grades mirror the plan catalog.
const (
	GradeFree     = "free"
	GradePro      = "pro"
	GradeBusiness = "business"
	GradePremium  = "premium"
)

// Directory exposes the slice of the user store that billing needs.
type Directory interface {
	// Buyer returns the display metadata gateways require on charge
	// requests.
	Buyer(ctx context.Context, userID string) (gateway.Buyer, error)

	// SetMembership updates the user's grade and paid-through date. Called
	// after a successful charge (extend) and on suspension (downgrade).
	SetMembership(ctx context.Context, userID, grade string, paidThrough time.Time) error
}
