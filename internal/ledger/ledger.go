// Package ledger keeps the append-only record of every charge attempt.
// Entries are written before any subscription state transition, so the
// ledger is the authoritative history even when a later step fails.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("ledger: entry not found")
	ErrDuplicateOrder = errors.New("ledger: order number already recorded")
)

// Outcome is the terminal result of a charge attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Entry is one charge attempt. RawResponse preserves the gateway's exact
// reply for dispute resolution and is never parsed after the fact.
type Entry struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	SubscriptionID  string    `json:"subscriptionId,omitempty"`
	OrderNumber     string    `json:"orderNumber"`
	BillingKeyToken string    `json:"-"`
	Amount          int64     `json:"amount"` // KRW
	Outcome         Outcome   `json:"outcome"`
	GatewayCode     string    `json:"gatewayCode,omitempty"`
	Message         string    `json:"message,omitempty"`
	TID             string    `json:"tid,omitempty"`
	RawResponse     string    `json:"-"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Store persists ledger entries. There is no update or delete: the ledger
// is append-only.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	GetByOrderNumber(ctx context.Context, orderNumber string) (*Entry, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error)
}
