// Package billingkey manages stored payment credentials (billing keys).
//
// A billing key is an opaque token the gateway issued for a saved card.
// Card data custody stays with the gateway; this package only ever sees
// the token and display metadata. At most one key per user is active:
// registering a new key atomically deactivates every prior active key.
package billingkey

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("billingkey: no billing key found")
	ErrNoActiveKey = errors.New("billingkey: user has no active billing key")
)

// Status represents billing key state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive" // replaced or revoked; kept for audit
	StatusInvalid  Status = "invalid"  // unusable token, excluded from cycles
)

// BillingKey is one stored payment credential.
type BillingKey struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Gateway          string    `json:"gateway"` // adapter that issued the token
	Token            string    `json:"-"`       // opaque gateway credential, never serialized out
	MaskedCardNumber string    `json:"maskedCardNumber"`
	CardLabel        string    `json:"cardLabel"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Store persists billing keys.
type Store interface {
	// Replace deactivates every active key for key.UserID and inserts key
	// as the single active one. The two steps are atomic: a crash or a
	// concurrent registration can never leave two active keys for one user.
	Replace(ctx context.Context, key *BillingKey) error

	// GetActive returns the user's single active key, or ErrNoActiveKey.
	GetActive(ctx context.Context, userID string) (*BillingKey, error)

	// Get returns a key by ID.
	Get(ctx context.Context, id string) (*BillingKey, error)

	// SetStatus updates one key's status.
	SetStatus(ctx context.Context, id string, status Status) error

	// SetStatusByToken updates the status of whichever key holds the token.
	SetStatusByToken(ctx context.Context, token string, status Status) error

	// ListByUser returns a user's keys, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*BillingKey, error)
}
