// Package gateway normalizes external payment-gateway backends behind one contract.
//
// Flow:
//  1. Card registration → gateway issues an opaque billing token
//  2. Scheduled charges → token + amount + signed request → gateway
//  3. Each variant owns its endpoint, auth shape, timestamp encoding and
//     success-code vocabulary; all of it is normalized here so callers only
//     ever see a ChargeOutcome or a typed error
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Errors. These form the full failure taxonomy for charge attempts; callers
// branch with errors.Is and never inspect gateway response shapes directly.
var (
	// ErrAuth means the adapter's own credentials or signature were rejected.
	// Fatal for that configuration — surfaced to an operator, never counted
	// against the customer.
	ErrAuth = errors.New("gateway: authentication rejected")

	// ErrDeclined is a normal counted failure (card declined, insufficient funds).
	ErrDeclined = errors.New("gateway: charge declined")

	// ErrTimeout is counted identically to a decline. Never retried within a cycle.
	ErrTimeout = errors.New("gateway: request timed out")

	// ErrNetwork covers transport failures short of a timeout. Counted like a decline.
	ErrNetwork = errors.New("gateway: network failure")

	// ErrInvalidBillingKey means the token itself is unusable (wrong format,
	// foreign-issued, or revoked). The key is excluded from further cycles
	// immediately, without waiting for the failure threshold.
	ErrInvalidBillingKey = errors.New("gateway: billing key unusable")
)

// DefaultHTTPTimeout bounds every outbound gateway call.
const DefaultHTTPTimeout = 30 * time.Second

// CardDetails is the raw card input for billing-key registration. It is
// passed through to the gateway and never persisted.
type CardDetails struct {
	Number     string `json:"cardNumber" binding:"required"`
	Expiry     string `json:"expiry" binding:"required"` // YYMM
	BirthDate  string `json:"birth" binding:"required"`  // YYMMDD
	PINPrefix  string `json:"pwd2digit" binding:"required"`
	HolderName string `json:"cardholderName,omitempty"`
}

// Buyer carries display metadata for gateway requests. Sourced from the
// upstream account directory, not stored here.
type Buyer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Tel   string `json:"tel"`
}

// RegisteredKey is the normalized result of a successful registration.
type RegisteredKey struct {
	Token            string // opaque gateway-issued credential
	MaskedCardNumber string
	CardLabel        string
	Raw              string // raw gateway response, for the audit trail
}

// ChargeRequest is one charge attempt against a stored billing token.
type ChargeRequest struct {
	Token       string
	OrderID     string
	Amount      int64 // KRW, whole units
	ProductName string
	Buyer       Buyer
}

// ChargeOutcome is the tagged union every adapter's response normalizer
// produces. Callers never inspect raw gateway responses ad hoc.
type ChargeOutcome struct {
	OK          bool   `json:"ok"`
	GatewayCode string `json:"gatewayCode"`
	Message     string `json:"message"`
}

// ChargeReceipt is returned whenever the gateway produced a response,
// success or decline. Raw is persisted verbatim to the payment ledger.
type ChargeReceipt struct {
	TID     string        `json:"tid"` // gateway transaction id
	Outcome ChargeOutcome `json:"outcome"`
	Raw     string        `json:"raw"`
}

// Adapter is the single contract all gateway variants implement.
//
// Charge returns a nil error exactly when the outcome is a success. On a
// decline the receipt still carries the normalized outcome and raw response,
// and the error wraps ErrDeclined. Transport failures return a nil receipt
// and an error wrapping ErrTimeout or ErrNetwork.
type Adapter interface {
	Name() string
	RegisterBillingKey(ctx context.Context, card CardDetails, buyer Buyer) (*RegisteredKey, error)
	Charge(ctx context.Context, req ChargeRequest) (*ChargeReceipt, error)
	Revoke(ctx context.Context, token string) error
}

// FailureOutcome builds a ChargeOutcome for attempts that never produced a
// gateway response (timeouts, network errors, unusable keys).
func FailureOutcome(err error) ChargeOutcome {
	code := "error"
	switch {
	case errors.Is(err, ErrTimeout):
		code = "timeout"
	case errors.Is(err, ErrNetwork):
		code = "network"
	case errors.Is(err, ErrInvalidBillingKey):
		code = "invalid_key"
	case errors.Is(err, ErrAuth):
		code = "auth"
	case errors.Is(err, ErrDeclined):
		code = "declined"
	}
	return ChargeOutcome{OK: false, GatewayCode: code, Message: err.Error()}
}

// wrapTransportErr maps an HTTP client error onto the taxonomy.
func wrapTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// maskCardNumber keeps the BIN and the last four digits.
func maskCardNumber(number string) string {
	if len(number) < 12 {
		return "****"
	}
	return number[:6] + "******" + number[len(number)-4:]
}
