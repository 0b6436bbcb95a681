package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// stripeTokenSep joins the customer and payment-method IDs into one opaque
// billing token. Both halves are needed for an off-session charge.
const stripeTokenSep = ":"

// StripeAdapter is the hosted-gateway variant. Cards become a customer plus
// an attached payment method; charges are off-session payment intents.
type StripeAdapter struct {
	api *client.API
}

var _ Adapter = (*StripeAdapter)(nil)

// NewStripeAdapter creates the hosted-gateway adapter.
func NewStripeAdapter(secretKey string) *StripeAdapter {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeAdapter{api: api}
}

// Name implements Adapter.
func (a *StripeAdapter) Name() string { return "stripe" }

// RegisterBillingKey creates a customer, attaches the card as a payment
// method, and returns both IDs as the billing token.
func (a *StripeAdapter) RegisterBillingKey(ctx context.Context, card CardDetails, buyer Buyer) (*RegisteredKey, error) {
	cleanNumber := cleanCardNumber(card.Number)
	expMonth, expYear, err := parseExpiry(card.Expiry)
	if err != nil {
		return nil, err
	}

	pm, err := a.api.PaymentMethods.New(&stripe.PaymentMethodParams{
		Params: stripe.Params{Context: ctx},
		Type:   stripe.String("card"),
		Card: &stripe.PaymentMethodCardParams{
			Number:   stripe.String(cleanNumber),
			ExpMonth: stripe.Int64(expMonth),
			ExpYear:  stripe.Int64(expYear),
		},
	})
	if err != nil {
		return nil, a.wrapErr(err)
	}

	cust, err := a.api.Customers.New(&stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Name:   stripe.String(buyer.Name),
		Email:  stripe.String(buyer.Email),
	})
	if err != nil {
		return nil, a.wrapErr(err)
	}

	if _, err := a.api.PaymentMethods.Attach(pm.ID, &stripe.PaymentMethodAttachParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(cust.ID),
	}); err != nil {
		return nil, a.wrapErr(err)
	}

	label := "card"
	if pm.Card != nil {
		label = string(pm.Card.Brand)
	}

	return &RegisteredKey{
		Token:            cust.ID + stripeTokenSep + pm.ID,
		MaskedCardNumber: maskCardNumber(cleanNumber),
		CardLabel:        label,
	}, nil
}

// Charge confirms an off-session payment intent against the stored card.
func (a *StripeAdapter) Charge(ctx context.Context, req ChargeRequest) (*ChargeReceipt, error) {
	custID, pmID, ok := strings.Cut(req.Token, stripeTokenSep)
	if !ok || !strings.HasPrefix(custID, "cus_") {
		return nil, fmt.Errorf("%w: token not issued by stripe adapter", ErrInvalidBillingKey)
	}

	pi, err := a.api.PaymentIntents.New(&stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(string(stripe.CurrencyKRW)),
		Customer:      stripe.String(custID),
		PaymentMethod: stripe.String(pmID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(req.ProductName),
	})
	if err != nil {
		receipt := stripeFailureReceipt(err)
		return receipt, a.wrapErr(err)
	}

	receipt := &ChargeReceipt{
		TID: pi.ID,
		Outcome: ChargeOutcome{
			OK:          pi.Status == stripe.PaymentIntentStatusSucceeded,
			GatewayCode: string(pi.Status),
			Message:     "payment intent " + string(pi.Status),
		},
		Raw: pi.ID,
	}
	if pi.LastResponse != nil {
		receipt.Raw = string(pi.LastResponse.RawJSON)
	}

	if !receipt.Outcome.OK {
		return receipt, fmt.Errorf("%w: payment intent %s", ErrDeclined, pi.Status)
	}
	return receipt, nil
}

// Revoke detaches the payment method and deletes the customer.
func (a *StripeAdapter) Revoke(ctx context.Context, token string) error {
	custID, pmID, ok := strings.Cut(token, stripeTokenSep)
	if !ok {
		return fmt.Errorf("%w: token not issued by stripe adapter", ErrInvalidBillingKey)
	}

	if _, err := a.api.PaymentMethods.Detach(pmID, &stripe.PaymentMethodDetachParams{
		Params: stripe.Params{Context: ctx},
	}); err != nil {
		return a.wrapErr(err)
	}
	if _, err := a.api.Customers.Del(custID, &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
	}); err != nil {
		return a.wrapErr(err)
	}
	return nil
}

// parseExpiry splits the YYMM expiry the card forms collect into the
// month/year pair the API wants.
func parseExpiry(expiry string) (month, year int64, err error) {
	if len(expiry) != 4 {
		return 0, 0, fmt.Errorf("%w: malformed expiry", ErrInvalidBillingKey)
	}
	yy, err := strconv.ParseInt(expiry[:2], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed expiry", ErrInvalidBillingKey)
	}
	mm, err := strconv.ParseInt(expiry[2:], 10, 64)
	if err != nil || mm < 1 || mm > 12 {
		return 0, 0, fmt.Errorf("%w: malformed expiry", ErrInvalidBillingKey)
	}
	return mm, 2000 + yy, nil
}

// wrapErr maps a stripe error onto the taxonomy. Authentication failures
// carry no dedicated error type, so they are recognized by status code.
func (a *StripeAdapter) wrapErr(err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		if sErr.HTTPStatusCode == http.StatusUnauthorized || sErr.Code == stripe.ErrorCodeAPIKeyExpired {
			return fmt.Errorf("%w: %s", ErrAuth, sErr.Msg)
		}
		if sErr.Type == stripe.ErrorTypeCard {
			return fmt.Errorf("%w: %s (%s)", ErrDeclined, sErr.Msg, sErr.Code)
		}
		return fmt.Errorf("%w: %s", ErrDeclined, sErr.Msg)
	}
	return wrapTransportErr(err)
}

// stripeFailureReceipt extracts a normalized receipt from a failed charge,
// preserving the decline code for the ledger where one exists.
func stripeFailureReceipt(err error) *ChargeReceipt {
	var sErr *stripe.Error
	if !errors.As(err, &sErr) {
		return nil
	}
	code := string(sErr.Code)
	if sErr.DeclineCode != "" {
		code = string(sErr.DeclineCode)
	}
	return &ChargeReceipt{
		Outcome: ChargeOutcome{OK: false, GatewayCode: code, Message: sErr.Msg},
		Raw:     sErr.Error(),
	}
}
