package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/amondhq/billing/internal/idgen"
)

const simulatedTokenPrefix = "sim_"

// SimulatedAdapter is a deterministic in-process variant for development
// and tests. Outcomes are scripted per token; unscripted charges succeed.
type SimulatedAdapter struct {
	mu       sync.Mutex
	outcomes map[string]error // token → error to return on Charge
	revoked  map[string]bool
	charges  []ChargeRequest
	now      func() time.Time
}

var _ Adapter = (*SimulatedAdapter)(nil)

// NewSimulatedAdapter creates the simulated gateway.
func NewSimulatedAdapter() *SimulatedAdapter {
	return &SimulatedAdapter{
		outcomes: make(map[string]error),
		revoked:  make(map[string]bool),
		now:      time.Now,
	}
}

// Name implements Adapter.
func (a *SimulatedAdapter) Name() string { return "simulated" }

// ScriptChargeError makes every subsequent charge on token fail with err.
// Pass nil to restore success.
func (a *SimulatedAdapter) ScriptChargeError(token string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.outcomes, token)
		return
	}
	a.outcomes[token] = err
}

// Charges returns a copy of every charge request seen, in order.
func (a *SimulatedAdapter) Charges() []ChargeRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ChargeRequest, len(a.charges))
	copy(out, a.charges)
	return out
}

// RegisterBillingKey always succeeds and issues a sim_ token.
func (a *SimulatedAdapter) RegisterBillingKey(ctx context.Context, card CardDetails, buyer Buyer) (*RegisteredKey, error) {
	cleanNumber := cleanCardNumber(card.Number)
	raw, _ := json.Marshal(map[string]string{
		"resultCode": "00",
		"resultMsg":  "simulated registration",
	})
	return &RegisteredKey{
		Token:            idgen.WithPrefix(simulatedTokenPrefix),
		MaskedCardNumber: maskCardNumber(cleanNumber),
		CardLabel:        "simulated card",
		Raw:              string(raw),
	}, nil
}

// Charge returns the scripted outcome for the token, or success.
func (a *SimulatedAdapter) Charge(ctx context.Context, req ChargeRequest) (*ChargeReceipt, error) {
	if !strings.HasPrefix(req.Token, simulatedTokenPrefix) {
		return nil, fmt.Errorf("%w: token not issued by simulated gateway", ErrInvalidBillingKey)
	}

	a.mu.Lock()
	scripted := a.outcomes[req.Token]
	revoked := a.revoked[req.Token]
	a.charges = append(a.charges, req)
	a.mu.Unlock()

	if revoked {
		return nil, fmt.Errorf("%w: token revoked", ErrInvalidBillingKey)
	}

	if scripted != nil {
		receipt := &ChargeReceipt{
			Outcome: ChargeOutcome{OK: false, GatewayCode: "01", Message: scripted.Error()},
			Raw:     fmt.Sprintf(`{"resultCode":"01","resultMsg":%q}`, scripted.Error()),
		}
		return receipt, scripted
	}

	tid := "SIM" + a.now().Format("20060102150405") + idgen.Hex(2)
	return &ChargeReceipt{
		TID: tid,
		Outcome: ChargeOutcome{
			OK:          true,
			GatewayCode: "00",
			Message:     "simulated approval",
		},
		Raw: fmt.Sprintf(`{"resultCode":"00","resultMsg":"simulated approval","tid":%q}`, tid),
	}, nil
}

// Revoke marks the token unusable for further charges.
func (a *SimulatedAdapter) Revoke(ctx context.Context, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked[token] = true
	return nil
}
