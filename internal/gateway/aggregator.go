package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/amondhq/billing/internal/idgen"
)

// customerTokenPrefix marks billing tokens minted by this adapter. The
// aggregator addresses saved cards by customer UID, so a token without this
// prefix was issued elsewhere and cannot be charged here.
const customerTokenPrefix = "cust_"

// tokenTTL is how long an access token is reused before refresh. The
// aggregator issues 30-minute tokens; refreshing at 25 leaves headroom.
const tokenTTL = 25 * time.Minute

// AggregatorConfig configures the token-exchange aggregator adapter.
type AggregatorConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Timeout   time.Duration // 0 = DefaultHTTPTimeout
}

// tokenCache holds the aggregator access token for this adapter instance.
// Owned state, refreshed explicitly — never package-level.
type tokenCache struct {
	mu        sync.Mutex
	value     string
	expiresAt time.Time
}

// AggregatorAdapter talks to a PG aggregator: credentials are exchanged for
// a short-lived bearer token, saved cards are addressed by customer UID.
type AggregatorAdapter struct {
	cfg    AggregatorConfig
	client *http.Client
	token  tokenCache
	now    func() time.Time
}

var _ Adapter = (*AggregatorAdapter)(nil)

// NewAggregatorAdapter creates the aggregator adapter.
func NewAggregatorAdapter(cfg AggregatorConfig) *AggregatorAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	return &AggregatorAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Name implements Adapter.
func (a *AggregatorAdapter) Name() string { return "aggregator" }

// aggResponse is the aggregator's uniform envelope: code 0 means success.
type aggResponse struct {
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Response json.RawMessage `json:"response"`
}

// accessToken returns a valid bearer token, refreshing through the
// token-exchange endpoint when the cached one has expired.
func (a *AggregatorAdapter) accessToken(ctx context.Context) (string, error) {
	a.token.mu.Lock()
	defer a.token.mu.Unlock()

	if a.token.value != "" && a.now().Before(a.token.expiresAt) {
		return a.token.value, nil
	}

	body, _ := json.Marshal(map[string]string{
		"imp_key":    a.cfg.APIKey,
		"imp_secret": a.cfg.APISecret,
	})

	resp, _, err := a.post(ctx, "/users/getToken", "", body)
	if err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("%w: token exchange failed: %s", ErrAuth, resp.Message)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Response, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: token exchange returned no token", ErrAuth)
	}

	a.token.value = tok.AccessToken
	a.token.expiresAt = a.now().Add(tokenTTL)
	return a.token.value, nil
}

// RegisterBillingKey saves the card under a freshly minted customer UID.
// The UID itself is the billing token.
func (a *AggregatorAdapter) RegisterBillingKey(ctx context.Context, card CardDetails, buyer Buyer) (*RegisteredKey, error) {
	bearer, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	customerUID := idgen.WithPrefix(customerTokenPrefix)
	cleanNumber := cleanCardNumber(card.Number)

	body, _ := json.Marshal(map[string]string{
		"card_number":    cleanNumber,
		"expiry":         expiryToDashed(card.Expiry),
		"birth":          card.BirthDate,
		"pwd_2digit":     card.PINPrefix,
		"customer_name":  buyer.Name,
		"customer_email": buyer.Email,
		"pg":             "inicis",
	})

	resp, raw, err := a.post(ctx, "/subscribe/customers/"+customerUID, bearer, body)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeclined, resp.Message)
	}

	return &RegisteredKey{
		Token:            customerUID,
		MaskedCardNumber: maskCardNumber(cleanNumber),
		CardLabel:        "card",
		Raw:              raw,
	}, nil
}

// Charge bills a saved card through the aggregator's repeat-payment endpoint.
func (a *AggregatorAdapter) Charge(ctx context.Context, req ChargeRequest) (*ChargeReceipt, error) {
	if len(req.Token) < len(customerTokenPrefix) || req.Token[:len(customerTokenPrefix)] != customerTokenPrefix {
		return nil, fmt.Errorf("%w: token not issued by aggregator", ErrInvalidBillingKey)
	}

	bearer, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(map[string]interface{}{
		"customer_uid": req.Token,
		"merchant_uid": req.OrderID,
		"amount":       req.Amount,
		"name":         req.ProductName,
		"buyer_name":   req.Buyer.Name,
		"buyer_email":  req.Buyer.Email,
		"buyer_tel":    orDefault(req.Buyer.Tel, "01000000000"),
	})

	resp, raw, err := a.post(ctx, "/subscribe/payments/again", bearer, body)
	if err != nil {
		return nil, err
	}

	receipt := &ChargeReceipt{
		Outcome: ChargeOutcome{
			OK:          resp.Code == 0,
			GatewayCode: fmt.Sprintf("%d", resp.Code),
			Message:     resp.Message,
		},
		Raw: raw,
	}

	if !receipt.Outcome.OK {
		return receipt, fmt.Errorf("%w: %s", ErrDeclined, resp.Message)
	}

	var payment struct {
		ImpUID string `json:"imp_uid"`
	}
	if err := json.Unmarshal(resp.Response, &payment); err == nil {
		receipt.TID = payment.ImpUID
	}

	return receipt, nil
}

// Revoke deletes the saved card behind the customer UID.
func (a *AggregatorAdapter) Revoke(ctx context.Context, token string) error {
	bearer, err := a.accessToken(ctx)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.cfg.BaseURL+"/subscribe/customers/"+token, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+bearer)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return wrapTransportErr(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return wrapTransportErr(err)
	}

	var resp aggResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("%w: unparseable response: %v", ErrNetwork, err)
	}
	if resp.Code != 0 {
		return fmt.Errorf("%w: %s", ErrDeclined, resp.Message)
	}
	return nil
}

// post sends one JSON request; bearer may be empty for the token endpoint.
func (a *AggregatorAdapter) post(ctx context.Context, path, bearer string, body []byte) (*aggResponse, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, "", wrapTransportErr(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, "", wrapTransportErr(err)
	}

	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		return nil, "", fmt.Errorf("%w: HTTP %d", ErrAuth, httpResp.StatusCode)
	}
	if httpResp.StatusCode >= 500 {
		return nil, "", fmt.Errorf("%w: HTTP %d", ErrNetwork, httpResp.StatusCode)
	}

	var resp aggResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, "", fmt.Errorf("%w: unparseable response: %v", ErrNetwork, err)
	}

	return &resp, string(respBody), nil
}

// expiryToDashed converts YYMM card expiry into the aggregator's
// YYYY-MM encoding.
func expiryToDashed(expiry string) string {
	if len(expiry) != 4 {
		return expiry
	}
	return "20" + expiry[:2] + "-" + expiry[2:]
}
