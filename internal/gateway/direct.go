package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/amondhq/billing/internal/signature"
)

const (
	directTimestampFormat = "20060102150405" // the acquirer wants YYYYMMDDHHMMSS, local time
	maxResponseSize       = 1 * 1024 * 1024  // 1MB

	// legacyTokenPrefix marks tokens issued by the old web-standard popup
	// flow. They cannot be charged through the billing API.
	legacyTokenPrefix = "StdpayCARD"
)

// DirectConfig configures the acquirer billing-API adapter.
type DirectConfig struct {
	MerchantID string
	APIKey     string
	BaseURL    string
	SiteURL    string        // merchant site URL, echoed in every payload
	Timeout    time.Duration // 0 = DefaultHTTPTimeout
}

// DirectAdapter charges stored billing keys straight against the acquirer's
// billing API. This is the production-authoritative variant.
type DirectAdapter struct {
	cfg    DirectConfig
	client *http.Client
	now    func() time.Time
}

var _ Adapter = (*DirectAdapter)(nil)

// NewDirectAdapter creates the direct acquirer adapter.
func NewDirectAdapter(cfg DirectConfig) *DirectAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	if cfg.SiteURL == "" {
		cfg.SiteURL = "www.example.com"
	}
	return &DirectAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Name implements Adapter.
func (a *DirectAdapter) Name() string { return "direct" }

// directPayload is the inner "data" object. The acquirer hashes its JSON
// serialization, so field order is fixed by this struct.
type directPayload struct {
	URL        string `json:"url"`
	Moid       string `json:"moid"`
	GoodName   string `json:"goodName"`
	BuyerName  string `json:"buyerName"`
	BuyerEmail string `json:"buyerEmail"`
	BuyerTel   string `json:"buyerTel"`
	Price      string `json:"price"`
	BillKey    string `json:"billKey,omitempty"`
	CardNumber string `json:"cardNumber,omitempty"`
	CardExpire string `json:"cardExpire,omitempty"`
	RegNo      string `json:"regNo,omitempty"`
	CardPw     string `json:"cardPw,omitempty"`
	IssueKey   string `json:"billkey,omitempty"` // "1" requests billing-key issuance
}

// directRequest is the outer request envelope.
type directRequest struct {
	Mid       string        `json:"mid"`
	Type      string        `json:"type"`
	Paymethod string        `json:"paymethod"`
	Timestamp string        `json:"timestamp"`
	ClientIP  string        `json:"clientIp"`
	Data      directPayload `json:"data"`
	HashData  string        `json:"hashData"`
}

// directResponse covers both envelope shapes the API returns: flat fields on
// registration, a nested data object on billing.
type directResponse struct {
	ResultCode string `json:"resultCode"`
	ResultMsg  string `json:"resultMsg"`
	TID        string `json:"tid"`
	BillKey    string `json:"billkey"`
	CardName   string `json:"cardName"`
	Data       struct {
		TID      string `json:"tid"`
		AuthDate string `json:"authDate"`
		AuthTime string `json:"authTime"`
	} `json:"data"`
}

func (r *directResponse) tid() string {
	if r.Data.TID != "" {
		return r.Data.TID
	}
	return r.TID
}

// RegisterBillingKey issues a billing key via a zero-amount "pay" request
// carrying the raw card fields.
func (a *DirectAdapter) RegisterBillingKey(ctx context.Context, card CardDetails, buyer Buyer) (*RegisteredKey, error) {
	cleanNumber := cleanCardNumber(card.Number)
	if len(cleanNumber) < 13 || len(cleanNumber) > 16 {
		return nil, fmt.Errorf("%w: malformed card number", ErrInvalidBillingKey)
	}

	timestamp := a.now().Format(directTimestampFormat)
	moid := fmt.Sprintf("%s_REG_%s", a.cfg.MerchantID, timestamp)

	payload := directPayload{
		URL:        a.cfg.SiteURL,
		Moid:       moid,
		GoodName:   "Recurring billing registration",
		BuyerName:  orDefault(buyer.Name, "customer"),
		BuyerEmail: buyer.Email,
		BuyerTel:   orDefault(buyer.Tel, "01000000000"),
		Price:      "0", // key issuance charges nothing
		CardNumber: cleanNumber,
		CardExpire: card.Expiry,
		RegNo:      card.BirthDate,
		CardPw:     card.PINPrefix,
		IssueKey:   "1",
	}

	resp, raw, err := a.post(ctx, "/pay", "pay", timestamp, payload)
	if err != nil {
		return nil, err
	}

	if resp.ResultCode != "00" {
		return nil, fmt.Errorf("%w: %s (%s)", ErrDeclined, resp.ResultMsg, resp.ResultCode)
	}

	token := resp.BillKey
	if token == "" {
		token = resp.tid()
	}

	return &RegisteredKey{
		Token:            token,
		MaskedCardNumber: maskCardNumber(cleanNumber),
		CardLabel:        orDefault(resp.CardName, "card"),
		Raw:              raw,
	}, nil
}

// Charge runs one billing request against a previously issued key.
func (a *DirectAdapter) Charge(ctx context.Context, req ChargeRequest) (*ChargeReceipt, error) {
	if strings.HasPrefix(req.Token, legacyTokenPrefix) {
		return nil, fmt.Errorf("%w: legacy web-standard token", ErrInvalidBillingKey)
	}

	timestamp := a.now().Format(directTimestampFormat)

	payload := directPayload{
		URL:        a.cfg.SiteURL,
		Moid:       req.OrderID,
		GoodName:   req.ProductName,
		BuyerName:  orDefault(req.Buyer.Name, "customer"),
		BuyerEmail: req.Buyer.Email,
		BuyerTel:   orDefault(req.Buyer.Tel, "01000000000"),
		Price:      strconv.FormatInt(req.Amount, 10),
		BillKey:    req.Token,
	}

	resp, raw, err := a.post(ctx, "/billing", "billing", timestamp, payload)
	if err != nil {
		return nil, err
	}

	receipt := &ChargeReceipt{
		TID: resp.tid(),
		Outcome: ChargeOutcome{
			OK:          resp.ResultCode == "00",
			GatewayCode: resp.ResultCode,
			Message:     resp.ResultMsg,
		},
		Raw: raw,
	}

	if receipt.Outcome.OK {
		return receipt, nil
	}

	// Error 1195: the key was never registered through the billing-auth
	// flow. The key is dead, not the card.
	if resp.ResultCode == "01" && strings.Contains(resp.ResultMsg, "1195") {
		return receipt, fmt.Errorf("%w: %s", ErrInvalidBillingKey, resp.ResultMsg)
	}

	return receipt, fmt.Errorf("%w: %s (%s)", ErrDeclined, resp.ResultMsg, resp.ResultCode)
}

// Revoke has no remote call on this variant: the acquirer expires keys
// server-side, so revocation is local deactivation only.
func (a *DirectAdapter) Revoke(ctx context.Context, token string) error {
	return nil
}

// post signs and sends one request envelope, returning the parsed response
// and its raw body.
func (a *DirectAdapter) post(ctx context.Context, path, requestType, timestamp string, payload directPayload) (*directResponse, string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}

	envelope := directRequest{
		Mid:       a.cfg.MerchantID,
		Type:      requestType,
		Paymethod: "card",
		Timestamp: timestamp,
		ClientIP:  "127.0.0.1",
		Data:      payload,
		HashData:  signature.PayloadDigest(a.cfg.APIKey, a.cfg.MerchantID, requestType, timestamp, string(payloadJSON)),
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

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

	var resp directResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, "", fmt.Errorf("%w: unparseable response: %v", ErrNetwork, err)
	}

	return &resp, string(respBody), nil
}

func cleanCardNumber(number string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(number)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
