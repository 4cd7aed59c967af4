package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CardClient talks to the card charge provider's REST API.
type CardClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	log     *zap.SugaredLogger
}

func NewCardClient(baseURL, apiKey string, log *zap.SugaredLogger) *CardClient {
	return &CardClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

type cardResp struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *CardClient) CreateCustomer(ctx context.Context, userID uint64) (string, error) {
	var out cardResp
	err := c.post(ctx, "/v1/customers", map[string]interface{}{"external_id": userID}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *CardClient) CreateSetupIntent(ctx context.Context, customerID string) (string, error) {
	var out cardResp
	err := c.post(ctx, "/v1/setup_intents", map[string]interface{}{"customer": customerID}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// ChargeCard charges the saved payment method. The reference doubles as the
// provider-side idempotency key, so a retried charge cannot duplicate.
func (c *CardClient) ChargeCard(ctx context.Context, customerID, paymentMethodID string, amount decimal.Decimal, reference string) (Result, error) {
	var out cardResp
	err := c.post(ctx, "/v1/payment_intents", map[string]interface{}{
		"customer":        customerID,
		"payment_method":  paymentMethodID,
		"amount":          amount.StringFixed(2),
		"idempotency_key": reference,
		"confirm":         true,
	}, &out)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: normalizeCardStatus(out.Status), ID: out.ID}, nil
}

func normalizeCardStatus(s string) Status {
	switch s {
	case "succeeded":
		return StatusSucceeded
	case "requires_payment_method", "canceled", "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}

func (c *CardClient) post(ctx context.Context, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("card rail %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
