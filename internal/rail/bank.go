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

// BankClient talks to the direct-debit provider's REST API.
type BankClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	log     *zap.SugaredLogger
}

func NewBankClient(baseURL, apiKey string, log *zap.SugaredLogger) *BankClient {
	return &BankClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

type bankConsentReq struct {
	RedirectURI string `json:"redirect_uri"`
	MaxAmount   string `json:"max_amount"`
}

type bankPaymentReq struct {
	ConsentID   string `json:"consent_id"`
	Amount      string `json:"amount"`
	Particulars string `json:"particulars"`
	Reference   string `json:"reference"`
}

type bankResp struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *BankClient) CreateConsent(ctx context.Context, redirectURI string, maxAmount decimal.Decimal) (string, error) {
	var out bankResp
	err := c.post(ctx, "/v1/consents", bankConsentReq{RedirectURI: redirectURI, MaxAmount: maxAmount.StringFixed(2)}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *BankClient) CreatePayment(ctx context.Context, consentID string, amount decimal.Decimal, particulars, reference string) (string, error) {
	var out bankResp
	err := c.post(ctx, "/v1/payments", bankPaymentReq{
		ConsentID:   consentID,
		Amount:      amount.StringFixed(2),
		Particulars: particulars,
		Reference:   reference,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// AwaitPayment polls until the provider reports a terminal status or maxWait
// elapses. A still-pending payment is reported as StatusPending, never as an
// error from this method; the caller decides how to surface it.
func (c *BankClient) AwaitPayment(ctx context.Context, paymentID string, maxWait time.Duration) (Result, error) {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		var out bankResp
		if err := c.get(ctx, "/v1/payments/"+paymentID, &out); err != nil {
			return Result{}, err
		}
		st := normalizeBankStatus(out.Status)
		if st != StatusPending {
			return Result{Status: st, ID: paymentID}, nil
		}
		if time.Now().After(deadline) {
			return Result{Status: StatusPending, ID: paymentID}, nil
		}
		select {
		case <-ctx.Done():
			return Result{Status: StatusPending, ID: paymentID}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *BankClient) RevokeConsent(ctx context.Context, consentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/consents/"+consentID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke consent: status %d", resp.StatusCode)
	}
	return nil
}

// normalizeBankStatus maps the provider's vocabulary onto the core's.
func normalizeBankStatus(s string) Status {
	switch s {
	case "AcceptedSettlementCompleted", "settled", "succeeded":
		return StatusSucceeded
	case "Rejected", "declined", "failed", "expired":
		return StatusFailed
	default:
		return StatusPending
	}
}

func (c *BankClient) post(ctx context.Context, path string, body, out interface{}) error {
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
		return fmt.Errorf("bank rail %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *BankClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bank rail %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
