// Package rail wraps the external payment rails behind narrow interfaces with
// a fixed result shape. Provider status vocabularies are converted to the
// core's closed set at this boundary; nothing above it ever sees a raw
// provider response.
package rail

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the core's closed set of rail outcomes.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// Result is the fixed shape every rail call resolves to.
type Result struct {
	Status Status
	ID     string
}

var (
	// ErrBankNotConnected means the shortfall needs an external rail but the
	// payer has neither a bank consent nor a saved card.
	ErrBankNotConnected = errors.New("no bank consent or card on file")
	// ErrPaymentPending means the rail did not confirm inside the wait window.
	// Local state is untouched and the operation is safely retryable.
	ErrPaymentPending = errors.New("payment not confirmed yet")
	// ErrPaymentFailed means the rail explicitly declined.
	ErrPaymentFailed = errors.New("payment failed")
)

// BankRail is the pre-authorized direct-debit provider.
type BankRail interface {
	CreateConsent(ctx context.Context, redirectURI string, maxAmount decimal.Decimal) (string, error)
	CreatePayment(ctx context.Context, consentID string, amount decimal.Decimal, particulars, reference string) (string, error)
	AwaitPayment(ctx context.Context, paymentID string, maxWait time.Duration) (Result, error)
	RevokeConsent(ctx context.Context, consentID string) error
}

// CardRail is the saved-card charge provider.
type CardRail interface {
	CreateCustomer(ctx context.Context, userID uint64) (string, error)
	CreateSetupIntent(ctx context.Context, customerID string) (string, error)
	ChargeCard(ctx context.Context, customerID, paymentMethodID string, amount decimal.Decimal, reference string) (Result, error)
}
