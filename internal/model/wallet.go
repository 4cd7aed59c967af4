package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet holds one user's balance. Balance is only ever changed through the
// repository's lock-read / version-checked-write pair.
type Wallet struct {
	UserID              uint64          `gorm:"primaryKey;column:user_id"`
	Balance             decimal.Decimal `gorm:"type:numeric(20,2);not null;default:'0'"`
	Version             uint64          `gorm:"not null;default:0"`
	BankLinked          bool            `gorm:"not null;default:false"`
	BankConsentID       *string         `gorm:"size:64"`
	CardCustomerID      *string         `gorm:"size:64"`
	CardPaymentMethodID *string         `gorm:"size:64"`
	CreatedAt           time.Time       `gorm:"autoCreateTime"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }

// HasBankConsent reports whether the bank rail can be used for this wallet.
func (w *Wallet) HasBankConsent() bool {
	return w.BankLinked && w.BankConsentID != nil && *w.BankConsentID != ""
}

// HasCard reports whether the card rail can be used for this wallet.
func (w *Wallet) HasCard() bool {
	return w.CardCustomerID != nil && *w.CardCustomerID != "" &&
		w.CardPaymentMethodID != nil && *w.CardPaymentMethodID != ""
}
