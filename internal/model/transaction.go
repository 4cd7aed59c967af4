package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction types.
const (
	TxDeposit       = "deposit"
	TxWithdrawal    = "withdrawal"
	TxSplitPayment  = "split_payment"
	TxSplitReceived = "split_received"
)

// Transaction directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Transaction is an immutable audit row. Exactly one is written in the same
// database transaction as every balance change.
type Transaction struct {
	ID            uint64          `gorm:"primaryKey"`
	UserID        uint64          `gorm:"not null;index:idx_tx_user_created,priority:1"`
	Type          string          `gorm:"size:32;not null"`
	Direction     string          `gorm:"size:8;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	BalanceBefore decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	BalanceAfter  decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Description   string          `gorm:"size:255"`
	SplitEventID  *uuid.UUID      `gorm:"type:uuid;index"`
	Metadata      string          `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index:idx_tx_user_created,priority:2"`
}

func (Transaction) TableName() string { return "transaction" }
