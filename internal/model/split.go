package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Split types.
const (
	SplitTypeEqual     = "equal"
	SplitTypeSpecified = "specified"
)

// Participant statuses.
const (
	ParticipantPending  = "pending"
	ParticipantAccepted = "accepted"
	ParticipantDeclined = "declined"
	ParticipantPaid     = "paid"
)

// SplitEvent is one shared expense. TotalAmount is fixed at creation.
type SplitEvent struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Name        string          `gorm:"size:120;not null"`
	TotalAmount decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	SplitType   string          `gorm:"size:16;not null"`
	ReceiptURL  *string         `gorm:"size:512"`
	CreatorID   uint64          `gorm:"not null;index:idx_split_creator_created,priority:1"`
	CreatedAt   time.Time       `gorm:"autoCreateTime;index:idx_split_creator_created,priority:2"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime"`
}

func (SplitEvent) TableName() string { return "split_event" }

// SplitParticipant tracks one user's stake in a split event, unique per
// (event, user). The creator's row is written directly as paid.
type SplitParticipant struct {
	ID           uint64          `gorm:"primaryKey"`
	SplitEventID uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:uniq_split_user,priority:1"`
	UserID       uint64          `gorm:"not null;uniqueIndex:uniq_split_user,priority:2"`
	OwedAmount   decimal.Decimal `gorm:"type:numeric(20,2);not null;default:'0'"`
	Status       string          `gorm:"size:16;not null;default:'pending'"`
	IsCreator    bool            `gorm:"not null;default:false"`
	RemindedAt   *time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (SplitParticipant) TableName() string { return "split_participant" }
