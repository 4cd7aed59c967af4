package model

import (
	"time"

	"github.com/google/uuid"
)

// Notification types emitted by the core.
const (
	NotifyDeposit        = "deposit"
	NotifyWithdrawal     = "withdrawal"
	NotifySplitInvite    = "split_invite"
	NotifySplitAccepted  = "split_accepted"
	NotifySplitDeclined  = "split_declined"
	NotifySplitPaid      = "split_paid"
	NotifySplitCompleted = "split_completed"
	NotifySplitCancelled = "split_cancelled"
	NotifySplitReminder  = "split_reminder"
)

// Notification is a transactional-outbox row: written in the same database
// transaction as the state change it announces, published to the delivery
// transport by cmd/notifier. Delivery failure never rolls back a settlement.
type Notification struct {
	ID           uint64     `gorm:"primaryKey"`
	UserID       uint64     `gorm:"not null;index"`
	Type         string     `gorm:"size:32;not null;index:idx_notify_split_type,priority:2"`
	Title        string     `gorm:"size:120;not null"`
	Message      string     `gorm:"size:512;not null"`
	SplitEventID *uuid.UUID `gorm:"type:uuid;index:idx_notify_split_type,priority:1"`
	Metadata     string     `gorm:"type:jsonb;not null;default:'{}'"`
	Processed    bool       `gorm:"not null;default:false"`
	ProcessedAt  *time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

func (Notification) TableName() string { return "notification_outbox" }
