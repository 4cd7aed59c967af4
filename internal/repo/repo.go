package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/evenup/split-settlement/internal/model"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrWalletNotFound is returned when no wallet row exists for the user.
var ErrWalletNotFound = errors.New("wallet not found")

// RepositoryInterface restricts Repo methods (mockable in unit tests).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID uint64) (*model.Wallet, error)
	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	UpdateWalletBalance(ctx context.Context, tx *gorm.DB, userID uint64, newBalance decimal.Decimal, oldVersion uint64) error
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	SplitCreationTimes(ctx context.Context, creatorID uint64, since time.Time) ([]time.Time, error)
	WithdrawalTimes(ctx context.Context, tx *gorm.DB, userID uint64, since time.Time) ([]time.Time, error)
	HeldDeposits(ctx context.Context, tx *gorm.DB, userID uint64, since time.Time) ([]model.Transaction, error)
	GetSplitEventForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*model.SplitEvent, error)
	GetParticipant(ctx context.Context, tx *gorm.DB, eventID uuid.UUID, userID uint64) (*model.SplitParticipant, error)
	UpdateParticipantStatus(ctx context.Context, tx *gorm.DB, participantID uint64, from, to string) error
	CreateNotification(ctx context.Context, tx *gorm.DB, n *model.Notification) error
	NotificationExists(ctx context.Context, tx *gorm.DB, eventID uuid.UUID, notifyType string) (bool, error)
	PollNotifications(ctx context.Context, limit int) ([]model.Notification, error)
	MarkNotificationProcessed(ctx context.Context, id uint64) error
	PublishNotification(ctx context.Context, n model.Notification) error
	CacheBalance(ctx context.Context, userID uint64, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, userID uint64) (decimal.Decimal, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetWalletForUpdate locks the wallet row for the duration of the enclosing
// database transaction.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// CreateWallet inserts a wallet row.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Create(w).Error
}

// UpdateWalletBalance writes the new balance with an optimistic version check
// on top of the row lock.
func (r *Repository) UpdateWalletBalance(ctx context.Context, tx *gorm.DB, userID uint64, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ? AND version = ?", userID, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("optimistic lock conflict")
	}
	return nil
}

// CreateTransaction inserts an audit row.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	if t.Metadata == "" {
		t.Metadata = "{}"
	}
	return tx.WithContext(ctx).Create(t).Error
}

// SplitCreationTimes returns creation timestamps of the user's split events
// since the given instant. The throttle is derived from these rows at
// evaluation time; no counter is stored.
func (r *Repository) SplitCreationTimes(ctx context.Context, creatorID uint64, since time.Time) ([]time.Time, error) {
	var events []model.SplitEvent
	err := r.db.WithContext(ctx).
		Select("created_at").
		Where("creator_id = ? AND created_at > ?", creatorID, since).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, len(events))
	for i, e := range events {
		times[i] = e.CreatedAt
	}
	return times, nil
}

// WithdrawalTimes returns timestamps of the user's withdrawal transactions
// since the given instant.
func (r *Repository) WithdrawalTimes(ctx context.Context, tx *gorm.DB, userID uint64, since time.Time) ([]time.Time, error) {
	var txs []model.Transaction
	err := tx.WithContext(ctx).
		Select("created_at").
		Where("user_id = ? AND type = ? AND created_at > ?", userID, model.TxWithdrawal, since).
		Find(&txs).Error
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, len(txs))
	for i, t := range txs {
		times[i] = t.CreatedAt
	}
	return times, nil
}

// HeldDeposits returns deposit transactions still inside the hold window.
// split_received credits are deliberately excluded: earned funds are
// withdrawable immediately.
func (r *Repository) HeldDeposits(ctx context.Context, tx *gorm.DB, userID uint64, since time.Time) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := tx.WithContext(ctx).
		Where("user_id = ? AND type = ? AND created_at > ?", userID, model.TxDeposit, since).
		Find(&txs).Error
	return txs, err
}

// GetSplitEventForUpdate locks the event row. Pay and Cancel both lock it
// first, which serializes completion checks per event.
func (r *Repository) GetSplitEventForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*model.SplitEvent, error) {
	var e model.SplitEvent
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// GetParticipant fetches one (event, user) row.
func (r *Repository) GetParticipant(ctx context.Context, tx *gorm.DB, eventID uuid.UUID, userID uint64) (*model.SplitParticipant, error) {
	var p model.SplitParticipant
	if err := tx.WithContext(ctx).
		Where("split_event_id = ? AND user_id = ?", eventID, userID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateParticipantStatus flips status with a compare-and-set on the previous
// status, so a concurrent duplicate transition affects zero rows.
func (r *Repository) UpdateParticipantStatus(ctx context.Context, tx *gorm.DB, participantID uint64, from, to string) error {
	res := tx.WithContext(ctx).
		Model(&model.SplitParticipant{}).
		Where("id = ? AND status = ?", participantID, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CreateNotification writes an outbox row.
func (r *Repository) CreateNotification(ctx context.Context, tx *gorm.DB, n *model.Notification) error {
	if n.Metadata == "" {
		n.Metadata = "{}"
	}
	return tx.WithContext(ctx).Create(n).Error
}

// NotificationExists checks whether a notification of the given type has
// already been written for the event, processed or not.
func (r *Repository) NotificationExists(ctx context.Context, tx *gorm.DB, eventID uuid.UUID, notifyType string) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.Notification{}).
		Where("split_event_id = ? AND type = ?", eventID, notifyType).
		Count(&count).Error
	return count > 0, err
}

// PollNotifications pulls unprocessed outbox rows.
func (r *Repository) PollNotifications(ctx context.Context, limit int) ([]model.Notification, error) {
	var ns []model.Notification
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&ns).Error
	return ns, err
}

// MarkNotificationProcessed sets processed flag.
func (r *Repository) MarkNotificationProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.Notification{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishNotification sends the row to the delivery transport topic.
func (r *Repository) PublishNotification(ctx context.Context, n model.Notification) error {
	payload, err := json.Marshal(map[string]interface{}{
		"user_id":        n.UserID,
		"type":           n.Type,
		"title":          n.Title,
		"message":        n.Message,
		"split_event_id": n.SplitEventID,
		"metadata":       json.RawMessage(n.Metadata),
	})
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", n.UserID)),
		Value: payload,
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, userID uint64, bal decimal.Decimal) error {
	return r.rdb.Set(ctx, fmt.Sprintf("balance:%d", userID), bal.String(), 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, userID uint64) (decimal.Decimal, error) {
	str, err := r.rdb.Get(ctx, fmt.Sprintf("balance:%d", userID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}
