package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/evenup/split-settlement/internal/config"
	"github.com/evenup/split-settlement/internal/model"
	"github.com/evenup/split-settlement/internal/policy"
	"github.com/evenup/split-settlement/internal/rail"
	"github.com/evenup/split-settlement/internal/repo"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidTransition covers every forbidden state move: the creator
	// responding to their own split, paying from a non-accepted state, and
	// the like.
	ErrInvalidTransition = errors.New("invalid participant transition")
	// ErrAlreadyPaid is the no-op rejection for re-paying a paid row.
	ErrAlreadyPaid = errors.New("share already paid")
	// ErrAmountNotSet means a specified-share participant tried to pay
	// before entering their amount.
	ErrAmountNotSet = errors.New("owed amount not set, enter your share first")
	// ErrAmountFixed means a participant tried to amend their share on an
	// equal split.
	ErrAmountFixed = errors.New("owed amount is fixed for equal splits")
	// ErrNotCreator guards creator-only operations.
	ErrNotCreator = errors.New("only the split creator may do this")
	// ErrNotParticipant means the user has no stake in the event.
	ErrNotParticipant = errors.New("not a participant of this split")
	// ErrEventNotFound means no such split event.
	ErrEventNotFound = errors.New("split event not found")
)

// ParticipantShare names one invited user and, for specified splits, the
// share they owe. Zero means the participant fills it in on accept.
type ParticipantShare struct {
	UserID uint64
	Amount decimal.Decimal
}

// SplitService drives a split event's lifecycle and orchestrates settlement:
// policy gate, state transition, rail selection, ledger mutation and
// notification emission.
type SplitService struct {
	repo     repo.RepositoryInterface
	ledger   *LedgerService
	rails    *rail.Selector
	limits   policy.Limits
	cooldown time.Duration
	log      *zap.SugaredLogger
}

// NewSplitService returns SplitService.
func NewSplitService(r repo.RepositoryInterface, ledger *LedgerService, rails *rail.Selector, pcfg config.PolicyConfig, logger *zap.SugaredLogger) *SplitService {
	return &SplitService{
		repo:   r,
		ledger: ledger,
		rails:  rails,
		limits: policy.Limits{
			SplitsPerHour:     pcfg.SplitsPerHour,
			SplitsPerDay:      pcfg.SplitsPerDay,
			WithdrawalsPerDay: pcfg.WithdrawalsPerDay,
		},
		cooldown: pcfg.ReminderCooldown(),
		log:      logger,
	}
}

// Create persists the event and every participant row in one unit. The
// creator's row is written directly as paid and is never credited back; the
// throttle is evaluated before anything is written, so a rejected attempt
// leaves no row behind.
func (s *SplitService) Create(ctx context.Context, creatorID uint64, name string, total decimal.Decimal, splitType string, receiptURL *string, shares []ParticipantShare) (*model.SplitEvent, error) {
	if name == "" {
		return nil, errors.New("name must not be empty")
	}
	if total.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if splitType != model.SplitTypeEqual && splitType != model.SplitTypeSpecified {
		return nil, fmt.Errorf("unknown split type %q", splitType)
	}
	if len(shares) == 0 {
		return nil, errors.New("at least one participant required")
	}
	seen := make(map[uint64]bool, len(shares))
	for _, sh := range shares {
		if sh.UserID == creatorID {
			return nil, errors.New("creator cannot be invited to their own split")
		}
		if seen[sh.UserID] {
			return nil, fmt.Errorf("duplicate participant %d", sh.UserID)
		}
		seen[sh.UserID] = true
		if sh.Amount.IsNegative() {
			return nil, ErrInvalidAmount
		}
	}

	now := time.Now()
	created, err := s.repo.SplitCreationTimes(ctx, creatorID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	if err := policy.CheckSplitCreation(now, created, s.limits); err != nil {
		return nil, err
	}

	// equal splits: everyone gets total/(n+1), creator absorbs the rounding
	// remainder so shares always sum to the total
	n := int64(len(shares))
	var share decimal.Decimal
	if splitType == model.SplitTypeEqual {
		share = total.DivRound(decimal.NewFromInt(n+1), 2)
		// a per-head share of 0.00 would create rows nobody can ever pay
		if share.LessThanOrEqual(decimal.Zero) {
			return nil, ErrInvalidAmount
		}
	}

	event := &model.SplitEvent{
		ID:          uuid.New(),
		Name:        name,
		TotalAmount: total,
		SplitType:   splitType,
		ReceiptURL:  receiptURL,
		CreatorID:   creatorID,
	}

	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(event).Error; err != nil {
			return err
		}
		creatorOwed := total
		if splitType == model.SplitTypeEqual {
			creatorOwed = total.Sub(share.Mul(decimal.NewFromInt(n)))
		} else {
			for _, sh := range shares {
				creatorOwed = creatorOwed.Sub(sh.Amount)
			}
			if creatorOwed.IsNegative() {
				creatorOwed = decimal.Zero
			}
		}
		creatorRow := &model.SplitParticipant{
			SplitEventID: event.ID, UserID: creatorID,
			OwedAmount: creatorOwed, Status: model.ParticipantPaid, IsCreator: true,
		}
		if err := tx.Create(creatorRow).Error; err != nil {
			return err
		}
		for _, sh := range shares {
			owed := sh.Amount
			if splitType == model.SplitTypeEqual {
				owed = share
			}
			row := &model.SplitParticipant{
				SplitEventID: event.ID, UserID: sh.UserID,
				OwedAmount: owed, Status: model.ParticipantPending,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
			if err := s.notify(ctx, tx, sh.UserID, model.NotifySplitInvite, event.ID,
				"You've been added to a split",
				fmt.Sprintf("%q: your share is %s", name, owed.StringFixed(2))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// Respond handles accept/decline from a pending, non-creator participant.
// On accept a specified-share participant may fill in their own amount.
func (s *SplitService) Respond(ctx context.Context, userID uint64, eventID uuid.UUID, accept bool, amount *decimal.Decimal) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		event, err := s.repo.GetSplitEventForUpdate(ctx, tx, eventID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEventNotFound
			}
			return err
		}
		p, err := s.repo.GetParticipant(ctx, tx, eventID, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotParticipant
			}
			return err
		}
		if p.IsCreator || p.Status != model.ParticipantPending {
			return ErrInvalidTransition
		}

		next := model.ParticipantDeclined
		notifyType := model.NotifySplitDeclined
		verb := "declined"
		if accept {
			next = model.ParticipantAccepted
			notifyType = model.NotifySplitAccepted
			verb = "accepted"
			if amount != nil {
				if event.SplitType != model.SplitTypeSpecified {
					return ErrAmountFixed
				}
				if amount.LessThanOrEqual(decimal.Zero) {
					return ErrInvalidAmount
				}
				res := tx.Model(&model.SplitParticipant{}).
					Where("id = ?", p.ID).
					Update("owed_amount", *amount)
				if res.Error != nil {
					return res.Error
				}
			}
		}
		if err := s.repo.UpdateParticipantStatus(ctx, tx, p.ID, model.ParticipantPending, next); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidTransition
			}
			return err
		}
		return s.notify(ctx, tx, event.CreatorID, notifyType, eventID,
			"Split "+verb,
			fmt.Sprintf("A participant %s their share of %q", verb, event.Name))
	})
}

// AmendAmount lets a specified-split participant set or change their own
// share, up until they pay. Equal-split shares are fixed at creation.
func (s *SplitService) AmendAmount(ctx context.Context, userID uint64, eventID uuid.UUID, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		event, err := s.repo.GetSplitEventForUpdate(ctx, tx, eventID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEventNotFound
			}
			return err
		}
		if event.SplitType != model.SplitTypeSpecified {
			return ErrAmountFixed
		}
		p, err := s.repo.GetParticipant(ctx, tx, eventID, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotParticipant
			}
			return err
		}
		if p.IsCreator {
			return ErrInvalidTransition
		}
		switch p.Status {
		case model.ParticipantPaid:
			return ErrAlreadyPaid
		case model.ParticipantPending, model.ParticipantAccepted:
		default:
			return ErrInvalidTransition
		}
		return tx.Model(&model.SplitParticipant{}).
			Where("id = ?", p.ID).
			Update("owed_amount", amount).Error
	})
}

// Pay settles the caller's accepted share. The external rail call runs with
// no database locks held; only an explicit rail success leads into the
// transaction that locks the event row, flips the row to paid, moves the
// money and runs the completion check. A rail timeout or decline leaves every
// local row untouched, so the participant stays accepted and can retry; the
// rail-side idempotency reference is derived from (event, payer) so a retry
// cannot double-charge.
func (s *SplitService) Pay(ctx context.Context, userID uint64, eventID uuid.UUID) error {
	var event model.SplitEvent
	if err := s.repo.DB(ctx).Where("id = ?", eventID).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrEventNotFound
		}
		return err
	}
	p, err := s.repo.GetParticipant(ctx, s.repo.DB(ctx), eventID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotParticipant
		}
		return err
	}
	if p.IsCreator {
		return ErrInvalidTransition
	}
	switch p.Status {
	case model.ParticipantPaid:
		return ErrAlreadyPaid
	case model.ParticipantAccepted:
	default:
		return ErrInvalidTransition
	}
	if p.OwedAmount.LessThanOrEqual(decimal.Zero) {
		return ErrAmountNotSet
	}

	wallet, err := s.ledger.EnsureWallet(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := s.ledger.EnsureWallet(ctx, event.CreatorID); err != nil {
		return err
	}

	reference := uuid.NewSHA1(eventID, []byte(strconv.FormatUint(userID, 10))).String()
	funding, err := s.rails.Execute(ctx, wallet, p.OwedAmount, reference)
	if err != nil {
		return err
	}

	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.GetSplitEventForUpdate(ctx, tx, eventID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// cancelled between rail confirmation and settlement
				return ErrEventNotFound
			}
			return err
		}
		if err := s.repo.UpdateParticipantStatus(ctx, tx, p.ID, model.ParticipantAccepted, model.ParticipantPaid); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidTransition
			}
			return err
		}
		if err := s.ledger.SettleSplit(ctx, tx, userID, event.CreatorID, eventID, p.OwedAmount, funding); err != nil {
			return err
		}
		if err := s.notify(ctx, tx, event.CreatorID, model.NotifySplitPaid, eventID,
			"Share paid",
			fmt.Sprintf("A participant paid %s toward %q", p.OwedAmount.StringFixed(2), event.Name)); err != nil {
			return err
		}
		return s.checkCompletion(ctx, tx, &event)
	})
}

// checkCompletion emits the one-time split_completed notification once every
// non-creator row is paid. Existence of the outbox row, not a flag, decides
// whether it fires; the event row lock held by the caller serializes the last
// two near-simultaneous payers.
func (s *SplitService) checkCompletion(ctx context.Context, tx *gorm.DB, event *model.SplitEvent) error {
	var unpaid int64
	err := tx.Model(&model.SplitParticipant{}).
		Where("split_event_id = ? AND is_creator = ? AND status <> ?", event.ID, false, model.ParticipantPaid).
		Count(&unpaid).Error
	if err != nil {
		return err
	}
	if unpaid > 0 {
		return nil
	}
	exists, err := s.repo.NotificationExists(ctx, tx, event.ID, model.NotifySplitCompleted)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.notify(ctx, tx, event.CreatorID, model.NotifySplitCompleted, event.ID,
		"Split complete",
		fmt.Sprintf("Everyone has paid their share of %q", event.Name))
}

// Reinvite resets a declined participant to pending, starting a fresh
// accept/decline cycle. Gated by the reminder cooldown so a participant
// cannot be re-pinged more than once per window.
func (s *SplitService) Reinvite(ctx context.Context, creatorID uint64, eventID uuid.UUID, targetUserID uint64) error {
	now := time.Now()
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		event, err := s.repo.GetSplitEventForUpdate(ctx, tx, eventID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEventNotFound
			}
			return err
		}
		if event.CreatorID != creatorID {
			return ErrNotCreator
		}
		p, err := s.repo.GetParticipant(ctx, tx, eventID, targetUserID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotParticipant
			}
			return err
		}
		if p.Status != model.ParticipantDeclined {
			return ErrInvalidTransition
		}
		if p.RemindedAt != nil && now.Sub(*p.RemindedAt) < s.cooldown {
			return &policy.RateLimitedError{
				Scope:      "reinvite",
				RetryAfter: s.cooldown - now.Sub(*p.RemindedAt),
			}
		}
		res := tx.Model(&model.SplitParticipant{}).
			Where("id = ? AND status = ?", p.ID, model.ParticipantDeclined).
			Updates(map[string]interface{}{"status": model.ParticipantPending, "reminded_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		return s.notify(ctx, tx, targetUserID, model.NotifySplitInvite, eventID,
			"You've been re-invited to a split",
			fmt.Sprintf("%q: your share is %s", event.Name, p.OwedAmount.StringFixed(2)))
	})
}

// Cancel hard-deletes the event: participants and any unprocessed
// notifications go with it so stale accept/pay affordances disappear, and
// every non-creator participant is told.
func (s *SplitService) Cancel(ctx context.Context, creatorID uint64, eventID uuid.UUID) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		event, err := s.repo.GetSplitEventForUpdate(ctx, tx, eventID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEventNotFound
			}
			return err
		}
		if event.CreatorID != creatorID {
			return ErrNotCreator
		}
		var participants []model.SplitParticipant
		if err := tx.Where("split_event_id = ? AND is_creator = ?", eventID, false).
			Find(&participants).Error; err != nil {
			return err
		}
		// pending invites and reminders must vanish before the cancellation
		// notices are written
		if err := tx.Where("split_event_id = ? AND processed = ?", eventID, false).
			Delete(&model.Notification{}).Error; err != nil {
			return err
		}
		for _, p := range participants {
			if err := s.notify(ctx, tx, p.UserID, model.NotifySplitCancelled, eventID,
				"Split cancelled",
				fmt.Sprintf("%q was cancelled by its creator", event.Name)); err != nil {
				return err
			}
		}
		if err := tx.Where("split_event_id = ?", eventID).
			Delete(&model.SplitParticipant{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.SplitEvent{}, "id = ?", eventID).Error
	})
}

// Get returns the event with its participant rows, visible to the creator and
// to participants only.
func (s *SplitService) Get(ctx context.Context, userID uint64, eventID uuid.UUID) (*model.SplitEvent, []model.SplitParticipant, error) {
	var event model.SplitEvent
	if err := s.repo.DB(ctx).Where("id = ?", eventID).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrEventNotFound
		}
		return nil, nil, err
	}
	var participants []model.SplitParticipant
	if err := s.repo.DB(ctx).Where("split_event_id = ?", eventID).
		Order("created_at").Find(&participants).Error; err != nil {
		return nil, nil, err
	}
	allowed := false
	for _, p := range participants {
		if p.UserID == userID {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, nil, ErrNotParticipant
	}
	return &event, participants, nil
}

// ReminderSweep re-notifies stale pending participants, at most once per
// cooldown window each. Read-mostly and idempotent: running it twice in a row
// finds nothing to do the second time.
func (s *SplitService) ReminderSweep(ctx context.Context) (int, error) {
	now := time.Now()
	cutoff := now.Add(-s.cooldown)
	var stale []model.SplitParticipant
	err := s.repo.DB(ctx).
		Where("status = ? AND is_creator = ? AND created_at < ? AND (reminded_at IS NULL OR reminded_at < ?)",
			model.ParticipantPending, false, cutoff, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, p := range stale {
		p := p
		err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			var event model.SplitEvent
			if err := tx.Where("id = ?", p.SplitEventID).First(&event).Error; err != nil {
				return err
			}
			// reminded_at guard makes a concurrent second sweep a no-op
			res := tx.Model(&model.SplitParticipant{}).
				Where("id = ? AND (reminded_at IS NULL OR reminded_at < ?)", p.ID, cutoff).
				Update("reminded_at", now)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			sent++
			return s.notify(ctx, tx, p.UserID, model.NotifySplitReminder, p.SplitEventID,
				"Split still waiting",
				fmt.Sprintf("%q is waiting on your response (%s)", event.Name, p.OwedAmount.StringFixed(2)))
		})
		if err != nil {
			s.log.Errorf("reminder sweep participant %d: %v", p.ID, err)
		}
	}
	return sent, nil
}

func (s *SplitService) notify(ctx context.Context, tx *gorm.DB, userID uint64, notifyType string, eventID uuid.UUID, title, message string) error {
	id := eventID
	return s.repo.CreateNotification(ctx, tx, &model.Notification{
		UserID:       userID,
		Type:         notifyType,
		Title:        title,
		Message:      message,
		SplitEventID: &id,
	})
}
