package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

// ErrInvalidAmount means a non-positive amount was passed.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrInsufficientBalance means the wallet cannot cover the debit.
var ErrInsufficientBalance = errors.New("insufficient balance")

// LedgerService owns every balance mutation. Each operation runs as one
// database transaction around a lock-read / version-checked-write pair, with
// the audit row written in the same unit.
type LedgerService struct {
	repo       repo.RepositoryInterface
	limits     policy.Limits
	holdWindow time.Duration
	withdrawal config.WithdrawalConfig
	log        *zap.SugaredLogger
}

// NewLedgerService returns LedgerService.
func NewLedgerService(r repo.RepositoryInterface, pcfg config.PolicyConfig, wcfg config.WithdrawalConfig, logger *zap.SugaredLogger) *LedgerService {
	return &LedgerService{
		repo: r,
		limits: policy.Limits{
			SplitsPerHour:     pcfg.SplitsPerHour,
			SplitsPerDay:      pcfg.SplitsPerDay,
			WithdrawalsPerDay: pcfg.WithdrawalsPerDay,
		},
		holdWindow: pcfg.DepositHold(),
		withdrawal: wcfg,
		log:        logger,
	}
}

// EnsureWallet lazily creates the wallet row. Safe to call repeatedly.
func (s *LedgerService) EnsureWallet(ctx context.Context, userID uint64) (*model.Wallet, error) {
	var w model.Wallet
	err := s.repo.DB(ctx).
		Where(model.Wallet{UserID: userID}).
		Attrs(model.Wallet{Balance: decimal.Zero}).
		FirstOrCreate(&w).Error
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Deposit adds money. The wallet must already exist; handlers ensure-create
// before calling.
func (s *LedgerService) Deposit(ctx context.Context, userID uint64, amt decimal.Decimal, description string) (decimal.Decimal, uint64, error) {
	if amt.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, 0, ErrInvalidAmount
	}
	var finalBal decimal.Decimal
	var txID uint64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.repo.GetWalletForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		newBal := w.Balance.Add(amt)
		if err := s.repo.UpdateWalletBalance(ctx, tx, userID, newBal, w.Version); err != nil {
			return err
		}
		t := &model.Transaction{
			UserID: userID, Type: model.TxDeposit, Direction: model.DirectionIn,
			Amount: amt, BalanceBefore: w.Balance, BalanceAfter: newBal,
			Description: description,
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		n := &model.Notification{
			UserID: userID, Type: model.NotifyDeposit,
			Title:   "Deposit received",
			Message: fmt.Sprintf("%s was added to your wallet", amt.StringFixed(2)),
		}
		if err := s.repo.CreateNotification(ctx, tx, n); err != nil {
			return err
		}
		if err := s.repo.CacheBalance(ctx, userID, newBal); err != nil {
			s.log.Warn(err)
		}
		finalBal = newBal
		txID = t.ID
		return nil
	})
	if err != nil {
		return decimal.Zero, 0, err
	}
	return finalBal, txID, nil
}

// WithdrawalResult reports the outcome of a withdrawal.
type WithdrawalResult struct {
	NewBalance       decimal.Decimal
	TransactionID    uint64
	Fee              decimal.Decimal
	Net              decimal.Decimal
	EstimatedArrival time.Time
}

// Withdraw subtracts money after the abuse checks pass: the 24h withdrawal
// cap, the deposit-hold window, and the exact-decimal balance comparison.
// Held deposits block only their own amount; split_received credits are
// withdrawable immediately.
func (s *LedgerService) Withdraw(ctx context.Context, userID uint64, amt decimal.Decimal, withdrawType string) (WithdrawalResult, error) {
	if amt.LessThanOrEqual(decimal.Zero) {
		return WithdrawalResult{}, ErrInvalidAmount
	}
	now := time.Now()
	fee := amt.Mul(decimal.NewFromFloat(s.withdrawal.FeePercent)).Div(decimal.NewFromInt(100)).Round(2)
	net := amt.Sub(fee)
	arrival := now.Add(time.Duration(s.withdrawal.ArrivalHours) * time.Hour)

	var res WithdrawalResult
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		withdrawals, err := s.repo.WithdrawalTimes(ctx, tx, userID, now.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if err := policy.CheckWithdrawalCount(now, withdrawals, s.limits); err != nil {
			return err
		}

		w, err := s.repo.GetWalletForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if w.Balance.LessThan(amt) {
			return ErrInsufficientBalance
		}

		deposits, err := s.repo.HeldDeposits(ctx, tx, userID, now.Add(-s.holdWindow))
		if err != nil {
			return err
		}
		holds := make([]policy.Hold, len(deposits))
		for i, d := range deposits {
			holds[i] = policy.Hold{Amount: d.Amount, DepositedAt: d.CreatedAt}
		}
		if err := policy.CheckWithdrawalAmount(amt, w.Balance, holds, s.holdWindow, now); err != nil {
			return err
		}

		newBal := w.Balance.Sub(amt)
		if err := s.repo.UpdateWalletBalance(ctx, tx, userID, newBal, w.Version); err != nil {
			return err
		}
		meta, _ := json.Marshal(map[string]interface{}{
			"withdraw_type":     withdrawType,
			"fee":               fee.StringFixed(2),
			"net":               net.StringFixed(2),
			"estimated_arrival": arrival.Format(time.RFC3339),
		})
		t := &model.Transaction{
			UserID: userID, Type: model.TxWithdrawal, Direction: model.DirectionOut,
			Amount: amt, BalanceBefore: w.Balance, BalanceAfter: newBal,
			Description: "withdrawal to " + withdrawType,
			Metadata:    string(meta),
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		n := &model.Notification{
			UserID: userID, Type: model.NotifyWithdrawal,
			Title:   "Withdrawal on its way",
			Message: fmt.Sprintf("%s should arrive by %s", net.StringFixed(2), arrival.Format("Jan 2")),
		}
		if err := s.repo.CreateNotification(ctx, tx, n); err != nil {
			return err
		}
		if err := s.repo.CacheBalance(ctx, userID, newBal); err != nil {
			s.log.Warn(err)
		}
		res = WithdrawalResult{NewBalance: newBal, TransactionID: t.ID, Fee: fee, Net: net, EstimatedArrival: arrival}
		return nil
	})
	return res, err
}

// CreditRecipient increases another user's balance when a participant's
// payment settles. Same locking discipline as Deposit, but the credit is
// hold-exempt (type split_received).
func (s *LedgerService) CreditRecipient(ctx context.Context, userID uint64, amt decimal.Decimal, description string, eventID uuid.UUID) (decimal.Decimal, uint64, error) {
	if amt.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, 0, ErrInvalidAmount
	}
	var finalBal decimal.Decimal
	var txID uint64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, bal, err := s.creditRecipientTx(ctx, tx, userID, amt, description, eventID, "")
		if err != nil {
			return err
		}
		finalBal = bal
		txID = t.ID
		return nil
	})
	if err != nil {
		return decimal.Zero, 0, err
	}
	return finalBal, txID, nil
}

func (s *LedgerService) creditRecipientTx(ctx context.Context, tx *gorm.DB, userID uint64, amt decimal.Decimal, description string, eventID uuid.UUID, metadata string) (*model.Transaction, decimal.Decimal, error) {
	w, err := s.repo.GetWalletForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	newBal := w.Balance.Add(amt)
	if err := s.repo.UpdateWalletBalance(ctx, tx, userID, newBal, w.Version); err != nil {
		return nil, decimal.Zero, err
	}
	id := eventID
	t := &model.Transaction{
		UserID: userID, Type: model.TxSplitReceived, Direction: model.DirectionIn,
		Amount: amt, BalanceBefore: w.Balance, BalanceAfter: newBal,
		Description: description, SplitEventID: &id, Metadata: metadata,
	}
	if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
		return nil, decimal.Zero, err
	}
	if err := s.repo.CacheBalance(ctx, userID, newBal); err != nil {
		s.log.Warn(err)
	}
	return t, newBal, nil
}

// SettleSplit moves a participant's owed amount to the recipient inside the
// caller's transaction. The wallet covers amount minus the rail shortfall;
// the recipient is always credited the full owed amount. Wallets are locked
// in user-id order so two settlements can never deadlock each other.
func (s *LedgerService) SettleSplit(ctx context.Context, tx *gorm.DB, payerID, recipientID uint64, eventID uuid.UUID, amount decimal.Decimal, funding rail.Funding) error {
	contribution := amount.Sub(funding.Shortfall)
	if contribution.IsNegative() {
		return ErrInvalidAmount
	}

	firstID, secondID := payerID, recipientID
	if secondID < firstID {
		firstID, secondID = secondID, firstID
	}
	w1, err := s.repo.GetWalletForUpdate(ctx, tx, firstID)
	if err != nil {
		return err
	}
	w2, err := s.repo.GetWalletForUpdate(ctx, tx, secondID)
	if err != nil {
		return err
	}
	var wPayer, wRecipient *model.Wallet
	if firstID == payerID {
		wPayer, wRecipient = w1, w2
	} else {
		wPayer, wRecipient = w2, w1
	}

	// balance may have moved between rail selection and this lock
	if wPayer.Balance.LessThan(contribution) {
		return ErrInsufficientBalance
	}

	newPayer := wPayer.Balance.Sub(contribution)
	newRecipient := wRecipient.Balance.Add(amount)
	if err := s.repo.UpdateWalletBalance(ctx, tx, payerID, newPayer, wPayer.Version); err != nil {
		return err
	}
	if err := s.repo.UpdateWalletBalance(ctx, tx, recipientID, newRecipient, wRecipient.Version); err != nil {
		return err
	}

	id := eventID
	meta, _ := json.Marshal(map[string]interface{}{
		"rail":      funding.Rail,
		"shortfall": funding.Shortfall.StringFixed(2),
		"rail_ref":  funding.RailRef,
		"rail_fee":  funding.Fee.StringFixed(2),
	})
	debit := &model.Transaction{
		UserID: payerID, Type: model.TxSplitPayment, Direction: model.DirectionOut,
		Amount: amount, BalanceBefore: wPayer.Balance, BalanceAfter: newPayer,
		Description: "split payment", SplitEventID: &id, Metadata: string(meta),
	}
	if err := s.repo.CreateTransaction(ctx, tx, debit); err != nil {
		return err
	}
	credit := &model.Transaction{
		UserID: recipientID, Type: model.TxSplitReceived, Direction: model.DirectionIn,
		Amount: amount, BalanceBefore: wRecipient.Balance, BalanceAfter: newRecipient,
		Description: "split received", SplitEventID: &id, Metadata: string(meta),
	}
	if err := s.repo.CreateTransaction(ctx, tx, credit); err != nil {
		return err
	}

	if err := s.repo.CacheBalance(ctx, payerID, newPayer); err != nil {
		s.log.Warn(err)
	}
	if err := s.repo.CacheBalance(ctx, recipientID, newRecipient); err != nil {
		s.log.Warn(err)
	}
	return nil
}

// SetBankConsent records a freshly authorized direct-debit consent.
func (s *LedgerService) SetBankConsent(ctx context.Context, userID uint64, consentID string) error {
	res := s.repo.DB(ctx).Model(&model.Wallet{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"bank_linked": true, "bank_consent_id": consentID})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrWalletNotFound
	}
	return nil
}

// ClearBankConsent detaches the bank link and returns the consent id that was
// stored, so the caller can revoke it with the provider.
func (s *LedgerService) ClearBankConsent(ctx context.Context, userID uint64) (string, error) {
	var w model.Wallet
	if err := s.repo.DB(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", repo.ErrWalletNotFound
		}
		return "", err
	}
	consent := ""
	if w.BankConsentID != nil {
		consent = *w.BankConsentID
	}
	err := s.repo.DB(ctx).Model(&model.Wallet{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"bank_linked": false, "bank_consent_id": nil}).Error
	return consent, err
}

// SetCard records the card-rail customer and payment method for the wallet.
func (s *LedgerService) SetCard(ctx context.Context, userID uint64, customerID, paymentMethodID string) error {
	res := s.repo.DB(ctx).Model(&model.Wallet{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"card_customer_id": customerID, "card_payment_method_id": paymentMethodID})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrWalletNotFound
	}
	return nil
}

// Wallet fetches the wallet row without locking.
func (s *LedgerService) Wallet(ctx context.Context, userID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := s.repo.DB(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repo.ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// GetBalance returns current wallet balance, cache first.
func (s *LedgerService) GetBalance(ctx context.Context, userID uint64) (decimal.Decimal, error) {
	bal, err := s.repo.GetCachedBalance(ctx, userID)
	if err == nil {
		return bal, nil
	}
	var w model.Wallet
	if err := s.repo.DB(ctx).Where("user_id=?", userID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, repo.ErrWalletNotFound
		}
		return decimal.Zero, err
	}
	_ = s.repo.CacheBalance(ctx, userID, w.Balance)
	return w.Balance, nil
}

// WithdrawableBalance reports how much of the balance is past the hold.
func (s *LedgerService) WithdrawableBalance(ctx context.Context, userID uint64) (decimal.Decimal, error) {
	var w model.Wallet
	if err := s.repo.DB(ctx).Where("user_id=?", userID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, repo.ErrWalletNotFound
		}
		return decimal.Zero, err
	}
	now := time.Now()
	deposits, err := s.repo.HeldDeposits(ctx, s.repo.DB(ctx), userID, now.Add(-s.holdWindow))
	if err != nil {
		return decimal.Zero, err
	}
	holds := make([]policy.Hold, len(deposits))
	for i, d := range deposits {
		holds[i] = policy.Hold{Amount: d.Amount, DepositedAt: d.CreatedAt}
	}
	available, _ := policy.WithdrawableBalance(w.Balance, holds, s.holdWindow, now)
	return available, nil
}

// GetHistory fetches recent transactions.
func (s *LedgerService) GetHistory(ctx context.Context, userID uint64, limit int, since time.Time) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := s.repo.DB(ctx).
		Where("user_id=? AND created_at>=?", userID, since).
		Order("created_at asc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// Repo exposes underlying repository (unit tests helper).
func (s *LedgerService) Repo() repo.RepositoryInterface {
	return s.repo
}
