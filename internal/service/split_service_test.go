package service

import (
	"context"
	"testing"
	"time"

	"github.com/evenup/split-settlement/internal/config"
	"github.com/evenup/split-settlement/internal/logger"
	"github.com/evenup/split-settlement/internal/model"
	"github.com/evenup/split-settlement/internal/policy"
	"github.com/evenup/split-settlement/internal/rail"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

// fakeBank implements rail.BankRail; every payment resolves to the configured
// status without leaving the process.
type fakeBank struct {
	status   rail.Status
	payments []decimal.Decimal
	refs     []string
}

func (f *fakeBank) CreateConsent(ctx context.Context, redirectURI string, maxAmount decimal.Decimal) (string, error) {
	return "consent-1", nil
}

func (f *fakeBank) CreatePayment(ctx context.Context, consentID string, amount decimal.Decimal, particulars, reference string) (string, error) {
	f.payments = append(f.payments, amount)
	f.refs = append(f.refs, reference)
	return "payment-1", nil
}

func (f *fakeBank) AwaitPayment(ctx context.Context, paymentID string, maxWait time.Duration) (rail.Result, error) {
	return rail.Result{Status: f.status, ID: paymentID}, nil
}

func (f *fakeBank) RevokeConsent(ctx context.Context, consentID string) error { return nil }

// fakeCard implements rail.CardRail.
type fakeCard struct {
	status  rail.Status
	charges []decimal.Decimal
}

func (f *fakeCard) CreateCustomer(ctx context.Context, userID uint64) (string, error) {
	return "cus-1", nil
}

func (f *fakeCard) CreateSetupIntent(ctx context.Context, customerID string) (string, error) {
	return "seti-1", nil
}

func (f *fakeCard) ChargeCard(ctx context.Context, customerID, paymentMethodID string, amount decimal.Decimal, reference string) (rail.Result, error) {
	f.charges = append(f.charges, amount)
	return rail.Result{Status: f.status, ID: "pi-1"}, nil
}

type splitFixture struct {
	splits *SplitService
	ledger *LedgerService
	bank   *fakeBank
	card   *fakeCard
	ctx    context.Context
}

func newSplitFixture(t *testing.T) *splitFixture {
	r := newTestRepo(t)
	log, _ := logger.NewLogger()
	bank := &fakeBank{status: rail.StatusSucceeded}
	card := &fakeCard{status: rail.StatusSucceeded}
	selector := rail.NewSelector(bank, card, config.RailsConfig{
		TimeoutSeconds: 1,
		AbsorbFees:     true,
		Bank:           config.RailConfig{FeePercent: 0.95},
		Card:           config.RailConfig{FeePercent: 2.9},
	}, log)
	ledger := NewLedgerService(r, testPolicy, testWithdrawal, log)
	splits := NewSplitService(r, ledger, selector, testPolicy, log)
	return &splitFixture{splits: splits, ledger: ledger, bank: bank, card: card, ctx: context.Background()}
}

func (f *splitFixture) fundWallet(t *testing.T, userID uint64, amount int64) {
	_, err := f.ledger.EnsureWallet(f.ctx, userID)
	assert.NoError(t, err)
	if amount > 0 {
		_, _, err = f.ledger.Deposit(f.ctx, userID, decimal.NewFromInt(amount), "test funds")
		assert.NoError(t, err)
	}
}

func (f *splitFixture) linkBank(t *testing.T, userID uint64) {
	consent := "consent-1"
	err := f.ledger.Repo().DB(f.ctx).Model(&model.Wallet{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"bank_linked": true, "bank_consent_id": consent}).Error
	assert.NoError(t, err)
}

func (f *splitFixture) balance(t *testing.T, userID uint64) decimal.Decimal {
	var w model.Wallet
	assert.NoError(t, f.ledger.Repo().DB(f.ctx).First(&w, "user_id = ?", userID).Error)
	return w.Balance
}

func (f *splitFixture) notificationCount(t *testing.T, eventID uuid.UUID, notifyType string) int64 {
	var count int64
	err := f.ledger.Repo().DB(f.ctx).Model(&model.Notification{}).
		Where("split_event_id = ? AND type = ?", eventID, notifyType).
		Count(&count).Error
	assert.NoError(t, err)
	return count
}

func (f *splitFixture) transactionCount(t *testing.T, userID uint64, eventID uuid.UUID) int64 {
	var count int64
	err := f.ledger.Repo().DB(f.ctx).Model(&model.Transaction{}).
		Where("user_id = ? AND split_event_id = ?", userID, eventID).
		Count(&count).Error
	assert.NoError(t, err)
	return count
}

const (
	creator = uint64(1)
	alice   = uint64(2)
	bob     = uint64(3)
)

func equalShares(users ...uint64) []ParticipantShare {
	out := make([]ParticipantShare, len(users))
	for i, u := range users {
		out[i] = ParticipantShare{UserID: u}
	}
	return out
}

func TestEqualSplit_FullLifecycle(t *testing.T) {
	f := newSplitFixture(t)
	f.fundWallet(t, creator, 0)
	f.fundWallet(t, alice, 50)
	f.fundWallet(t, bob, 30)

	event, err := f.splits.Create(f.ctx, creator, "dinner", decimal.NewFromInt(90), model.SplitTypeEqual, nil, equalShares(alice, bob))
	assert.NoError(t, err)

	// creator's row is paid at creation with no wallet effect
	_, participants, err := f.splits.Get(f.ctx, creator, event.ID)
	assert.NoError(t, err)
	assert.Len(t, participants, 3)
	for _, p := range participants {
		assert.True(t, p.OwedAmount.Equal(decimal.NewFromInt(30)))
		if p.IsCreator {
			assert.Equal(t, model.ParticipantPaid, p.Status)
		} else {
			assert.Equal(t, model.ParticipantPending, p.Status)
		}
	}
	assert.True(t, f.balance(t, creator).IsZero())
	assert.EqualValues(t, 2, f.notificationCount(t, event.ID, model.NotifySplitInvite))

	// paying from pending is forbidden
	assert.ErrorIs(t, f.splits.Pay(f.ctx, alice, event.ID), ErrInvalidTransition)

	// the creator cannot respond to their own split
	assert.ErrorIs(t, f.splits.Respond(f.ctx, creator, event.ID, true, nil), ErrInvalidTransition)

	assert.NoError(t, f.splits.Respond(f.ctx, alice, event.ID, true, nil))
	assert.NoError(t, f.splits.Respond(f.ctx, bob, event.ID, true, nil))
	assert.EqualValues(t, 2, f.notificationCount(t, event.ID, model.NotifySplitAccepted))

	assert.NoError(t, f.splits.Pay(f.ctx, alice, event.ID))
	assert.True(t, f.balance(t, alice).Equal(decimal.NewFromInt(20)))
	assert.True(t, f.balance(t, creator).Equal(decimal.NewFromInt(30)))
	assert.EqualValues(t, 0, f.notificationCount(t, event.ID, model.NotifySplitCompleted))

	assert.NoError(t, f.splits.Pay(f.ctx, bob, event.ID))
	assert.True(t, f.balance(t, bob).IsZero())
	assert.True(t, f.balance(t, creator).Equal(decimal.NewFromInt(60)))

	// one debit / one credit per payment, all tagged with the event
	assert.EqualValues(t, 1, f.transactionCount(t, alice, event.ID))
	assert.EqualValues(t, 1, f.transactionCount(t, bob, event.ID))
	assert.EqualValues(t, 2, f.transactionCount(t, creator, event.ID))

	// completion fired exactly once
	assert.EqualValues(t, 1, f.notificationCount(t, event.ID, model.NotifySplitCompleted))

	// re-paying a paid share is a no-op error with no extra transactions
	assert.ErrorIs(t, f.splits.Pay(f.ctx, bob, event.ID), ErrAlreadyPaid)
	assert.EqualValues(t, 1, f.transactionCount(t, bob, event.ID))
	assert.EqualValues(t, 2, f.transactionCount(t, creator, event.ID))
	assert.EqualValues(t, 1, f.notificationCount(t, event.ID, model.NotifySplitCompleted))
}

func TestCreate_RateLimited_NoRowPersisted(t *testing.T) {
	f := newSplitFixture(t)
	for i := 0; i < 5; i++ {
		_, err := f.splits.Create(f.ctx, creator, "lunch", decimal.NewFromInt(10), model.SplitTypeEqual, nil, equalShares(alice))
		assert.NoError(t, err)
	}
	_, err := f.splits.Create(f.ctx, creator, "lunch", decimal.NewFromInt(10), model.SplitTypeEqual, nil, equalShares(alice))
	var rl *policy.RateLimitedError
	assert.ErrorAs(t, err, &rl)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))

	var count int64
	f.ledger.Repo().DB(f.ctx).Model(&model.SplitEvent{}).Where("creator_id = ?", creator).Count(&count)
	assert.EqualValues(t, 5, count)
}

func TestPay_NoRailAvailable(t *testing.T) {
	f := newSplitFixture(t)
	f.fundWallet(t, creator, 0)
	f.fundWallet(t, alice, 10)

	event, err := f.splits.Create(f.ctx, creator, "tickets", decimal.NewFromInt(50), model.SplitTypeEqual, nil, equalShares(alice))
	assert.NoError(t, err)
	assert.NoError(t, f.splits.Respond(f.ctx, alice, event.ID, true, nil))

	// owes 25 with a 10 balance, no consent, no card
	err = f.splits.Pay(f.ctx, alice, event.ID)
	assert.ErrorIs(t, err, rail.ErrBankNotConnected)

	assert.True(t, f.balance(t, alice).Equal(decimal.NewFromInt(10)))
	_, participants, err := f.splits.Get(f.ctx, alice, event.ID)
	assert.NoError(t, err)
	for _, p := range participants {
		if p.UserID == alice {
			assert.Equal(t, model.ParticipantAccepted, p.Status)
		}
	}
	assert.EqualValues(t, 0, f.transactionCount(t, alice, event.ID))
}

func TestPay_BankRailCoversShortfall(t *testing.T) {
	f := newSplitFixture(t)
	f.fundWallet(t, creator, 0)
	f.fundWallet(t, alice, 10)
	f.linkBank(t, alice)

	event, err := f.splits.Create(f.ctx, creator, "rent", decimal.NewFromInt(50), model.SplitTypeEqual, nil, equalShares(alice))
	assert.NoError(t, err)
	assert.NoError(t, f.splits.Respond(f.ctx, alice, event.ID, true, nil))
	assert.NoError(t, f.splits.Pay(f.ctx, alice, event.ID))

	// bank was asked for the 15 shortfall only
	assert.Len(t, f.bank.payments, 1)
	assert.True(t, f.bank.payments[0].Equal(decimal.NewFromInt(15)))

	// wallet contributed its 10; the recipient got the full 25
	assert.True(t, f.balance(t, alice).IsZero())
	assert.True(t, f.balance(t, creator).Equal(decimal.NewFromInt(25)))
}

func TestPay_RailPending_LeavesStateUntouched(t *testing.T) {
	f := newSplitFixture(t)
	f.fundWallet(t, creator, 0)
	f.fundWallet(t, alice, 0)
	f.linkBank(t, alice)
	f.bank.status = rail.StatusPending

	event, err := f.splits.Create(f.ctx, creator, "trip", decimal.NewFromInt(40), model.SplitTypeEqual, nil, equalShares(alice))
	assert.NoError(t, err)
	assert.NoError(t, f.splits.Respond(f.ctx, alice, event.ID, true, nil))

	assert.ErrorIs(t, f.splits.Pay(f.ctx, alice, event.ID), rail.ErrPaymentPending)
	assert.True(t, f.balance(t, alice).IsZero())
	assert.True(t, f.balance(t, creator).IsZero())
	assert.EqualValues(t, 0, f.transactionCount(t, alice, event.ID))

	// the participant stays accepted, so a retry after confirmation works
	f.bank.status = rail.StatusSucceeded
	assert.NoError(t, f.splits.Pay(f.ctx, alice, event.ID))
	assert.True(t, f.balance(t, creator).Equal(decimal.NewFromInt(20)))

	// both attempts carried the same idempotency reference
	assert.Len(t, f.bank.refs, 2)
	assert.Equal(t, f.bank.refs[0], f.bank.refs[1])
}

func TestPay_RailDeclined(t *testing.T) {
	f := newSplitFixture(t)
	f.fundWallet(t, creator, 0)
	f.fundWallet(t, alice, 0)
	f.linkBank(t, alice)
	f.bank.status = rail.StatusFailed

	event, err := f.splits.Create(f.ctx, creator, "gift", decimal.NewFromInt(40), model.SplitTypeEqual, nil, equalShares(alice))
	assert.NoError(t, err)
	assert.NoError(t, f.splits.Respond(f.ctx, alice, event.ID, true, nil))

	assert.ErrorIs(t, f.splits.Pay(f.ctx, alice, event.ID), rail.ErrPaymentFailed)
	assert.EqualValues(t, 0, f.transactionCount(t, alice, event.ID))
}

func TestSpecifiedSplit_AmountMustBeSetBeforePay(t *testing.T) {
	f := newSplitFixture(t)
	f.fundWallet(t, creator, 0)
	f.fundWallet(t, alice, 100)

	shares := []ParticipantShare{{UserID: alice, Amount: decimal.Zero}}
	event, err := f.splits.Create(f.ctx, creator, "groceries", decimal.NewFromInt(80), model.SplitTypeSpecified, nil, shares)
	assert.NoError(t, err)

	// accepting without an amount leaves the share at zero
	assert.NoError(t, f.splits.Respond(f.ctx, alice, event.ID, true, nil))
	assert.ErrorIs(t, f.splits.Pay(f.ctx, alice, event.ID), ErrAmountNotSet)

	// a fresh event accepted with an amount settles normally
	event2, err := f.splits.Create(f.ctx, creator, "groceries 2", decimal.NewFromInt(80), model.SplitTypeSpecified, nil, shares)
	assert.NoError(t, err)
	amt := decimal.NewFromInt(40)
	assert.NoError(t, f.splits.Respond(f.ctx, alice, event2.ID, true, &amt))
	assert.NoError(t, f.splits.Pay(f.ctx, alice, event2.ID))
	assert.True(t, f.balance(t, creator).Equal(decimal.NewFromInt(40)))
}

func TestSpecifiedSplit_AmendAfterAccept(t *testing.T) {
	f := newSplitFixture(t)
	f.fundWallet(t, creator, 0)
	f.fundWallet(t, alice, 100)

	shares := []ParticipantShare{{UserID: alice, Amount: decimal.Zero}}
	event, err := f.splits.Create(f.ctx, creator, "dinner", decimal.NewFromInt(80), model.SplitTypeSpecified, nil, shares)
	assert.NoError(t, err)

	// accepting without an amount blocks paying but is not a dead end
	assert.NoError(t, f.splits.Respond(f.ctx, alice, event.ID, true, nil))
	assert.ErrorIs(t, f.splits.Pay(f.ctx, alice, event.ID), ErrAmountNotSet)

	// the share stays amendable after accept
	assert.NoError(t, f.splits.AmendAmount(f.ctx, alice, event.ID, decimal.NewFromInt(40)))
	assert.NoError(t, f.splits.Pay(f.ctx, alice, event.ID))
	assert.True(t, f.balance(t, creator).Equal(decimal.NewFromInt(40)))
	assert.True(t, f.balance(t, alice).Equal(decimal.NewFromInt(60)))

	// paid shares are immutable
	assert.ErrorIs(t, f.splits.AmendAmount(f.ctx, alice, event.ID, decimal.NewFromInt(10)), ErrAlreadyPaid)

	// outsiders cannot amend
	assert.ErrorIs(t, f.splits.AmendAmount(f.ctx, bob, event.ID, decimal.NewFromInt(10)), ErrNotParticipant)
}

func TestAmendAmount_EqualSplitRejected(t *testing.T) {
	f := newSplitFixture(t)
	event, err := f.splits.Create(f.ctx, creator, "taxi", decimal.NewFromInt(30), model.SplitTypeEqual, nil, equalShares(alice))
	assert.NoError(t, err)
	assert.ErrorIs(t, f.splits.AmendAmount(f.ctx, alice, event.ID, decimal.NewFromInt(5)), ErrAmountFixed)
}

func TestCreate_EqualShareRoundsToZero(t *testing.T) {
	f := newSplitFixture(t)
	// 0.01 across three heads rounds each share to 0.00
	_, err := f.splits.Create(f.ctx, creator, "penny", decimal.NewFromFloat(0.01), model.SplitTypeEqual, nil, equalShares(alice, bob))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	var count int64
	f.ledger.Repo().DB(f.ctx).Model(&model.SplitEvent{}).Where("creator_id = ?", creator).Count(&count)
	assert.EqualValues(t, 0, count)
}

func TestRespond_AmendAmountOnEqualSplitRejected(t *testing.T) {
	f := newSplitFixture(t)
	event, err := f.splits.Create(f.ctx, creator, "taxi", decimal.NewFromInt(30), model.SplitTypeEqual, nil, equalShares(alice))
	assert.NoError(t, err)
	amt := decimal.NewFromInt(5)
	assert.ErrorIs(t, f.splits.Respond(f.ctx, alice, event.ID, true, &amt), ErrAmountFixed)
}

func TestDecline_Reinvite_CooldownCycle(t *testing.T) {
	f := newSplitFixture(t)
	f.fundWallet(t, creator, 0)
	f.fundWallet(t, alice, 100)

	event, err := f.splits.Create(f.ctx, creator, "utilities", decimal.NewFromInt(60), model.SplitTypeEqual, nil, equalShares(alice))
	assert.NoError(t, err)

	assert.NoError(t, f.splits.Respond(f.ctx, alice, event.ID, false, nil))
	assert.EqualValues(t, 1, f.notificationCount(t, event.ID, model.NotifySplitDeclined))

	// declined participants cannot pay
	assert.ErrorIs(t, f.splits.Pay(f.ctx, alice, event.ID), ErrInvalidTransition)

	// only the creator can reinvite
	assert.ErrorIs(t, f.splits.Reinvite(f.ctx, alice, event.ID, alice), ErrNotCreator)

	// a fresh invite reopens the pending cycle
	assert.NoError(t, f.splits.Reinvite(f.ctx, creator, event.ID, alice))
	assert.EqualValues(t, 2, f.notificationCount(t, event.ID, model.NotifySplitInvite))

	// decline again, then the cooldown blocks an immediate re-ping
	assert.NoError(t, f.splits.Respond(f.ctx, alice, event.ID, false, nil))
	err = f.splits.Reinvite(f.ctx, creator, event.ID, alice)
	var rl *policy.RateLimitedError
	assert.ErrorAs(t, err, &rl)

	// reinviting someone who was never a participant is rejected
	assert.ErrorIs(t, f.splits.Reinvite(f.ctx, creator, event.ID, bob), ErrNotParticipant)
}

func TestCancel_RemovesRowsAndPendingNotifications(t *testing.T) {
	f := newSplitFixture(t)
	event, err := f.splits.Create(f.ctx, creator, "party", decimal.NewFromInt(90), model.SplitTypeEqual, nil, equalShares(alice, bob))
	assert.NoError(t, err)

	assert.ErrorIs(t, f.splits.Cancel(f.ctx, alice, event.ID), ErrNotCreator)
	assert.NoError(t, f.splits.Cancel(f.ctx, creator, event.ID))

	db := f.ledger.Repo().DB(f.ctx)
	var events, participants, invites, cancels int64
	db.Model(&model.SplitEvent{}).Where("id = ?", event.ID).Count(&events)
	db.Model(&model.SplitParticipant{}).Where("split_event_id = ?", event.ID).Count(&participants)
	db.Model(&model.Notification{}).Where("split_event_id = ? AND type = ?", event.ID, model.NotifySplitInvite).Count(&invites)
	db.Model(&model.Notification{}).Where("split_event_id = ? AND type = ?", event.ID, model.NotifySplitCancelled).Count(&cancels)
	assert.EqualValues(t, 0, events)
	assert.EqualValues(t, 0, participants)
	assert.EqualValues(t, 0, invites, "stale invites must disappear")
	assert.EqualValues(t, 2, cancels)

	assert.ErrorIs(t, f.splits.Pay(f.ctx, alice, event.ID), ErrEventNotFound)
}

func TestReminderSweep_OncePerCooldown(t *testing.T) {
	f := newSplitFixture(t)
	event, err := f.splits.Create(f.ctx, creator, "camping", decimal.NewFromInt(30), model.SplitTypeEqual, nil, equalShares(alice))
	assert.NoError(t, err)

	// nothing stale yet
	sent, err := f.splits.ReminderSweep(f.ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, sent)

	// age the pending row past the cooldown
	err = f.ledger.Repo().DB(f.ctx).Model(&model.SplitParticipant{}).
		Where("split_event_id = ? AND user_id = ?", event.ID, alice).
		Update("created_at", time.Now().Add(-25*time.Hour)).Error
	assert.NoError(t, err)

	sent, err = f.splits.ReminderSweep(f.ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.EqualValues(t, 1, f.notificationCount(t, event.ID, model.NotifySplitReminder))

	// running the sweep again inside the cooldown is a no-op
	sent, err = f.splits.ReminderSweep(f.ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.EqualValues(t, 1, f.notificationCount(t, event.ID, model.NotifySplitReminder))
}
