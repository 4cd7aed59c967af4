package rail

import (
	"context"
	"fmt"
	"time"

	"github.com/evenup/split-settlement/internal/config"
	"github.com/evenup/split-settlement/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rail names recorded in transaction metadata.
const (
	RailWallet = "wallet"
	RailBank   = "bank"
	RailCard   = "card"
)

// Funding describes how a settlement was covered. Shortfall is the portion
// an external rail supplied; the wallet covers the rest. The provider fee
// never reduces the recipient's credit.
type Funding struct {
	Rail      string
	Shortfall decimal.Decimal
	RailRef   string
	Fee       decimal.Decimal
}

// Selector picks a rail in fixed priority (wallet, bank consent, saved card)
// and runs the external call. It never touches the database; the ledger
// mutation happens only after the rail reports explicit success.
type Selector struct {
	bank    BankRail
	card    CardRail
	timeout time.Duration
	bankFee decimal.Decimal
	cardFee decimal.Decimal
	absorb  bool
	log     *zap.SugaredLogger
}

func NewSelector(bank BankRail, card CardRail, cfg config.RailsConfig, log *zap.SugaredLogger) *Selector {
	return &Selector{
		bank:    bank,
		card:    card,
		timeout: cfg.Timeout(),
		bankFee: decimal.NewFromFloat(cfg.Bank.FeePercent),
		cardFee: decimal.NewFromFloat(cfg.Card.FeePercent),
		absorb:  cfg.AbsorbFees,
		log:     log,
	}
}

// Execute settles the owed amount against the payer's wallet. With enough
// balance no external call is made. Otherwise the shortfall is raised through
// the bank consent or the saved card; on timeout or decline the caller gets
// ErrPaymentPending/ErrPaymentFailed and must leave all state untouched.
func (s *Selector) Execute(ctx context.Context, w *model.Wallet, amount decimal.Decimal, reference string) (Funding, error) {
	if w.Balance.GreaterThanOrEqual(amount) {
		return Funding{Rail: RailWallet, Shortfall: decimal.Zero, Fee: decimal.Zero}, nil
	}

	shortfall := amount.Sub(w.Balance)

	if w.HasBankConsent() {
		return s.executeBank(ctx, w, shortfall, reference)
	}
	if w.HasCard() {
		return s.executeCard(ctx, w, shortfall, reference)
	}
	return Funding{}, ErrBankNotConnected
}

func (s *Selector) executeBank(ctx context.Context, w *model.Wallet, shortfall decimal.Decimal, reference string) (Funding, error) {
	fee := railFee(shortfall, s.bankFee)
	railAmount := shortfall
	if !s.absorb {
		// fee passed through: the payer's bank is debited for it, the
		// recipient's credit is never reduced
		railAmount = railAmount.Add(fee)
	}
	particulars := "split settlement"
	paymentID, err := s.bank.CreatePayment(ctx, *w.BankConsentID, railAmount, particulars, reference)
	if err != nil {
		return Funding{}, fmt.Errorf("bank rail: %w", err)
	}
	res, err := s.bank.AwaitPayment(ctx, paymentID, s.timeout)
	if err != nil {
		return Funding{}, fmt.Errorf("bank rail: %w", err)
	}
	switch res.Status {
	case StatusSucceeded:
		return Funding{Rail: RailBank, Shortfall: shortfall, RailRef: res.ID, Fee: fee}, nil
	case StatusPending:
		return Funding{}, ErrPaymentPending
	default:
		return Funding{}, ErrPaymentFailed
	}
}

func (s *Selector) executeCard(ctx context.Context, w *model.Wallet, shortfall decimal.Decimal, reference string) (Funding, error) {
	fee := railFee(shortfall, s.cardFee)
	railAmount := shortfall
	if !s.absorb {
		railAmount = railAmount.Add(fee)
	}
	res, err := s.card.ChargeCard(ctx, *w.CardCustomerID, *w.CardPaymentMethodID, railAmount, reference)
	if err != nil {
		return Funding{}, fmt.Errorf("card rail: %w", err)
	}
	switch res.Status {
	case StatusSucceeded:
		return Funding{Rail: RailCard, Shortfall: shortfall, RailRef: res.ID, Fee: fee}, nil
	case StatusPending:
		return Funding{}, ErrPaymentPending
	default:
		return Funding{}, ErrPaymentFailed
	}
}

// railFee is the provider charge on the rail amount. It is recorded in
// transaction metadata either way; AbsorbFees only decides who pays it.
func railFee(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(decimal.NewFromInt(100)).Round(2)
}
