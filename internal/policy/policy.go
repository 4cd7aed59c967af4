// Package policy holds the rate/abuse checks guarding split creation and
// withdrawals. Every function is a pure evaluation over rows the caller
// fetched; no counter state is kept anywhere, so there is nothing to drift.
package policy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Limits are the configured caps. The hourly split cap is expected to be
// stricter than the daily one.
type Limits struct {
	SplitsPerHour     int
	SplitsPerDay      int
	WithdrawalsPerDay int
}

// RateLimitedError is returned when a cap is met. RetryAfter tells the caller
// exactly how long until the oldest in-window event ages out.
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s cap reached, retry in %s", e.Scope, e.RetryAfter.Round(time.Second))
}

// HeldFundsError is returned when a withdrawal would dip into deposits still
// inside the hold window.
type HeldFundsError struct {
	Available  decimal.Decimal
	Held       decimal.Decimal
	ReleasesAt time.Time
}

func (e *HeldFundsError) Error() string {
	return fmt.Sprintf("funds on hold: %s available now, %s held until %s",
		e.Available.StringFixed(2), e.Held.StringFixed(2), e.ReleasesAt.Format(time.RFC3339))
}

// CheckSplitCreation evaluates the creation throttle against the creator's
// split timestamps from the trailing 24 hours.
func CheckSplitCreation(now time.Time, created []time.Time, l Limits) error {
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	var hourCount, dayCount int
	var oldestHour, oldestDay time.Time
	for _, ts := range created {
		if ts.After(dayAgo) {
			dayCount++
			if oldestDay.IsZero() || ts.Before(oldestDay) {
				oldestDay = ts
			}
		}
		if ts.After(hourAgo) {
			hourCount++
			if oldestHour.IsZero() || ts.Before(oldestHour) {
				oldestHour = ts
			}
		}
	}

	if l.SplitsPerHour > 0 && hourCount >= l.SplitsPerHour {
		return &RateLimitedError{Scope: "split creation (hourly)", RetryAfter: oldestHour.Add(time.Hour).Sub(now)}
	}
	if l.SplitsPerDay > 0 && dayCount >= l.SplitsPerDay {
		return &RateLimitedError{Scope: "split creation (daily)", RetryAfter: oldestDay.Add(24 * time.Hour).Sub(now)}
	}
	return nil
}

// CheckWithdrawalCount evaluates the withdrawal cap against the user's
// withdrawal timestamps from the trailing 24 hours.
func CheckWithdrawalCount(now time.Time, withdrawals []time.Time, l Limits) error {
	dayAgo := now.Add(-24 * time.Hour)
	var count int
	var oldest time.Time
	for _, ts := range withdrawals {
		if ts.After(dayAgo) {
			count++
			if oldest.IsZero() || ts.Before(oldest) {
				oldest = ts
			}
		}
	}
	if l.WithdrawalsPerDay > 0 && count >= l.WithdrawalsPerDay {
		return &RateLimitedError{Scope: "withdrawals", RetryAfter: oldest.Add(24 * time.Hour).Sub(now)}
	}
	return nil
}

// Hold is a deposit still inside the hold window.
type Hold struct {
	Amount      decimal.Decimal
	DepositedAt time.Time
}

// WithdrawableBalance subtracts held deposit amounts from the balance. Funds
// credited through split settlement never appear in holds, so they are
// withdrawable immediately. The returned time is when the earliest held
// deposit matures (zero if nothing is held).
func WithdrawableBalance(balance decimal.Decimal, holds []Hold, window time.Duration, now time.Time) (decimal.Decimal, time.Time) {
	held := decimal.Zero
	var releasesAt time.Time
	cutoff := now.Add(-window)
	for _, h := range holds {
		if h.DepositedAt.After(cutoff) {
			held = held.Add(h.Amount)
			r := h.DepositedAt.Add(window)
			if releasesAt.IsZero() || r.Before(releasesAt) {
				releasesAt = r
			}
		}
	}
	available := balance.Sub(held)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return available, releasesAt
}

// CheckWithdrawalAmount verifies the requested amount fits inside the
// withdrawable portion of the balance.
func CheckWithdrawalAmount(amount, balance decimal.Decimal, holds []Hold, window time.Duration, now time.Time) error {
	available, releasesAt := WithdrawableBalance(balance, holds, window, now)
	if amount.GreaterThan(available) && amount.LessThanOrEqual(balance) {
		return &HeldFundsError{Available: available, Held: balance.Sub(available), ReleasesAt: releasesAt}
	}
	return nil
}
