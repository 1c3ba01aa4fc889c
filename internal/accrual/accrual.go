// Package accrual steps reserve interest forward in bounded windows and drives the
// ledger's refresh instruction for reserves that have fallen behind.
package accrual

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/leafsii/lending-liquidator/internal/calc"
	"github.com/leafsii/lending-liquidator/internal/fixed"
	"github.com/shopspring/decimal"
)

const (
	// MaxAccrualSeconds is the longest interval one refresh may accrue.
	MaxAccrualSeconds int64 = 7 * 24 * 60 * 60
	SecondsPerYear    int64 = 365 * 24 * 60 * 60

	exponentPrecision = 40

	// MaxProjectedWindows bounds how far Project will step a reserve locally.
	MaxProjectedWindows = 52
)

var (
	ErrWindowExceeded     = errors.New("accrual step exceeds the maximum accrual window")
	ErrNonPositiveElapsed = errors.New("accrual step must cover a positive number of seconds")
	ErrProjectionTooFar   = errors.New("reserve is too far behind to project locally")
)

// Status is the accrual freshness of a reserve.
type Status uint8

const (
	Fresh Status = iota
	Stale
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case Fresh, Stale:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown accrual status %d", uint8(s))
	}
}

// Freshness classifies a reserve: stale once more than one full window has passed
// since it last accrued.
func Freshness(accruedUntil int64, now time.Time) Status {
	if now.Unix()-accruedUntil > MaxAccrualSeconds {
		return Stale
	}
	return Fresh
}

// State is the part of a reserve that accrual moves forward.
type State struct {
	OutstandingDebt         fixed.Amount
	AvailableLiquidity      fixed.Amount
	DepositNoteSupply       fixed.Amount
	LoanNoteSupply          fixed.Amount
	DepositNoteExchangeRate uint64
	LoanNoteExchangeRate    uint64
	AccruedUntil            int64
}

// Step accrues seconds of interest at the curve's borrow rate for the current
// utilization. seconds must lie in (0, MaxAccrualSeconds].
func Step(s State, cfg calc.ReserveConfig, seconds int64) (State, error) {
	if seconds <= 0 {
		return State{}, fmt.Errorf("%w: %d", ErrNonPositiveElapsed, seconds)
	}
	if seconds > MaxAccrualSeconds {
		return State{}, fmt.Errorf("%w: %d > %d", ErrWindowExceeded, seconds, MaxAccrualSeconds)
	}

	size, err := calc.MarketSize(s.OutstandingDebt, s.AvailableLiquidity)
	if err != nil {
		return State{}, err
	}
	utilization := calc.Utilization(s.OutstandingDebt, size)
	rate := calc.BorrowRate(calc.CCRate(cfg, utilization), cfg.ManageFeeRate)

	exponent := rate.Mul(decimal.NewFromInt(seconds)).DivRound(decimal.NewFromInt(SecondsPerYear), exponentPrecision)
	growth := calc.Exp(exponent)
	debt, err := scaleRaw(s.OutstandingDebt, growth)
	if err != nil {
		return State{}, fmt.Errorf("accrue debt: %w", err)
	}

	next := s
	next.OutstandingDebt = debt
	next.AccruedUntil = s.AccruedUntil + seconds

	next.LoanNoteExchangeRate, err = exchangeRate(debt, s.LoanNoteSupply, s.LoanNoteExchangeRate)
	if err != nil {
		return State{}, fmt.Errorf("loan note rate: %w", err)
	}

	deposited, err := s.AvailableLiquidity.Add(debt)
	if err != nil {
		return State{}, fmt.Errorf("deposited value: %w", err)
	}
	next.DepositNoteExchangeRate, err = exchangeRate(deposited, s.DepositNoteSupply, s.DepositNoteExchangeRate)
	if err != nil {
		return State{}, fmt.Errorf("deposit note rate: %w", err)
	}

	return next, nil
}

// scaleRaw multiplies the raw amount by factor, truncating toward zero.
func scaleRaw(a fixed.Amount, factor decimal.Decimal) (fixed.Amount, error) {
	raw := decimal.NewFromBigInt(a.Raw().ToBig(), 0).Mul(factor).Truncate(0)
	return fixed.FromBig(raw.BigInt(), a.Decimals())
}

// exchangeRate is value × 10^15 / supply. The rate never moves below prev, and a
// reserve with no notes outstanding keeps prev.
func exchangeRate(value, supply fixed.Amount, prev uint64) (uint64, error) {
	if supply.IsZero() {
		return prev, nil
	}
	scaled, overflow := new(uint256.Int).MulOverflow(value.Raw(), uint256.NewInt(calc.ExchangeRateScale))
	if overflow {
		return 0, fmt.Errorf("%w: %s × 10^15", fixed.ErrOverflow, value)
	}
	rate := scaled.Div(scaled, supply.Raw())
	if !rate.IsUint64() {
		return 0, fmt.Errorf("%w: exchange rate %s exceeds 64 bits", fixed.ErrOverflow, rate)
	}
	if r := rate.Uint64(); r > prev {
		return r, nil
	}
	return prev, nil
}

// Plan lists the accruedUntil value after each full-window refresh needed to bring a
// reserve within one window of now. An uninitialized reserve (accruedUntil 0) needs none.
func Plan(accruedUntil int64, now time.Time) []int64 {
	if accruedUntil <= 0 {
		return nil
	}
	var steps []int64
	for at := accruedUntil; at+MaxAccrualSeconds < now.Unix(); at += MaxAccrualSeconds {
		steps = append(steps, at+MaxAccrualSeconds)
	}
	return steps
}

// Project steps the state to now locally, in full windows and one final partial
// step. The result is for display; the ledger remains the source of truth.
func Project(s State, cfg calc.ReserveConfig, now time.Time) (State, error) {
	if s.AccruedUntil > 0 && now.Unix()-s.AccruedUntil > MaxProjectedWindows*MaxAccrualSeconds {
		return State{}, fmt.Errorf("%w: accrued until %d", ErrProjectionTooFar, s.AccruedUntil)
	}
	for s.AccruedUntil > 0 && s.AccruedUntil < now.Unix() {
		seconds := now.Unix() - s.AccruedUntil
		if seconds > MaxAccrualSeconds {
			seconds = MaxAccrualSeconds
		}
		next, err := Step(s, cfg, seconds)
		if err != nil {
			return State{}, err
		}
		s = next
	}
	return s, nil
}
