package calc

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/leafsii/lending-liquidator/internal/fixed"
	"github.com/shopspring/decimal"
)

// ExchangeRateScale is the fixed-point precision of note exchange rates.
const ExchangeRateScale uint64 = 1_000_000_000_000_000

var exchangeRateScale = uint256.NewInt(ExchangeRateScale)

// MarketSize is everything the reserve is owed plus what it still holds.
func MarketSize(outstandingDebt, availableLiquidity fixed.Amount) (fixed.Amount, error) {
	size, err := outstandingDebt.Add(availableLiquidity)
	if err != nil {
		return fixed.Amount{}, fmt.Errorf("market size: %w", err)
	}
	return size, nil
}

// Utilization is outstanding debt over market size, zero for an empty reserve.
func Utilization(outstandingDebt, marketSize fixed.Amount) decimal.Decimal {
	if marketSize.IsZero() {
		return decimal.Zero
	}
	return outstandingDebt.Decimal().DivRound(marketSize.Decimal(), ratePrecision)
}

// NoteBalance converts a note amount to underlying tokens at a 10^15-scaled rate.
func NoteBalance(notes fixed.Amount, exchangeRate uint64) (fixed.Amount, error) {
	bal, err := notes.MulDiv(uint256.NewInt(exchangeRate), exchangeRateScale)
	if err != nil {
		return fixed.Amount{}, fmt.Errorf("note balance: %w", err)
	}
	return bal, nil
}

func DepositBalance(depositNotes fixed.Amount, depositNoteExchangeRate uint64) (fixed.Amount, error) {
	return NoteBalance(depositNotes, depositNoteExchangeRate)
}

func LoanBalance(loanNotes fixed.Amount, loanNoteExchangeRate uint64) (fixed.Amount, error) {
	return NoteBalance(loanNotes, loanNoteExchangeRate)
}

// CollateralBalance values collateral notes, which are deposit notes held by an
// obligation, so they use the deposit note rate.
func CollateralBalance(collateralNotes fixed.Amount, depositNoteExchangeRate uint64) (fixed.Amount, error) {
	return NoteBalance(collateralNotes, depositNoteExchangeRate)
}

// Value prices an underlying token balance.
func Value(balance fixed.Amount, price decimal.Decimal) decimal.Decimal {
	return balance.Decimal().Mul(price)
}

// PositionInput is one obligation position resolved against its reserve.
type PositionInput struct {
	Notes        fixed.Amount
	ExchangeRate uint64
	Price        decimal.Decimal
}

// PositionValue is notes × rate / 10^15 × price.
func PositionValue(p PositionInput) (decimal.Decimal, error) {
	bal, err := NoteBalance(p.Notes, p.ExchangeRate)
	if err != nil {
		return decimal.Zero, err
	}
	return Value(bal, p.Price), nil
}

// ObligationValue holds the derived valuation of one obligation.
type ObligationValue struct {
	Deposited       decimal.Decimal `json:"depositedValue"`
	Borrowed        decimal.Decimal `json:"borrowedValue"`
	CollateralRatio decimal.Decimal `json:"collateralRatio"`
	Utilization     decimal.Decimal `json:"utilizationRate"`
}

// ValueObligation sums collateral and loan values. Collateral inputs must carry the
// deposit note rate and loan inputs the loan note rate.
func ValueObligation(collateral, loans []PositionInput) (ObligationValue, error) {
	deposited := decimal.Zero
	for i, p := range collateral {
		v, err := PositionValue(p)
		if err != nil {
			return ObligationValue{}, fmt.Errorf("collateral position %d: %w", i, err)
		}
		deposited = deposited.Add(v)
	}

	borrowed := decimal.Zero
	for i, p := range loans {
		v, err := PositionValue(p)
		if err != nil {
			return ObligationValue{}, fmt.Errorf("loan position %d: %w", i, err)
		}
		borrowed = borrowed.Add(v)
	}

	return ObligationValue{
		Deposited:       deposited,
		Borrowed:        borrowed,
		CollateralRatio: CollateralRatio(deposited, borrowed),
		Utilization:     ObligationUtilization(deposited, borrowed),
	}, nil
}
