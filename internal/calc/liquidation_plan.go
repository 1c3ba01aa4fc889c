package calc

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotLiquidatable = errors.New("obligation is not below the minimum collateral ratio")
	ErrUnderwater      = errors.New("obligation is underwater; a collateral sale cannot restore it")
	ErrPlanBounds      = errors.New("liquidation fee plus slippage leaves no room to improve the collateral ratio")
)

// SwapPlan estimates the collateral sale that brings an obligation back to the
// minimum collateral ratio.
type SwapPlan struct {
	// SellableValue is the value of collateral that may be sold.
	SellableValue decimal.Decimal `json:"sellableValue"`
	// LoanRepayValue is the value repaid against the loan, smaller than
	// SellableValue by the liquidation fee and slippage.
	LoanRepayValue decimal.Decimal `json:"loanRepayValue"`
}

// CalculateSwapPlan mirrors the ledger program's plan for a DEX liquidation:
//
//	cRatioLTV      = minC × loan / collateral
//	loanRepayValue = (minC × loan − collateral) / (minC − fee − slippage − 1)
//	sellableValue  = loanRepayValue × (1 + fee + slippage)
func CalculateSwapPlan(loanValue, collateralValue decimal.Decimal, minCollateralRatio, liquidationPremium, slippage uint16) (SwapPlan, error) {
	if !collateralValue.IsPositive() {
		return SwapPlan{}, fmt.Errorf("%w: no collateral value", ErrUnderwater)
	}
	minC := FromBps(minCollateralRatio)
	feePlusSlippage := FromBps(liquidationPremium).Add(FromBps(slippage))

	cRatioLTV := minC.Mul(loanValue).DivRound(collateralValue, ratePrecision)
	if cRatioLTV.LessThanOrEqual(one) {
		return SwapPlan{}, ErrNotLiquidatable
	}
	if cRatioLTV.GreaterThan(minC) {
		return SwapPlan{}, fmt.Errorf("%w: loan %s exceeds collateral %s", ErrUnderwater, loanValue, collateralValue)
	}

	denominator := minC.Sub(feePlusSlippage).Sub(one)
	if !denominator.IsPositive() {
		return SwapPlan{}, fmt.Errorf("%w: min ratio %s, fee+slippage %s", ErrPlanBounds, minC, feePlusSlippage)
	}

	repay := minC.Mul(loanValue).Sub(collateralValue).DivRound(denominator, ratePrecision)
	return SwapPlan{
		SellableValue:  repay.Mul(one.Add(feePlusSlippage)),
		LoanRepayValue: repay,
	}, nil
}
