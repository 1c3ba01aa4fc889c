package calc

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BPS is the basis point denominator used by every rate and ratio in a reserve config.
const BPS = 10000

var (
	one      = decimal.NewFromInt(1)
	bpsScale = decimal.NewFromInt(BPS)
)

// ReserveConfig is the rate and risk configuration of one reserve. All rates and
// ratios are integer basis points.
type ReserveConfig struct {
	UtilizationRate1       uint16 `json:"utilizationRate1"`
	UtilizationRate2       uint16 `json:"utilizationRate2"`
	BorrowRate0            uint16 `json:"borrowRate0"`
	BorrowRate1            uint16 `json:"borrowRate1"`
	BorrowRate2            uint16 `json:"borrowRate2"`
	BorrowRate3            uint16 `json:"borrowRate3"`
	MinCollateralRatio     uint16 `json:"minCollateralRatio"`
	LiquidationPremium     uint16 `json:"liquidationPremium"`
	ManageFeeRate          uint16 `json:"manageFeeRate"`
	LoanOriginationFee     uint16 `json:"loanOriginationFee"`
	LiquidationSlippage    uint16 `json:"liquidationSlippage"`
	LiquidationDexTradeMax uint64 `json:"liquidationDexTradeMax"`
}

// Validate checks the curve shape: 0 < u1 < u2 < 100% and non-decreasing rates.
func (c ReserveConfig) Validate() error {
	if c.UtilizationRate1 == 0 || c.UtilizationRate1 >= c.UtilizationRate2 || c.UtilizationRate2 >= BPS {
		return fmt.Errorf("utilization breakpoints must satisfy 0 < %d < %d < %d",
			c.UtilizationRate1, c.UtilizationRate2, BPS)
	}
	if c.BorrowRate0 > c.BorrowRate1 || c.BorrowRate1 > c.BorrowRate2 || c.BorrowRate2 > c.BorrowRate3 {
		return fmt.Errorf("borrow rates must be non-decreasing: %d, %d, %d, %d",
			c.BorrowRate0, c.BorrowRate1, c.BorrowRate2, c.BorrowRate3)
	}
	if c.ManageFeeRate > BPS {
		return fmt.Errorf("manage fee rate %d exceeds 100%%", c.ManageFeeRate)
	}
	return nil
}

// FromBps converts integer basis points to a fraction.
func FromBps(v uint16) decimal.Decimal {
	return decimal.NewFromInt(int64(v)).Div(bpsScale)
}

// CCRate returns the annualized continuously-compounded borrow rate for utilization u
// by linear interpolation over the three curve segments. Breakpoints belong to the
// segment they start, which yields the same value as the segment they end.
func CCRate(cfg ReserveConfig, u decimal.Decimal) decimal.Decimal {
	u1 := FromBps(cfg.UtilizationRate1)
	u2 := FromBps(cfg.UtilizationRate2)
	r0 := FromBps(cfg.BorrowRate0)
	r1 := FromBps(cfg.BorrowRate1)
	r2 := FromBps(cfg.BorrowRate2)
	r3 := FromBps(cfg.BorrowRate3)

	switch {
	case !u.IsPositive():
		return r0
	case u.LessThan(u1):
		return interpolate(u, decimal.Zero, u1, r0, r1)
	case u.LessThan(u2):
		return interpolate(u, u1, u2, r1, r2)
	case u.LessThan(one):
		return interpolate(u, u2, one, r2, r3)
	default:
		return r3
	}
}

func interpolate(u, uStart, uEnd, rStart, rEnd decimal.Decimal) decimal.Decimal {
	// multiply before dividing so both segment ends are exact
	return rStart.Add(u.Sub(uStart).Mul(rEnd.Sub(rStart)).DivRound(uEnd.Sub(uStart), ratePrecision))
}

// BorrowRate is what borrowers pay: the curve rate net of the management fee.
func BorrowRate(ccRate decimal.Decimal, manageFeeRate uint16) decimal.Decimal {
	return ccRate.Mul(one.Sub(FromBps(manageFeeRate)))
}

// DepositRate is what depositors earn: only the utilized fraction of the reserve
// accrues interest, net of the management fee.
func DepositRate(ccRate, utilization decimal.Decimal, manageFeeRate uint16) decimal.Decimal {
	return ccRate.Mul(utilization).Mul(one.Sub(FromBps(manageFeeRate)))
}

// APY converts a continuously-compounded annual rate to its effective yearly yield.
func APY(rate decimal.Decimal) decimal.Decimal {
	return Exp(rate).Sub(one)
}
