package calc

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CollateralRatio calculates CR = deposited / borrowed, zero when nothing is borrowed.
func CollateralRatio(depositedValue, borrowedValue decimal.Decimal) decimal.Decimal {
	if !borrowedValue.IsPositive() {
		return decimal.Zero
	}
	return depositedValue.DivRound(borrowedValue, ratePrecision)
}

// ObligationUtilization is borrowed / deposited, zero when nothing is deposited.
func ObligationUtilization(depositedValue, borrowedValue decimal.Decimal) decimal.Decimal {
	if !depositedValue.IsPositive() {
		return decimal.Zero
	}
	return borrowedValue.DivRound(depositedValue, ratePrecision)
}

// IsHealthy reports whether an obligation meets the minimum collateral ratio. Exactly
// at the minimum is healthy, and an obligation without loans is always healthy.
func IsHealthy(v ObligationValue, minCollateralRatioBps uint16) bool {
	if !v.Borrowed.IsPositive() {
		return true
	}
	return !v.CollateralRatio.LessThan(FromBps(minCollateralRatioBps))
}

// ValidateCRConstraint returns an error describing a breach of the minimum ratio.
func ValidateCRConstraint(v ObligationValue, minCollateralRatioBps uint16) error {
	if IsHealthy(v, minCollateralRatioBps) {
		return nil
	}
	return fmt.Errorf("collateral ratio %s below minimum %s",
		v.CollateralRatio.StringFixed(4), FromBps(minCollateralRatioBps).StringFixed(4))
}
