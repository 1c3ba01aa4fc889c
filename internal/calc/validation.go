package calc

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ValidateOracleAge checks if oracle data is fresh enough
func ValidateOracleAge(publishTime, now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	age := now.Sub(publishTime)
	if age > maxAge {
		return fmt.Errorf("oracle data too stale: %v > %v", age, maxAge)
	}
	return nil
}

// ValidatePrice rejects prices a valuation cannot use.
func ValidatePrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("invalid price %s: must be positive", price)
	}
	return nil
}
