package calc

import "github.com/shopspring/decimal"

const (
	ratePrecision = 24
	expPrecision  = 40
	expMaxTerms   = 200
)

var two = decimal.NewFromInt(2)

// Exp computes e^x with a Taylor series evaluated at expPrecision digits. Arguments
// above 1 in magnitude are halved first and the result squared back, which keeps the
// series short for any rate the curve can produce.
func Exp(x decimal.Decimal) decimal.Decimal {
	if x.IsZero() {
		return one
	}

	halvings := 0
	for x.Abs().GreaterThan(one) {
		x = x.DivRound(two, expPrecision)
		halvings++
	}

	sum := one
	term := one
	for n := int64(1); n <= expMaxTerms; n++ {
		term = term.Mul(x).DivRound(decimal.NewFromInt(n), expPrecision)
		if term.IsZero() {
			break
		}
		sum = sum.Add(term)
	}

	for ; halvings > 0; halvings-- {
		sum = sum.Mul(sum).Round(expPrecision)
	}
	return sum
}
