package fixed

import (
	"errors"
	"fmt"
)

var (
	ErrOverflow        = errors.New("fixed: arithmetic overflow")
	ErrDivisionByZero  = errors.New("fixed: division by zero")
	ErrDecimalMismatch = errors.New("fixed: decimal mismatch")
	ErrDecimalsRange   = errors.New("fixed: too many decimals")
)

// MismatchError reports an operation between amounts of different scale. It is a
// programming error and is never coerced.
type MismatchError struct {
	Op    string
	Left  uint8
	Right uint8
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("fixed: %s with %d and %d decimals", e.Op, e.Left, e.Right)
}

func (e *MismatchError) Unwrap() error { return ErrDecimalMismatch }

// IsArithmetic reports whether err is one of the arithmetic failures of this package.
func IsArithmetic(err error) bool {
	return errors.Is(err, ErrOverflow) || errors.Is(err, ErrDivisionByZero) ||
		errors.Is(err, ErrDecimalMismatch) || errors.Is(err, ErrDecimalsRange)
}
