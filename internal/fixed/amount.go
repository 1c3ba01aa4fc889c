package fixed

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Amount is a token quantity held as a raw integer in the token's smallest unit
// together with the number of decimals the token uses. Values are immutable.
type Amount struct {
	raw      uint256.Int
	decimals uint8
}

// MaxDecimals bounds the decimal count so 10^decimals always fits in 256 bits.
const MaxDecimals = 38

// New builds an Amount from a raw integer. A nil raw is treated as zero.
func New(raw *uint256.Int, decimals uint8) Amount {
	a := Amount{decimals: decimals}
	if raw != nil {
		a.raw.Set(raw)
	}
	return a
}

func FromUint64(raw uint64, decimals uint8) Amount {
	a := Amount{decimals: decimals}
	a.raw.SetUint64(raw)
	return a
}

// FromBig converts a non-negative big.Int, reporting ErrOverflow when it does not fit.
func FromBig(raw *big.Int, decimals uint8) (Amount, error) {
	if raw.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: negative amount %s", ErrOverflow, raw)
	}
	v, overflow := uint256.FromBig(raw)
	if overflow {
		return Amount{}, fmt.Errorf("%w: %s exceeds 256 bits", ErrOverflow, raw)
	}
	return New(v, decimals), nil
}

func Zero(decimals uint8) Amount {
	return Amount{decimals: decimals}
}

func (a Amount) Decimals() uint8 { return a.decimals }

// Raw returns a copy of the raw integer.
func (a Amount) Raw() *uint256.Int {
	return a.raw.Clone()
}

func (a Amount) IsZero() bool { return a.raw.IsZero() }

// Uint64 returns the raw integer and whether it fit in 64 bits.
func (a Amount) Uint64() (uint64, bool) {
	return a.raw.Uint64(), a.raw.IsUint64()
}

func (a Amount) Cmp(b Amount) (int, error) {
	if err := a.sameScale(b, "cmp"); err != nil {
		return 0, err
	}
	return a.raw.Cmp(&b.raw), nil
}

func (a Amount) Add(b Amount) (Amount, error) {
	if err := a.sameScale(b, "add"); err != nil {
		return Amount{}, err
	}
	out := Amount{decimals: a.decimals}
	if _, overflow := out.raw.AddOverflow(&a.raw, &b.raw); overflow {
		return Amount{}, fmt.Errorf("%w: %s + %s", ErrOverflow, a, b)
	}
	return out, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	if err := a.sameScale(b, "sub"); err != nil {
		return Amount{}, err
	}
	out := Amount{decimals: a.decimals}
	if _, underflow := out.raw.SubOverflow(&a.raw, &b.raw); underflow {
		return Amount{}, fmt.Errorf("%w: %s - %s is negative", ErrOverflow, a, b)
	}
	return out, nil
}

// Mul multiplies two amounts as decimal numbers: (a.raw * b.raw) / 10^decimals.
func (a Amount) Mul(b Amount) (Amount, error) {
	if err := a.sameScale(b, "mul"); err != nil {
		return Amount{}, err
	}
	scale, err := pow10(a.decimals)
	if err != nil {
		return Amount{}, err
	}
	out := Amount{decimals: a.decimals}
	if _, overflow := out.raw.MulDivOverflow(&a.raw, &b.raw, scale); overflow {
		return Amount{}, fmt.Errorf("%w: %s * %s", ErrOverflow, a, b)
	}
	return out, nil
}

// Div divides two amounts as decimal numbers: (a.raw * 10^decimals) / b.raw, truncated.
func (a Amount) Div(b Amount) (Amount, error) {
	if err := a.sameScale(b, "div"); err != nil {
		return Amount{}, err
	}
	if b.raw.IsZero() {
		return Amount{}, fmt.Errorf("%w: %s / 0", ErrDivisionByZero, a)
	}
	scale, err := pow10(a.decimals)
	if err != nil {
		return Amount{}, err
	}
	out := Amount{decimals: a.decimals}
	if _, overflow := out.raw.MulDivOverflow(&a.raw, scale, &b.raw); overflow {
		return Amount{}, fmt.Errorf("%w: %s / %s", ErrOverflow, a, b)
	}
	return out, nil
}

// MulDiv scales the amount by num/den, truncating. The intermediate product is 512 bits
// wide so only the final result can overflow.
func (a Amount) MulDiv(num, den *uint256.Int) (Amount, error) {
	if den.IsZero() {
		return Amount{}, fmt.Errorf("%w: scale %s/0", ErrDivisionByZero, num.Dec())
	}
	out := Amount{decimals: a.decimals}
	if _, overflow := out.raw.MulDivOverflow(&a.raw, num, den); overflow {
		return Amount{}, fmt.Errorf("%w: %s * %s / %s", ErrOverflow, a, num.Dec(), den.Dec())
	}
	return out, nil
}

// Decimal returns the amount in underlying units as an exact decimal.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.raw.ToBig(), -int32(a.decimals))
}

// Float64 is lossy and only meant for rendering. Never feed the result back into
// amount arithmetic.
func (a Amount) Float64() float64 {
	f, _ := a.Decimal().Float64()
	return f
}

// String renders the amount in underlying units with every decimal digit, e.g.
// "12.500000" for 12.5 of a 6-decimal token.
func (a Amount) String() string {
	digits := a.raw.Dec()
	if a.decimals == 0 {
		return digits
	}
	d := int(a.decimals)
	if len(digits) <= d {
		digits = strings.Repeat("0", d-len(digits)+1) + digits
	}
	return digits[:len(digits)-d] + "." + digits[len(digits)-d:]
}

// Parse reads an underlying-unit decimal string. It accepts at most `decimals`
// fractional digits; anything finer would be silently truncated, so it is rejected.
func Parse(s string, decimals uint8) (Amount, error) {
	if decimals > MaxDecimals {
		return Amount{}, fmt.Errorf("%w: %d > %d", ErrDecimalsRange, decimals, MaxDecimals)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("fixed: empty amount")
	}
	whole, frac, hasPoint := strings.Cut(s, ".")
	if hasPoint && frac == "" && whole == "" {
		return Amount{}, fmt.Errorf("fixed: invalid amount %q", s)
	}
	if len(frac) > int(decimals) {
		return Amount{}, fmt.Errorf("fixed: %q has more than %d decimals", s, decimals)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	for _, c := range digits {
		if c < '0' || c > '9' {
			return Amount{}, fmt.Errorf("fixed: invalid amount %q", s)
		}
	}
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return Zero(decimals), nil
	}
	raw, err := uint256.FromDecimal(digits)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q: %v", ErrOverflow, s, err)
	}
	return New(raw, decimals), nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON reads the form MarshalJSON writes. The number of fractional digits
// sets the decimals.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("fixed: amount must be a string: %w", err)
	}
	_, frac, _ := strings.Cut(strings.TrimSpace(s), ".")
	if len(frac) > MaxDecimals {
		return fmt.Errorf("fixed: %q has more than %d decimals", s, MaxDecimals)
	}
	parsed, err := Parse(s, uint8(len(frac)))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Amount) sameScale(b Amount, op string) error {
	if a.decimals != b.decimals {
		return &MismatchError{Op: op, Left: a.decimals, Right: b.decimals}
	}
	return nil
}

var pow10Table = func() [MaxDecimals + 1]uint256.Int {
	var t [MaxDecimals + 1]uint256.Int
	t[0].SetOne()
	ten := uint256.NewInt(10)
	for i := 1; i <= MaxDecimals; i++ {
		t[i].Mul(&t[i-1], ten)
	}
	return t
}()

func pow10(decimals uint8) (*uint256.Int, error) {
	if int(decimals) > MaxDecimals {
		return nil, fmt.Errorf("%w: %d > %d", ErrDecimalsRange, decimals, MaxDecimals)
	}
	return &pow10Table[decimals], nil
}
