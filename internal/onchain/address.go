package onchain

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// Address is a 32-byte ledger account key, rendered in base58.
type Address [32]byte

func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(raw) != len(a) {
		return a, fmt.Errorf("invalid address %q: %d bytes, want %d", s, len(raw), len(a))
	}
	copy(a[:], raw)
	return a, nil
}

// MustParseAddress panics on malformed input; for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText accepts an empty string as the zero address.
func (a *Address) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
