package markets

import (
	"errors"
	"fmt"
	"strings"

	"github.com/leafsii/lending-liquidator/internal/fixed"
	"github.com/leafsii/lending-liquidator/internal/onchain"
)

// Metadata is the static description of a deployed market, read from market.json.
type Metadata struct {
	Cluster   string            `json:"cluster"`
	ProgramID onchain.Address   `json:"address"`
	Market    MarketMetadata    `json:"market"`
	Reserves  []ReserveMetadata `json:"reserves"`
	// Obligations are watched with push subscriptions in addition to the periodic scan.
	Obligations []onchain.Address `json:"obligations,omitempty"`
}

type MarketMetadata struct {
	Market          onchain.Address `json:"market"`
	MarketAuthority onchain.Address `json:"marketAuthority"`
}

type ReserveMetadata struct {
	Name         string          `json:"name"`
	Abbrev       string          `json:"abbrev"`
	Decimals     uint8           `json:"decimals"`
	ReserveIndex int             `json:"reserveIndex"`
	Accounts     ReserveAccounts `json:"accounts"`
}

type ReserveAccounts struct {
	Reserve         onchain.Address `json:"reserve"`
	Vault           onchain.Address `json:"vault"`
	FeeNoteVault    onchain.Address `json:"feeNoteVault"`
	TokenMint       onchain.Address `json:"tokenMint"`
	DepositNoteMint onchain.Address `json:"depositNoteMint"`
	LoanNoteMint    onchain.Address `json:"loanNoteMint"`
	PythPrice       onchain.Address `json:"pythPrice"`
	PythProduct     onchain.Address `json:"pythProduct"`
	// DexMarket is the single swap market used to sell this reserve's collateral.
	// Zero when the reserve has none.
	DexMarket onchain.Address `json:"dexMarket"`
}

// Validate reports missing accounts, duplicate symbols or indexes, and decimals
// beyond what an Amount can hold.
func (m Metadata) Validate() error {
	var errs []error
	if m.ProgramID.IsZero() {
		errs = append(errs, errors.New("program address is required"))
	}
	if m.Market.Market.IsZero() {
		errs = append(errs, errors.New("market account is required"))
	}
	if len(m.Reserves) == 0 {
		errs = append(errs, errors.New("at least one reserve is required"))
	}

	symbols := make(map[string]struct{})
	indexes := make(map[int]struct{})
	for i, r := range m.Reserves {
		symbol := strings.ToUpper(r.Abbrev)
		if symbol == "" {
			errs = append(errs, fmt.Errorf("reserve %d: abbrev is required", i))
		}
		if _, dup := symbols[symbol]; dup {
			errs = append(errs, fmt.Errorf("reserve %d: duplicate symbol %s", i, symbol))
		}
		symbols[symbol] = struct{}{}

		if r.ReserveIndex < 0 || r.ReserveIndex >= onchain.MaxReserves {
			errs = append(errs, fmt.Errorf("reserve %s: index %d out of range", symbol, r.ReserveIndex))
		}
		if _, dup := indexes[r.ReserveIndex]; dup {
			errs = append(errs, fmt.Errorf("reserve %s: duplicate index %d", symbol, r.ReserveIndex))
		}
		indexes[r.ReserveIndex] = struct{}{}

		if r.Decimals > fixed.MaxDecimals {
			errs = append(errs, fmt.Errorf("reserve %s: %d decimals exceeds %d", symbol, r.Decimals, fixed.MaxDecimals))
		}
		a := r.Accounts
		required := map[string]onchain.Address{
			"reserve":         a.Reserve,
			"vault":           a.Vault,
			"tokenMint":       a.TokenMint,
			"depositNoteMint": a.DepositNoteMint,
			"loanNoteMint":    a.LoanNoteMint,
			"pythPrice":       a.PythPrice,
		}
		for _, name := range []string{"reserve", "vault", "tokenMint", "depositNoteMint", "loanNoteMint", "pythPrice"} {
			if required[name].IsZero() {
				errs = append(errs, fmt.Errorf("reserve %s: %s account is required", symbol, name))
			}
		}
	}
	return errors.Join(errs...)
}
