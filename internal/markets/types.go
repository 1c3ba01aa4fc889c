package markets

import (
	"fmt"
	"strings"
	"time"

	"github.com/leafsii/lending-liquidator/internal/accrual"
	"github.com/leafsii/lending-liquidator/internal/calc"
	"github.com/leafsii/lending-liquidator/internal/fixed"
	"github.com/leafsii/lending-liquidator/internal/onchain"
	"github.com/shopspring/decimal"
)

// Market is the market-wide part of the snapshot.
type Market struct {
	Address   onchain.Address `json:"address"`
	Authority onchain.Address `json:"authority"`
	ProgramID onchain.Address `json:"programId"`
	// MinCollateralRatio comes from the most recently observed reserve config, in bps.
	MinCollateralRatio uint16    `json:"minCollateralRatio"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Reserve is the mirrored and derived state of one reserve. Readers always hold a copy.
type Reserve struct {
	Name     string             `json:"name"`
	Symbol   string             `json:"symbol"`
	Index    int                `json:"index"`
	Decimals uint8              `json:"decimals"`
	Accounts ReserveAccounts    `json:"accounts"`
	Config   calc.ReserveConfig `json:"config"`

	OutstandingDebt         fixed.Amount `json:"outstandingDebt"`
	AvailableLiquidity      fixed.Amount `json:"availableLiquidity"`
	TokenSupply             fixed.Amount `json:"tokenSupply"`
	DepositNoteSupply       fixed.Amount `json:"depositNoteSupply"`
	LoanNoteSupply          fixed.Amount `json:"loanNoteSupply"`
	DepositNoteExchangeRate uint64       `json:"depositNoteExchangeRate"`
	LoanNoteExchangeRate    uint64       `json:"loanNoteExchangeRate"`
	LiquidationPremium      uint16       `json:"liquidationPremium"`
	AccruedUntil            int64        `json:"accruedUntil"`

	Price     decimal.Decimal `json:"price"`
	PriceTime time.Time       `json:"priceTime"`
	HasPrice  bool            `json:"hasPrice"`

	MarketSize  fixed.Amount    `json:"marketSize"`
	Utilization decimal.Decimal `json:"utilizationRate"`
	CCRate      decimal.Decimal `json:"ccRate"`
	BorrowRate  decimal.Decimal `json:"borrowRate"`
	DepositRate decimal.Decimal `json:"depositRate"`
	Status      accrual.Status  `json:"status"`
	// ConfigLoaded is false until the first reserve account update arrives.
	ConfigLoaded bool      `json:"configLoaded"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func newReserve(meta ReserveMetadata) Reserve {
	d := meta.Decimals
	return Reserve{
		Name:               meta.Name,
		Symbol:             strings.ToUpper(meta.Abbrev),
		Index:              meta.ReserveIndex,
		Decimals:           d,
		Accounts:           meta.Accounts,
		OutstandingDebt:    fixed.Zero(d),
		AvailableLiquidity: fixed.Zero(d),
		TokenSupply:        fixed.Zero(d),
		DepositNoteSupply:  fixed.Zero(d),
		LoanNoteSupply:     fixed.Zero(d),
		MarketSize:         fixed.Zero(d),
	}
}

// Derive recomputes market size, utilization and the curve rates from the mirrored
// fields. It runs after every update that touches the reserve.
func (r *Reserve) Derive(now time.Time) error {
	size, err := calc.MarketSize(r.OutstandingDebt, r.AvailableLiquidity)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", r.Symbol, err)
	}
	r.MarketSize = size
	r.Utilization = calc.Utilization(r.OutstandingDebt, size)
	if r.ConfigLoaded {
		r.CCRate = calc.CCRate(r.Config, r.Utilization)
		r.BorrowRate = calc.BorrowRate(r.CCRate, r.Config.ManageFeeRate)
		r.DepositRate = calc.DepositRate(r.CCRate, r.Utilization, r.Config.ManageFeeRate)
	}
	r.Status = accrual.Freshness(r.AccruedUntil, now)
	r.UpdatedAt = now
	return nil
}

// Priced reports whether the reserve has a usable price.
func (r Reserve) Priced() bool {
	return r.HasPrice && r.Price.IsPositive()
}

// AccrualState is the view of the reserve the accrual engine steps.
func (r Reserve) AccrualState() accrual.State {
	return accrual.State{
		OutstandingDebt:         r.OutstandingDebt,
		AvailableLiquidity:      r.AvailableLiquidity,
		DepositNoteSupply:       r.DepositNoteSupply,
		LoanNoteSupply:          r.LoanNoteSupply,
		DepositNoteExchangeRate: r.DepositNoteExchangeRate,
		LoanNoteExchangeRate:    r.LoanNoteExchangeRate,
		AccruedUntil:            r.AccruedUntil,
	}
}

// RefreshAccounts names the accounts a refresh of this reserve touches.
func (r Reserve) RefreshAccounts(m Market) accrual.RefreshAccounts {
	return accrual.RefreshAccounts{
		Program:         m.ProgramID,
		Market:          m.Address,
		MarketAuthority: m.Authority,
		Reserve:         r.Accounts.Reserve,
		FeeNoteVault:    r.Accounts.FeeNoteVault,
		DepositNoteMint: r.Accounts.DepositNoteMint,
		PriceFeed:       r.Accounts.PythPrice,
	}
}

// PositionKind tells collateral and loan positions apart.
type PositionKind uint8

const (
	Collateral PositionKind = iota
	Loan
)

func (k PositionKind) String() string {
	switch k {
	case Collateral:
		return "collateral"
	case Loan:
		return "loan"
	default:
		return fmt.Sprintf("PositionKind(%d)", uint8(k))
	}
}

func (k PositionKind) MarshalText() ([]byte, error) {
	switch k {
	case Collateral, Loan:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("unknown position kind %d", uint8(k))
	}
}

func (k *PositionKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "collateral":
		*k = Collateral
	case "loan":
		*k = Loan
	default:
		return fmt.Errorf("unknown position kind %q", text)
	}
	return nil
}

// Position is one populated obligation slot.
type Position struct {
	Account      onchain.Address `json:"account"`
	ReserveIndex int             `json:"reserveIndex"`
	Kind         PositionKind    `json:"kind"`
	Notes        fixed.Amount    `json:"notes"`
}

// Obligation is a borrower's positions. It is rebuilt from the ledger on every scan
// and never persisted.
type Obligation struct {
	Address    onchain.Address `json:"address"`
	Owner      onchain.Address `json:"owner"`
	Collateral []Position      `json:"collateral"`
	Loans      []Position      `json:"loans"`
}

// HasReserve reports whether any position of o is in the reserve at index.
func (o Obligation) HasReserve(index int) bool {
	for _, p := range o.Collateral {
		if p.ReserveIndex == index {
			return true
		}
	}
	for _, p := range o.Loans {
		if p.ReserveIndex == index {
			return true
		}
	}
	return false
}
