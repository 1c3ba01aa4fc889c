// Package intents carries liquidation intents from the selector to whatever turns
// them into ledger transactions.
package intents

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leafsii/lending-liquidator/internal/accrual"
	"github.com/leafsii/lending-liquidator/internal/calc"
	"github.com/leafsii/lending-liquidator/internal/onchain"
	"github.com/shopspring/decimal"
)

// Side is the order side used when selling collateral on the swap market.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return fmt.Sprintf("Side(%d)", uint8(s))
	}
}

func (s Side) MarshalText() ([]byte, error) {
	switch s {
	case Bid, Ask:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown side %d", uint8(s))
	}
}

func (s *Side) UnmarshalText(text []byte) error {
	switch string(text) {
	case "bid":
		*s = Bid
	case "ask":
		*s = Ask
	default:
		return fmt.Errorf("unknown side %q", text)
	}
	return nil
}

// Leg is one side of a liquidation: the reserve and the obligation's note account in it.
type Leg struct {
	Symbol   string          `json:"symbol"`
	Reserve  onchain.Address `json:"reserve"`
	Vault    onchain.Address `json:"vault"`
	NoteMint onchain.Address `json:"noteMint"`
	Position onchain.Address `json:"position"`
	Value    decimal.Decimal `json:"value"`
}

// Intent asks the execution side to liquidate one obligation by selling collateral
// from Collateral to repay debt in Loan.
type Intent struct {
	ID              string          `json:"id"`
	Program         onchain.Address `json:"program"`
	Market          onchain.Address `json:"market"`
	MarketAuthority onchain.Address `json:"marketAuthority"`
	Obligation      onchain.Address `json:"obligation"`
	Owner           onchain.Address `json:"owner"`

	Loan       Leg             `json:"loan"`
	Collateral Leg             `json:"collateral"`
	DexMarket  onchain.Address `json:"dexMarket"`
	Side       Side            `json:"side"`

	Valuation          calc.ObligationValue `json:"valuation"`
	MinCollateralRatio uint16               `json:"minCollateralRatio"`
	// Plan is nil when the sale cannot restore the ratio; PlanError says why.
	Plan      *calc.SwapPlan `json:"plan,omitempty"`
	PlanError string         `json:"planError,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Instruction is the liquidateDex call for this intent.
func (in Intent) Instruction() onchain.Instruction {
	return onchain.Instruction{
		Program: in.Program,
		Name:    "liquidateDex",
		Accounts: []onchain.AccountMeta{
			{Name: "market", Address: in.Market, IsWritable: true},
			{Name: "marketAuthority", Address: in.MarketAuthority},
			{Name: "obligation", Address: in.Obligation, IsWritable: true},
			{Name: "owner", Address: in.Owner},
			{Name: "loanReserve", Address: in.Loan.Reserve, IsWritable: true},
			{Name: "loanReserveVault", Address: in.Loan.Vault, IsWritable: true},
			{Name: "loanNoteMint", Address: in.Loan.NoteMint, IsWritable: true},
			{Name: "loanAccount", Address: in.Loan.Position, IsWritable: true},
			{Name: "collateralReserve", Address: in.Collateral.Reserve, IsWritable: true},
			{Name: "collateralReserveVault", Address: in.Collateral.Vault, IsWritable: true},
			{Name: "depositNoteMint", Address: in.Collateral.NoteMint, IsWritable: true},
			{Name: "collateralAccount", Address: in.Collateral.Position, IsWritable: true},
			{Name: "dexMarket", Address: in.DexMarket, IsWritable: true},
			{Name: "tokenProgram", Address: accrual.TokenProgram},
		},
		Args: map[string]any{"side": in.Side.String()},
	}
}

// Marshal encodes the intent as JSON.
func (in Intent) Marshal() ([]byte, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal intent %s: %w", in.ID, err)
	}
	return data, nil
}
