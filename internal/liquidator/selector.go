// Package liquidator finds obligations below the minimum collateral ratio and emits
// liquidation intents for them.
package liquidator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/leafsii/lending-liquidator/internal/accrual"
	"github.com/leafsii/lending-liquidator/internal/calc"
	"github.com/leafsii/lending-liquidator/internal/intents"
	"github.com/leafsii/lending-liquidator/internal/markets"
	"github.com/shopspring/decimal"
)

// ErrMultiHopUnsupported is returned for collateral reserves without a direct swap
// market into the loan token. Routing through intermediate markets is not attempted.
var ErrMultiHopUnsupported = errors.New("collateral reserve has no swap market; multi-hop liquidation is unsupported")

// SkipReason says why an obligation produced no intent.
type SkipReason string

const (
	SkipNoLoan       SkipReason = "no valued loan position"
	SkipNoCollateral SkipReason = "no valued collateral position"
	SkipHealthy      SkipReason = "healthy"
)

// Candidate is a position together with the reserve and value it was chosen by.
type Candidate struct {
	Position markets.Position
	Reserve  markets.Reserve
	Value    decimal.Decimal
}

// HighestValuePosition returns the most valuable position, valued at the exchange rate
// matching its kind. Positions whose reserve is unpriced or stale are passed over. A
// later position must be strictly more valuable to win, so equal values keep the
// first one and zero-value positions are never chosen.
func HighestValuePosition(snapshot *markets.Snapshot, positions []markets.Position, now time.Time) (Candidate, bool) {
	var best Candidate
	found := false
	highest := decimal.Zero
	for _, p := range positions {
		in, r, err := snapshot.ValuePosition(p)
		if err != nil {
			continue
		}
		if accrual.Freshness(r.AccruedUntil, now) == accrual.Stale {
			continue
		}
		v, err := calc.PositionValue(in)
		if err != nil {
			continue
		}
		if v.GreaterThan(highest) {
			best = Candidate{Position: p, Reserve: r, Value: v}
			highest = v
			found = true
		}
	}
	return best, found
}

type Selector struct {
	snapshot *markets.Snapshot
	now      func() time.Time
}

func NewSelector(snapshot *markets.Snapshot, now func() time.Time) *Selector {
	if now == nil {
		now = time.Now
	}
	return &Selector{snapshot: snapshot, now: now}
}

// Select decides whether o should be liquidated. It returns either an intent, a skip
// reason, or an error for obligations that cannot be valued or routed.
func (s *Selector) Select(o markets.Obligation) (intents.Intent, SkipReason, error) {
	now := s.now()

	loan, ok := HighestValuePosition(s.snapshot, o.Loans, now)
	if !ok {
		return intents.Intent{}, SkipNoLoan, nil
	}
	collateral, ok := HighestValuePosition(s.snapshot, o.Collateral, now)
	if !ok {
		return intents.Intent{}, SkipNoCollateral, nil
	}

	value, err := s.snapshot.Value(o)
	if err != nil {
		return intents.Intent{}, "", err
	}
	market := s.snapshot.Market()
	if calc.IsHealthy(value, market.MinCollateralRatio) {
		return intents.Intent{}, SkipHealthy, nil
	}

	dex := collateral.Reserve.Accounts.DexMarket
	if dex.IsZero() {
		return intents.Intent{}, "", fmt.Errorf("obligation %s collateral %s: %w", o.Address, collateral.Reserve.Symbol, ErrMultiHopUnsupported)
	}

	in := intents.Intent{
		ID:              uuid.NewString(),
		Program:         market.ProgramID,
		Market:          market.Address,
		MarketAuthority: market.Authority,
		Obligation:      o.Address,
		Owner:           o.Owner,
		Loan: intents.Leg{
			Symbol:   loan.Reserve.Symbol,
			Reserve:  loan.Reserve.Accounts.Reserve,
			Vault:    loan.Reserve.Accounts.Vault,
			NoteMint: loan.Reserve.Accounts.LoanNoteMint,
			Position: loan.Position.Account,
			Value:    loan.Value,
		},
		Collateral: intents.Leg{
			Symbol:   collateral.Reserve.Symbol,
			Reserve:  collateral.Reserve.Accounts.Reserve,
			Vault:    collateral.Reserve.Accounts.Vault,
			NoteMint: collateral.Reserve.Accounts.DepositNoteMint,
			Position: collateral.Position.Account,
			Value:    collateral.Value,
		},
		DexMarket:          dex,
		Side:               intents.Ask,
		Valuation:          value,
		MinCollateralRatio: market.MinCollateralRatio,
		CreatedAt:          now,
	}

	plan, err := calc.CalculateSwapPlan(value.Borrowed, value.Deposited, market.MinCollateralRatio,
		collateral.Reserve.LiquidationPremium, collateral.Reserve.Config.LiquidationSlippage)
	if err != nil {
		in.PlanError = err.Error()
	} else {
		in.Plan = &plan
	}
	return in, "", nil
}
