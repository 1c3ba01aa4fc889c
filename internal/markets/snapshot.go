package markets

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/leafsii/lending-liquidator/internal/calc"
	"github.com/leafsii/lending-liquidator/internal/fixed"
	"github.com/leafsii/lending-liquidator/internal/onchain"
)

var (
	ErrUnknownReserve = errors.New("unknown reserve")
	ErrNoPrice        = errors.New("reserve has no price")
	ErrStalePrice     = errors.New("reserve price is too old")
)

type entry struct {
	mu      sync.RWMutex
	reserve Reserve
}

// Snapshot is the in-memory mirror of one market. Each reserve has its own lock so a
// reader never sees a reserve half way through an update; the map-level lock guards
// the market fields.
type Snapshot struct {
	mu     sync.RWMutex
	market Market

	order     []*entry
	bySymbol  map[string]*entry
	byIndex   map[int]*entry
	byAddress map[onchain.Address]*entry

	maxPriceAge time.Duration
	now         func() time.Time
}

type SnapshotOption func(*Snapshot)

// WithMaxPriceAge makes positions on reserves whose price was published longer ago
// than d fail valuation. Zero, the default, accepts any age.
func WithMaxPriceAge(d time.Duration) SnapshotOption {
	return func(s *Snapshot) { s.maxPriceAge = d }
}

func WithClock(now func() time.Time) SnapshotOption {
	return func(s *Snapshot) { s.now = now }
}

// NewSnapshot creates an empty snapshot for the reserves listed in metadata.
func NewSnapshot(meta Metadata, opts ...SnapshotOption) (*Snapshot, error) {
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market metadata: %w", err)
	}

	s := &Snapshot{
		market: Market{
			Address:   meta.Market.Market,
			Authority: meta.Market.MarketAuthority,
			ProgramID: meta.ProgramID,
		},
		bySymbol:  make(map[string]*entry, len(meta.Reserves)),
		byIndex:   make(map[int]*entry, len(meta.Reserves)),
		byAddress: make(map[onchain.Address]*entry, len(meta.Reserves)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, rm := range meta.Reserves {
		e := &entry{reserve: newReserve(rm)}
		s.order = append(s.order, e)
		s.bySymbol[e.reserve.Symbol] = e
		s.byIndex[e.reserve.Index] = e
		s.byAddress[e.reserve.Accounts.Reserve] = e
	}
	return s, nil
}

func (s *Snapshot) Market() Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.market
}

// SetMinCollateralRatio records the ratio from the latest reserve config seen.
func (s *Snapshot) SetMinCollateralRatio(bps uint16, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.market.MinCollateralRatio = bps
	s.market.UpdatedAt = now
}

func (s *Snapshot) lookup(symbol string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.bySymbol[strings.ToUpper(symbol)]
	return e, ok
}

func (e *entry) get() Reserve {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reserve
}

func (s *Snapshot) Reserve(symbol string) (Reserve, bool) {
	e, ok := s.lookup(symbol)
	if !ok {
		return Reserve{}, false
	}
	return e.get(), true
}

func (s *Snapshot) ReserveByIndex(index int) (Reserve, bool) {
	s.mu.RLock()
	e, ok := s.byIndex[index]
	s.mu.RUnlock()
	if !ok {
		return Reserve{}, false
	}
	return e.get(), true
}

func (s *Snapshot) ReserveByAddress(addr onchain.Address) (Reserve, bool) {
	s.mu.RLock()
	e, ok := s.byAddress[addr]
	s.mu.RUnlock()
	if !ok {
		return Reserve{}, false
	}
	return e.get(), true
}

// Reserves returns copies of every reserve in metadata order.
func (s *Snapshot) Reserves() []Reserve {
	s.mu.RLock()
	entries := append([]*entry(nil), s.order...)
	s.mu.RUnlock()

	out := make([]Reserve, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.get())
	}
	return out
}

// Update applies fn to a copy of the reserve, re-derives it, and stores the result.
// If fn or the derivation fails the stored reserve is left untouched.
func (s *Snapshot) Update(symbol string, now time.Time, fn func(r *Reserve) error) (Reserve, error) {
	e, ok := s.lookup(symbol)
	if !ok {
		return Reserve{}, fmt.Errorf("%w: %s", ErrUnknownReserve, symbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.reserve
	if err := fn(&next); err != nil {
		return e.reserve, err
	}
	if err := next.Derive(now); err != nil {
		return e.reserve, err
	}
	e.reserve = next
	return next, nil
}

// Refresh re-derives time-dependent fields, such as accrual freshness, for every reserve.
func (s *Snapshot) Refresh(now time.Time) {
	for _, r := range s.Reserves() {
		_, _ = s.Update(r.Symbol, now, func(*Reserve) error { return nil })
	}
}

// ObligationFromAccount converts a decoded obligation into domain positions, sizing
// note amounts with the decimals of each position's reserve.
func (s *Snapshot) ObligationFromAccount(addr onchain.Address, acc *onchain.ObligationAccount) (Obligation, error) {
	collateral, loans, err := acc.Positions()
	if err != nil {
		return Obligation{}, onchain.WithAddress(err, addr)
	}

	o := Obligation{Address: addr, Owner: acc.Owner}
	o.Collateral, err = s.positions(collateral, Collateral)
	if err != nil {
		return Obligation{}, fmt.Errorf("obligation %s: %w", addr, err)
	}
	o.Loans, err = s.positions(loans, Loan)
	if err != nil {
		return Obligation{}, fmt.Errorf("obligation %s: %w", addr, err)
	}
	return o, nil
}

func (s *Snapshot) positions(raw []onchain.Position, kind PositionKind) ([]Position, error) {
	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		r, ok := s.ReserveByIndex(p.ReserveIndex)
		if !ok {
			return nil, fmt.Errorf("%w: index %d", ErrUnknownReserve, p.ReserveIndex)
		}
		out = append(out, Position{
			Account:      p.Account,
			ReserveIndex: p.ReserveIndex,
			Kind:         kind,
			Notes:        fixed.FromUint64(p.Notes, r.Decimals),
		})
	}
	return out, nil
}

// ValuePosition resolves a position against its reserve. Collateral uses the deposit
// note rate and loans the loan note rate.
func (s *Snapshot) ValuePosition(p Position) (calc.PositionInput, Reserve, error) {
	r, ok := s.ReserveByIndex(p.ReserveIndex)
	if !ok {
		return calc.PositionInput{}, Reserve{}, fmt.Errorf("%w: index %d", ErrUnknownReserve, p.ReserveIndex)
	}
	if !r.Priced() {
		return calc.PositionInput{}, r, fmt.Errorf("%w: %s", ErrNoPrice, r.Symbol)
	}
	if err := calc.ValidateOracleAge(r.PriceTime, s.now(), s.maxPriceAge); err != nil {
		return calc.PositionInput{}, r, fmt.Errorf("%w: %s: %v", ErrStalePrice, r.Symbol, err)
	}
	rate := r.DepositNoteExchangeRate
	if p.Kind == Loan {
		rate = r.LoanNoteExchangeRate
	}
	return calc.PositionInput{Notes: p.Notes, ExchangeRate: rate, Price: r.Price}, r, nil
}

// Value derives deposited value, borrowed value and collateral ratio. Every position
// must resolve to a priced reserve; a partial valuation would misstate health.
func (s *Snapshot) Value(o Obligation) (calc.ObligationValue, error) {
	collateral := make([]calc.PositionInput, 0, len(o.Collateral))
	for _, p := range o.Collateral {
		in, _, err := s.ValuePosition(p)
		if err != nil {
			return calc.ObligationValue{}, fmt.Errorf("obligation %s collateral: %w", o.Address, err)
		}
		collateral = append(collateral, in)
	}

	loans := make([]calc.PositionInput, 0, len(o.Loans))
	for _, p := range o.Loans {
		in, _, err := s.ValuePosition(p)
		if err != nil {
			return calc.ObligationValue{}, fmt.Errorf("obligation %s loan: %w", o.Address, err)
		}
		loans = append(loans, in)
	}

	return calc.ValueObligation(collateral, loans)
}
