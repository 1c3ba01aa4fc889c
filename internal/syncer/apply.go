package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/leafsii/lending-liquidator/internal/calc"
	"github.com/leafsii/lending-liquidator/internal/fixed"
	"github.com/leafsii/lending-liquidator/internal/markets"
	"github.com/leafsii/lending-liquidator/internal/onchain"
	"github.com/leafsii/lending-liquidator/internal/prices"
)

// WatchedObligation is the latest valuation of an obligation followed by subscription.
type WatchedObligation struct {
	Obligation markets.Obligation   `json:"obligation"`
	Value      calc.ObligationValue `json:"value"`
	Healthy    bool                 `json:"healthy"`
	Error      string               `json:"error,omitempty"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

// Obligation returns the latest state of a watched obligation.
func (s *Syncer) Obligation(addr onchain.Address) (WatchedObligation, bool) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	w, ok := s.watched[addr]
	return w, ok
}

// Apply decodes one account update and replaces only the fields that account
// sources. Undecodable updates are dropped and the prior snapshot kept.
func (s *Syncer) Apply(ctx context.Context, t tracked, u onchain.AccountUpdate) {
	if u.Data == nil {
		s.logger.Warnw("Tracked account closed or missing", "kind", t.kind, "address", t.addr.String())
		return
	}

	var err error
	switch t.kind {
	case KindMarket:
		err = s.applyMarket(ctx, u.Data)
	case KindReserve:
		err = s.applyReserve(ctx, t.reserve, u.Data)
	case KindTokenMint, KindDepositMint, KindLoanMint:
		err = s.applyMint(ctx, t.kind, t.reserve, u.Data)
	case KindVault:
		err = s.applyVault(ctx, t.reserve, u.Data)
	case KindObligation:
		err = s.applyObligation(t.addr, u.Data)
	default:
		err = fmt.Errorf("untracked account kind %q", t.kind)
	}

	if err != nil {
		if onchain.IsDecodeError(err) {
			s.decodeFailed(ctx, t.kind, t.addr, onchain.WithAddress(err, t.addr))
			return
		}
		s.logger.Warnw("Failed to apply account update", "kind", t.kind, "address", t.addr.String(), "error", err)
		return
	}
	s.metrics.RecordAccountUpdate(ctx, string(t.kind))
}

func (s *Syncer) applyMarket(ctx context.Context, data []byte) error {
	m, err := onchain.DecodeMarket(data)
	if err != nil {
		return err
	}

	now := s.now()
	for _, info := range m.ActiveReserves() {
		current, ok := s.snapshot.ReserveByAddress(info.Reserve)
		if !ok {
			continue
		}
		updated, err := s.snapshot.Update(current.Symbol, now, func(r *markets.Reserve) error {
			r.DepositNoteExchangeRate = s.monotonic(r.Symbol, "deposit", r.DepositNoteExchangeRate, info.DepositNoteExchangeRate)
			r.LoanNoteExchangeRate = s.monotonic(r.Symbol, "loan", r.LoanNoteExchangeRate, info.LoanNoteExchangeRate)
			r.LiquidationPremium = info.LiquidationBonus
			return nil
		})
		if err != nil {
			return err
		}
		s.committed(ctx, updated)
	}
	return nil
}

// monotonic keeps exchange rates from moving backwards within one reserve entry.
func (s *Syncer) monotonic(symbol, note string, prev, next uint64) uint64 {
	if next < prev {
		s.logger.Warnw("Ignoring decreasing note exchange rate", "reserve", symbol, "note", note, "prev", prev, "next", next)
		return prev
	}
	return next
}

func (s *Syncer) applyReserve(ctx context.Context, symbol string, data []byte) error {
	acc, err := onchain.DecodeReserve(data)
	if err != nil {
		return err
	}
	cfg := acc.ReserveConfig()
	if err := cfg.Validate(); err != nil {
		return &onchain.DecodeError{Kind: "reserve", Err: fmt.Errorf("%w: %v", onchain.ErrLayoutMismatch, err)}
	}

	now := s.now()
	prevRatio := s.snapshot.Market().MinCollateralRatio
	updated, err := s.snapshot.Update(symbol, now, func(r *markets.Reserve) error {
		r.Config = cfg
		r.ConfigLoaded = true
		r.LiquidationPremium = cfg.LiquidationPremium
		r.OutstandingDebt = fixed.FromUint64(acc.State.OutstandingDebt, r.Decimals)
		r.AccruedUntil = acc.State.AccruedUntil
		return nil
	})
	if err != nil {
		return err
	}
	s.snapshot.SetMinCollateralRatio(cfg.MinCollateralRatio, now)
	if cfg.MinCollateralRatio != prevRatio {
		s.revalue(func(markets.Obligation) bool { return true })
	}
	s.committed(ctx, updated)
	return nil
}

func (s *Syncer) applyMint(ctx context.Context, kind AccountKind, symbol string, data []byte) error {
	mint, err := onchain.DecodeMint(data)
	if err != nil {
		return err
	}

	updated, err := s.snapshot.Update(symbol, s.now(), func(r *markets.Reserve) error {
		if mint.Decimals != r.Decimals {
			return &onchain.DecodeError{Kind: "mint", Err: fmt.Errorf("%w: %d decimals, reserve uses %d",
				onchain.ErrLayoutMismatch, mint.Decimals, r.Decimals)}
		}
		supply := fixed.FromUint64(mint.Supply, r.Decimals)
		switch kind {
		case KindTokenMint:
			r.TokenSupply = supply
		case KindDepositMint:
			r.DepositNoteSupply = supply
		case KindLoanMint:
			r.LoanNoteSupply = supply
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.committed(ctx, updated)
	return nil
}

func (s *Syncer) applyVault(ctx context.Context, symbol string, data []byte) error {
	vault, err := onchain.DecodeTokenAccount(data)
	if err != nil {
		return err
	}

	updated, err := s.snapshot.Update(symbol, s.now(), func(r *markets.Reserve) error {
		if vault.Mint != r.Accounts.TokenMint {
			return &onchain.DecodeError{Kind: "vault", Err: fmt.Errorf("%w: vault holds mint %s, reserve uses %s",
				onchain.ErrLayoutMismatch, vault.Mint, r.Accounts.TokenMint)}
		}
		r.AvailableLiquidity = fixed.FromUint64(vault.Amount, r.Decimals)
		return nil
	})
	if err != nil {
		return err
	}
	s.committed(ctx, updated)
	return nil
}

// ApplyPrice records a price tick. Non-positive prices are dropped.
func (s *Syncer) ApplyPrice(ctx context.Context, tick prices.Tick) {
	if err := calc.ValidatePrice(tick.Price); err != nil {
		r, _ := s.snapshot.Reserve(tick.Symbol)
		s.decodeFailed(ctx, KindPriceFeed, r.Accounts.PythPrice, err)
		return
	}

	updated, err := s.snapshot.Update(tick.Symbol, s.now(), func(r *markets.Reserve) error {
		r.Price = tick.Price
		r.PriceTime = tick.PublishTime
		r.HasPrice = true
		return nil
	})
	if err != nil {
		s.logger.Warnw("Failed to apply price", "reserve", tick.Symbol, "error", err)
		return
	}
	s.metrics.RecordAccountUpdate(ctx, string(KindPriceFeed))
	s.committed(ctx, updated)
}

func (s *Syncer) applyObligation(addr onchain.Address, data []byte) error {
	acc, err := onchain.DecodeObligation(data)
	if err != nil {
		return err
	}
	o, err := s.snapshot.ObligationFromAccount(addr, acc)
	if err != nil {
		return err
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.valueWatched(o)
	return nil
}

// revalue re-runs valuation for every watched obligation matching match.
func (s *Syncer) revalue(match func(markets.Obligation) bool) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, w := range s.watched {
		if match(w.Obligation) {
			s.valueWatched(w.Obligation)
		}
	}
}

// valueWatched values o against the current snapshot and stores the result.
// Callers hold watchMu.
func (s *Syncer) valueWatched(o markets.Obligation) {
	prev, seen := s.watched[o.Address]

	w := WatchedObligation{Obligation: o, UpdatedAt: s.now()}
	v, err := s.snapshot.Value(o)
	if err != nil {
		w.Error = err.Error()
	} else {
		w.Value = v
		w.Healthy = calc.IsHealthy(v, s.snapshot.Market().MinCollateralRatio)
	}
	s.watched[o.Address] = w

	if err == nil && !w.Healthy && (!seen || prev.Healthy) {
		s.logger.Infow("Watched obligation below minimum collateral ratio",
			"obligation", o.Address.String(),
			"collateralRatio", v.CollateralRatio.StringFixed(4),
		)
	}
}
