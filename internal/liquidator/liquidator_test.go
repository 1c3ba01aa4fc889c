package liquidator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fardream/go-bcs/bcs"
	"github.com/leafsii/lending-liquidator/internal/accrual"
	"github.com/leafsii/lending-liquidator/internal/fixed"
	"github.com/leafsii/lending-liquidator/internal/intents"
	"github.com/leafsii/lending-liquidator/internal/markets"
	"github.com/leafsii/lending-liquidator/internal/metrics"
	"github.com/leafsii/lending-liquidator/internal/onchain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const rateOne uint64 = 1_000_000_000_000_000

var (
	now        = time.Unix(1_700_000_000, 0)
	programID  = addr(1)
	marketAddr = addr(2)
)

func addr(b byte) onchain.Address {
	var a onchain.Address
	a[0] = b
	a[31] = b
	return a
}

func reserveMeta(symbol string, index int, decimals uint8, seed byte) markets.ReserveMetadata {
	return markets.ReserveMetadata{
		Name:         symbol,
		Abbrev:       symbol,
		Decimals:     decimals,
		ReserveIndex: index,
		Accounts: markets.ReserveAccounts{
			Reserve:         addr(seed),
			Vault:           addr(seed + 1),
			FeeNoteVault:    addr(seed + 2),
			TokenMint:       addr(seed + 3),
			DepositNoteMint: addr(seed + 4),
			LoanNoteMint:    addr(seed + 5),
			PythPrice:       addr(seed + 6),
			DexMarket:       addr(seed + 7),
		},
	}
}

// newSnapshot returns a market with USDC at 1 and SOL at 25, both fresh at 1:1 note
// rates, and a 125% minimum collateral ratio.
func newSnapshot(t *testing.T, opts ...markets.SnapshotOption) *markets.Snapshot {
	t.Helper()
	s, err := markets.NewSnapshot(markets.Metadata{
		ProgramID: programID,
		Market:    markets.MarketMetadata{Market: marketAddr, MarketAuthority: addr(3)},
		Reserves: []markets.ReserveMetadata{
			reserveMeta("USDC", 0, 6, 10),
			reserveMeta("SOL", 1, 9, 20),
		},
	}, opts...)
	require.NoError(t, err)

	for symbol, price := range map[string]string{"USDC": "1", "SOL": "25"} {
		_, err := s.Update(symbol, now, func(r *markets.Reserve) error {
			r.DepositNoteExchangeRate = rateOne
			r.LoanNoteExchangeRate = rateOne
			r.Price = decimal.RequireFromString(price)
			r.HasPrice = true
			r.PriceTime = now
			r.AccruedUntil = now.Unix()
			r.LiquidationPremium = 100
			return nil
		})
		require.NoError(t, err)
	}
	s.SetMinCollateralRatio(12500, now)
	return s
}

func usdcLoan(account byte, raw uint64) markets.Position {
	return markets.Position{Account: addr(account), ReserveIndex: 0, Kind: markets.Loan, Notes: fixed.FromUint64(raw, 6)}
}

func solCollateral(account byte, raw uint64) markets.Position {
	return markets.Position{Account: addr(account), ReserveIndex: 1, Kind: markets.Collateral, Notes: fixed.FromUint64(raw, 9)}
}

func TestHighestValuePosition(t *testing.T) {
	s := newSnapshot(t)

	tests := []struct {
		name      string
		positions []markets.Position
		want      onchain.Address
		found     bool
	}{
		{"picks the larger loan", []markets.Position{usdcLoan(60, 100_000_000), usdcLoan(61, 150_000_000)}, addr(61), true},
		{"larger first", []markets.Position{usdcLoan(61, 150_000_000), usdcLoan(60, 100_000_000)}, addr(61), true},
		{"ties keep the first", []markets.Position{usdcLoan(62, 100_000_000), usdcLoan(63, 100_000_000)}, addr(62), true},
		{"value across reserves", []markets.Position{usdcLoan(64, 20_000_000), solCollateral(65, 1_000_000_000)}, addr(65), true},
		{"zero value never chosen", []markets.Position{usdcLoan(66, 0)}, onchain.Address{}, false},
		{"empty", nil, onchain.Address{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				c, ok := HighestValuePosition(s, tt.positions, now)
				require.Equal(t, tt.found, ok)
				assert.Equal(t, tt.want, c.Position.Account)
			}
		})
	}

	t.Run("value is notes times rate times price", func(t *testing.T) {
		c, ok := HighestValuePosition(s, []markets.Position{solCollateral(65, 1_500_000_000)}, now)
		require.True(t, ok)
		assert.True(t, c.Value.Equal(decimal.RequireFromString("37.5")), c.Value.String())
		assert.Equal(t, "SOL", c.Reserve.Symbol)
	})

	t.Run("unpriced and stale reserves are passed over", func(t *testing.T) {
		positions := []markets.Position{usdcLoan(60, 100_000_000), solCollateral(65, 1_000_000_000)}
		_, err := s.Update("SOL", now, func(r *markets.Reserve) error {
			r.HasPrice = false
			return nil
		})
		require.NoError(t, err)
		c, ok := HighestValuePosition(s, positions, now)
		require.True(t, ok)
		assert.Equal(t, addr(60), c.Position.Account)

		_, ok = HighestValuePosition(s, positions[:1], now.Add(time.Duration(accrual.MaxAccrualSeconds+1)*time.Second))
		assert.False(t, ok)
	})

	t.Run("old prices are passed over", func(t *testing.T) {
		aged := newSnapshot(t, markets.WithMaxPriceAge(time.Minute), markets.WithClock(func() time.Time { return now }))
		_, err := aged.Update("SOL", now, func(r *markets.Reserve) error {
			r.PriceTime = now.Add(-5 * time.Minute)
			return nil
		})
		require.NoError(t, err)

		positions := []markets.Position{usdcLoan(60, 100_000_000), solCollateral(65, 1_000_000_000)}
		c, ok := HighestValuePosition(aged, positions, now)
		require.True(t, ok)
		assert.Equal(t, addr(60), c.Position.Account)
	})
}

func obligation(collateral, loan uint64) markets.Obligation {
	o := markets.Obligation{Address: addr(70), Owner: addr(71)}
	if collateral > 0 {
		o.Collateral = []markets.Position{solCollateral(72, collateral)}
	}
	if loan > 0 {
		o.Loans = []markets.Position{usdcLoan(73, loan)}
	}
	return o
}

func TestSelect(t *testing.T) {
	s := newSnapshot(t)
	sel := NewSelector(s, func() time.Time { return now })

	t.Run("exactly at the minimum ratio is healthy", func(t *testing.T) {
		// 500 SOL = 12,500 against 10,000 USDC
		_, skip, err := sel.Select(obligation(500_000_000_000, 10_000_000_000))
		require.NoError(t, err)
		assert.Equal(t, SkipHealthy, skip)
	})

	t.Run("missing side is skipped", func(t *testing.T) {
		_, skip, err := sel.Select(obligation(500_000_000_000, 0))
		require.NoError(t, err)
		assert.Equal(t, SkipNoLoan, skip)

		_, skip, err = sel.Select(obligation(0, 10_000_000_000))
		require.NoError(t, err)
		assert.Equal(t, SkipNoCollateral, skip)
	})

	t.Run("below the minimum ratio", func(t *testing.T) {
		in, skip, err := sel.Select(obligation(500_000_000_000, 11_000_000_000))
		require.NoError(t, err)
		require.Empty(t, skip)

		assert.NotEmpty(t, in.ID)
		assert.Equal(t, addr(70), in.Obligation)
		assert.Equal(t, addr(71), in.Owner)
		assert.Equal(t, programID, in.Program)
		assert.Equal(t, marketAddr, in.Market)
		assert.Equal(t, intents.Ask, in.Side)
		assert.Equal(t, "USDC", in.Loan.Symbol)
		assert.Equal(t, addr(73), in.Loan.Position)
		assert.Equal(t, addr(15), in.Loan.NoteMint)
		assert.Equal(t, "SOL", in.Collateral.Symbol)
		assert.Equal(t, addr(72), in.Collateral.Position)
		assert.Equal(t, addr(24), in.Collateral.NoteMint)
		assert.Equal(t, addr(27), in.DexMarket)
		assert.True(t, in.Loan.Value.Equal(decimal.NewFromInt(11_000)))
		assert.True(t, in.Collateral.Value.Equal(decimal.NewFromInt(12_500)))
		assert.Equal(t, uint16(12500), in.MinCollateralRatio)
		require.NotNil(t, in.Plan, in.PlanError)
		assert.True(t, in.Plan.LoanRepayValue.IsPositive())
		assert.True(t, in.Plan.SellableValue.GreaterThan(in.Plan.LoanRepayValue))
	})

	t.Run("underwater keeps the intent without a plan", func(t *testing.T) {
		in, skip, err := sel.Select(obligation(500_000_000_000, 20_000_000_000))
		require.NoError(t, err)
		require.Empty(t, skip)
		assert.Nil(t, in.Plan)
		assert.NotEmpty(t, in.PlanError)
	})

	t.Run("collateral without a swap market", func(t *testing.T) {
		meta := markets.Metadata{
			ProgramID: programID,
			Market:    markets.MarketMetadata{Market: marketAddr, MarketAuthority: addr(3)},
			Reserves:  []markets.ReserveMetadata{reserveMeta("USDC", 0, 6, 10), reserveMeta("SOL", 1, 9, 20)},
		}
		meta.Reserves[1].Accounts.DexMarket = onchain.Address{}
		noDex, err := markets.NewSnapshot(meta)
		require.NoError(t, err)
		for _, symbol := range []string{"USDC", "SOL"} {
			src, _ := s.Reserve(symbol)
			_, err := noDex.Update(symbol, now, func(r *markets.Reserve) error {
				r.DepositNoteExchangeRate, r.LoanNoteExchangeRate = rateOne, rateOne
				r.Price, r.HasPrice, r.AccruedUntil = src.Price, true, now.Unix()
				return nil
			})
			require.NoError(t, err)
		}
		noDex.SetMinCollateralRatio(12500, now)

		_, _, err = NewSelector(noDex, func() time.Time { return now }).Select(obligation(500_000_000_000, 11_000_000_000))
		assert.ErrorIs(t, err, ErrMultiHopUnsupported)
	})
}

type fakeQuerier struct {
	accounts []onchain.KeyedAccount
	err      error
	program  onchain.Address
	size     int
}

func (f *fakeQuerier) ProgramAccounts(ctx context.Context, program onchain.Address, dataSize int) ([]onchain.KeyedAccount, error) {
	f.program, f.size = program, dataSize
	return f.accounts, f.err
}

func (f *fakeQuerier) AccountInfo(ctx context.Context, addr onchain.Address) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func obligationAccount(t *testing.T, address, market onchain.Address, collateral, loan uint64) onchain.KeyedAccount {
	t.Helper()
	o := onchain.ObligationAccount{Discriminator: onchain.ObligationDiscriminator, Market: market, Owner: addr(99)}
	o.Collateral[0] = onchain.ObligationPositionLayout{Account: addr(80), Amount: collateral, Side: onchain.SideCollateral, ReserveIndex: 1}
	o.Loans[0] = onchain.ObligationPositionLayout{Account: addr(81), Amount: loan, Side: onchain.SideLoan, ReserveIndex: 0}
	data, err := bcs.Marshal(&o)
	require.NoError(t, err)
	return onchain.KeyedAccount{Address: address, Data: data}
}

func newScanner(s *markets.Snapshot, q onchain.AccountQuerier, dispatch Dispatch, interval time.Duration) *Scanner {
	return NewScanner(
		Config{Interval: interval, QueryTimeout: time.Second},
		q, s, NewSelector(s, func() time.Time { return now }), dispatch,
		metrics.NewNoop(), zap.NewNop().Sugar(),
	)
}

func TestScanOnce(t *testing.T) {
	s := newSnapshot(t)
	q := &fakeQuerier{accounts: []onchain.KeyedAccount{
		obligationAccount(t, addr(90), marketAddr, 500_000_000_000, 10_000_000_000),
		obligationAccount(t, addr(91), marketAddr, 500_000_000_000, 11_000_000_000),
		obligationAccount(t, addr(92), addr(9), 500_000_000_000, 11_000_000_000),
		{Address: addr(93), Data: []byte{1, 2, 3}},
	}}

	var dispatched []intents.Intent
	scanner := newScanner(s, q, func(in intents.Intent) { dispatched = append(dispatched, in) }, time.Second)

	report, err := scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, programID, q.program)
	assert.Equal(t, onchain.ObligationSize, q.size)

	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Unhealthy)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Intents, 1)
	assert.Equal(t, addr(91), report.Intents[0].Obligation)
	require.Len(t, dispatched, 1)
	assert.Equal(t, report.Intents[0].ID, dispatched[0].ID)
	assert.Equal(t, report.Scanned, scanner.LastScan().Scanned)

	t.Run("query failure", func(t *testing.T) {
		failing := newScanner(s, &fakeQuerier{err: &onchain.LedgerQueryError{Method: "getProgramAccounts", Err: errors.New("timeout")}}, nil, time.Second)
		_, err := failing.ScanOnce(context.Background())
		var qe *onchain.LedgerQueryError
		assert.ErrorAs(t, err, &qe)
	})
}

func TestScannerStartStop(t *testing.T) {
	s := newSnapshot(t)
	q := &fakeQuerier{accounts: []onchain.KeyedAccount{
		obligationAccount(t, addr(90), marketAddr, 500_000_000_000, 10_000_000_000),
	}}
	scanner := newScanner(s, q, nil, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- scanner.Start(context.Background()) }()

	require.Eventually(t, func() bool { return scanner.LastScan().Scanned == 1 }, time.Second, 5*time.Millisecond)
	scanner.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}

type blockingSink struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	err     error
}

func (s *blockingSink) Name() string { return "test" }

func (s *blockingSink) Emit(ctx context.Context, in intents.Intent) (intents.Receipt, error) {
	s.calls.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return intents.Receipt{}, ctx.Err()
		}
	}
	if s.err != nil {
		return intents.Receipt{}, s.err
	}
	return intents.Receipt{Sink: s.Name(), Ref: in.ID}, nil
}

func TestDispatcher(t *testing.T) {
	logger := zap.NewNop().Sugar()

	t.Run("attempts for one obligation collapse", func(t *testing.T) {
		sink := &blockingSink{entered: make(chan struct{}, 2), release: make(chan struct{})}
		d := NewDispatcher(sink, time.Second, metrics.NewNoop(), logger)

		first := intents.Intent{ID: "a", Obligation: addr(1)}
		d.Dispatch(first)
		<-sink.entered
		d.Dispatch(intents.Intent{ID: "b", Obligation: addr(1)})
		time.Sleep(50 * time.Millisecond)
		close(sink.release)
		d.Wait()
		d.Drain(context.Background())

		assert.Equal(t, int32(1), sink.calls.Load())
		recent := d.Recent()
		require.Len(t, recent, 1)
		assert.Equal(t, "a", recent[0].Receipt.Ref)
		assert.Empty(t, recent[0].Error)
	})

	t.Run("failures and timeouts are recorded", func(t *testing.T) {
		failing := NewDispatcher(&blockingSink{err: errors.New("rejected")}, time.Second, metrics.NewNoop(), logger)
		failing.Dispatch(intents.Intent{ID: "c", Obligation: addr(2)})
		failing.Wait()
		failing.Drain(context.Background())
		require.Len(t, failing.Recent(), 1)
		assert.Equal(t, "rejected", failing.Recent()[0].Error)

		slow := NewDispatcher(&blockingSink{release: make(chan struct{})}, 20*time.Millisecond, metrics.NewNoop(), logger)
		slow.Dispatch(intents.Intent{ID: "d", Obligation: addr(3)})
		slow.Wait()
		slow.Drain(context.Background())
		require.Len(t, slow.Recent(), 1)
		assert.Contains(t, slow.Recent()[0].Error, context.DeadlineExceeded.Error())
	})

	t.Run("run drains results until cancelled", func(t *testing.T) {
		d := NewDispatcher(&blockingSink{}, time.Second, metrics.NewNoop(), logger)
		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.ErrorIs(t, d.Run(ctx), context.Canceled)
		}()

		for i := byte(0); i < 3; i++ {
			d.Dispatch(intents.Intent{ID: string(rune('x' + i)), Obligation: addr(10 + i)})
		}
		d.Wait()
		assert.Eventually(t, func() bool { return len(d.Recent()) == 3 }, time.Second, 5*time.Millisecond)
		cancel()
		wg.Wait()
	})
}
