package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fardream/go-bcs/bcs"
	"github.com/leafsii/lending-liquidator/internal/accrual"
	"github.com/leafsii/lending-liquidator/internal/markets"
	"github.com/leafsii/lending-liquidator/internal/metrics"
	"github.com/leafsii/lending-liquidator/internal/onchain"
	"github.com/leafsii/lending-liquidator/internal/prices"
	"github.com/leafsii/lending-liquidator/internal/prices/mock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const rateOne uint64 = 1_000_000_000_000_000

var now = time.Unix(1_700_000_000, 0)

func addr(b byte) onchain.Address {
	var a onchain.Address
	a[0] = b
	a[31] = b
	return a
}

var (
	marketAddr  = addr(2)
	reserveAddr = addr(10)
	vaultAddr   = addr(11)
	tokenMint   = addr(13)
	depositMint = addr(14)
	loanMint    = addr(15)
	priceFeed   = addr(16)
	watchedAddr = addr(90)
)

func testMetadata() markets.Metadata {
	return markets.Metadata{
		ProgramID: addr(1),
		Market:    markets.MarketMetadata{Market: marketAddr, MarketAuthority: addr(3)},
		Reserves: []markets.ReserveMetadata{{
			Name:     "USD Coin",
			Abbrev:   "USDC",
			Decimals: 6,
			Accounts: markets.ReserveAccounts{
				Reserve:         reserveAddr,
				Vault:           vaultAddr,
				FeeNoteVault:    addr(12),
				TokenMint:       tokenMint,
				DepositNoteMint: depositMint,
				LoanNoteMint:    loanMint,
				PythPrice:       priceFeed,
				DexMarket:       addr(17),
			},
		}},
	}
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := bcs.Marshal(v)
	require.NoError(t, err)
	return data
}

func marketBytes(t *testing.T, depositRate, loanRate uint64) []byte {
	m := onchain.MarketAccount{Discriminator: onchain.MarketDiscriminator}
	m.Reserves[0] = onchain.MarketReserveInfo{
		Reserve:                 reserveAddr,
		DepositNoteExchangeRate: depositRate,
		LoanNoteExchangeRate:    loanRate,
		LiquidationBonus:        150,
	}
	return encode(t, &m)
}

func reserveBytes(t *testing.T, debt uint64, accruedUntil int64) []byte {
	return encode(t, &onchain.ReserveAccount{
		Discriminator: onchain.ReserveDiscriminator,
		Config: onchain.ReserveConfigLayout{
			UtilizationRate1:   8500,
			UtilizationRate2:   9500,
			BorrowRate0:        50,
			BorrowRate1:        392,
			BorrowRate2:        3364,
			BorrowRate3:        10116,
			MinCollateralRatio: 12500,
			LiquidationPremium: 100,
			ManageFeeRate:      50,
		},
		State: onchain.ReserveStateLayout{AccruedUntil: accruedUntil, OutstandingDebt: debt},
	})
}

func mintBytes(t *testing.T, supply uint64, decimals uint8) []byte {
	return encode(t, &onchain.MintAccount{Supply: supply, Decimals: decimals, IsInitialized: true})
}

func vaultBytes(t *testing.T, mint onchain.Address, amount uint64) []byte {
	return encode(t, &onchain.TokenAccount{Mint: mint, Amount: amount})
}

func obligationBytes(t *testing.T, collateral, loan uint64) []byte {
	o := onchain.ObligationAccount{Discriminator: onchain.ObligationDiscriminator, Market: marketAddr, Owner: addr(99)}
	o.Collateral[0] = onchain.ObligationPositionLayout{Account: addr(50), Amount: collateral, Side: onchain.SideCollateral}
	o.Loans[0] = onchain.ObligationPositionLayout{Account: addr(51), Amount: loan, Side: onchain.SideLoan}
	return encode(t, &o)
}

type fakeQuerier struct {
	mu       sync.Mutex
	accounts map[onchain.Address][]byte
	reads    map[onchain.Address]int
}

func (f *fakeQuerier) set(addr onchain.Address, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[addr] = data
}

func (f *fakeQuerier) readCount(addr onchain.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[addr]
}

func (f *fakeQuerier) ProgramAccounts(ctx context.Context, program onchain.Address, dataSize int) ([]onchain.KeyedAccount, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeQuerier) AccountInfo(ctx context.Context, addr onchain.Address) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reads == nil {
		f.reads = make(map[onchain.Address]int)
	}
	f.reads[addr]++
	data, ok := f.accounts[addr]
	if !ok {
		return nil, errors.New("account not found")
	}
	return data, nil
}

// fakeSubscriber confirms each subscription, then forwards updates from per-address
// channels. Addresses without a channel block until the context ends. The first
// subscription to an address in drops ends with an error once its channel closes.
type fakeSubscriber struct {
	feeds map[onchain.Address]chan onchain.AccountUpdate
	drops map[onchain.Address]chan struct{}

	mu      sync.Mutex
	dropped map[onchain.Address]bool
}

func (f *fakeSubscriber) dropOnce(addr onchain.Address) (chan struct{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop, ok := f.drops[addr]
	if !ok || f.dropped[addr] {
		return nil, false
	}
	if f.dropped == nil {
		f.dropped = make(map[onchain.Address]bool)
	}
	f.dropped[addr] = true
	return drop, true
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, addr onchain.Address, out chan<- onchain.AccountUpdate) error {
	select {
	case out <- onchain.AccountUpdate{Address: addr, Subscribed: true}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if drop, ok := f.dropOnce(addr); ok {
		select {
		case <-drop:
			return errors.New("connection reset")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	feed := f.feeds[addr]
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-feed:
			select {
			case out <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

type recorder struct {
	mu       sync.Mutex
	reserves []markets.Reserve
	failed   []AccountKind
}

func (r *recorder) PublishReserve(ctx context.Context, res markets.Reserve) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserves = append(r.reserves, res)
	return nil
}

func (r *recorder) DecodeFailed(kind AccountKind, addr onchain.Address, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, kind)
}

func (r *recorder) failures() []AccountKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AccountKind(nil), r.failed...)
}

func (r *recorder) published() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reserves)
}

type fixture struct {
	querier    *fakeQuerier
	snapshot   *markets.Snapshot
	syncer     *Syncer
	recorder   *recorder
	prices     *mock.Provider
	subscriber *fakeSubscriber
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	snapshot, err := markets.NewSnapshot(testMetadata())
	require.NoError(t, err)

	querier := &fakeQuerier{accounts: map[onchain.Address][]byte{
		marketAddr:  marketBytes(t, rateOne, rateOne),
		reserveAddr: reserveBytes(t, 900_000, now.Unix()),
		tokenMint:   mintBytes(t, 5_000_000_000, 6),
		depositMint: mintBytes(t, 1_000_000, 6),
		loanMint:    mintBytes(t, 900_000, 6),
		vaultAddr:   vaultBytes(t, tokenMint, 100_000),
		watchedAddr: obligationBytes(t, 150_000_000, 100_000_000),
	}}
	subscriber := &fakeSubscriber{
		feeds: map[onchain.Address]chan onchain.AccountUpdate{
			vaultAddr: make(chan onchain.AccountUpdate, 1),
		},
		drops: map[onchain.Address]chan struct{}{
			reserveAddr: make(chan struct{}),
		},
	}

	provider := mock.NewProvider()
	provider.SetPrice("USDC", decimal.NewFromInt(1), now)

	rec := &recorder{}
	s := New(snapshot, querier, subscriber, provider, metrics.NewNoop(), zap.NewNop().Sugar(),
		WithPublisher(rec),
		WithObserver(rec),
		WithClock(func() time.Time { return now }),
		WithReconnectDelay(10*time.Millisecond),
		WithObligations(watchedAddr),
	)
	return &fixture{querier: querier, snapshot: snapshot, syncer: s, recorder: rec, prices: provider, subscriber: subscriber}
}

func (f *fixture) usdc(t *testing.T) markets.Reserve {
	t.Helper()
	r, ok := f.snapshot.Reserve("USDC")
	require.True(t, ok)
	return r
}

func TestBootstrap(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.syncer.Ready())

	f.syncer.Bootstrap(context.Background())
	require.True(t, f.syncer.Ready())
	assert.Empty(t, f.recorder.failures())

	r := f.usdc(t)
	assert.True(t, r.ConfigLoaded)
	assert.Equal(t, "0.900000", r.OutstandingDebt.String())
	assert.Equal(t, "0.100000", r.AvailableLiquidity.String())
	assert.Equal(t, "5000.000000", r.TokenSupply.String())
	assert.Equal(t, "1.000000", r.DepositNoteSupply.String())
	assert.Equal(t, "0.900000", r.LoanNoteSupply.String())
	assert.Equal(t, rateOne, r.DepositNoteExchangeRate)
	assert.Equal(t, uint16(100), r.LiquidationPremium)
	assert.True(t, r.Utilization.Equal(decimal.RequireFromString("0.9")))
	assert.True(t, r.CCRate.Equal(decimal.RequireFromString("0.1878")), r.CCRate.String())
	assert.Equal(t, accrual.Fresh, r.Status)
	assert.True(t, r.Priced())
	assert.Equal(t, uint16(12500), f.snapshot.Market().MinCollateralRatio)
	assert.Positive(t, f.recorder.published())

	watched, ok := f.syncer.Obligation(watchedAddr)
	require.True(t, ok)
	assert.Empty(t, watched.Error)
	assert.True(t, watched.Healthy)
	assert.True(t, watched.Value.CollateralRatio.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, addr(99), watched.Obligation.Owner)
}

func TestApplyDropsBadUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.syncer.Bootstrap(ctx)
	before := f.usdc(t)

	tests := []struct {
		name  string
		track tracked
		data  []byte
		kind  AccountKind
	}{
		{"truncated reserve", tracked{kind: KindReserve, addr: reserveAddr, reserve: "USDC"}, []byte{1, 2, 3}, KindReserve},
		{"wrong discriminator", tracked{kind: KindMarket, addr: marketAddr}, reserveBytes(t, 1, now.Unix()), KindMarket},
		{"mint decimals mismatch", tracked{kind: KindDepositMint, addr: depositMint, reserve: "USDC"}, mintBytes(t, 7, 9), KindDepositMint},
		{"vault for another mint", tracked{kind: KindVault, addr: vaultAddr, reserve: "USDC"}, vaultBytes(t, addr(77), 1), KindVault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := len(f.recorder.failures())
			f.syncer.Apply(ctx, tt.track, onchain.AccountUpdate{Address: tt.track.addr, Data: tt.data})

			failures := f.recorder.failures()
			require.Len(t, failures, n+1)
			assert.Equal(t, tt.kind, failures[n])
			assert.Equal(t, before, f.usdc(t))
		})
	}

	t.Run("closed account is ignored", func(t *testing.T) {
		n := len(f.recorder.failures())
		f.syncer.Apply(ctx, tracked{kind: KindVault, addr: vaultAddr, reserve: "USDC"}, onchain.AccountUpdate{Address: vaultAddr})
		assert.Len(t, f.recorder.failures(), n)
		assert.Equal(t, before, f.usdc(t))
	})

	t.Run("non-positive price", func(t *testing.T) {
		f.syncer.ApplyPrice(ctx, prices.Tick{Symbol: "USDC", Price: decimal.Zero, PublishTime: now})
		failures := f.recorder.failures()
		assert.Equal(t, KindPriceFeed, failures[len(failures)-1])
		assert.True(t, f.usdc(t).Price.Equal(decimal.NewFromInt(1)))
	})
}

func TestExchangeRatesNeverDecrease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.syncer.Bootstrap(ctx)
	market := tracked{kind: KindMarket, addr: marketAddr}

	f.syncer.Apply(ctx, market, onchain.AccountUpdate{Data: marketBytes(t, rateOne+500, rateOne+900)})
	r := f.usdc(t)
	assert.Equal(t, rateOne+500, r.DepositNoteExchangeRate)
	assert.Equal(t, rateOne+900, r.LoanNoteExchangeRate)
	assert.Equal(t, uint16(150), r.LiquidationPremium)

	f.syncer.Apply(ctx, market, onchain.AccountUpdate{Data: marketBytes(t, rateOne, rateOne+1000)})
	r = f.usdc(t)
	assert.Equal(t, rateOne+500, r.DepositNoteExchangeRate)
	assert.Equal(t, rateOne+1000, r.LoanNoteExchangeRate)
}

func TestRunFollowsPushUpdates(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.syncer.Run(ctx) }()

	require.Eventually(t, f.syncer.Ready, time.Second, 5*time.Millisecond)

	f.subscriber.feeds[vaultAddr] <- onchain.AccountUpdate{Address: vaultAddr, Data: vaultBytes(t, tokenMint, 300_000)}
	assert.Eventually(t, func() bool {
		return f.usdc(t).AvailableLiquidity.String() == "0.300000"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return f.prices.Subscribers("USDC") == 1 }, time.Second, 5*time.Millisecond)
	f.prices.SetPrice("USDC", decimal.RequireFromString("0.99"), now.Add(time.Second))
	assert.Eventually(t, func() bool {
		return f.usdc(t).Price.Equal(decimal.RequireFromString("0.99"))
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("syncer did not stop")
	}
}

func TestWatchedObligationFollowsReserveChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.syncer.Bootstrap(ctx)

	watched, ok := f.syncer.Obligation(watchedAddr)
	require.True(t, ok)
	require.True(t, watched.Healthy)

	t.Run("loan note rate doubles", func(t *testing.T) {
		f.syncer.Apply(ctx, tracked{kind: KindMarket, addr: marketAddr},
			onchain.AccountUpdate{Address: marketAddr, Data: marketBytes(t, rateOne, 2*rateOne)})

		watched, ok := f.syncer.Obligation(watchedAddr)
		require.True(t, ok)
		assert.Empty(t, watched.Error)
		assert.False(t, watched.Healthy)
		assert.True(t, watched.Value.CollateralRatio.Equal(decimal.RequireFromString("0.75")),
			watched.Value.CollateralRatio.String())
	})

	t.Run("price update revalues", func(t *testing.T) {
		before, _ := f.syncer.Obligation(watchedAddr)
		f.syncer.ApplyPrice(ctx, prices.Tick{Symbol: "USDC", Price: decimal.RequireFromString("2"), PublishTime: now})

		watched, ok := f.syncer.Obligation(watchedAddr)
		require.True(t, ok)
		assert.True(t, watched.Value.Borrowed.Equal(before.Value.Borrowed.Mul(decimal.NewFromInt(2))),
			"borrowed %s, was %s", watched.Value.Borrowed, before.Value.Borrowed)
	})
}

func TestRunResyncsAfterReconnect(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.syncer.Run(ctx) }()

	require.Eventually(t, f.syncer.Ready, time.Second, 5*time.Millisecond)
	// bootstrap read plus the read after the first subscription was confirmed
	require.Eventually(t, func() bool { return f.querier.readCount(reserveAddr) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "0.900000", f.usdc(t).OutstandingDebt.String())

	// the ledger moves while the subscription is down; no push is ever delivered
	f.querier.set(reserveAddr, reserveBytes(t, 999_000, now.Unix()))
	close(f.subscriber.drops[reserveAddr])

	assert.Eventually(t, func() bool {
		return f.usdc(t).OutstandingDebt.String() == "0.999000"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, f.querier.readCount(reserveAddr))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("syncer did not stop")
	}
}
