package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fardream/go-bcs/bcs"
	"github.com/leafsii/lending-liquidator/internal/calc"
	"github.com/leafsii/lending-liquidator/internal/fixed"
	"github.com/leafsii/lending-liquidator/internal/intents"
	"github.com/leafsii/lending-liquidator/internal/liquidator"
	"github.com/leafsii/lending-liquidator/internal/markets"
	"github.com/leafsii/lending-liquidator/internal/onchain"
	"github.com/leafsii/lending-liquidator/internal/syncer"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const rateOne uint64 = 1_000_000_000_000_000

var (
	now        = time.Unix(1_700_000_000, 0)
	marketAddr = addr(2)
)

func addr(b byte) onchain.Address {
	var a onchain.Address
	a[0] = b
	a[31] = b
	return a
}

// Mock metrics for testing
type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	m.Called(method, path, status)
}

type fakeQuerier struct {
	accounts map[onchain.Address][]byte
	err      error
}

func (f *fakeQuerier) ProgramAccounts(ctx context.Context, program onchain.Address, dataSize int) ([]onchain.KeyedAccount, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeQuerier) AccountInfo(ctx context.Context, addr onchain.Address) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.accounts[addr], nil
}

type stubSync struct {
	ready   bool
	watched map[onchain.Address]syncer.WatchedObligation
}

func (s *stubSync) Ready() bool { return s.ready }

func (s *stubSync) Obligation(addr onchain.Address) (syncer.WatchedObligation, bool) {
	o, ok := s.watched[addr]
	return o, ok
}

type stubScans struct{ report liquidator.ScanReport }

func (s stubScans) LastScan() liquidator.ScanReport { return s.report }

type stubAttempts struct{ results []liquidator.Result }

func (s stubAttempts) Recent() []liquidator.Result { return s.results }

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func newSnapshot(t *testing.T) *markets.Snapshot {
	t.Helper()
	s, err := markets.NewSnapshot(markets.Metadata{
		ProgramID: addr(1),
		Market:    markets.MarketMetadata{Market: marketAddr, MarketAuthority: addr(3)},
		Reserves: []markets.ReserveMetadata{{
			Name:     "USD Coin",
			Abbrev:   "usdc",
			Decimals: 6,
			Accounts: markets.ReserveAccounts{
				Reserve:         addr(10),
				Vault:           addr(11),
				FeeNoteVault:    addr(12),
				TokenMint:       addr(13),
				DepositNoteMint: addr(14),
				LoanNoteMint:    addr(15),
				PythPrice:       addr(16),
				DexMarket:       addr(17),
			},
		}},
	})
	require.NoError(t, err)

	_, err = s.Update("USDC", now, func(r *markets.Reserve) error {
		r.DepositNoteExchangeRate = rateOne
		r.LoanNoteExchangeRate = rateOne
		r.Price = decimal.NewFromInt(1)
		r.HasPrice = true
		r.PriceTime = now.Add(-30 * time.Second)
		r.AccruedUntil = now.Unix()
		r.LiquidationPremium = 100
		return nil
	})
	require.NoError(t, err)
	s.SetMinCollateralRatio(12500, now)
	return s
}

func obligationBytes(t *testing.T, market onchain.Address, collateral, loan uint64) []byte {
	t.Helper()
	o := onchain.ObligationAccount{Discriminator: onchain.ObligationDiscriminator, Market: market, Owner: addr(99)}
	o.Collateral[0] = onchain.ObligationPositionLayout{Account: addr(50), Amount: collateral, Side: onchain.SideCollateral}
	o.Loans[0] = onchain.ObligationPositionLayout{Account: addr(51), Amount: loan, Side: onchain.SideLoan}
	data, err := bcs.Marshal(&o)
	require.NoError(t, err)
	return data
}

type fixture struct {
	handler *Handler
	querier *fakeQuerier
	sync    *stubSync
	metrics *MockMetrics
	router  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		querier: &fakeQuerier{accounts: map[onchain.Address][]byte{}},
		sync:    &stubSync{ready: true, watched: map[onchain.Address]syncer.WatchedObligation{}},
		metrics: &MockMetrics{},
	}
	f.metrics.On("RecordHTTPRequest", mock.Anything, mock.Anything, mock.Anything).Return()

	f.handler = NewHandler(newSnapshot(t), f.querier, f.sync, stubScans{}, stubAttempts{}, stubPinger{}, nil, zap.NewNop().Sugar())
	f.handler.now = func() time.Time { return now }
	f.router = f.handler.Routes(NewMiddleware(zap.NewNop().Sugar(), f.metrics), nil, 0, nil)
	return f
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name   string
		ready  bool
		ping   error
		path   string
		status int
		body   string
	}{
		{"healthz", false, nil, "/healthz", http.StatusOK, "OK"},
		{"ready", true, nil, "/readyz", http.StatusOK, "READY"},
		{"snapshot loading", false, nil, "/readyz", http.StatusServiceUnavailable, "SNAPSHOT LOADING\n"},
		{"cache down", true, errors.New("dial tcp: refused"), "/readyz", http.StatusServiceUnavailable, "CACHE UNAVAILABLE\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.sync.ready = tt.ready
			f.handler.cache = stubPinger{err: tt.ping}

			rec := f.get(t, tt.path)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.body, rec.Body.String())
		})
	}
}

func TestRequestsAreRecorded(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	f.metrics.AssertCalled(t, "RecordHTTPRequest", http.MethodGet, "/healthz", http.StatusOK)
}

func TestGetMarket(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/v1/market")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var dto MarketDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, marketAddr.String(), dto.Address)
	assert.Equal(t, "1.2500", dto.MinCollateralRatio)
	assert.Equal(t, now.Unix(), dto.AsOf)
	require.Len(t, dto.Reserves, 1)
	assert.Equal(t, "USDC", dto.Reserves[0].Symbol)
}

func TestGetReserve(t *testing.T) {
	t.Run("found by lower-case symbol", func(t *testing.T) {
		f := newFixture(t)
		rec := f.get(t, "/v1/reserves/usdc")
		require.Equal(t, http.StatusOK, rec.Code)

		var dto ReserveDTO
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
		assert.Equal(t, "USDC", dto.Symbol)
		assert.Equal(t, addr(10).String(), dto.Address)
		assert.Equal(t, "1", dto.Price)
		assert.Equal(t, int64(30), dto.PriceAge)
		assert.Equal(t, "fresh", dto.Status)
		assert.Equal(t, rateOne, dto.DepositNoteExchangeRate)
		assert.Equal(t, "0.000000", dto.MarketSize)
	})

	t.Run("stale once the window has passed", func(t *testing.T) {
		f := newFixture(t)
		f.handler.now = func() time.Time { return now.Add(8 * 24 * time.Hour) }
		rec := f.get(t, "/v1/reserves/USDC")
		require.Equal(t, http.StatusOK, rec.Code)
		var dto ReserveDTO
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
		assert.Equal(t, "stale", dto.Status)
	})

	t.Run("projected debt only while fresh", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.handler.snapshot.Update("USDC", now, func(r *markets.Reserve) error {
			r.Config = calc.ReserveConfig{
				UtilizationRate1: 8500, UtilizationRate2: 9500,
				BorrowRate0: 50, BorrowRate1: 392, BorrowRate2: 3364, BorrowRate3: 10116,
				MinCollateralRatio: 12500, ManageFeeRate: 50,
			}
			r.ConfigLoaded = true
			r.OutstandingDebt = fixed.FromUint64(1_000_000_000_000, 6)
			r.AvailableLiquidity = fixed.FromUint64(1_000_000_000_000, 6)
			return nil
		})
		require.NoError(t, err)

		reserve := func(at time.Time) ReserveDTO {
			f.handler.now = func() time.Time { return at }
			rec := f.get(t, "/v1/reserves/USDC")
			require.Equal(t, http.StatusOK, rec.Code)
			var dto ReserveDTO
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
			return dto
		}

		fresh := reserve(now.Add(time.Hour))
		require.NotEmpty(t, fresh.ProjectedDebt)
		projected, err := fixed.Parse(fresh.ProjectedDebt, 6)
		require.NoError(t, err)
		cmp, err := projected.Cmp(fixed.FromUint64(1_000_000_000_000, 6))
		require.NoError(t, err)
		assert.Equal(t, 1, cmp)

		stale := reserve(now.Add(8 * 24 * time.Hour))
		assert.Equal(t, "stale", stale.Status)
		assert.Empty(t, stale.ProjectedDebt)
	})

	t.Run("unknown", func(t *testing.T) {
		f := newFixture(t)
		rec := f.get(t, "/v1/reserves/BTC")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "RESERVE_NOT_FOUND", decodeError(t, rec).Code)
	})

	t.Run("list", func(t *testing.T) {
		f := newFixture(t)
		rec := f.get(t, "/v1/reserves")
		require.Equal(t, http.StatusOK, rec.Code)
		var list []ReserveDTO
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		assert.Len(t, list, 1)
	})
}

func TestGetObligation(t *testing.T) {
	obligation := addr(90)

	tests := []struct {
		name    string
		path    string
		setup   func(f *fixture)
		status  int
		code    string
		healthy bool
		ratio   string
		source  string
	}{
		{
			name:   "invalid address",
			path:   "/v1/obligations/not-base58!",
			status: http.StatusBadRequest,
			code:   "INVALID_ADDRESS",
		},
		{
			name:   "missing account",
			path:   "/v1/obligations/" + obligation.String(),
			status: http.StatusNotFound,
			code:   "OBLIGATION_NOT_FOUND",
		},
		{
			name: "ledger unavailable",
			path: "/v1/obligations/" + obligation.String(),
			setup: func(f *fixture) {
				f.querier.err = &onchain.LedgerQueryError{Method: "getAccountInfo", Err: errors.New("timeout")}
			},
			status: http.StatusBadGateway,
			code:   "LEDGER_UNAVAILABLE",
		},
		{
			name: "not an obligation",
			path: "/v1/obligations/" + obligation.String(),
			setup: func(f *fixture) {
				f.querier.accounts[obligation] = []byte{1, 2, 3}
			},
			status: http.StatusUnprocessableEntity,
			code:   "NOT_AN_OBLIGATION",
		},
		{
			name: "other market",
			path: "/v1/obligations/" + obligation.String(),
			setup: func(f *fixture) {
				f.querier.accounts[obligation] = obligationBytes(t, addr(77), 1_500_000, 1_000_000)
			},
			status: http.StatusNotFound,
			code:   "OBLIGATION_NOT_FOUND",
		},
		{
			name: "healthy from the ledger",
			path: "/v1/obligations/" + obligation.String(),
			setup: func(f *fixture) {
				f.querier.accounts[obligation] = obligationBytes(t, marketAddr, 1_500_000, 1_000_000)
			},
			status:  http.StatusOK,
			healthy: true,
			ratio:   "1.5",
			source:  "ledger",
		},
		{
			name: "unhealthy from the ledger",
			path: "/v1/obligations/" + obligation.String(),
			setup: func(f *fixture) {
				f.querier.accounts[obligation] = obligationBytes(t, marketAddr, 1_100_000, 1_000_000)
			},
			status:  http.StatusOK,
			healthy: false,
			ratio:   "1.1",
			source:  "ledger",
		},
		{
			name: "watched obligation",
			path: "/v1/obligations/" + obligation.String(),
			setup: func(f *fixture) {
				f.sync.watched[obligation] = syncer.WatchedObligation{
					Obligation: markets.Obligation{Address: obligation, Owner: addr(99)},
					Value:      calc.ObligationValue{CollateralRatio: decimal.RequireFromString("2")},
					Healthy:    true,
					UpdatedAt:  now,
				}
			},
			status:  http.StatusOK,
			healthy: true,
			ratio:   "2",
			source:  "subscription",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}

			rec := f.get(t, tt.path)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, decodeError(t, rec).Code)
				return
			}

			var dto ObligationDTO
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
			assert.Equal(t, tt.healthy, dto.Healthy)
			assert.Equal(t, tt.source, dto.Source)
			assert.Equal(t, uint16(12500), dto.MinCollateralRatio)
			assert.True(t, decimal.RequireFromString(tt.ratio).Equal(dto.Value.CollateralRatio),
				"collateral ratio %s", dto.Value.CollateralRatio)
			assert.Equal(t, obligation, dto.Obligation.Address)
			if tt.source == "ledger" {
				assert.Equal(t, !tt.healthy, dto.Error != "", dto.Error)
			}
		})
	}
}

func TestListLiquidations(t *testing.T) {
	results := []liquidator.Result{
		{Intent: intents.Intent{ID: "a"}, FinishedAt: now},
		{Intent: intents.Intent{ID: "b"}, Error: "liquidation rejected", FinishedAt: now},
		{Intent: intents.Intent{ID: "c"}, Receipt: intents.Receipt{Sink: "log", Ref: "c"}, FinishedAt: now},
	}

	tests := []struct {
		name   string
		query  string
		status int
		ids    []string
	}{
		{"all", "", http.StatusOK, []string{"a", "b", "c"}},
		{"limited keeps newest", "?limit=2", http.StatusOK, []string{"b", "c"}},
		{"limit above count", "?limit=10", http.StatusOK, []string{"a", "b", "c"}},
		{"bad limit", "?limit=x", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.handler.attempts = stubAttempts{results: results}

			rec := f.get(t, "/v1/liquidations"+tt.query)
			require.Equal(t, tt.status, rec.Code)
			if tt.ids == nil {
				return
			}

			var dto struct {
				Liquidations []struct {
					Intent struct {
						ID string `json:"id"`
					} `json:"intent"`
				} `json:"liquidations"`
				Count int `json:"count"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
			ids := make([]string, 0, len(dto.Liquidations))
			for _, l := range dto.Liquidations {
				ids = append(ids, l.Intent.ID)
			}
			assert.Equal(t, tt.ids, ids)
			assert.Equal(t, len(tt.ids), dto.Count)
		})
	}

	t.Run("empty list is an array", func(t *testing.T) {
		f := newFixture(t)
		rec := f.get(t, "/v1/liquidations")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"liquidations":[],"count":0}`, rec.Body.String())
	})
}

func TestGetLastScan(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/v1/scan")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NO_SCAN_YET", decodeError(t, rec).Code)

	f.handler.scans = stubScans{report: liquidator.ScanReport{Scanned: 12, Unhealthy: 1, StartedAt: now}}
	rec = f.get(t, "/v1/scan")
	require.Equal(t, http.StatusOK, rec.Code)
	var report liquidator.ScanReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 12, report.Scanned)
	assert.Equal(t, 1, report.Unhealthy)
}

func TestStreamDisabled(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/v1/stream")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)
	router := f.handler.Routes(NewMiddleware(zap.NewNop().Sugar(), f.metrics), nil, 6, nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/market", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
