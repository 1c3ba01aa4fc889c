package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/leafsii/lending-liquidator/internal/accrual"
	"github.com/leafsii/lending-liquidator/internal/calc"
	"github.com/leafsii/lending-liquidator/internal/liquidator"
	"github.com/leafsii/lending-liquidator/internal/markets"
	"github.com/leafsii/lending-liquidator/internal/onchain"
	"github.com/leafsii/lending-liquidator/internal/syncer"
	"github.com/leafsii/lending-liquidator/internal/ws"
	"go.uber.org/zap"
)

const ratePrecision = 6

// MetricsInterface defines the interface for metrics recording
type MetricsInterface interface {
	RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration)
}

// SyncState is the part of the syncer the API reads.
type SyncState interface {
	Ready() bool
	Obligation(addr onchain.Address) (syncer.WatchedObligation, bool)
}

type ScanState interface {
	LastScan() liquidator.ScanReport
}

type AttemptLog interface {
	Recent() []liquidator.Result
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	snapshot   *markets.Snapshot
	querier    onchain.AccountQuerier
	sync       SyncState
	scans      ScanState
	attempts   AttemptLog
	cache      Pinger
	sseHandler *ws.SSEHandler
	logger     *zap.SugaredLogger
	now        func() time.Time
}

func NewHandler(
	snapshot *markets.Snapshot,
	querier onchain.AccountQuerier,
	sync SyncState,
	scans ScanState,
	attempts AttemptLog,
	cache Pinger,
	sseHandler *ws.SSEHandler,
	logger *zap.SugaredLogger,
) *Handler {
	return &Handler{
		snapshot:   snapshot,
		querier:    querier,
		sync:       sync,
		scans:      scans,
		attempts:   attempts,
		cache:      cache,
		sseHandler: sseHandler,
		logger:     logger,
		now:        time.Now,
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Readyz reports ready once the first snapshot load finished and the cache answers.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.sync != nil && !h.sync.Ready() {
		http.Error(w, "SNAPSHOT LOADING", http.StatusServiceUnavailable)
		return
	}
	if h.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.cache.Ping(ctx); err != nil {
			h.logger.Warnw("Readiness check failed", "check", "cache", "error", err)
			http.Error(w, "CACHE UNAVAILABLE", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	m := h.snapshot.Market()
	reserves := h.snapshot.Reserves()

	dto := MarketDTO{
		Address:            m.Address.String(),
		Authority:          m.Authority.String(),
		ProgramID:          m.ProgramID.String(),
		MinCollateralRatio: calc.FromBps(m.MinCollateralRatio).StringFixed(4),
		Reserves:           make([]ReserveDTO, 0, len(reserves)),
		AsOf:               now.Unix(),
	}
	for _, res := range reserves {
		dto.Reserves = append(dto.Reserves, toReserveDTO(res, now))
	}

	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) ListReserves(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	reserves := h.snapshot.Reserves()
	out := make([]ReserveDTO, 0, len(reserves))
	for _, res := range reserves {
		out = append(out, toReserveDTO(res, now))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetReserve(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	res, ok := h.snapshot.Reserve(symbol)
	if !ok {
		h.writeError(w, http.StatusNotFound, "RESERVE_NOT_FOUND", "unknown reserve "+symbol)
		return
	}
	h.writeJSON(w, http.StatusOK, toReserveDTO(res, h.now()))
}

// GetObligation values one obligation. Watched obligations are served from their
// subscription; any other address is read from the ledger and valued against the
// current snapshot.
func (h *Handler) GetObligation(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	addr, err := onchain.ParseAddress(address)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", err.Error())
		return
	}

	minRatio := h.snapshot.Market().MinCollateralRatio

	if h.sync != nil {
		if watched, ok := h.sync.Obligation(addr); ok {
			h.writeJSON(w, http.StatusOK, ObligationDTO{
				Obligation:         watched.Obligation,
				Value:              watched.Value,
				Healthy:            watched.Healthy,
				MinCollateralRatio: minRatio,
				Source:             "subscription",
				Error:              watched.Error,
				UpdatedAt:          watched.UpdatedAt.Unix(),
			})
			return
		}
	}

	data, err := h.querier.AccountInfo(r.Context(), addr)
	if err != nil {
		var qerr *onchain.LedgerQueryError
		if errors.As(err, &qerr) {
			h.writeError(w, http.StatusBadGateway, "LEDGER_UNAVAILABLE", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "LEDGER_ERROR", err.Error())
		return
	}
	if data == nil {
		h.writeError(w, http.StatusNotFound, "OBLIGATION_NOT_FOUND", "no account at "+address)
		return
	}

	raw, err := onchain.DecodeObligation(data)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "NOT_AN_OBLIGATION", err.Error())
		return
	}
	if raw.Market != h.snapshot.Market().Address {
		h.writeError(w, http.StatusNotFound, "OBLIGATION_NOT_FOUND", "obligation belongs to another market")
		return
	}

	o, err := h.snapshot.ObligationFromAccount(addr, raw)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "INVALID_OBLIGATION", err.Error())
		return
	}
	value, err := h.snapshot.Value(o)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "VALUATION_UNAVAILABLE", err.Error())
		return
	}

	dto := ObligationDTO{
		Obligation:         o,
		Value:              value,
		Healthy:            calc.IsHealthy(value, minRatio),
		MinCollateralRatio: minRatio,
		Source:             "ledger",
		UpdatedAt:          h.now().Unix(),
	}
	if err := calc.ValidateCRConstraint(value, minRatio); err != nil {
		dto.Error = err.Error()
	}
	h.writeJSON(w, http.StatusOK, dto)
}

// ListLiquidations returns recent liquidation attempts, newest last. ?limit=N keeps
// only the last N.
func (h *Handler) ListLiquidations(w http.ResponseWriter, r *http.Request) {
	recent := h.attempts.Recent()
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "INVALID_PARAMETER", "limit must be a non-negative integer")
			return
		}
		if limit < len(recent) {
			recent = recent[len(recent)-limit:]
		}
	}
	if recent == nil {
		recent = []liquidator.Result{}
	}
	h.writeJSON(w, http.StatusOK, LiquidationsDTO{Liquidations: recent, Count: len(recent)})
}

func (h *Handler) GetLastScan(w http.ResponseWriter, r *http.Request) {
	report := h.scans.LastScan()
	if report.StartedAt.IsZero() {
		h.writeError(w, http.StatusNotFound, "NO_SCAN_YET", "no scan has completed")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if h.sseHandler == nil {
		h.writeError(w, http.StatusNotImplemented, "STREAM_DISABLED", "event stream is not configured")
		return
	}
	h.sseHandler.HandleSSE(w, r)
}

func toReserveDTO(r markets.Reserve, now time.Time) ReserveDTO {
	dto := ReserveDTO{
		Symbol:                  r.Symbol,
		Name:                    r.Name,
		Index:                   r.Index,
		Decimals:                r.Decimals,
		Address:                 r.Accounts.Reserve.String(),
		MarketSize:              r.MarketSize.String(),
		AvailableLiquidity:      r.AvailableLiquidity.String(),
		OutstandingDebt:         r.OutstandingDebt.String(),
		Utilization:             r.Utilization.StringFixed(ratePrecision),
		BorrowRate:              r.BorrowRate.StringFixed(ratePrecision),
		DepositRate:             r.DepositRate.StringFixed(ratePrecision),
		BorrowAPY:               calc.APY(r.BorrowRate).StringFixed(ratePrecision),
		DepositAPY:              calc.APY(r.DepositRate).StringFixed(ratePrecision),
		DepositNoteExchangeRate: r.DepositNoteExchangeRate,
		LoanNoteExchangeRate:    r.LoanNoteExchangeRate,
		MinCollateralRatio:      r.Config.MinCollateralRatio,
		LiquidationPremium:      r.LiquidationPremium,
		AccruedUntil:            r.AccruedUntil,
		Status:                  accrual.Freshness(r.AccruedUntil, now).String(),
		ConfigLoaded:            r.ConfigLoaded,
	}
	// a stale reserve needs a ledger refresh, not a local projection
	if r.ConfigLoaded && r.AccruedUntil > 0 && dto.Status == accrual.Fresh.String() {
		if projected, err := accrual.Project(r.AccrualState(), r.Config, now); err == nil {
			dto.ProjectedDebt = projected.OutstandingDebt.String()
		}
	}
	if r.Priced() {
		dto.Price = r.Price.String()
		dto.PriceAge = int64(now.Sub(r.PriceTime).Seconds())
	}
	return dto
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.logger.Errorw("API error", "code", code, "message", message, "status", status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
