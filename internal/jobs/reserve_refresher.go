package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/leafsii/lending-liquidator/internal/accrual"
	"github.com/leafsii/lending-liquidator/internal/markets"
	"go.uber.org/zap"
)

// CatchUpper submits the refreshes that bring a reserve back within one accrual window.
type CatchUpper interface {
	CatchUp(ctx context.Context, symbol string, accounts accrual.RefreshAccounts, accruedUntil int64, now time.Time) (accrual.CatchUpResult, error)
}

type ReserveRefresherConfig struct {
	Interval time.Duration
	// Cooldown is how long a reserve is left alone after a catch-up, giving the
	// ledger time to push its new accrued-until.
	Cooldown time.Duration
}

// ReserveRefresher watches for stale reserves and asks the ledger to accrue them.
type ReserveRefresher struct {
	snapshot *markets.Snapshot
	engine   CatchUpper
	config   ReserveRefresherConfig
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu          sync.Mutex
	lastAttempt map[string]time.Time
	cancelCtx   context.CancelFunc
}

func NewReserveRefresher(snapshot *markets.Snapshot, engine CatchUpper, config ReserveRefresherConfig, logger *zap.SugaredLogger) *ReserveRefresher {
	return &ReserveRefresher{
		snapshot:    snapshot,
		engine:      engine,
		config:      config,
		logger:      logger,
		now:         time.Now,
		lastAttempt: make(map[string]time.Time),
	}
}

func (r *ReserveRefresher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelCtx = cancel
	r.mu.Unlock()
	defer cancel()

	r.logger.Infow("Starting reserve refresher", "interval", r.config.Interval, "cooldown", r.config.Cooldown)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Infow("Reserve refresher stopping due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
			r.RefreshOnce(ctx)
		}
	}
}

func (r *ReserveRefresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelCtx != nil {
		r.cancelCtx()
	}
}

// RefreshOnce catches up every stale reserve not in cooldown and returns how many
// refresh transactions were submitted.
func (r *ReserveRefresher) RefreshOnce(ctx context.Context) int {
	now := r.now()
	market := r.snapshot.Market()
	submitted := 0

	for _, res := range r.snapshot.Reserves() {
		if res.AccruedUntil <= 0 || accrual.Freshness(res.AccruedUntil, now) == accrual.Fresh {
			continue
		}
		if !r.due(res.Symbol, now) {
			continue
		}

		result, err := r.engine.CatchUp(ctx, res.Symbol, res.RefreshAccounts(market), res.AccruedUntil, now)
		submitted += result.Steps
		if err != nil {
			var stale *accrual.StaleDataError
			if errors.As(err, &stale) {
				r.logger.Warnw("Reserve remains stale", "reserve", res.Symbol, "step", stale.Step, "steps", stale.Steps, "error", stale.Err)
			} else {
				r.logger.Errorw("Reserve refresh failed", "reserve", res.Symbol, "error", err)
			}
			continue
		}
		r.logger.Infow("Reserve refreshed", "reserve", res.Symbol, "steps", result.Steps, "txs", result.TxIDs)
	}
	return submitted
}

func (r *ReserveRefresher) due(symbol string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastAttempt[symbol]; ok && now.Sub(last) < r.config.Cooldown {
		return false
	}
	r.lastAttempt[symbol] = now
	return true
}
