package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/leafsii/lending-liquidator/internal/markets"
	"go.uber.org/zap"
)

// MarketPublisher stores and announces a full market view; *store.Cache implements it.
type MarketPublisher interface {
	PublishMarket(ctx context.Context, m markets.Market, reserves []markets.Reserve) error
}

// SnapshotPublisher re-derives time-dependent reserve fields and publishes the whole
// market view on a fixed interval, so cache readers see freshness change even when no
// account update arrives.
type SnapshotPublisher struct {
	snapshot  *markets.Snapshot
	publisher MarketPublisher
	interval  time.Duration
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu        sync.Mutex
	cancelCtx context.CancelFunc
}

func NewSnapshotPublisher(snapshot *markets.Snapshot, publisher MarketPublisher, interval time.Duration, logger *zap.SugaredLogger) *SnapshotPublisher {
	return &SnapshotPublisher{
		snapshot:  snapshot,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

func (p *SnapshotPublisher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancelCtx = cancel
	p.mu.Unlock()
	defer cancel()

	p.logger.Infow("Starting snapshot publisher", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("Snapshot publisher stopping due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
			p.PublishOnce(ctx)
		}
	}
}

func (p *SnapshotPublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelCtx != nil {
		p.cancelCtx()
	}
}

// PublishOnce refreshes the snapshot and publishes it.
func (p *SnapshotPublisher) PublishOnce(ctx context.Context) {
	p.snapshot.Refresh(p.now())
	reserves := p.snapshot.Reserves()
	if err := p.publisher.PublishMarket(ctx, p.snapshot.Market(), reserves); err != nil {
		p.logger.Warnw("Failed to publish market snapshot", "error", err)
		return
	}
	p.logger.Debugw("Published market snapshot", "reserves", len(reserves))
}
