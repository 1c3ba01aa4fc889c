package prices

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/leafsii/lending-liquidator/internal/onchain"
	"go.uber.org/zap"
)

// ErrorHandler is told about feed updates that could not be decoded.
type ErrorHandler func(symbol string, feed onchain.Address, err error)

// LedgerProvider reads prices from feed accounts on the ledger.
type LedgerProvider struct {
	querier    onchain.AccountQuerier
	subscriber onchain.Subscriber
	registry   *Registry
	onError    ErrorHandler
	logger     *zap.SugaredLogger

	mu     sync.RWMutex
	health ProviderHealth
}

func NewLedgerProvider(querier onchain.AccountQuerier, subscriber onchain.Subscriber, registry *Registry, logger *zap.SugaredLogger) *LedgerProvider {
	return &LedgerProvider{
		querier:    querier,
		subscriber: subscriber,
		registry:   registry,
		logger:     logger,
		health: ProviderHealth{
			Healthy:     true,
			LastSuccess: time.Now(),
		},
	}
}

// OnDecodeError installs a handler for undecodable feed updates. Call before subscribing.
func (p *LedgerProvider) OnDecodeError(h ErrorHandler) {
	p.onError = h
}

func (p *LedgerProvider) Name() string {
	return "ledger"
}

func (p *LedgerProvider) Health() ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

func (p *LedgerProvider) updateHealth(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.health.Healthy = false
		p.health.LastError = err.Error()
	} else {
		p.health.Healthy = true
		p.health.LastError = ""
		p.health.LastSuccess = time.Now()
	}
}

func (p *LedgerProvider) Latest(ctx context.Context, symbol string) (Tick, error) {
	feed, err := p.registry.Feed(symbol)
	if err != nil {
		return Tick{}, err
	}

	data, err := p.querier.AccountInfo(ctx, feed)
	if err != nil {
		p.updateHealth(err)
		return Tick{}, err
	}
	if data == nil {
		err := fmt.Errorf("price feed %s for %s does not exist", feed, symbol)
		p.updateHealth(err)
		return Tick{}, err
	}

	tick, err := toTick(symbol, data)
	if err != nil {
		err = onchain.WithAddress(err, feed)
		p.updateHealth(err)
		return Tick{}, err
	}
	p.updateHealth(nil)
	return tick, nil
}

// SubscribeLive forwards decoded feed updates, re-reading the feed each time the
// subscription is confirmed. Undecodable or closed-account updates are skipped; the
// previous price stays in effect.
func (p *LedgerProvider) SubscribeLive(ctx context.Context, symbol string, out chan<- Tick) error {
	feed, err := p.registry.Feed(symbol)
	if err != nil {
		return err
	}

	updates := make(chan onchain.AccountUpdate, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.subscriber.Subscribe(ctx, feed, updates)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				p.updateHealth(err)
				p.mu.Lock()
				p.health.Reconnects++
				p.mu.Unlock()
			}
			return err
		case update := <-updates:
			if update.Subscribed {
				// catch up on anything pushed while the subscription was down
				tick, err := p.Latest(ctx, symbol)
				if err != nil {
					p.logger.Warnw("Price feed resync failed", "symbol", symbol, "error", err)
					continue
				}
				select {
				case out <- tick:
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			if update.Data == nil {
				p.logger.Warnw("Price feed account closed", "symbol", symbol, "feed", feed.String())
				continue
			}
			tick, err := toTick(symbol, update.Data)
			if err != nil {
				err = onchain.WithAddress(err, feed)
				p.logger.Warnw("Dropping undecodable price update", "symbol", symbol, "error", err)
				if p.onError != nil {
					p.onError(symbol, feed, err)
				}
				continue
			}
			p.updateHealth(nil)

			select {
			case out <- tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func toTick(symbol string, data []byte) (Tick, error) {
	feed, err := onchain.DecodePrice(data)
	if err != nil {
		return Tick{}, err
	}
	return Tick{
		Symbol:      strings.ToUpper(symbol),
		Price:       feed.Price,
		Confidence:  feed.Confidence,
		PublishTime: feed.PublishTime,
	}, nil
}
