package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/leafsii/lending-liquidator/internal/prices"
	"github.com/shopspring/decimal"
)

// Provider serves prices set by the caller, for tests and dry runs.
type Provider struct {
	mu          sync.RWMutex
	ticks       map[string]prices.Tick
	subscribers map[string][]chan prices.Tick
}

func NewProvider() *Provider {
	return &Provider{
		ticks:       make(map[string]prices.Tick),
		subscribers: make(map[string][]chan prices.Tick),
	}
}

func (p *Provider) Name() string {
	return "mock"
}

func (p *Provider) Health() prices.ProviderHealth {
	return prices.ProviderHealth{Healthy: true, LastSuccess: time.Now()}
}

// SetPrice records a price and pushes it to live subscribers of the symbol.
func (p *Provider) SetPrice(symbol string, price decimal.Decimal, publishTime time.Time) {
	tick := prices.Tick{Symbol: strings.ToUpper(symbol), Price: price, PublishTime: publishTime}

	p.mu.Lock()
	p.ticks[tick.Symbol] = tick
	subs := append([]chan prices.Tick(nil), p.subscribers[tick.Symbol]...)
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- tick:
		default:
		}
	}
}

func (p *Provider) Latest(ctx context.Context, symbol string) (prices.Tick, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tick, ok := p.ticks[strings.ToUpper(symbol)]
	if !ok {
		return prices.Tick{}, fmt.Errorf("no price for %s", symbol)
	}
	return tick, nil
}

func (p *Provider) SubscribeLive(ctx context.Context, symbol string, out chan<- prices.Tick) error {
	symbol = strings.ToUpper(symbol)
	ch := make(chan prices.Tick, 16)

	p.mu.Lock()
	p.subscribers[symbol] = append(p.subscribers[symbol], ch)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		subs := p.subscribers[symbol]
		for i, s := range subs {
			if s == ch {
				p.subscribers[symbol] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-ch:
			select {
			case out <- tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Subscribers reports how many live subscriptions exist for symbol.
func (p *Provider) Subscribers(symbol string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[strings.ToUpper(symbol)])
}
