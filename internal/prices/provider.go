package prices

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one price observation for a reserve symbol.
type Tick struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Confidence  decimal.Decimal `json:"confidence"`
	PublishTime time.Time       `json:"publishTime"`
}

// Provider defines the interface for price data sources
type Provider interface {
	// Latest reads the current price for symbol.
	Latest(ctx context.Context, symbol string) (Tick, error)

	// SubscribeLive streams price updates for symbol until ctx ends or the source fails.
	SubscribeLive(ctx context.Context, symbol string, out chan<- Tick) error

	// Name returns the provider identifier
	Name() string

	// Health returns current provider health status
	Health() ProviderHealth
}

// ProviderHealth represents the current status of a provider
type ProviderHealth struct {
	Healthy     bool      `json:"healthy"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success"`
	Reconnects  int       `json:"reconnects"`
}
