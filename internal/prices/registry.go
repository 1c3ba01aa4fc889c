package prices

import (
	"fmt"
	"sort"
	"strings"

	"github.com/leafsii/lending-liquidator/internal/onchain"
)

// Registry maps reserve symbols to their price feed accounts.
type Registry struct {
	feeds map[string]onchain.Address
}

func NewRegistry() *Registry {
	return &Registry{feeds: make(map[string]onchain.Address)}
}

// AddFeed registers the feed account for a symbol. Symbols are case-insensitive.
func (r *Registry) AddFeed(symbol string, feed onchain.Address) {
	r.feeds[strings.ToUpper(symbol)] = feed
}

// Feed returns the feed account for a symbol.
func (r *Registry) Feed(symbol string) (onchain.Address, error) {
	feed, exists := r.feeds[strings.ToUpper(symbol)]
	if !exists {
		return onchain.Address{}, fmt.Errorf("no price feed for symbol: %s", symbol)
	}
	return feed, nil
}

// Symbols returns the registered symbols in sorted order.
func (r *Registry) Symbols() []string {
	symbols := make([]string, 0, len(r.feeds))
	for s := range r.feeds {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

func (r *Registry) Has(symbol string) bool {
	_, exists := r.feeds[strings.ToUpper(symbol)]
	return exists
}
