package ws

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/leafsii/lending-liquidator/internal/markets"
	"github.com/leafsii/lending-liquidator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestChannels(t *testing.T) {
	h := NewSSEHandler(store.NewMemoryCache(nil, nil), []string{"USDC", "SOL"}, zap.NewNop().Sugar(), nil)

	tests := []struct {
		name   string
		topics []string
		symbol string
		want   []string
	}{
		{"market", []string{"market"}, "", []string{store.KeyMarket}},
		{"all reserves", []string{"reserves"}, "", []string{"lqd:reserve:USDC", "lqd:reserve:SOL"}},
		{"one reserve", []string{"reserve"}, "sol", []string{"lqd:reserve:SOL"}},
		{"reserve without symbol", []string{"reserve"}, "", []string{}},
		{"intents and unknown", []string{"intents", "candles"}, "", []string{store.ChannelIntents}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.channels(tt.topics, tt.symbol))
		})
	}
}

func TestChannelToEventType(t *testing.T) {
	assert.Equal(t, "market_update", channelToEventType(store.KeyMarket))
	assert.Equal(t, "reserve_update", channelToEventType(store.ReserveChannel("USDC")))
	assert.Equal(t, "liquidation_intent", channelToEventType(store.ChannelIntents))
	assert.Equal(t, "update", channelToEventType("other"))
}

// readEvent returns the event name and data of the next event on the stream.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return event, data
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestHandleSSEStreamsReserveUpdates(t *testing.T) {
	cache := store.NewMemoryCache(nil, nil)
	h := NewSSEHandler(cache, []string{"USDC"}, zap.NewNop().Sugar(), nil)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleSSE))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?topics=reserve&symbol=usdc", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body := bufio.NewReader(resp.Body)
	event, data := readEvent(t, body)
	require.Equal(t, "connected", event)
	assert.Contains(t, data, "lqd:reserve:USDC")

	require.NoError(t, cache.PublishReserve(ctx, markets.Reserve{Symbol: "USDC", Name: "USD Coin"}))

	event, data = readEvent(t, body)
	assert.Equal(t, "reserve_update", event)
	assert.Contains(t, data, `"symbol":"USDC"`)
}
