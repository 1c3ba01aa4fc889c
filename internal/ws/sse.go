package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/leafsii/lending-liquidator/internal/metrics"
	"github.com/leafsii/lending-liquidator/internal/store"
	"go.uber.org/zap"
)

const defaultHeartbeat = 30 * time.Second

// SSEHandler streams market, reserve and intent announcements from the cache pubsub
// as server-sent events.
type SSEHandler struct {
	cache     *store.Cache
	symbols   []string
	heartbeat time.Duration
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics
}

// NewSSEHandler serves streams over cache. symbols lists the reserves a client may
// follow with the "reserves" topic.
func NewSSEHandler(cache *store.Cache, symbols []string, logger *zap.SugaredLogger, m *metrics.Metrics) *SSEHandler {
	return &SSEHandler{
		cache:     cache,
		symbols:   symbols,
		heartbeat: defaultHeartbeat,
		logger:    logger,
		metrics:   m,
	}
}

func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	channels := h.channels(parseTopics(r), r.URL.Query().Get("symbol"))
	if len(channels) == 0 {
		channels = []string{store.KeyMarket}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	messages, closeSub := h.subscribe(ctx, channels)
	if messages == nil {
		h.logger.Warnw("No PubSub available; SSE updates disabled for this connection")
		h.sendEvent(w, flusher, "connected", "no-pubsub", nil)
		return
	}
	defer closeSub()

	h.metrics.IncrementSubscriptions(ctx)
	defer h.metrics.DecrementSubscriptions(context.Background())

	h.logger.Debugw("SSE connection established", "channels", channels)
	h.sendEvent(w, flusher, "connected", "connected", map[string]any{"channels": channels})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("SSE client disconnected")
			return

		case <-heartbeat.C:
			h.sendEvent(w, flusher, "heartbeat", "ping", map[string]any{
				"timestamp": time.Now().Unix(),
			})

		case msg, ok := <-messages:
			if !ok {
				return
			}
			var data any
			if err := json.Unmarshal([]byte(msg.Payload), &data); err != nil {
				h.logger.Warnw("Failed to parse message payload", "channel", msg.Channel, "error", err)
				continue
			}
			h.sendEvent(w, flusher, channelToEventType(msg.Channel), msg.Channel, data)
		}
	}
}

// subscribe uses Redis pubsub when connected and the in-memory hub otherwise. Both
// are presented as one message channel.
func (h *SSEHandler) subscribe(ctx context.Context, channels []string) (<-chan *store.Message, func()) {
	if pubsub := h.cache.Subscribe(ctx, channels...); pubsub != nil {
		out := make(chan *store.Message)
		go func() {
			defer close(out)
			ch := pubsub.Channel()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- &store.Message{Channel: msg.Channel, Payload: msg.Payload}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		return out, func() { _ = pubsub.Close() }
	}

	if sub := h.cache.SubscribeInMemory(ctx, channels...); sub != nil {
		return sub.Channel(), func() { _ = sub.Close() }
	}
	return nil, func() {}
}

func parseTopics(r *http.Request) []string {
	topicsParam := r.URL.Query().Get("topics")
	if topicsParam == "" {
		return nil
	}
	return strings.Split(topicsParam, ",")
}

func (h *SSEHandler) channels(topics []string, symbol string) []string {
	channels := make([]string, 0, len(topics))
	for _, topic := range topics {
		switch strings.TrimSpace(topic) {
		case "market":
			channels = append(channels, store.KeyMarket)
		case "intents":
			channels = append(channels, store.ChannelIntents)
		case "reserves":
			for _, s := range h.symbols {
				channels = append(channels, store.ReserveChannel(s))
			}
		case "reserve":
			if symbol != "" {
				channels = append(channels, store.ReserveChannel(strings.ToUpper(symbol)))
			}
		}
	}
	return channels
}

func channelToEventType(channel string) string {
	switch {
	case channel == store.KeyMarket:
		return "market_update"
	case channel == store.ChannelIntents:
		return "liquidation_intent"
	case strings.HasPrefix(channel, store.KeyReserve+":"):
		return "reserve_update"
	default:
		return "update"
	}
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType, id string, data any) {
	payload := []byte("{}")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			h.logger.Errorw("Failed to marshal SSE data", "error", err)
			return
		}
		payload = b
	}
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "id: %s\n", id)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
