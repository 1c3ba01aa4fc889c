package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/leafsii/lending-liquidator/internal/markets"
	"github.com/leafsii/lending-liquidator/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache keys and channels
const (
	KeyMarket      = "lqd:market"
	KeyReserve     = "lqd:reserve"
	KeyIntent      = "lqd:intent"
	ChannelIntents = "lqd:intents"

	reserveTTL = 30 * time.Second
	intentTTL  = 10 * time.Minute
)

// ReserveChannel is the pubsub channel carrying updates of one reserve.
func ReserveChannel(symbol string) string {
	return fmt.Sprintf("%s:%s", KeyReserve, symbol)
}

type Cache struct {
	// When Redis is available, use client for all operations
	client *redis.Client
	// Otherwise values live in process and pubsub goes through the hub
	mem *memoryStore
	hub *Hub

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewCache connects to Redis at addr, falling back to in-memory mode when it cannot
// be reached. An empty addr selects in-memory mode directly.
func NewCache(addr string, logger *zap.SugaredLogger, m *metrics.Metrics) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if addr == "" {
		return NewMemoryCache(logger, m), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warnw("Redis unavailable; using in-memory cache and pubsub", "addr", addr, "error", err)
		_ = client.Close()
		return NewMemoryCache(logger, m), nil
	}

	return &Cache{client: client, logger: logger, metrics: m}, nil
}

func NewMemoryCache(logger *zap.SugaredLogger, m *metrics.Metrics) *Cache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Cache{mem: newMemoryStore(), hub: NewHub(), logger: logger, metrics: m}
}

func (c *Cache) IsInMemoryMode() bool {
	return c.client == nil
}

func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	var data []byte
	if c.client != nil {
		val, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				c.metrics.RecordCacheMiss(ctx, key)
				return ErrCacheMiss
			}
			c.logger.Errorw("Cache get error", "key", key, "error", err)
			return fmt.Errorf("cache get error: %w", err)
		}
		data = val
	} else {
		val, ok := c.mem.get(key)
		if !ok {
			c.metrics.RecordCacheMiss(ctx, key)
			return ErrCacheMiss
		}
		data = val
	}

	c.metrics.RecordCacheHit(ctx, key)
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

// GetRaw returns the stored JSON without decoding it.
func (c *Cache) GetRaw(ctx context.Context, key string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.Get(ctx, key, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if c.client != nil {
		if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
			c.logger.Errorw("Cache set error", "key", key, "error", err)
			return fmt.Errorf("cache set error: %w", err)
		}
		return nil
	}
	c.mem.set(key, data, ttl)
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if c.client != nil {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			c.logger.Errorw("Cache delete error", "keys", keys, "error", err)
			return fmt.Errorf("cache delete error: %w", err)
		}
		return nil
	}
	c.mem.del(keys...)
	return nil
}

func (c *Cache) Publish(ctx context.Context, channel string, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("pubsub marshal error: %w", err)
	}

	if c.client != nil {
		if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
			c.logger.Errorw("Publish error", "channel", channel, "error", err)
			return fmt.Errorf("pubsub publish error: %w", err)
		}
		return nil
	}

	c.hub.Publish(channel, string(data))
	c.logger.Debugw("Published to in-memory pubsub", "channel", channel)
	return nil
}

// Subscribe returns a Redis subscription, or nil in in-memory mode; use
// SubscribeInMemory there.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if c.client != nil {
		return c.client.Subscribe(ctx, channels...)
	}
	return nil
}

func (c *Cache) SubscribeInMemory(ctx context.Context, channels ...string) *Subscription {
	if c.hub != nil {
		return c.hub.Subscribe(ctx, channels...)
	}
	return nil
}

// PublishReserve caches the reserve view and announces it on its channel.
func (c *Cache) PublishReserve(ctx context.Context, r markets.Reserve) error {
	if err := c.Set(ctx, ReserveChannel(r.Symbol), r, reserveTTL); err != nil {
		return err
	}
	return c.Publish(ctx, ReserveChannel(r.Symbol), r)
}

// PublishMarket caches the market view together with its reserves.
func (c *Cache) PublishMarket(ctx context.Context, m markets.Market, reserves []markets.Reserve) error {
	view := struct {
		Market   markets.Market    `json:"market"`
		Reserves []markets.Reserve `json:"reserves"`
	}{m, reserves}
	if err := c.Set(ctx, KeyMarket, view, reserveTTL); err != nil {
		return err
	}
	return c.Publish(ctx, KeyMarket, view)
}

// PublishIntent records a liquidation intent under its id and announces it.
func (c *Cache) PublishIntent(ctx context.Context, id string, intent any) error {
	if err := c.Set(ctx, fmt.Sprintf("%s:%s", KeyIntent, id), intent, intentTTL); err != nil {
		return err
	}
	return c.Publish(ctx, ChannelIntents, intent)
}

func (c *Cache) Ping(ctx context.Context) error {
	if c.client != nil {
		return c.client.Ping(ctx).Err()
	}
	return nil
}

func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
