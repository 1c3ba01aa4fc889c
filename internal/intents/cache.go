package intents

import (
	"context"
	"fmt"

	"github.com/leafsii/lending-liquidator/internal/store"
)

// IntentPublisher stores an intent and announces it; *store.Cache implements it.
type IntentPublisher interface {
	PublishIntent(ctx context.Context, id string, intent any) error
}

// CacheSink publishes intents on the cache's intent channel for an executor process
// subscribed there.
type CacheSink struct {
	cache IntentPublisher
}

func NewCacheSink(c IntentPublisher) *CacheSink {
	return &CacheSink{cache: c}
}

func (s *CacheSink) Name() string { return "redis" }

func (s *CacheSink) Emit(ctx context.Context, in Intent) (Receipt, error) {
	if err := s.cache.PublishIntent(ctx, in.ID, in); err != nil {
		return Receipt{}, fmt.Errorf("publish intent %s: %w", in.ID, err)
	}
	return Receipt{Sink: s.Name(), Ref: fmt.Sprintf("%s:%s", store.KeyIntent, in.ID)}, nil
}
