// Package syncer keeps the market snapshot in step with the ledger. Every tracked
// account has its own subscription and goroutine, so updates to one account are
// applied in arrival order while different accounts proceed independently.
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leafsii/lending-liquidator/internal/markets"
	"github.com/leafsii/lending-liquidator/internal/metrics"
	"github.com/leafsii/lending-liquidator/internal/onchain"
	"github.com/leafsii/lending-liquidator/internal/prices"
	"go.uber.org/zap"
)

// AccountKind names the layout of a tracked account.
type AccountKind string

const (
	KindMarket      AccountKind = "market"
	KindReserve     AccountKind = "reserve"
	KindTokenMint   AccountKind = "token mint"
	KindDepositMint AccountKind = "deposit note mint"
	KindLoanMint    AccountKind = "loan note mint"
	KindVault       AccountKind = "vault"
	KindPriceFeed   AccountKind = "price feed"
	KindObligation  AccountKind = "obligation"
)

// Observer is told about every update that was dropped because it did not decode.
type Observer interface {
	DecodeFailed(kind AccountKind, addr onchain.Address, err error)
}

// ReservePublisher receives each reserve after its derived values change.
type ReservePublisher interface {
	PublishReserve(ctx context.Context, r markets.Reserve) error
}

type tracked struct {
	kind    AccountKind
	addr    onchain.Address
	reserve string
}

type Syncer struct {
	snapshot   *markets.Snapshot
	querier    onchain.AccountQuerier
	subscriber onchain.Subscriber
	prices     prices.Provider
	publisher  ReservePublisher
	observer   Observer
	metrics    *metrics.Metrics
	logger     *zap.SugaredLogger

	accounts       []tracked
	reconnectDelay time.Duration
	now            func() time.Time

	ready atomic.Bool

	watchMu sync.Mutex
	watched map[onchain.Address]WatchedObligation
}

type Option func(*Syncer)

func WithPublisher(p ReservePublisher) Option {
	return func(s *Syncer) { s.publisher = p }
}

func WithObserver(o Observer) Option {
	return func(s *Syncer) { s.observer = o }
}

func WithReconnectDelay(d time.Duration) Option {
	return func(s *Syncer) { s.reconnectDelay = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// WithObligations adds obligation accounts to follow by push subscription.
func WithObligations(addrs ...onchain.Address) Option {
	return func(s *Syncer) {
		for _, a := range addrs {
			s.accounts = append(s.accounts, tracked{kind: KindObligation, addr: a})
		}
	}
}

func New(
	snapshot *markets.Snapshot,
	querier onchain.AccountQuerier,
	subscriber onchain.Subscriber,
	provider prices.Provider,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
	opts ...Option,
) *Syncer {
	s := &Syncer{
		snapshot:       snapshot,
		querier:        querier,
		subscriber:     subscriber,
		prices:         provider,
		metrics:        m,
		logger:         logger,
		reconnectDelay: 2 * time.Second,
		now:            time.Now,
		watched:        make(map[onchain.Address]WatchedObligation),
	}

	s.accounts = append(s.accounts, tracked{kind: KindMarket, addr: snapshot.Market().Address})
	for _, r := range snapshot.Reserves() {
		a := r.Accounts
		s.accounts = append(s.accounts,
			tracked{kind: KindReserve, addr: a.Reserve, reserve: r.Symbol},
			tracked{kind: KindDepositMint, addr: a.DepositNoteMint, reserve: r.Symbol},
			tracked{kind: KindLoanMint, addr: a.LoanNoteMint, reserve: r.Symbol},
			tracked{kind: KindTokenMint, addr: a.TokenMint, reserve: r.Symbol},
			tracked{kind: KindVault, addr: a.Vault, reserve: r.Symbol},
		)
	}

	for _, opt := range opts {
		opt(s)
	}

	if lp, ok := provider.(interface{ OnDecodeError(prices.ErrorHandler) }); ok {
		lp.OnDecodeError(func(symbol string, feed onchain.Address, err error) {
			s.decodeFailed(context.Background(), KindPriceFeed, feed, err)
		})
	}
	return s
}

// Ready reports whether the initial load has finished.
func (s *Syncer) Ready() bool {
	return s.ready.Load()
}

// Run loads every tracked account once, then follows push updates until ctx ends.
func (s *Syncer) Run(ctx context.Context) error {
	s.Bootstrap(ctx)

	var wg sync.WaitGroup
	for _, t := range s.accounts {
		wg.Add(1)
		go func(t tracked) {
			defer wg.Done()
			s.follow(ctx, t)
		}(t)
	}
	for _, r := range s.snapshot.Reserves() {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			s.followPrice(ctx, symbol)
		}(r.Symbol)
	}

	s.logger.Infow("Syncer started", "accounts", len(s.accounts), "priceFeeds", len(s.snapshot.Reserves()))
	wg.Wait()
	return ctx.Err()
}

// Bootstrap reads every tracked account and price once. Failures are logged; the
// affected fields stay empty until the first push arrives.
func (s *Syncer) Bootstrap(ctx context.Context) {
	// prices first so watched obligations can be valued on their first load
	for _, r := range s.snapshot.Reserves() {
		tick, err := s.prices.Latest(ctx, r.Symbol)
		if err != nil {
			s.logger.Warnw("Initial price load failed", "reserve", r.Symbol, "error", err)
			continue
		}
		s.ApplyPrice(ctx, tick)
	}
	for _, t := range s.accounts {
		data, err := s.querier.AccountInfo(ctx, t.addr)
		if err != nil {
			s.logger.Warnw("Initial account load failed", "kind", t.kind, "address", t.addr.String(), "error", err)
			continue
		}
		s.Apply(ctx, t, onchain.AccountUpdate{Address: t.addr, Data: data})
	}
	s.ready.Store(true)
}

func (s *Syncer) follow(ctx context.Context, t tracked) {
	log := s.logger.With("kind", t.kind, "address", t.addr.String())
	for {
		updates := make(chan onchain.AccountUpdate, 16)
		errCh := make(chan error, 1)
		s.metrics.IncrementSubscriptions(ctx)
		go func() {
			errCh <- s.subscriber.Subscribe(ctx, t.addr, updates)
		}()

		var err error
	consume:
		for {
			select {
			case u := <-updates:
				s.handle(ctx, t, u)
			case err = <-errCh:
				// apply anything delivered before the subscription ended
				for len(updates) > 0 {
					s.handle(ctx, t, <-updates)
				}
				break consume
			}
		}
		s.metrics.DecrementSubscriptions(ctx)

		if ctx.Err() != nil {
			return
		}
		log.Warnw("Account subscription ended, reconnecting", "error", err, "delay", s.reconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Syncer) handle(ctx context.Context, t tracked, u onchain.AccountUpdate) {
	if u.Subscribed {
		s.resync(ctx, t)
		return
	}
	s.Apply(ctx, t, u)
}

// resync re-reads an account once its subscription is confirmed, so pushes sent
// while the subscription was down are not lost.
func (s *Syncer) resync(ctx context.Context, t tracked) {
	data, err := s.querier.AccountInfo(ctx, t.addr)
	if err != nil {
		s.logger.Warnw("Account resync failed", "kind", t.kind, "address", t.addr.String(), "error", err)
		return
	}
	s.Apply(ctx, t, onchain.AccountUpdate{Address: t.addr, Data: data})
}

func (s *Syncer) followPrice(ctx context.Context, symbol string) {
	for {
		ticks := make(chan prices.Tick, 16)
		errCh := make(chan error, 1)
		go func() {
			errCh <- s.prices.SubscribeLive(ctx, symbol, ticks)
		}()

		var err error
	consume:
		for {
			select {
			case tick := <-ticks:
				s.ApplyPrice(ctx, tick)
			case err = <-errCh:
				for len(ticks) > 0 {
					s.ApplyPrice(ctx, <-ticks)
				}
				break consume
			}
		}

		if ctx.Err() != nil {
			return
		}
		s.logger.Warnw("Price subscription ended, reconnecting", "reserve", symbol, "provider", s.prices.Name(), "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Syncer) decodeFailed(ctx context.Context, kind AccountKind, addr onchain.Address, err error) {
	s.logger.Warnw("Dropping undecodable account update", "kind", kind, "address", addr.String(), "error", err)
	s.metrics.RecordDecodeError(ctx, string(kind))
	if s.observer != nil {
		s.observer.DecodeFailed(kind, addr, err)
	}
}

// committed publishes a reserve after an update and revalues the watched
// obligations holding a position in it.
func (s *Syncer) committed(ctx context.Context, r markets.Reserve) {
	s.revalue(func(o markets.Obligation) bool { return o.HasReserve(r.Index) })
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishReserve(ctx, r); err != nil {
		s.logger.Warnw("Failed to publish reserve", "reserve", r.Symbol, "error", err)
	}
}
