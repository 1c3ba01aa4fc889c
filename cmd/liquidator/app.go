package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/leafsii/lending-liquidator/internal/accrual"
	"github.com/leafsii/lending-liquidator/internal/config"
	"github.com/leafsii/lending-liquidator/internal/intents"
	"github.com/leafsii/lending-liquidator/internal/liquidator"
	"github.com/leafsii/lending-liquidator/internal/log"
	"github.com/leafsii/lending-liquidator/internal/markets"
	"github.com/leafsii/lending-liquidator/internal/metrics"
	"github.com/leafsii/lending-liquidator/internal/onchain"
	"github.com/leafsii/lending-liquidator/internal/prices"
	"github.com/leafsii/lending-liquidator/internal/store"
	"github.com/leafsii/lending-liquidator/internal/syncer"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// app holds every long-lived component, wired from one Config.
type app struct {
	cfg            *config.Config
	logger         *zap.SugaredLogger
	metrics        *metrics.Metrics
	metricsHandler http.Handler

	cache      *store.Cache
	client     *onchain.Client
	snapshot   *markets.Snapshot
	syncer     *syncer.Syncer
	engine     *accrual.Engine
	dispatcher *liquidator.Dispatcher
	scanner    *liquidator.Scanner

	kafkaWriter *kafka.Writer
}

func newApp(cfg *config.Config) (*app, error) {
	logger, err := log.NewSugar(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	m, metricsHandler, err := metrics.Setup("lending-liquidator")
	if err != nil {
		return nil, fmt.Errorf("setup metrics: %w", err)
	}

	cache, err := store.NewCache(cfg.Cache.RedisAddr, logger.Named("cache"), m)
	if err != nil {
		return nil, fmt.Errorf("setup cache: %w", err)
	}

	snapshot, err := markets.NewSnapshot(cfg.Metadata, markets.WithMaxPriceAge(cfg.Ledger.MaxPriceAge))
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}

	client := onchain.NewClient(cfg.Ledger.RPCURL, logger.Named("rpc"), onchain.WithRateLimit(cfg.Ledger.RPS))
	subscriber := onchain.NewWSSubscriber(cfg.Ledger.WSURL, logger.Named("ws"))

	registry := prices.NewRegistry()
	for _, r := range cfg.Metadata.Reserves {
		registry.AddFeed(r.Abbrev, r.Accounts.PythPrice)
	}
	priceProvider := prices.NewLedgerProvider(client, subscriber, registry, logger.Named("prices"))

	sync := syncer.New(snapshot, client, subscriber, priceProvider, m, logger.Named("syncer"),
		syncer.WithPublisher(cache),
		syncer.WithObligations(cfg.Metadata.Obligations...),
	)

	submitter := newSubmitter(cfg, logger)
	engine := accrual.NewEngine(submitter, cfg.Scan.SubmitTimeout, m, logger.Named("accrual"))

	a := &app{
		cfg:            cfg,
		logger:         logger,
		metrics:        m,
		metricsHandler: metricsHandler,
		cache:          cache,
		client:         client,
		snapshot:       snapshot,
		syncer:         sync,
		engine:         engine,
	}

	deps := intents.Deps{
		Submitter: submitter,
		Cache:     cache,
		Logger:    logger.Named("intents"),
	}
	if cfg.Intents.Sink == "kafka" {
		a.kafkaWriter = intents.NewKafkaWriter(strings.Join(cfg.Intents.KafkaBrokers, ","), cfg.Intents.KafkaTopic)
		deps.Writer = a.kafkaWriter
	}
	sink, err := intents.New(cfg.Intents.Sink, deps)
	if err != nil {
		a.close()
		return nil, err
	}

	a.dispatcher = liquidator.NewDispatcher(sink, cfg.Scan.SubmitTimeout, m, logger.Named("dispatcher"))
	a.scanner = liquidator.NewScanner(
		liquidator.Config{Interval: cfg.Scan.Interval, QueryTimeout: cfg.Scan.QueryTimeout},
		client,
		snapshot,
		liquidator.NewSelector(snapshot, nil),
		a.dispatcher.Dispatch,
		m,
		logger.Named("scanner"),
	)

	logger.Infow("Liquidator configured",
		"env", cfg.Env,
		"cluster", cfg.Metadata.Cluster,
		"market", cfg.Metadata.Market.Market.String(),
		"reserves", len(cfg.Metadata.Reserves),
		"watchedObligations", len(cfg.Metadata.Obligations),
		"sink", sink.Name(),
		"dryRun", cfg.Intents.DryRun,
		"inMemoryCache", cache.IsInMemoryMode(),
	)
	return a, nil
}

// newSubmitter picks the relay when one is configured. Without one, refreshes and
// relay intents are only logged.
func newSubmitter(cfg *config.Config, logger *zap.SugaredLogger) onchain.Submitter {
	if cfg.Intents.DryRun || cfg.Intents.RelayURL == "" {
		if !cfg.Intents.DryRun {
			logger.Warnw("No relay configured; refresh transactions will not be submitted")
		}
		return onchain.NewDryRunSubmitter(logger.Named("submitter"))
	}
	return onchain.NewRelaySubmitter(cfg.Intents.RelayURL, logger.Named("submitter"))
}

func (a *app) close() {
	if a.kafkaWriter != nil {
		if err := a.kafkaWriter.Close(); err != nil {
			a.logger.Warnw("Failed to close kafka writer", "error", err)
		}
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Warnw("Failed to close cache", "error", err)
	}
	_ = a.logger.Sync()
}
