package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/leafsii/lending-liquidator/internal/api"
	"github.com/leafsii/lending-liquidator/internal/config"
	"github.com/leafsii/lending-liquidator/internal/jobs"
	"github.com/leafsii/lending-liquidator/internal/ws"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Syncs the market, scans obligations, refreshes stale reserves and serves the operator API",
		RunE:  runFunc,
	}
}

func runFunc(c *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	return a.run(c.Context())
}

func (a *app) run(ctx context.Context) error {
	logger := a.logger
	g, ctx := errgroup.WithContext(ctx)

	refresher := jobs.NewReserveRefresher(a.snapshot, a.engine, jobs.ReserveRefresherConfig{
		Interval: a.cfg.Scan.RefreshInterval,
		Cooldown: a.cfg.Scan.RefreshCooldown,
	}, logger.Named("refresher"))
	publisher := jobs.NewSnapshotPublisher(a.snapshot, a.cache, a.cfg.Scan.SnapshotInterval, logger.Named("publisher"))

	symbols := make([]string, 0, len(a.cfg.Metadata.Reserves))
	for _, r := range a.snapshot.Reserves() {
		symbols = append(symbols, r.Symbol)
	}
	sse := ws.NewSSEHandler(a.cache, symbols, logger.Named("sse"), a.metrics)

	handler := api.NewHandler(a.snapshot, a.client, a.syncer, a.scanner, a.dispatcher, a.cache, sse, logger.Named("api"))
	router := handler.Routes(api.NewMiddleware(logger.Named("http"), a.metrics),
		a.cfg.Security.CORSAllowedOrigins, a.cfg.Security.RateLimitRPM, a.metricsHandler)

	server := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		return ignoreCanceled(a.syncer.Run(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(a.dispatcher.Run(ctx))
	})
	g.Go(func() error {
		if err := a.waitReady(ctx); err != nil {
			return ignoreCanceled(err)
		}
		return ignoreCanceled(a.scanner.Start(ctx))
	})
	g.Go(func() error {
		if err := a.waitReady(ctx); err != nil {
			return ignoreCanceled(err)
		}
		return ignoreCanceled(refresher.Start(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(publisher.Start(ctx))
	})
	g.Go(func() error {
		logger.Infow("API server starting", "addr", server.Addr, "cors", a.cfg.Security.CORSAllowedOrigins)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Infow("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}
		return nil
	})

	err := g.Wait()
	a.dispatcher.Drain(context.Background())
	logger.Infow("Liquidator stopped", "error", err)
	return err
}

// waitReady blocks until the syncer finished its initial load.
func (a *app) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !a.syncer.Ready() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
