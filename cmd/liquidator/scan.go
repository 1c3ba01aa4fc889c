package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/leafsii/lending-liquidator/internal/config"
	"github.com/leafsii/lending-liquidator/internal/liquidator"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func scanCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "scan",
		Short: "Scans obligations without serving the API; --once prints one scan as JSON",
		RunE:  scanFunc,
	}
	flags := c.Flags()
	flags.Bool("once", false, "run a single scan and exit")
	flags.Bool("emit", false, "send intents to the configured sink instead of only printing them")
	return c
}

type scanOutput struct {
	Report  liquidator.ScanReport `json:"report"`
	Results []liquidator.Result   `json:"results,omitempty"`
}

func scanFunc(c *cobra.Command, _ []string) error {
	flags := c.Flags()
	once, err := flags.GetBool("once")
	if err != nil {
		return err
	}
	emit, err := flags.GetBool("emit")
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := c.Context()
	if !once {
		return a.scanLoop(ctx)
	}
	return a.scanOnce(ctx, emit, c.OutOrStdout())
}

// scanOnce loads the snapshot, runs one scan and writes the report as JSON.
func (a *app) scanOnce(ctx context.Context, emit bool, out io.Writer) error {
	a.syncer.Bootstrap(ctx)

	var dispatch liquidator.Dispatch
	if emit {
		dispatch = a.dispatcher.Dispatch
	}
	scanner := liquidator.NewScanner(
		liquidator.Config{Interval: a.cfg.Scan.Interval, QueryTimeout: a.cfg.Scan.QueryTimeout},
		a.client,
		a.snapshot,
		liquidator.NewSelector(a.snapshot, time.Now),
		dispatch,
		a.metrics,
		a.logger.Named("scanner"),
	)

	report, err := scanner.ScanOnce(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	output := scanOutput{Report: report}
	if emit {
		a.dispatcher.Wait()
		a.dispatcher.Drain(ctx)
		output.Results = a.dispatcher.Recent()
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

// scanLoop follows the market and scans on every tick until ctx ends.
func (a *app) scanLoop(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
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
	err := g.Wait()
	a.dispatcher.Drain(context.Background())
	return err
}
