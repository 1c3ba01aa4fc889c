package liquidator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leafsii/lending-liquidator/internal/intents"
	"github.com/leafsii/lending-liquidator/internal/markets"
	"github.com/leafsii/lending-liquidator/internal/metrics"
	"github.com/leafsii/lending-liquidator/internal/onchain"
	"go.uber.org/zap"
)

type Config struct {
	Interval     time.Duration
	QueryTimeout time.Duration
}

// ScanReport summarizes one pass over every obligation.
type ScanReport struct {
	Scanned       int              `json:"scanned"`
	Unhealthy     int              `json:"unhealthy"`
	Skipped       int              `json:"skipped"`
	Failed        int              `json:"failed"`
	QueryDuration time.Duration    `json:"queryDuration"`
	Duration      time.Duration    `json:"duration"`
	StartedAt     time.Time        `json:"startedAt"`
	Intents       []intents.Intent `json:"intents,omitempty"`
}

// Dispatch receives every intent a scan produces.
type Dispatch func(intents.Intent)

// Scanner periodically lists every obligation of the program and runs the selector
// over it. A failure on one obligation is logged and the scan moves on.
type Scanner struct {
	cfg      Config
	querier  onchain.AccountQuerier
	snapshot *markets.Snapshot
	selector *Selector
	dispatch Dispatch
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	cancel   context.CancelFunc
	lastScan ScanReport
}

func NewScanner(
	cfg Config,
	querier onchain.AccountQuerier,
	snapshot *markets.Snapshot,
	selector *Selector,
	dispatch Dispatch,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *Scanner {
	return &Scanner{
		cfg:      cfg,
		querier:  querier,
		snapshot: snapshot,
		selector: selector,
		dispatch: dispatch,
		metrics:  m,
		logger:   logger,
	}
}

// Start scans once per interval until ctx ends or Stop is called.
func (s *Scanner) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.logger.Infow("Starting obligation scanner", "interval", s.cfg.Interval, "queryTimeout", s.cfg.QueryTimeout)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Errorw("Obligation scan failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Infow("Obligation scanner stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// LastScan returns the report of the most recent completed scan.
func (s *Scanner) LastScan() ScanReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScan
}

// ScanOnce fetches all obligation accounts and evaluates each one.
func (s *Scanner) ScanOnce(ctx context.Context) (ScanReport, error) {
	report := ScanReport{StartedAt: time.Now()}
	market := s.snapshot.Market()

	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	accounts, err := s.querier.ProgramAccounts(qctx, market.ProgramID, onchain.ObligationSize)
	cancel()
	report.QueryDuration = time.Since(report.StartedAt)
	if err != nil {
		return report, fmt.Errorf("list obligations: %w", err)
	}

	for _, acc := range accounts {
		s.evaluate(acc, market.Address, &report)
	}

	report.Duration = time.Since(report.StartedAt)
	s.logger.Infof("%d scanned in %dms (getProgramAccounts %dms)",
		report.Scanned, report.Duration.Milliseconds(), report.QueryDuration.Milliseconds())
	s.metrics.RecordScan(ctx, report.Scanned, report.Unhealthy, report.Duration)

	s.mu.Lock()
	s.lastScan = report
	s.mu.Unlock()
	return report, nil
}

func (s *Scanner) evaluate(acc onchain.KeyedAccount, market onchain.Address, report *ScanReport) {
	log := s.logger.With("obligation", acc.Address.String())

	raw, err := onchain.DecodeObligation(acc.Data)
	if err != nil {
		report.Failed++
		log.Warnw("Skipping undecodable obligation", "error", err)
		return
	}
	if raw.Market != market {
		return
	}
	report.Scanned++

	o, err := s.snapshot.ObligationFromAccount(acc.Address, raw)
	if err != nil {
		report.Failed++
		log.Warnw("Skipping obligation", "error", err)
		return
	}

	in, skip, err := s.selector.Select(o)
	switch {
	case errors.Is(err, ErrMultiHopUnsupported):
		report.Unhealthy++
		report.Failed++
		log.Warnw("Unhealthy obligation cannot be liquidated through a single swap market", "error", err)
	case err != nil:
		report.Failed++
		log.Warnw("Skipping obligation", "error", err)
	case skip != "":
		report.Skipped++
		if skip != SkipHealthy {
			log.Debugw("Skipping obligation", "reason", skip)
		}
	default:
		report.Unhealthy++
		report.Intents = append(report.Intents, in)
		log.Infow("Obligation below minimum collateral ratio",
			"collateralRatio", in.Valuation.CollateralRatio.StringFixed(4),
			"loan", in.Loan.Symbol,
			"collateral", in.Collateral.Symbol,
		)
		if s.dispatch != nil {
			s.dispatch(in)
		}
	}
}
