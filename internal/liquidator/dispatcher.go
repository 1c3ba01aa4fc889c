package liquidator

import (
	"context"
	"sync"
	"time"

	"github.com/leafsii/lending-liquidator/internal/intents"
	"github.com/leafsii/lending-liquidator/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	resultBuffer = 64
	recentLimit  = 100
)

// Result is the outcome of one liquidation attempt.
type Result struct {
	Intent     intents.Intent  `json:"intent"`
	Receipt    intents.Receipt `json:"receipt"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration"`
	FinishedAt time.Time       `json:"finishedAt"`

	err error
}

// Dispatcher emits intents without blocking the scan loop. Each attempt runs in its
// own goroutine under its own timeout, detached from the scan's context, and attempts
// for an obligation that already has one in flight are collapsed into it.
type Dispatcher struct {
	sink    intents.Sink
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger

	group   singleflight.Group
	results chan Result
	wg      sync.WaitGroup

	mu     sync.RWMutex
	recent []Result
}

func NewDispatcher(sink intents.Sink, timeout time.Duration, m *metrics.Metrics, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		sink:    sink,
		timeout: timeout,
		metrics: m,
		logger:  logger,
		results: make(chan Result, resultBuffer),
	}
}

// Dispatch starts an attempt and returns immediately.
func (d *Dispatcher) Dispatch(in intents.Intent) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.attempt(in)
	}()
}

func (d *Dispatcher) attempt(in intents.Intent) {
	led := false
	start := time.Now()
	v, err, _ := d.group.Do(in.Obligation.String(), func() (any, error) {
		led = true
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		return d.sink.Emit(ctx, in)
	})
	if !led {
		d.logger.Debugw("Liquidation already in flight", "obligation", in.Obligation.String(), "intent", in.ID)
		return
	}

	r := Result{Intent: in, Duration: time.Since(start), FinishedAt: time.Now()}
	if err != nil {
		r.err = err
		r.Error = err.Error()
	} else {
		r.Receipt = v.(intents.Receipt)
	}

	select {
	case d.results <- r:
	default:
		d.logger.Warnw("Result channel full, dropping liquidation result", "intent", in.ID, "error", r.Error)
	}
}

// Run drains attempt results, logging each one, until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-d.results:
			d.record(ctx, r)
		}
	}
}

func (d *Dispatcher) record(ctx context.Context, r Result) {
	d.metrics.RecordIntent(ctx, d.sink.Name(), r.err)
	if r.err != nil {
		d.logger.Warnw("Liquidation attempt failed",
			"obligation", r.Intent.Obligation.String(),
			"intent", r.Intent.ID,
			"sink", d.sink.Name(),
			"duration", r.Duration,
			"error", r.Error,
		)
	} else {
		d.logger.Infow("Liquidation attempt sent",
			"obligation", r.Intent.Obligation.String(),
			"intent", r.Intent.ID,
			"sink", d.sink.Name(),
			"ref", r.Receipt.Ref,
			"duration", r.Duration,
		)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = append(d.recent, r)
	if len(d.recent) > recentLimit {
		d.recent = d.recent[len(d.recent)-recentLimit:]
	}
}

// Recent returns the latest attempt results, newest last.
func (d *Dispatcher) Recent() []Result {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Result(nil), d.recent...)
}

// Wait blocks until every started attempt has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Drain records every result already delivered without waiting for more.
func (d *Dispatcher) Drain(ctx context.Context) {
	for {
		select {
		case r := <-d.results:
			d.record(ctx, r)
		default:
			return
		}
	}
}
