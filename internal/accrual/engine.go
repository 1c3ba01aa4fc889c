package accrual

import (
	"context"
	"fmt"
	"time"

	"github.com/leafsii/lending-liquidator/internal/metrics"
	"github.com/leafsii/lending-liquidator/internal/onchain"
	"go.uber.org/zap"
)

// TokenProgram is the token program every refresh passes through.
var TokenProgram = onchain.MustParseAddress("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

// StaleDataError reports a reserve that could not be brought within one accrual
// window. The snapshot keeps whatever the ledger last pushed.
type StaleDataError struct {
	Reserve      string
	AccruedUntil int64
	Step         int
	Steps        int
	Err          error
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("reserve %s stale (accrued until %d): refresh %d of %d failed: %v",
		e.Reserve, e.AccruedUntil, e.Step, e.Steps, e.Err)
}

func (e *StaleDataError) Unwrap() error { return e.Err }

// RefreshAccounts are the accounts the refresh instruction reads and writes.
type RefreshAccounts struct {
	Program         onchain.Address
	Market          onchain.Address
	MarketAuthority onchain.Address
	Reserve         onchain.Address
	FeeNoteVault    onchain.Address
	DepositNoteMint onchain.Address
	PriceFeed       onchain.Address
}

func RefreshInstruction(a RefreshAccounts) onchain.Instruction {
	return onchain.Instruction{
		Program: a.Program,
		Name:    "refreshReserve",
		Accounts: []onchain.AccountMeta{
			{Name: "market", Address: a.Market, IsWritable: true},
			{Name: "marketAuthority", Address: a.MarketAuthority},
			{Name: "reserve", Address: a.Reserve, IsWritable: true},
			{Name: "feeNoteVault", Address: a.FeeNoteVault, IsWritable: true},
			{Name: "depositNoteMint", Address: a.DepositNoteMint, IsWritable: true},
			{Name: "pythOraclePrice", Address: a.PriceFeed},
			{Name: "tokenProgram", Address: TokenProgram},
		},
	}
}

// CatchUpResult lists the transactions a catch-up submitted.
type CatchUpResult struct {
	Steps int      `json:"steps"`
	TxIDs []string `json:"txIds,omitempty"`
}

// Engine submits refresh transactions for reserves that have fallen behind.
type Engine struct {
	submitter     onchain.Submitter
	submitTimeout time.Duration
	metrics       *metrics.Metrics
	logger        *zap.SugaredLogger
}

func NewEngine(submitter onchain.Submitter, submitTimeout time.Duration, m *metrics.Metrics, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		submitter:     submitter,
		submitTimeout: submitTimeout,
		metrics:       m,
		logger:        logger,
	}
}

// CatchUp submits one refresh per full window between accruedUntil and now. It stops
// at the first failed submission and returns a *StaleDataError. Local state is never
// advanced here; fresh values arrive with the ledger's next reserve push.
func (e *Engine) CatchUp(ctx context.Context, symbol string, accounts RefreshAccounts, accruedUntil int64, now time.Time) (CatchUpResult, error) {
	steps := Plan(accruedUntil, now)
	result := CatchUpResult{}
	if len(steps) == 0 {
		return result, nil
	}

	e.logger.Infow("Reserve behind on accrual, refreshing",
		"reserve", symbol,
		"accruedUntil", accruedUntil,
		"steps", len(steps),
	)

	ix := RefreshInstruction(accounts)
	for i := range steps {
		res, err := e.submit(ctx, ix)
		e.metrics.RecordCatchUpStep(ctx, symbol, err == nil)
		if err != nil {
			return result, &StaleDataError{
				Reserve:      symbol,
				AccruedUntil: accruedUntil,
				Step:         i + 1,
				Steps:        len(steps),
				Err:          err,
			}
		}
		result.Steps++
		result.TxIDs = append(result.TxIDs, res.TxID)
		e.logger.Debugw("Reserve refresh submitted", "reserve", symbol, "step", i+1, "tx", res.TxID)
	}
	return result, nil
}

func (e *Engine) submit(ctx context.Context, ix onchain.Instruction) (onchain.SubmitResult, error) {
	if e.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.submitTimeout)
		defer cancel()
	}
	res, err := e.submitter.Submit(ctx, []onchain.Instruction{ix})
	if err != nil {
		return res, err
	}
	if !res.Success {
		return res, &onchain.SubmissionError{Reason: "transaction not confirmed", TxID: res.TxID}
	}
	return res, nil
}
