package intents

import (
	"context"
	"fmt"

	"github.com/leafsii/lending-liquidator/internal/onchain"
	"go.uber.org/zap"
)

// Receipt identifies where an intent ended up: a transaction id, a broker topic, or a
// cache key.
type Receipt struct {
	Sink string `json:"sink"`
	Ref  string `json:"ref,omitempty"`
}

// Sink hands intents to the execution side. Emit must honour ctx.
type Sink interface {
	Name() string
	Emit(ctx context.Context, in Intent) (Receipt, error)
}

// SubmitterSink turns each intent into a liquidateDex instruction and submits it.
type SubmitterSink struct {
	submitter onchain.Submitter
}

func NewSubmitterSink(s onchain.Submitter) *SubmitterSink {
	return &SubmitterSink{submitter: s}
}

func (s *SubmitterSink) Name() string { return "submitter" }

func (s *SubmitterSink) Emit(ctx context.Context, in Intent) (Receipt, error) {
	res, err := s.submitter.Submit(ctx, []onchain.Instruction{in.Instruction()})
	if err != nil {
		return Receipt{}, err
	}
	if !res.Success {
		return Receipt{}, &onchain.SubmissionError{Reason: "liquidation rejected", TxID: res.TxID}
	}
	return Receipt{Sink: s.Name(), Ref: res.TxID}, nil
}

// LogSink only logs intents. Used for dry runs.
type LogSink struct {
	logger *zap.SugaredLogger
}

func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Emit(ctx context.Context, in Intent) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	s.logger.Infow("Liquidation intent",
		"id", in.ID,
		"obligation", in.Obligation.String(),
		"loan", in.Loan.Symbol,
		"loanValue", in.Loan.Value.StringFixed(6),
		"collateral", in.Collateral.Symbol,
		"collateralValue", in.Collateral.Value.StringFixed(6),
		"collateralRatio", in.Valuation.CollateralRatio.StringFixed(4),
		"side", in.Side,
	)
	return Receipt{Sink: s.Name(), Ref: in.ID}, nil
}

// New builds the sink named by kind.
func New(kind string, deps Deps) (Sink, error) {
	switch kind {
	case "relay":
		if deps.Submitter == nil {
			return nil, fmt.Errorf("intent sink %q needs a submitter", kind)
		}
		return NewSubmitterSink(deps.Submitter), nil
	case "kafka":
		if deps.Writer == nil {
			return nil, fmt.Errorf("intent sink %q needs a kafka writer", kind)
		}
		return NewKafkaSink(deps.Writer), nil
	case "redis":
		if deps.Cache == nil {
			return nil, fmt.Errorf("intent sink %q needs a cache", kind)
		}
		return NewCacheSink(deps.Cache), nil
	case "log", "":
		return NewLogSink(deps.Logger), nil
	default:
		return nil, fmt.Errorf("unknown intent sink %q", kind)
	}
}

// Deps are the collaborators New may wire into a sink.
type Deps struct {
	Submitter onchain.Submitter
	Writer    MessageWriter
	Cache     IntentPublisher
	Logger    *zap.SugaredLogger
}
