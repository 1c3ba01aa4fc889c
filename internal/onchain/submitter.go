package onchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AccountMeta is one account reference of an instruction.
type AccountMeta struct {
	Name       string  `json:"name"`
	Address    Address `json:"address"`
	IsSigner   bool    `json:"isSigner"`
	IsWritable bool    `json:"isWritable"`
}

// Instruction describes a program call. Building the wire transaction and signing it
// belong to the submission collaborator.
type Instruction struct {
	Program  Address        `json:"program"`
	Name     string         `json:"name"`
	Accounts []AccountMeta  `json:"accounts"`
	Args     map[string]any `json:"args,omitempty"`
}

// SubmitResult is the collaborator's answer for an accepted transaction.
type SubmitResult struct {
	Success bool   `json:"success"`
	TxID    string `json:"txId,omitempty"`
}

// Submitter accepts an ordered list of instructions plus optional extra signers,
// named by public key. Failures are reported as *SubmissionError.
type Submitter interface {
	Submit(ctx context.Context, instructions []Instruction, signers ...Address) (SubmitResult, error)
}

// RelaySubmitter posts instructions to an HTTP relay that owns keys and broadcast.
type RelaySubmitter struct {
	url        string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

func NewRelaySubmitter(url string, logger *zap.SugaredLogger) *RelaySubmitter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RelaySubmitter{
		url:        url,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

type relayRequest struct {
	ID           string        `json:"id"`
	Instructions []Instruction `json:"instructions"`
	Signers      []Address     `json:"signers,omitempty"`
}

type relayResponse struct {
	Success bool   `json:"success"`
	TxID    string `json:"txId"`
	Error   string `json:"error"`
}

func (s *RelaySubmitter) Submit(ctx context.Context, instructions []Instruction, signers ...Address) (SubmitResult, error) {
	if len(instructions) == 0 {
		return SubmitResult{}, &SubmissionError{Reason: "no instructions"}
	}

	body, err := json.Marshal(relayRequest{ID: uuid.NewString(), Instructions: instructions, Signers: signers})
	if err != nil {
		return SubmitResult{}, &SubmissionError{Reason: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, &SubmissionError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return SubmitResult{}, &SubmissionError{Reason: "relay unreachable", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return SubmitResult{}, &SubmissionError{Reason: "read relay response", Err: err}
	}

	var out relayResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return SubmitResult{}, &SubmissionError{
			Reason: fmt.Sprintf("relay returned status %d: %s", resp.StatusCode, truncate(payload, 256)),
			Err:    err,
		}
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		reason := out.Error
		if reason == "" {
			reason = fmt.Sprintf("relay returned status %d", resp.StatusCode)
		}
		return SubmitResult{}, &SubmissionError{Reason: reason, TxID: out.TxID}
	}

	s.logger.Debugw("Transaction submitted", "tx", out.TxID, "instructions", len(instructions))
	return SubmitResult{Success: true, TxID: out.TxID}, nil
}

// DryRunSubmitter logs instructions and reports success without sending anything.
type DryRunSubmitter struct {
	logger *zap.SugaredLogger
}

func NewDryRunSubmitter(logger *zap.SugaredLogger) *DryRunSubmitter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DryRunSubmitter{logger: logger}
}

func (s *DryRunSubmitter) Submit(ctx context.Context, instructions []Instruction, signers ...Address) (SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, &SubmissionError{Reason: "cancelled", Err: err}
	}
	names := make([]string, 0, len(instructions))
	for _, ix := range instructions {
		names = append(names, ix.Name)
	}
	txID := "dry-run-" + uuid.NewString()
	s.logger.Infow("Dry run submission", "tx", txID, "instructions", names, "signers", len(signers))
	return SubmitResult{Success: true, TxID: txID}, nil
}
