package onchain

import (
	"errors"
	"fmt"
)

var ErrLayoutMismatch = errors.New("account layout mismatch")

// DecodeError reports account bytes that do not match the documented layout. The
// update carrying them must be dropped and the prior state kept.
type DecodeError struct {
	Kind    string
	Address Address
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Address.IsZero() {
		return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("decode %s %s: %v", e.Kind, e.Address, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// LedgerQueryError wraps a failed RPC read.
type LedgerQueryError struct {
	Method string
	Err    error
}

func (e *LedgerQueryError) Error() string {
	return fmt.Sprintf("ledger query %s: %v", e.Method, e.Err)
}

func (e *LedgerQueryError) Unwrap() error { return e.Err }

// SubmissionError is returned when the submission collaborator rejects or fails a
// transaction. Reason is meant for operators.
type SubmissionError struct {
	Reason string
	TxID   string
	Err    error
}

func (e *SubmissionError) Error() string {
	msg := "submission failed: " + e.Reason
	if e.TxID != "" {
		msg += " (tx " + e.TxID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// WithAddress attaches the account address to a DecodeError, leaving other errors as is.
func WithAddress(err error, addr Address) error {
	var de *DecodeError
	if errors.As(err, &de) && de.Address.IsZero() {
		return &DecodeError{Kind: de.Kind, Address: addr, Err: de.Err}
	}
	return err
}

// IsDecodeError reports whether err is, or wraps, a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
