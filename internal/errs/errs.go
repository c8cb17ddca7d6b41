// Package errs holds the failure taxonomy shared by the mint pipeline.
//
// Every error that can end a job carries a Code so the job history can tag it
// for operator triage. Errors that must not be retried implement
// Unrecoverable() so the queue fails the job on first occurrence.
package errs

import (
	"errors"
	"fmt"
	"math/big"
)

// Code is a stable, operator-facing error classification.
type Code string

const (
	CodeTransientNetwork     Code = "TRANSIENT_NETWORK"
	CodeSimulationFailed     Code = "SIMULATION_FAILED"
	CodeInsufficientFunds    Code = "INSUFFICIENT_FUNDS"
	CodeAlreadyMinted        Code = "ALREADY_MINTED"
	CodeJobExhausted         Code = "JOB_EXHAUSTED"
	CodeTransactionReverted  Code = "TRANSACTION_REVERTED"
	CodeTicketUnavailable    Code = "TICKET_UNAVAILABLE"
	CodeInvalidPayload       Code = "INVALID_PAYLOAD"
	CodeUnconfirmedBroadcast Code = "UNCONFIRMED_BROADCAST"
	CodeInternal             Code = "INTERNAL"
)

// ErrAlreadyMinted is not a real failure: the ticket already has a confirmed mint.
var ErrAlreadyMinted = errors.New("ticket already minted")

// TransientNetworkError wraps a timeout, rate limit or gateway failure.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientNetworkError for op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientNetworkError{Op: op, Err: err}
}

// SimulationError is a program/instruction failure found before signing.
type SimulationError struct {
	Code    string
	Message string
	Logs    []string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("simulation failed [%s]: %s", e.Code, e.Message)
}

func (e *SimulationError) Unrecoverable() bool { return true }

// InsufficientFundsError reports a treasury balance below the required fee.
type InsufficientFundsError struct {
	Account   string
	Required  *big.Int
	Available *big.Int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s: required %s wei, available %s wei",
		e.Account, bigString(e.Required), bigString(e.Available))
}

func (e *InsufficientFundsError) Unrecoverable() bool { return true }

// RevertedError is a broadcast transaction that was mined with a failed status.
type RevertedError struct {
	TxHash string
	Block  uint64
}

func (e *RevertedError) Error() string {
	return fmt.Sprintf("transaction %s reverted in block %d", e.TxHash, e.Block)
}

func (e *RevertedError) Unrecoverable() bool { return true }

// PermanentError marks any other failure that retrying cannot fix.
type PermanentError struct {
	Code Code
	Err  error
}

func (e *PermanentError) Error() string       { return e.Err.Error() }
func (e *PermanentError) Unwrap() error       { return e.Err }
func (e *PermanentError) Unrecoverable() bool { return true }

// Permanent wraps err so that neither the retry executor nor the queue retries it.
func Permanent(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Code: code, Err: err}
}

// JobExhaustedError is the terminal failure after the queue's attempt budget is spent.
type JobExhaustedError struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *JobExhaustedError) Error() string {
	return fmt.Sprintf("job %s exhausted after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *JobExhaustedError) Unwrap() error { return e.Err }

// IsUnrecoverable reports whether err, or anything it wraps, must not be retried.
func IsUnrecoverable(err error) bool {
	var u interface{ Unrecoverable() bool }
	if errors.As(err, &u) {
		return u.Unrecoverable()
	}
	return errors.Is(err, ErrAlreadyMinted)
}

// CodeOf classifies err for history and metrics.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var (
		sim      *SimulationError
		funds    *InsufficientFundsError
		reverted *RevertedError
		perm     *PermanentError
		net      *TransientNetworkError
		exhaust  *JobExhaustedError
	)
	switch {
	case errors.As(err, &exhaust):
		return CodeJobExhausted
	case errors.Is(err, ErrAlreadyMinted):
		return CodeAlreadyMinted
	case errors.As(err, &sim):
		return CodeSimulationFailed
	case errors.As(err, &funds):
		return CodeInsufficientFunds
	case errors.As(err, &reverted):
		return CodeTransactionReverted
	case errors.As(err, &perm):
		return perm.Code
	case errors.As(err, &net):
		return CodeTransientNetwork
	}
	return CodeInternal
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
