// Package simulate dry-runs unsigned transactions against current chain state.
package simulate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"ticketmint/internal/chain"
	"ticketmint/internal/config"
	"ticketmint/internal/errs"
	"ticketmint/internal/logging"
	"ticketmint/internal/metrics"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// Error codes attached to failed simulations.
const (
	CodeExecutionReverted = "EXECUTION_REVERTED"
	CodeCustomError       = "CUSTOM_ERROR"
	CodeOutOfGas          = "OUT_OF_GAS"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeNonceTooLow       = "NONCE_TOO_LOW"
	CodeInvalidOpcode     = "INVALID_OPCODE"
	CodeExecutionFailed   = "EXECUTION_FAILED"
)

const warnSkipped = "simulation disabled: transaction was not validated"

type Options struct {
	// Skip disables simulation for this call only.
	Skip bool
	// SafetyBuffer overrides the configured buffer when non-nil.
	SafetyBuffer *uint64
}

type Result struct {
	Success                 bool
	Error                   string
	ErrorCode               string
	Logs                    []string
	UnitsConsumed           uint64
	ComputeBudgetSufficient bool
	Warnings                []string
}

type Simulator struct {
	backend  chain.Backend
	enabled  bool
	buffer   uint64
	contract *abi.ABI
	log      *zerolog.Logger
	metrics  *metrics.Registry
}

// New builds a simulator. contract is used to decode custom revert errors and may be nil.
func New(backend chain.Backend, cfg config.SimulationConfig, contract *abi.ABI, log *zerolog.Logger, m *metrics.Registry) *Simulator {
	return &Simulator{
		backend:  backend,
		enabled:  cfg.Enabled,
		buffer:   cfg.SafetyBuffer,
		contract: contract,
		log:      logging.Component(log, "simulate"),
		metrics:  m,
	}
}

// Simulate executes tx from the given sender without committing it. Program
// failures are reported in the Result; only transport failures return an error.
func (s *Simulator) Simulate(ctx context.Context, tx *types.Transaction, from common.Address, opts Options) (Result, error) {
	if !s.enabled || opts.Skip {
		s.metrics.IncSimulation("skipped")
		return Result{Success: true, ComputeBudgetSufficient: true, Warnings: []string{warnSkipped}}, nil
	}

	msg := ethereum.CallMsg{
		From:      from,
		To:        tx.To(),
		Gas:       tx.Gas(),
		GasFeeCap: tx.GasFeeCap(),
		GasTipCap: tx.GasTipCap(),
		Value:     tx.Value(),
		Data:      tx.Data(),
	}

	var logs []string
	out, err := s.backend.CallContract(ctx, msg, nil)
	if err != nil {
		res, ok := s.failure(err)
		if !ok {
			s.metrics.IncSimulation("error")
			return Result{}, errs.Transient("simulate call", err)
		}
		s.metrics.IncSimulation("failure")
		return res, nil
	}
	logs = append(logs, fmt.Sprintf("call ok: %d bytes returned", len(out)))

	estimate := msg
	estimate.Gas = 0
	used, err := s.backend.EstimateGas(ctx, estimate)
	if err != nil {
		res, ok := s.failure(err)
		if !ok {
			s.metrics.IncSimulation("error")
			return Result{}, errs.Transient("simulate estimate", err)
		}
		res.Logs = append(logs, res.Logs...)
		s.metrics.IncSimulation("failure")
		return res, nil
	}
	logs = append(logs, fmt.Sprintf("gas used %d of %d", used, tx.Gas()))

	buffer := s.buffer
	if opts.SafetyBuffer != nil {
		buffer = *opts.SafetyBuffer
	}
	res := Result{
		Success:                 true,
		Logs:                    logs,
		UnitsConsumed:           used,
		ComputeBudgetSufficient: used+buffer <= tx.Gas(),
	}
	if !res.ComputeBudgetSufficient {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"gas limit %d leaves less than the %d safety buffer over %d consumed", tx.Gas(), buffer, used))
		s.log.Warn().Uint64("gas_used", used).Uint64("gas_limit", tx.Gas()).Msg("compute budget is marginal")
	}
	s.metrics.IncSimulation("success")
	return res, nil
}

// SimulateBeforeSigning fails with *errs.SimulationError when the simulation
// does not succeed. Nothing may be signed unless this returns nil.
func (s *Simulator) SimulateBeforeSigning(ctx context.Context, tx *types.Transaction, from common.Address, opts Options) (Result, error) {
	res, err := s.Simulate(ctx, tx, from, opts)
	if err != nil {
		return res, err
	}
	if !res.Success {
		return res, &errs.SimulationError{Code: res.ErrorCode, Message: res.Error, Logs: res.Logs}
	}
	return res, nil
}

func (s *Simulator) failure(err error) (Result, bool) {
	code, message, ok := ParseError(err, s.contract)
	if !ok {
		return Result{}, false
	}
	res := Result{Success: false, ErrorCode: code, Error: message}
	if data := revertData(err); len(data) > 0 {
		res.Logs = append(res.Logs, "revert data: "+hexutil.Encode(data))
	}
	return res, true
}

// ParseError maps a node error into a code and message. ok is false when err
// is not a program failure, e.g. a timeout talking to the node.
func ParseError(err error, contract *abi.ABI) (code, message string, ok bool) {
	if err == nil {
		return "", "", false
	}
	if data := revertData(err); len(data) >= 4 {
		if reason, uerr := abi.UnpackRevert(data); uerr == nil {
			return CodeExecutionReverted, reason, true
		}
		if contract != nil {
			for name, def := range contract.Errors {
				if !bytes.Equal(def.ID[:4], data[:4]) {
					continue
				}
				args, uerr := def.Unpack(data)
				if uerr != nil {
					return CodeCustomError, name, true
				}
				return CodeCustomError, fmt.Sprintf("%s%v", name, args), true
			}
		}
		return CodeCustomError, "unknown error selector " + hexutil.Encode(data[:4]), true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "out of gas"), strings.Contains(msg, "gas required exceeds"):
		return CodeOutOfGas, err.Error(), true
	case strings.Contains(msg, "insufficient funds"):
		return CodeInsufficientFunds, err.Error(), true
	case strings.Contains(msg, "nonce too low"):
		return CodeNonceTooLow, err.Error(), true
	case strings.Contains(msg, "invalid opcode"):
		return CodeInvalidOpcode, err.Error(), true
	case strings.Contains(msg, "execution reverted"):
		return CodeExecutionReverted, err.Error(), true
	case strings.Contains(msg, "vm execution error"), strings.Contains(msg, "stack underflow"),
		strings.Contains(msg, "stack overflow"), strings.Contains(msg, "invalid jump"):
		return CodeExecutionFailed, err.Error(), true
	}
	return "", "", false
}

func revertData(err error) []byte {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil
	}
	switch v := de.ErrorData().(type) {
	case string:
		b, derr := hexutil.Decode(v)
		if derr != nil {
			return nil
		}
		return b
	case []byte:
		return v
	}
	return nil
}
