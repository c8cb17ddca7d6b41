package simulate

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"ticketmint/internal/chain"
	"ticketmint/internal/config"
	"ticketmint/internal/errs"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var treasury = common.HexToAddress("0x00000000000000000000000000000000000000f1")

func mintTx(gas uint64) *types.Transaction {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	data, _ := chain.PackMint(common.HexToAddress("0x01"), chain.TokenIDFor("T1"), "ipfs://T1")
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1337),
		Gas:       gas,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(3),
		To:        &to,
		Data:      data,
	})
}

func newSim(fb *chain.FakeBackend, enabled bool) *Simulator {
	return New(fb, config.SimulationConfig{Enabled: enabled, SafetyBuffer: 20_000}, chain.ParsedTicketABI(), nil, nil)
}

func revertReason(t *testing.T, reason string) []byte {
	t.Helper()
	strT, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: strT}}.Pack(reason)
	require.NoError(t, err)
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
}

func TestSimulateSuccessReportsBudget(t *testing.T) {
	fb := chain.NewFakeBackend(1337)
	fb.GasEstimate = 100_000

	res, err := newSim(fb, true).Simulate(context.Background(), mintTx(200_000), treasury, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint64(100_000), res.UnitsConsumed)
	assert.True(t, res.ComputeBudgetSufficient)
	assert.Empty(t, res.Warnings)
}

func TestSimulateMarginalBudgetIsWarning(t *testing.T) {
	fb := chain.NewFakeBackend(1337)
	fb.GasEstimate = 190_000

	res, err := newSim(fb, true).Simulate(context.Background(), mintTx(200_000), treasury, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.ComputeBudgetSufficient)
	assert.Len(t, res.Warnings, 1)

	zero := uint64(0)
	res, err = newSim(fb, true).Simulate(context.Background(), mintTx(200_000), treasury, Options{SafetyBuffer: &zero})
	require.NoError(t, err)
	assert.True(t, res.ComputeBudgetSufficient)
}

func TestSimulateDisabled(t *testing.T) {
	fb := chain.NewFakeBackend(1337)
	fb.CallErr = &chain.RevertError{Reason: "nope"}

	for _, tc := range []struct {
		name    string
		enabled bool
		opts    Options
	}{
		{"globally", false, Options{}},
		{"per call", true, Options{Skip: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, err := newSim(fb, tc.enabled).Simulate(context.Background(), mintTx(200_000), treasury, tc.opts)
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Contains(t, res.Warnings, warnSkipped)
		})
	}
	assert.Zero(t, fb.CallCount())
}

func TestSimulateDecodesRevertReason(t *testing.T) {
	fb := chain.NewFakeBackend(1337)
	fb.CallErr = &chain.RevertError{Reason: "sale closed", Data: revertReason(t, "sale closed")}

	res, err := newSim(fb, true).Simulate(context.Background(), mintTx(200_000), treasury, Options{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeExecutionReverted, res.ErrorCode)
	assert.Equal(t, "sale closed", res.Error)
	assert.NotEmpty(t, res.Logs)
}

func TestSimulateDecodesCustomError(t *testing.T) {
	def := chain.ParsedTicketABI().Errors["TicketAlreadyMinted"]
	packed, err := def.Inputs.Pack(big.NewInt(9))
	require.NoError(t, err)

	fb := chain.NewFakeBackend(1337)
	fb.CallErr = &chain.RevertError{Data: append(append([]byte{}, def.ID[:4]...), packed...)}

	res, err := newSim(fb, true).Simulate(context.Background(), mintTx(200_000), treasury, Options{})
	require.NoError(t, err)
	assert.Equal(t, CodeCustomError, res.ErrorCode)
	assert.Contains(t, res.Error, "TicketAlreadyMinted")
}

func TestSimulateTransportFailureIsTransient(t *testing.T) {
	fb := chain.NewFakeBackend(1337)
	fb.CallErr = errors.New("dial tcp: i/o timeout")

	_, err := newSim(fb, true).Simulate(context.Background(), mintTx(200_000), treasury, Options{})
	var transient *errs.TransientNetworkError
	require.ErrorAs(t, err, &transient)
}

func TestSimulateEstimateOutOfGas(t *testing.T) {
	fb := chain.NewFakeBackend(1337)
	fb.EstimateErr = errors.New("gas required exceeds allowance (200000)")

	res, err := newSim(fb, true).Simulate(context.Background(), mintTx(200_000), treasury, Options{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeOutOfGas, res.ErrorCode)
}

func TestSimulateBeforeSigningFailsOnProgramError(t *testing.T) {
	fb := chain.NewFakeBackend(1337)
	fb.CallErr = &chain.RevertError{Reason: "paused"}

	_, err := newSim(fb, true).SimulateBeforeSigning(context.Background(), mintTx(200_000), treasury, Options{})
	var simErr *errs.SimulationError
	require.ErrorAs(t, err, &simErr)
	assert.Equal(t, CodeExecutionReverted, simErr.Code)
	assert.True(t, errs.IsUnrecoverable(err))
}

func TestParseErrorMessages(t *testing.T) {
	cases := map[string]string{
		"insufficient funds for gas * price + value": CodeInsufficientFunds,
		"nonce too low":                 CodeNonceTooLow,
		"invalid opcode: INVALID":       CodeInvalidOpcode,
		"out of gas":                    CodeOutOfGas,
		"vm execution error":            CodeExecutionFailed,
	}
	for msg, want := range cases {
		code, _, ok := ParseError(errors.New(msg), nil)
		assert.True(t, ok, msg)
		assert.Equal(t, want, code, msg)
	}
	_, _, ok := ParseError(errors.New("503 service unavailable"), nil)
	assert.False(t, ok)
}
