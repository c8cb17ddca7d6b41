package errs

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	cause := errors.New("connection refused")
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"transient", Transient("send", cause), CodeTransientNetwork},
		{"simulation", &SimulationError{Code: "EXECUTION_REVERTED", Message: "sold out"}, CodeSimulationFailed},
		{"funds", &InsufficientFundsError{Account: "0x1", Required: big.NewInt(2), Available: big.NewInt(1)}, CodeInsufficientFunds},
		{"reverted", &RevertedError{TxHash: "0xab", Block: 7}, CodeTransactionReverted},
		{"permanent", Permanent(CodeTicketUnavailable, cause), CodeTicketUnavailable},
		{"already minted", fmt.Errorf("ticket T1: %w", ErrAlreadyMinted), CodeAlreadyMinted},
		{"exhausted wins over cause", &JobExhaustedError{JobID: "j1", Attempts: 3, Err: Transient("send", cause)}, CodeJobExhausted},
		{"unknown", cause, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestIsUnrecoverable(t *testing.T) {
	cause := errors.New("boom")
	assert.False(t, IsUnrecoverable(Transient("send", cause)))
	assert.False(t, IsUnrecoverable(cause))
	assert.True(t, IsUnrecoverable(&SimulationError{Code: "OUT_OF_GAS"}))
	assert.True(t, IsUnrecoverable(fmt.Errorf("wrapped: %w", &InsufficientFundsError{})))
	assert.True(t, IsUnrecoverable(Permanent(CodeInvalidPayload, cause)))
	assert.True(t, IsUnrecoverable(ErrAlreadyMinted))
	assert.Nil(t, Transient("send", nil))
	assert.Nil(t, Permanent(CodeInternal, nil))
}

func TestInsufficientFundsMessageToleratesNil(t *testing.T) {
	err := &InsufficientFundsError{Account: "0x1", Required: big.NewInt(5)}
	assert.Equal(t, "insufficient funds in 0x1: required 5 wei, available 0 wei", err.Error())
}
