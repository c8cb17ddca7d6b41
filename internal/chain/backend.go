package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of *ethclient.Client the pipeline talks to.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to the JSON-RPC endpoint and verifies the expected chain id
// when one is configured.
func Dial(ctx context.Context, rpcURL string, expectedChainID int64) (*ethclient.Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	if expectedChainID != 0 {
		id, err := cli.ChainID(ctx)
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("fetch chain id: %w", err)
		}
		if id.Int64() != expectedChainID {
			cli.Close()
			return nil, fmt.Errorf("rpc reports chain id %s, expected %d", id, expectedChainID)
		}
	}
	return cli, nil
}

// Ping is the connectivity probe used by health checks.
func Ping(ctx context.Context, b Backend) error {
	if b == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := b.BlockNumber(ctx)
	return err
}

// ReceiptReader is satisfied by every Backend.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func WaitForReceipt(ctx context.Context, client ReceiptReader, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !IsNotFound(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// IsNotFound matches the node's answer for an unknown transaction or receipt.
func IsNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound) || (err != nil && err.Error() == "not found")
}

// IsAlreadyKnown reports a rebroadcast of a transaction the node already holds.
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "already imported")
}

// IsNonceTooLow reports that the account nonce has already moved past the transaction.
func IsNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// IsNonceConflict reports that the nonce of the transaction is spent or held
// by a different pool transaction of the same account.
func IsNonceConflict(err error) bool {
	return IsNonceTooLow(err) ||
		(err != nil && strings.Contains(strings.ToLower(err.Error()), "replacement transaction underpriced"))
}
