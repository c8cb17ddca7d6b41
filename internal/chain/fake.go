package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// RevertError mirrors the JSON-RPC error a node returns for a reverted call,
// including the raw revert data.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

func (e *RevertError) ErrorCode() int { return 3 }

func (e *RevertError) ErrorData() interface{} { return hexutil.Encode(e.Data) }

// FakeBackend is an in-memory chain used by tests and local dry runs. Sent
// transactions are mined on the next receipt lookup when AutoMine is set.
type FakeBackend struct {
	mu sync.Mutex

	ChainIDValue *big.Int
	BaseFee      *big.Int
	Rewards      []*big.Int
	GasEstimate  uint64
	AutoMine     bool
	// MineStatus is the receipt status given to auto-mined transactions.
	MineStatus uint64

	FeeHistoryErr error
	CallErr       error
	EstimateErr   error
	BalanceErr    error
	NonceErr      error
	// SendErrs are returned by successive SendTransaction calls before sends succeed.
	SendErrs []error
	// DropAfterSend accepts the transaction but never mines it.
	DropAfterSend bool

	height   uint64
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	sent     []*types.Transaction
	pending  map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	calls    int
	sends    int
}

func NewFakeBackend(chainID int64) *FakeBackend {
	return &FakeBackend{
		ChainIDValue: big.NewInt(chainID),
		BaseFee:      big.NewInt(1_000_000_000),
		GasEstimate:  120_000,
		AutoMine:     true,
		MineStatus:   types.ReceiptStatusSuccessful,
		height:       100,
		balances:     make(map[common.Address]*big.Int),
		nonces:       make(map[common.Address]uint64),
		pending:      make(map[common.Hash]*types.Transaction),
		receipts:     make(map[common.Hash]*types.Receipt),
	}
}

func (f *FakeBackend) SetBalance(addr common.Address, wei *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = new(big.Int).Set(wei)
}

// Sent returns every transaction accepted by SendTransaction.
func (f *FakeBackend) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func (f *FakeBackend) SendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func (f *FakeBackend) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Mine gives a pending transaction a receipt with the given status.
func (f *FakeBackend) Mine(hash common.Hash, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mineLocked(hash, status)
}

func (f *FakeBackend) mineLocked(hash common.Hash, status uint64) {
	f.height++
	f.receipts[hash] = &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(f.height),
		GasUsed:     f.GasEstimate,
	}
	delete(f.pending, hash)
}

func (f *FakeBackend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.ChainIDValue), nil
}

func (f *FakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *FakeBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Header{
		Number:  new(big.Int).SetUint64(f.height),
		BaseFee: new(big.Int).Set(f.BaseFee),
	}, nil
}

func (f *FakeBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalanceErr != nil {
		return nil, f.BalanceErr
	}
	if b, ok := f.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeBackend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NonceErr != nil {
		return 0, f.NonceErr
	}
	return f.nonces[account], nil
}

func (f *FakeBackend) FeeHistory(_ context.Context, blockCount uint64, _ *big.Int, _ []float64) (*ethereum.FeeHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FeeHistoryErr != nil {
		return nil, f.FeeHistoryErr
	}
	oldest := uint64(0)
	if blockCount <= f.height {
		oldest = f.height - blockCount + 1
	}
	h := &ethereum.FeeHistory{OldestBlock: new(big.Int).SetUint64(oldest)}
	for _, r := range f.Rewards {
		h.Reward = append(h.Reward, []*big.Int{r})
		h.BaseFee = append(h.BaseFee, new(big.Int).Set(f.BaseFee))
		h.GasUsedRatio = append(h.GasUsedRatio, 0.5)
	}
	return h, nil
}

func (f *FakeBackend) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.CallErr != nil {
		return nil, f.CallErr
	}
	return nil, nil
}

func (f *FakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EstimateErr != nil {
		return 0, f.EstimateErr
	}
	return f.GasEstimate, nil
}

func (f *FakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if len(f.SendErrs) > 0 {
		err := f.SendErrs[0]
		f.SendErrs = f.SendErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := f.receipts[tx.Hash()]; ok {
		return fmt.Errorf("already known")
	}
	if _, ok := f.pending[tx.Hash()]; ok {
		return fmt.Errorf("already known")
	}
	signer := types.LatestSignerForChainID(f.ChainIDValue)
	if from, err := types.Sender(signer, tx); err == nil {
		if tx.Nonce() < f.nonces[from] {
			return fmt.Errorf("nonce too low")
		}
		f.nonces[from] = tx.Nonce() + 1
	}
	f.sent = append(f.sent, tx)
	f.pending[tx.Hash()] = tx
	return nil
}

func (f *FakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	if _, ok := f.pending[hash]; ok && f.AutoMine && !f.DropAfterSend {
		f.mineLocked(hash, f.MineStatus)
		return f.receipts[hash], nil
	}
	return nil, ethereum.NotFound
}
