// Package fees prices ticket transactions against the live network.
//
// The compute budget of a transaction is its gas limit. The priority fee is the
// EIP-1559 tip, sampled from recent blocks and capped at the configured
// maximum willingness to pay.
package fees

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"ticketmint/internal/chain"
	"ticketmint/internal/config"
	"ticketmint/internal/errs"
	"ticketmint/internal/logging"
	"ticketmint/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Operation selects the gas budget a breakdown is computed for.
type Operation string

const (
	OpMint     Operation = "mint"
	OpTransfer Operation = "transfer"
	OpBurn     Operation = "burn"
)

// Breakdown is a per-attempt fee quote. Amounts are in wei.
type Breakdown struct {
	Operation Operation
	GasLimit  uint64

	BaseFeePerGas     *big.Int
	PriorityFeePerGas *big.Int
	MaxFeePerGas      *big.Int

	// RentExemption is the storage deposit sent as value with a mint; nil otherwise.
	RentExemption  *big.Int
	TransactionFee *big.Int
	PriorityFee    *big.Int
	Total          *big.Int

	TotalInNativeUnits decimal.Decimal
}

// BalanceCheck is the answer of EnsureSufficientBalance. Exactly one of
// Shortfall and Surplus is non-zero unless the balance matches exactly.
type BalanceCheck struct {
	Sufficient bool
	Balance    *big.Int
	Required   *big.Int
	Shortfall  *big.Int
	Surplus    *big.Int
}

type Estimator struct {
	backend chain.Backend
	cfg     config.FeeConfig
	log     *zerolog.Logger
	metrics *metrics.Registry
}

func New(backend chain.Backend, cfg config.FeeConfig, log *zerolog.Logger, m *metrics.Registry) *Estimator {
	return &Estimator{
		backend: backend,
		cfg:     cfg,
		log:     logging.Component(log, "fees"),
		metrics: m,
	}
}

// OptimalPriorityFee returns the median positive tip of recent blocks, capped
// at the configured maximum. An empty sample or a failed query yields the
// configured default. It never errors.
func (e *Estimator) OptimalPriorityFee(ctx context.Context) *big.Int {
	fee := e.optimalPriorityFee(ctx)
	e.metrics.SetPriorityFee(fee)
	return fee
}

func (e *Estimator) optimalPriorityFee(ctx context.Context) *big.Int {
	def := e.defaultFee()
	blocks := e.cfg.SampleBlocks
	if blocks == 0 {
		blocks = 20
	}
	history, err := e.backend.FeeHistory(ctx, blocks, nil, []float64{e.cfg.RewardPercentile})
	if err != nil {
		e.log.Warn().Err(err).Str("fallback_wei", def.String()).Msg("fee history unavailable, using default priority fee")
		return def
	}

	var samples []*big.Int
	for _, rewards := range history.Reward {
		for _, r := range rewards {
			if r != nil && r.Sign() > 0 {
				samples = append(samples, r)
			}
		}
	}
	if len(samples) == 0 {
		e.log.Debug().Str("fallback_wei", def.String()).Msg("no positive priority fees sampled, using default")
		return def
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Cmp(samples[j]) < 0 })
	median := new(big.Int).Set(samples[len(samples)/2])

	if max := e.maxFee(); median.Cmp(max) > 0 {
		e.log.Info().Str("median_wei", median.String()).Str("cap_wei", max.String()).Msg("priority fee capped")
		return max
	}
	return median
}

func (e *Estimator) CalculateMintingFee(ctx context.Context) (*Breakdown, error) {
	deposit := new(big.Int).SetUint64(e.cfg.MintStorageDepositWei)
	return e.calculate(ctx, OpMint, e.cfg.MintGasLimit, deposit)
}

func (e *Estimator) CalculateTransferFee(ctx context.Context) (*Breakdown, error) {
	return e.calculate(ctx, OpTransfer, e.cfg.TransferGasLimit, nil)
}

func (e *Estimator) CalculateBurnFee(ctx context.Context) (*Breakdown, error) {
	return e.calculate(ctx, OpBurn, e.cfg.BurnGasLimit, nil)
}

// Calculate dispatches on op.
func (e *Estimator) Calculate(ctx context.Context, op Operation) (*Breakdown, error) {
	switch op {
	case OpMint:
		return e.CalculateMintingFee(ctx)
	case OpTransfer:
		return e.CalculateTransferFee(ctx)
	case OpBurn:
		return e.CalculateBurnFee(ctx)
	}
	return nil, fmt.Errorf("unknown fee operation %q", op)
}

func (e *Estimator) calculate(ctx context.Context, op Operation, gasLimit uint64, deposit *big.Int) (*Breakdown, error) {
	head, err := e.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, errs.Transient("fetch latest header", err)
	}
	baseFee := big.NewInt(0)
	if head.BaseFee != nil {
		baseFee = new(big.Int).Set(head.BaseFee)
	}
	tip := e.OptimalPriorityFee(ctx)

	// maxFee = 2*baseFee + tip, the same cap go-ethereum's transactor uses.
	maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)

	gas := new(big.Int).SetUint64(gasLimit)
	b := &Breakdown{
		Operation:         op,
		GasLimit:          gasLimit,
		BaseFeePerGas:     baseFee,
		PriorityFeePerGas: tip,
		MaxFeePerGas:      maxFee,
		TransactionFee:    new(big.Int).Mul(gas, new(big.Int).Mul(baseFee, big.NewInt(2))),
		PriorityFee:       new(big.Int).Mul(gas, tip),
	}
	b.Total = new(big.Int).Add(b.TransactionFee, b.PriorityFee)
	if deposit != nil && deposit.Sign() > 0 {
		b.RentExemption = new(big.Int).Set(deposit)
		b.Total.Add(b.Total, deposit)
	}
	b.TotalInNativeUnits = ToEther(b.Total)
	return b, nil
}

// EnsureSufficientBalance compares the account balance with required.
func (e *Estimator) EnsureSufficientBalance(ctx context.Context, account common.Address, required *big.Int) (BalanceCheck, error) {
	bal, err := e.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return BalanceCheck{}, errs.Transient("fetch balance", err)
	}
	if required == nil {
		required = big.NewInt(0)
	}
	check := BalanceCheck{
		Balance:   bal,
		Required:  new(big.Int).Set(required),
		Shortfall: big.NewInt(0),
		Surplus:   big.NewInt(0),
	}
	diff := new(big.Int).Sub(bal, required)
	if diff.Sign() >= 0 {
		check.Sufficient = true
		check.Surplus = diff
	} else {
		check.Shortfall = diff.Neg(diff)
	}
	return check, nil
}

// RequireBalance is EnsureSufficientBalance that fails with an
// *errs.InsufficientFundsError when the balance does not cover required.
func (e *Estimator) RequireBalance(ctx context.Context, account common.Address, required *big.Int) error {
	check, err := e.EnsureSufficientBalance(ctx, account, required)
	if err != nil {
		return err
	}
	if !check.Sufficient {
		return &errs.InsufficientFundsError{
			Account:   account.Hex(),
			Required:  check.Required,
			Available: check.Balance,
		}
	}
	return nil
}

func (e *Estimator) defaultFee() *big.Int {
	def := new(big.Int).SetUint64(e.cfg.DefaultPriorityFeeWei)
	if max := e.maxFee(); def.Cmp(max) > 0 {
		return max
	}
	return def
}

func (e *Estimator) maxFee() *big.Int {
	return new(big.Int).SetUint64(e.cfg.MaxPriorityFeeWei)
}

// ToEther converts a wei amount into native units.
func ToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}
