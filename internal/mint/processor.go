// Package mint turns queued ticket jobs into confirmed on-chain transactions.
//
// Mint, transfer and burn jobs share one pipeline: idempotency check, fee
// quote, build, simulate, sign, broadcast, confirm, persist. The signed
// transaction is stored before it is broadcast, so a redelivered job resumes
// that transaction instead of signing a second one.
package mint

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"ticketmint/internal/chain"
	"ticketmint/internal/config"
	"ticketmint/internal/errs"
	"ticketmint/internal/fees"
	"ticketmint/internal/history"
	"ticketmint/internal/lock"
	"ticketmint/internal/logging"
	"ticketmint/internal/metrics"
	"ticketmint/internal/monitor"
	"ticketmint/internal/queue"
	"ticketmint/internal/retry"
	"ticketmint/internal/simulate"
	"ticketmint/internal/store"
	"ticketmint/internal/treasury"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

const (
	stepIdempotency = "idempotency-check"
	stepReserve     = "reserve"
	stepFee         = "fee"
	stepSimulate    = "simulate"
	stepSign        = "sign"
	stepBroadcast   = "broadcast"
	stepConfirm     = "confirm"
	stepPersist     = "persist"
	stepDone        = "done"
)

// ErrUnconfirmed means the node accepted the transaction but no receipt
// arrived within the confirmation timeout.
var ErrUnconfirmed = errors.New("broadcast accepted but not confirmed")

// Result is the value a job completes with.
type Result struct {
	Success       bool      `json:"success"`
	TokenID       string    `json:"tokenId,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
	Signature     string    `json:"signature,omitempty"`
	NetworkHeight uint64    `json:"networkHeight,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	AlreadyMinted bool      `json:"alreadyMinted,omitempty"`
	// Duplicate is set on transfer and burn jobs whose transaction was already confirmed.
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Config struct {
	Contract            common.Address
	ChainID             *big.Int
	Retry               retry.Config
	ReservationTimeout  time.Duration
	ConfirmationTimeout time.Duration
	ReceiptPollInterval time.Duration
	TokenURIBase        string
	LockTTL             time.Duration
	DevLogging          bool
}

func ConfigFrom(app *config.AppConfig, chainID *big.Int) Config {
	return Config{
		Contract:            common.HexToAddress(app.Chain.TicketContract),
		ChainID:             chainID,
		Retry:               retry.FromConfig(app.Retry),
		ReservationTimeout:  app.Mint.ReservationTimeout,
		ConfirmationTimeout: app.Chain.ConfirmationTimeout,
		ReceiptPollInterval: app.Chain.ReceiptPollInterval,
		TokenURIBase:        app.Mint.TokenURIBase,
		LockTTL:             app.Redis.LockTTL,
		DevLogging:          app.Log.Dev,
	}
}

// Ledger is the part of the store the processor writes to.
type Ledger interface {
	store.Tickets
	store.Transactions
}

// Deps are the collaborators of a Processor. Nonces, Locker, Retry, Log and
// Metrics may be nil. Nonces must be shared by every processor signing with
// the same key.
type Deps struct {
	Ledger    Ledger
	Backend   chain.Backend
	Fees      *fees.Estimator
	Simulator *simulate.Simulator
	Signer    Signer
	Nonces    *treasury.Sequencer
	History   *history.Store
	Monitor   *monitor.Monitor
	Locker    lock.Locker
	Retry     *retry.Executor
	Log       *zerolog.Logger
	Metrics   *metrics.Registry
}

type Processor struct {
	cfg       Config
	ledger    Ledger
	backend   chain.Backend
	fees      *fees.Estimator
	simulator *simulate.Simulator
	signer    Signer
	nonces    *treasury.Sequencer
	history   *history.Store
	monitor   *monitor.Monitor
	locker    lock.Locker
	retry     *retry.Executor
	log       *zerolog.Logger
	metrics   *metrics.Registry
	now       func() time.Time
}

func New(cfg Config, d Deps) (*Processor, error) {
	var problems []error
	if d.Ledger == nil {
		problems = append(problems, errors.New("ledger is required"))
	}
	if d.Backend == nil {
		problems = append(problems, errors.New("chain backend is required"))
	}
	if d.Fees == nil {
		problems = append(problems, errors.New("fee estimator is required"))
	}
	if d.Simulator == nil {
		problems = append(problems, errors.New("simulator is required"))
	}
	if d.Signer == nil {
		problems = append(problems, errors.New("signer is required"))
	}
	if d.History == nil {
		problems = append(problems, errors.New("history store is required"))
	}
	if d.Monitor == nil {
		problems = append(problems, errors.New("sync monitor is required"))
	}
	if cfg.ChainID == nil {
		problems = append(problems, errors.New("chain id is required"))
	}
	if err := errors.Join(problems...); err != nil {
		return nil, fmt.Errorf("mint processor: %w", err)
	}
	if d.Retry == nil {
		d.Retry = retry.NewExecutor(d.Log, d.Metrics)
	}
	if d.Nonces == nil {
		d.Nonces = treasury.NewSequencer(d.Backend)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	cfg.Retry = cfg.Retry.WithDefaults()
	return &Processor{
		cfg:       cfg,
		ledger:    d.Ledger,
		backend:   d.Backend,
		fees:      d.Fees,
		simulator: d.Simulator,
		signer:    d.Signer,
		nonces:    d.Nonces,
		history:   d.History,
		monitor:   d.Monitor,
		locker:    d.Locker,
		retry:     d.Retry,
		log:       logging.Component(d.Log, "mint"),
		metrics:   d.Metrics,
		now:       time.Now,
	}, nil
}

// Register installs the processor as the handler of every job type.
func (p *Processor) Register(q *queue.Queue, cfg config.QueueConfig) {
	defaults := queue.Options{MaxAttempts: cfg.MaxAttempts, Backoff: cfg.BackoffDelay}
	q.Register(queue.TypeMint, cfg.MintConcurrency, defaults, p.Process)
	q.Register(queue.TypeTransfer, cfg.TransferConcurrency, defaults, p.Process)
	q.Register(queue.TypeBurn, cfg.BurnConcurrency, defaults, p.Process)
}

// Process is the queue.Handler for mint, transfer and burn jobs.
func (p *Processor) Process(ctx context.Context, job *queue.Job) (any, error) {
	switch pl := job.Payload.(type) {
	case queue.MintPayload:
		return p.processMint(ctx, job, pl)
	case queue.TransferPayload:
		return p.processTransfer(ctx, job, pl)
	case queue.BurnPayload:
		return p.processBurn(ctx, job, pl)
	}
	return nil, errs.Permanent(errs.CodeInvalidPayload, fmt.Errorf("unsupported payload %T", job.Payload))
}

// attempt carries the state of one job attempt through the pipeline.
type attempt struct {
	job      *queue.Job
	ticketID string
	tenantID string
	started  time.Time
	meta     map[string]string
	log      zerolog.Logger

	record   *store.Transaction
	accepted bool
	reserved bool
}

type plan struct {
	txType store.TxType
	op     fees.Operation
	data   []byte
}

func (p *Processor) begin(job *queue.Job, ticketID, tenantID string, meta map[string]string) *attempt {
	l := p.log.With().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Str("ticket_id", ticketID).
		Int("attempt", job.Attempt()).
		Logger()
	l.Info().Msg("processing job")
	return &attempt{
		job:      job,
		ticketID: ticketID,
		tenantID: tenantID,
		started:  p.now(),
		meta:     meta,
		log:      l,
	}
}

func (p *Processor) processMint(ctx context.Context, job *queue.Job, pl queue.MintPayload) (any, error) {
	meta := map[string]string{"eventId": pl.EventID, "ownerId": pl.OwnerID}
	for k, v := range pl.Metadata {
		meta[k] = v
	}
	a := p.begin(job, pl.TicketID, pl.TenantID, meta)
	a.log.Debug().Str("owner", logging.Redact(pl.OwnerAddress, p.cfg.DevLogging)).Msg("mint requested")

	job.ReportProgress(stepIdempotency, 5)
	res, done, err := p.mintedBefore(ctx, job.Key, pl.TicketID)
	if err != nil {
		return p.fail(ctx, a, err)
	}
	if done {
		return p.alreadyDone(a, res)
	}

	unlock, err := p.lockTicket(ctx, pl.TicketID)
	if err != nil {
		return p.fail(ctx, a, err)
	}
	defer unlock()

	job.ReportProgress(stepReserve, 15)
	if _, err := p.ledger.ReserveTicket(ctx, pl.TicketID, job.ID, p.cfg.ReservationTimeout); err != nil {
		switch {
		case errors.Is(err, store.ErrTicketSold):
			res, _, serr := p.mintedBefore(ctx, job.Key, pl.TicketID)
			if serr != nil {
				return p.fail(ctx, a, serr)
			}
			return p.alreadyDone(a, res)
		case errors.Is(err, store.ErrNotFound):
			return p.fail(ctx, a, errs.Permanent(errs.CodeTicketUnavailable, err))
		}
		return p.fail(ctx, a, fmt.Errorf("reserve ticket: %w", err))
	}
	a.reserved = true

	tokenID := chain.TokenIDFor(pl.TicketID)
	data, err := chain.PackMint(common.HexToAddress(pl.OwnerAddress), tokenID, p.tokenURI(pl))
	if err != nil {
		return p.fail(ctx, a, errs.Permanent(errs.CodeInternal, err))
	}

	receipt, err := p.submit(ctx, a, plan{txType: store.TxMint, op: fees.OpMint, data: data})
	if err != nil {
		return p.fail(ctx, a, err)
	}

	job.ReportProgress(stepPersist, 90)
	slot := receipt.BlockNumber.Uint64()
	if err := p.retry.Run(ctx, "persist_mint", p.cfg.Retry, func(ctx context.Context) error {
		return p.ledger.CompleteMint(ctx, pl.TicketID, a.record.ID, tokenID.String(), slot)
	}); err != nil {
		return p.fail(ctx, a, fmt.Errorf("persist mint: %w", err))
	}
	return p.succeed(a, tokenID.String(), receipt)
}

func (p *Processor) processTransfer(ctx context.Context, job *queue.Job, pl queue.TransferPayload) (any, error) {
	a := p.begin(job, pl.TicketID, pl.TenantID, map[string]string{
		"requestId": pl.RequestID,
		"toOwnerId": pl.ToOwnerID,
	})

	job.ReportProgress(stepIdempotency, 5)
	res, done, err := p.processedBefore(ctx, job.Key)
	if err != nil {
		return p.fail(ctx, a, err)
	}
	if done {
		return p.alreadyDone(a, res)
	}

	unlock, err := p.lockTicket(ctx, pl.TicketID)
	if err != nil {
		return p.fail(ctx, a, err)
	}
	defer unlock()

	t, err := p.mintedTicket(ctx, pl.TicketID)
	if err != nil {
		return p.fail(ctx, a, err)
	}
	if t.OwnerAddress != "" && !strings.EqualFold(t.OwnerAddress, pl.FromAddress) {
		return p.fail(ctx, a, errs.Permanent(errs.CodeInvalidPayload,
			fmt.Errorf("ticket %s is not held by %s", pl.TicketID, pl.FromAddress)))
	}

	tokenID := chain.TokenIDFor(pl.TicketID)
	data, err := chain.PackTransfer(common.HexToAddress(pl.FromAddress), common.HexToAddress(pl.ToAddress), tokenID)
	if err != nil {
		return p.fail(ctx, a, errs.Permanent(errs.CodeInternal, err))
	}

	receipt, err := p.submit(ctx, a, plan{txType: store.TxTransfer, op: fees.OpTransfer, data: data})
	if err != nil {
		return p.fail(ctx, a, err)
	}

	job.ReportProgress(stepPersist, 90)
	if err := p.retry.Run(ctx, "persist_transfer", p.cfg.Retry, func(ctx context.Context) error {
		if err := p.ledger.ConfirmTransaction(ctx, a.record.ID, receipt.BlockNumber.Uint64()); err != nil {
			return err
		}
		return p.ledger.SetTicketOwner(ctx, pl.TicketID, pl.ToOwnerID, pl.ToAddress)
	}); err != nil {
		return p.fail(ctx, a, fmt.Errorf("persist transfer: %w", err))
	}
	return p.succeed(a, tokenID.String(), receipt)
}

func (p *Processor) processBurn(ctx context.Context, job *queue.Job, pl queue.BurnPayload) (any, error) {
	a := p.begin(job, pl.TicketID, pl.TenantID, map[string]string{"reason": pl.Reason})

	job.ReportProgress(stepIdempotency, 5)
	res, done, err := p.processedBefore(ctx, job.Key)
	if err != nil {
		return p.fail(ctx, a, err)
	}
	if done {
		return p.alreadyDone(a, res)
	}

	unlock, err := p.lockTicket(ctx, pl.TicketID)
	if err != nil {
		return p.fail(ctx, a, err)
	}
	defer unlock()

	if _, err := p.mintedTicket(ctx, pl.TicketID); err != nil {
		return p.fail(ctx, a, err)
	}

	tokenID := chain.TokenIDFor(pl.TicketID)
	data, err := chain.PackBurn(tokenID)
	if err != nil {
		return p.fail(ctx, a, errs.Permanent(errs.CodeInternal, err))
	}

	receipt, err := p.submit(ctx, a, plan{txType: store.TxBurn, op: fees.OpBurn, data: data})
	if err != nil {
		return p.fail(ctx, a, err)
	}

	job.ReportProgress(stepPersist, 90)
	if err := p.retry.Run(ctx, "persist_burn", p.cfg.Retry, func(ctx context.Context) error {
		if err := p.ledger.ConfirmTransaction(ctx, a.record.ID, receipt.BlockNumber.Uint64()); err != nil {
			return err
		}
		return p.ledger.MarkBurned(ctx, pl.TicketID)
	}); err != nil {
		return p.fail(ctx, a, fmt.Errorf("persist burn: %w", err))
	}
	return p.succeed(a, tokenID.String(), receipt)
}

// mintedBefore reports a ticket that already has a confirmed mint, either
// through this job key or because the ticket is SOLD.
func (p *Processor) mintedBefore(ctx context.Context, jobKey, ticketID string) (Result, bool, error) {
	live, err := p.ledger.LiveTransaction(ctx, jobKey)
	switch {
	case err == nil && live.Status == store.TxConfirmed:
		return Result{
			Success:       true,
			AlreadyMinted: true,
			TokenID:       chain.TokenIDFor(ticketID).String(),
			TransactionID: live.ID,
			Signature:     live.TxHash,
			NetworkHeight: live.Slot,
		}, true, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return Result{}, false, fmt.Errorf("idempotency check: %w", err)
	}

	t, err := p.ledger.GetTicket(ctx, ticketID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, false, errs.Permanent(errs.CodeTicketUnavailable, err)
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("load ticket: %w", err)
	}
	if t.Status != store.TicketSold {
		return Result{}, false, nil
	}
	res := Result{Success: true, AlreadyMinted: true, TokenID: t.TokenID, TransactionID: t.MintTransactionID}
	if txs, err := p.ledger.TransactionsForTicket(ctx, ticketID); err == nil {
		for _, tx := range txs {
			if tx.ID == t.MintTransactionID {
				res.Signature = tx.TxHash
				res.NetworkHeight = tx.Slot
			}
		}
	}
	return res, true, nil
}

func (p *Processor) processedBefore(ctx context.Context, jobKey string) (Result, bool, error) {
	live, err := p.ledger.LiveTransaction(ctx, jobKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Result{}, false, nil
	case err != nil:
		return Result{}, false, fmt.Errorf("idempotency check: %w", err)
	case live.Status != store.TxConfirmed:
		return Result{}, false, nil
	}
	return Result{
		Success:       true,
		Duplicate:     true,
		TransactionID: live.ID,
		Signature:     live.TxHash,
		NetworkHeight: live.Slot,
	}, true, nil
}

func (p *Processor) mintedTicket(ctx context.Context, ticketID string) (store.Ticket, error) {
	t, err := p.ledger.GetTicket(ctx, ticketID)
	if errors.Is(err, store.ErrNotFound) {
		return t, errs.Permanent(errs.CodeTicketUnavailable, err)
	}
	if err != nil {
		return t, fmt.Errorf("load ticket: %w", err)
	}
	if !t.IsMinted {
		return t, errs.Permanent(errs.CodeTicketUnavailable, fmt.Errorf("ticket %s has no on-chain token", ticketID))
	}
	return t, nil
}

// lockTicket takes the cross-process ticket lock and keeps extending it until
// the returned func releases it, so a slow confirmation cannot outlive it.
func (p *Processor) lockTicket(ctx context.Context, ticketID string) (func(), error) {
	if p.locker == nil {
		return func() {}, nil
	}
	key := lock.TicketKey(ticketID)
	token, err := p.locker.TryLock(ctx, key, p.cfg.LockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, err)
	}
	if err != nil {
		return nil, errs.Transient("ticket lock", err)
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		p.keepLock(ctx, key, token, stop)
	}()
	return func() {
		close(stop)
		<-stopped
		if err := p.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			p.log.Warn().Err(err).Str("ticket_id", ticketID).Msg("release ticket lock failed")
		}
	}, nil
}

func (p *Processor) keepLock(ctx context.Context, key, token string, stop <-chan struct{}) {
	t := time.NewTicker(max(p.cfg.LockTTL/3, time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			err := p.locker.Extend(ctx, key, token, p.cfg.LockTTL)
			if errors.Is(err, lock.ErrNotHeld) {
				p.log.Error().Str("lock", key).Msg("ticket lock lost before the attempt finished")
				return
			}
			if err != nil {
				p.log.Warn().Err(err).Str("lock", key).Msg("extend ticket lock failed")
			}
		}
	}
}

// submit resumes the stored transaction of the job key, or builds, simulates,
// signs and broadcasts a new one, and returns its successful receipt.
func (p *Processor) submit(ctx context.Context, a *attempt, pl plan) (*types.Receipt, error) {
	live, err := p.ledger.LiveTransaction(ctx, a.job.Key)
	switch {
	case err == nil && live.Status == store.TxConfirmed:
		return nil, errs.Permanent(errs.CodeInternal,
			fmt.Errorf("job key %s already has confirmed transaction %s", a.job.Key, live.ID))
	case err == nil:
		receipt, err := p.resume(ctx, a, &live)
		if err != nil || receipt != nil {
			return receipt, err
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load live transaction: %w", err)
	}

	a.job.ReportProgress(stepFee, 30)
	quote, err := p.quote(ctx, pl.op)
	if err != nil {
		return nil, err
	}
	signed, err := p.signAndBroadcast(ctx, a, pl, quote)
	if chain.IsNonceConflict(err) && !a.accepted {
		// Another sender of the treasury key took the nonce; one rebuild reads the next one.
		p.abandon(ctx, a, "nonce consumed by another transaction")
		signed, err = p.signAndBroadcast(ctx, a, pl, quote)
	}
	if err != nil {
		return nil, err
	}
	a.job.ReportProgress(stepConfirm, 85)
	return p.confirm(ctx, signed.Hash())
}

func (p *Processor) quote(ctx context.Context, op fees.Operation) (*fees.Breakdown, error) {
	quote, err := retry.Do(ctx, p.retry, "fee_estimate", p.cfg.Retry, func(ctx context.Context) (*fees.Breakdown, error) {
		return p.fees.Calculate(ctx, op)
	})
	if err != nil {
		return nil, err
	}
	if err := p.retry.Run(ctx, "balance_check", p.cfg.Retry, func(ctx context.Context) error {
		return p.fees.RequireBalance(ctx, p.signer.Address(), quote.Total)
	}); err != nil {
		return nil, err
	}
	return quote, nil
}

func (p *Processor) acquireNonce(ctx context.Context) (*treasury.Lease, error) {
	from := p.signer.Address()
	return retry.Do(ctx, p.retry, "pending_nonce", p.cfg.Retry, func(ctx context.Context) (*treasury.Lease, error) {
		return p.nonces.Acquire(ctx, from)
	})
}

// signAndBroadcast holds the nonce lease from reading the pending nonce until
// the node has accepted the transaction, so concurrent jobs never sign the
// same nonce.
func (p *Processor) signAndBroadcast(ctx context.Context, a *attempt, pl plan, quote *fees.Breakdown) (*types.Transaction, error) {
	from := p.signer.Address()
	lease, err := p.acquireNonce(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	nonce := lease.Nonce

	value := new(big.Int)
	if quote.RentExemption != nil {
		value.Set(quote.RentExemption)
	}
	to := p.cfg.Contract
	unsigned := types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: quote.PriorityFeePerGas,
		GasFeeCap: quote.MaxFeePerGas,
		Gas:       quote.GasLimit,
		To:        &to,
		Value:     value,
		Data:      pl.data,
	})

	a.job.ReportProgress(stepSimulate, 45)
	sim, err := retry.Do(ctx, p.retry, "simulate", p.cfg.Retry, func(ctx context.Context) (simulate.Result, error) {
		return p.simulator.SimulateBeforeSigning(ctx, unsigned, from, simulate.Options{})
	})
	if err != nil {
		return nil, err
	}
	for _, w := range sim.Warnings {
		a.log.Warn().Str("warning", w).Msg("simulation warning")
	}

	a.job.ReportProgress(stepSign, 60)
	signed, err := p.signer.Sign(ctx, unsigned)
	if err != nil {
		return nil, errs.Permanent(errs.CodeInternal, fmt.Errorf("sign transaction: %w", err))
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, errs.Permanent(errs.CodeInternal, fmt.Errorf("encode transaction: %w", err))
	}

	rec := &store.Transaction{
		TicketID: a.ticketID,
		JobKey:   a.job.Key,
		JobID:    a.job.ID,
		Type:     pl.txType,
		Status:   store.TxPending,
		TxHash:   signed.Hash().Hex(),
		RawTx:    raw,
		Metadata: map[string]any{
			"nonce":             nonce,
			"gasLimit":          quote.GasLimit,
			"maxFeePerGas":      quote.MaxFeePerGas.String(),
			"priorityFeePerGas": quote.PriorityFeePerGas.String(),
			"totalFeeWei":       quote.Total.String(),
			"gasUsedSimulated":  sim.UnitsConsumed,
			"attempt":           a.job.Attempt(),
		},
	}
	if err := p.ledger.CreateTransaction(ctx, rec); err != nil {
		return nil, fmt.Errorf("record pending transaction: %w", err)
	}
	a.record = rec
	a.log.Info().
		Str("tx_id", rec.ID).
		Str("tx_hash", rec.TxHash).
		Uint64("nonce", nonce).
		Str("fee_eth", quote.TotalInNativeUnits.String()).
		Msg("transaction signed")

	if err := p.broadcast(ctx, a, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

func (p *Processor) broadcast(ctx context.Context, a *attempt, tx *types.Transaction) error {
	a.job.ReportProgress(stepBroadcast, 75)
	if err := p.retry.Run(ctx, "broadcast", p.cfg.Retry, func(ctx context.Context) error {
		err := p.backend.SendTransaction(ctx, tx)
		if err == nil || chain.IsAlreadyKnown(err) {
			return nil
		}
		return err
	}); err != nil {
		return err
	}
	a.accepted = true
	if a.record.Status == store.TxPending {
		if err := p.ledger.MarkSubmitted(ctx, a.record.ID, tx.Hash().Hex()); err != nil {
			a.log.Warn().Err(err).Str("tx_id", a.record.ID).Msg("mark transaction submitted failed")
		} else {
			a.record.Status = store.TxSubmitted
		}
	}
	return nil
}

// resume drives a stored PENDING or SUBMITTED transaction to a receipt. It
// returns (nil, nil) when the stored transaction was abandoned and a new one
// must be built.
func (p *Processor) resume(ctx context.Context, a *attempt, rec *store.Transaction) (*types.Receipt, error) {
	a.record = rec
	a.accepted = rec.Status == store.TxSubmitted

	var tx types.Transaction
	if err := tx.UnmarshalBinary(rec.RawTx); err != nil {
		p.abandon(ctx, a, fmt.Sprintf("stored transaction unreadable: %v", err))
		return nil, nil
	}
	hash := tx.Hash()
	a.log.Info().
		Str("tx_id", rec.ID).
		Str("tx_hash", hash.Hex()).
		Str("status", string(rec.Status)).
		Msg("resuming stored transaction")

	receipt, err := p.lookupReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt != nil {
		a.accepted = true
		return checkReceipt(receipt)
	}

	lease, err := p.acquireNonce(ctx)
	if err != nil {
		return nil, err
	}
	err = p.broadcast(ctx, a, &tx)
	lease.Release()
	if chain.IsNonceConflict(err) {
		// Either this transaction was mined meanwhile or another one holds its nonce.
		receipt, err = p.lookupReceipt(ctx, hash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			a.accepted = true
			return checkReceipt(receipt)
		}
		p.abandon(ctx, a, "nonce consumed by another transaction")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.job.ReportProgress(stepConfirm, 85)
	return p.confirm(ctx, hash)
}

func (p *Processor) abandon(ctx context.Context, a *attempt, reason string) {
	a.accepted = false
	if a.record == nil {
		return
	}
	if err := p.ledger.FailTransaction(ctx, a.record.ID, reason); err != nil {
		a.log.Warn().Err(err).Str("tx_id", a.record.ID).Msg("fail stored transaction")
	}
	a.log.Warn().Str("tx_id", a.record.ID).Str("reason", reason).Msg("abandoned stored transaction")
	a.record = nil
}

func (p *Processor) lookupReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	r, err := p.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if chain.IsNotFound(err) {
			return nil, nil
		}
		return nil, errs.Transient("receipt lookup", err)
	}
	return r, nil
}

func (p *Processor) confirm(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	wctx := ctx
	if p.cfg.ConfirmationTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, p.cfg.ConfirmationTimeout)
		defer cancel()
	}
	receipt, err := chain.WaitForReceipt(wctx, p.backend, hash, p.cfg.ReceiptPollInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errs.Transient("confirm", fmt.Errorf("%w: %s", ErrUnconfirmed, hash.Hex()))
		}
		return nil, errs.Transient("confirm", err)
	}
	return checkReceipt(receipt)
}

func checkReceipt(r *types.Receipt) (*types.Receipt, error) {
	if r.Status != types.ReceiptStatusSuccessful {
		var block uint64
		if r.BlockNumber != nil {
			block = r.BlockNumber.Uint64()
		}
		return r, &errs.RevertedError{TxHash: r.TxHash.Hex(), Block: block}
	}
	return r, nil
}

// fail ends the attempt. Before the final attempt the error is returned for
// the queue to retry and nothing else changes.
func (p *Processor) fail(ctx context.Context, a *attempt, err error) (any, error) {
	unrecoverable := errs.IsUnrecoverable(err)
	if !unrecoverable && !a.job.IsFinalAttempt() {
		p.metrics.IncMint(string(a.job.Type), "retry")
		a.log.Warn().Err(err).Msg("attempt failed, job will be retried")
		return nil, err
	}

	code := errs.CodeOf(err)
	if !unrecoverable {
		code = errs.CodeJobExhausted
	}
	meta := copyMeta(a.meta)
	var reverted *errs.RevertedError
	txHash := ""
	if a.record != nil {
		txHash = a.record.TxHash
	}

	if a.accepted && !errors.As(err, &reverted) {
		// The node holds the transaction; the ticket stays RESERVED until reconciled.
		code = errs.CodeUnconfirmedBroadcast
		meta["ticketHeld"] = "true"
		p.monitor.UnconfirmedBroadcast(a.ticketID, a.job.ID, txHash)
		a.log.Error().Err(err).Str("tx_hash", txHash).Msg("broadcast unconfirmed on final attempt, ticket held for reconciliation")
	} else {
		if a.record != nil {
			if ferr := p.ledger.FailTransaction(ctx, a.record.ID, err.Error()); ferr != nil {
				a.log.Warn().Err(ferr).Str("tx_id", a.record.ID).Msg("mark transaction failed")
			}
		}
		if a.reserved {
			if rerr := p.ledger.ReleaseTicket(ctx, a.ticketID, a.job.ID); rerr != nil && !errors.Is(rerr, store.ErrNotReserved) {
				a.log.Error().Err(rerr).Msg("release ticket failed")
			}
		}
	}

	now := p.now()
	p.history.RecordCompletion(a.job.ID, a.ticketID, a.tenantID, history.OutcomeFailure, a.started, history.Details{
		JobType:     string(a.job.Type),
		CompletedAt: now,
		TxHash:      txHash,
		Error:       err.Error(),
		ErrorCode:   string(code),
		RetryCount:  a.job.Attempt() - 1,
		Metadata:    meta,
	})
	if a.job.Type == queue.TypeMint {
		p.monitor.RecordFailure(now, err.Error())
	}
	p.metrics.IncMint(string(a.job.Type), "failed")
	a.log.Error().Err(err).Str("error_code", string(code)).Msg("job failed")
	return Result{Success: false, Error: err.Error(), Signature: txHash, Timestamp: now}, err
}

func (p *Processor) succeed(a *attempt, tokenID string, receipt *types.Receipt) (any, error) {
	now := p.now()
	res := Result{
		Success:       true,
		TokenID:       tokenID,
		TransactionID: a.record.ID,
		Signature:     receipt.TxHash.Hex(),
		NetworkHeight: receipt.BlockNumber.Uint64(),
		Timestamp:     now,
	}
	meta := copyMeta(a.meta)
	meta["gasUsed"] = strconv.FormatUint(receipt.GasUsed, 10)
	p.history.RecordCompletion(a.job.ID, a.ticketID, a.tenantID, history.OutcomeSuccess, a.started, history.Details{
		JobType:     string(a.job.Type),
		CompletedAt: now,
		MintAddress: tokenID,
		TxHash:      res.Signature,
		RetryCount:  a.job.Attempt() - 1,
		Metadata:    meta,
	})
	if a.job.Type == queue.TypeMint {
		p.monitor.RecordSuccess(now)
		p.metrics.ObserveMintDuration(now.Sub(a.started))
	}
	p.metrics.IncMint(string(a.job.Type), "success")
	a.job.ReportProgress(stepDone, 100)
	a.log.Info().
		Str("tx_hash", res.Signature).
		Uint64("block", res.NetworkHeight).
		Msg("job completed")
	return res, nil
}

func (p *Processor) alreadyDone(a *attempt, res Result) (any, error) {
	now := p.now()
	res.Timestamp = now
	meta := copyMeta(a.meta)
	meta["duplicate"] = "true"
	p.history.RecordCompletion(a.job.ID, a.ticketID, a.tenantID, history.OutcomeSuccess, a.started, history.Details{
		JobType:     string(a.job.Type),
		CompletedAt: now,
		MintAddress: res.TokenID,
		TxHash:      res.Signature,
		RetryCount:  a.job.Attempt() - 1,
		Metadata:    meta,
	})
	if a.job.Type == queue.TypeMint {
		p.monitor.JobRemoved()
	}
	p.metrics.IncMint(string(a.job.Type), "duplicate")
	a.job.ReportProgress(stepDone, 100)
	a.log.Info().Str("tx_id", res.TransactionID).Msg("already processed, nothing signed")
	return res, nil
}

func (p *Processor) tokenURI(pl queue.MintPayload) string {
	return p.cfg.TokenURIBase + pl.EventID + "/" + pl.TicketID
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
