package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"ticketmint/internal/chain"
	"ticketmint/internal/fees"
	"ticketmint/internal/history"
	"ticketmint/internal/idempotency"
	"ticketmint/internal/lock"
	"ticketmint/internal/mint"
	"ticketmint/internal/monitor"
	"ticketmint/internal/queue"
	"ticketmint/internal/retry"
	"ticketmint/internal/server"
	"ticketmint/internal/simulate"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	balanceCheckInterval = 5 * time.Minute
	idempotencySweep     = time.Hour
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue workers, background monitors and the operator API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, log, m := rt.cfg, rt.log, rt.metrics

	mon := monitor.New(cfg.Monitor, log, m)
	hist := history.New(cfg.History, log, m)

	custodian, err := rt.custodian(ctx, mon)
	if err != nil {
		return err
	}

	var locker lock.Locker
	var redisPing func(context.Context) error
	if cfg.Redis.Enabled() {
		rl, err := lock.NewRedisLocker(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rl.Close()
		locker = rl
		redisPing = rl.Ping
	} else {
		locker = lock.NewMemoryLocker()
	}

	var (
		idem      idempotency.Store
		sweepIdem func(context.Context) (int64, error)
		dbPing    func(context.Context) error
	)
	if rt.pg != nil {
		ps, err := idempotency.NewPostgresStore(ctx, rt.pg.Pool())
		if err != nil {
			return fmt.Errorf("idempotency store: %w", err)
		}
		idem, sweepIdem, dbPing = ps, ps.Sweep, rt.pg.Ping
	} else {
		ms := idempotency.NewMemoryStore()
		idem = ms
		sweepIdem = func(context.Context) (int64, error) { return int64(ms.Sweep()), nil }
	}

	exec := retry.NewExecutor(log, m)
	estimator := fees.New(rt.client, cfg.Fees, log, m)
	simulator := simulate.New(rt.client, cfg.Simulation, chain.ParsedTicketABI(), log, m)

	q := queue.New(queue.Config{
		KeepCompleted: cfg.Queue.KeepCompleted,
		KeepFailed:    cfg.Queue.KeepFailed,
		StallTimeout:  cfg.Queue.StallTimeout,
	}, log, m)

	proc, err := mint.New(mint.ConfigFrom(cfg, rt.chainID), mint.Deps{
		Ledger:    rt.store,
		Backend:   rt.client,
		Fees:      estimator,
		Simulator: simulator,
		Signer:    custodian,
		Nonces:    custodian.Nonces(),
		History:   hist,
		Monitor:   mon,
		Locker:    locker,
		Retry:     exec,
		Log:       log,
		Metrics:   m,
	})
	if err != nil {
		return err
	}
	proc.Register(q, cfg.Queue)

	svc := mint.NewService(q, rt.store, hist, mon, cfg.Service.DefaultTenant, log)
	api := server.NewServer(cfg, server.Deps{
		Service:     svc,
		Queue:       q,
		History:     hist,
		Monitor:     mon,
		Treasury:    custodian,
		Idempotency: idem,
		DBPing:      dbPing,
		RPCPing:     func(ctx context.Context) error { return chain.Ping(ctx, rt.client) },
		RedisPing:   redisPing,
		Log:         log,
		Metrics:     m,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error { return hist.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	if cfg.Monitor.BalanceCheckEnabled {
		g.Go(func() error { return custodian.WatchBalance(gctx, balanceCheckInterval) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(idempotencySweep)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n, err := sweepIdem(gctx)
				if err != nil {
					log.Warn().Err(err).Msg("idempotency sweep failed")
				} else if n > 0 {
					log.Debug().Int64("removed", n).Msg("idempotency sweep")
				}
			}
		}
	})
	g.Go(api.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Service.ShutdownGrace)
		defer cancel()
		return api.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}
