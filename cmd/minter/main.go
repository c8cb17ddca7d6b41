package main

import (
	"context"
	"fmt"
	"math/big"
	"os"

	"ticketmint/internal/chain"
	"ticketmint/internal/config"
	"ticketmint/internal/fees"
	"ticketmint/internal/logging"
	"ticketmint/internal/metrics"
	"ticketmint/internal/store"
	"ticketmint/internal/treasury"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "minter",
		Short:         "Ticket minting pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newTreasuryCommand())
	return cmd
}

// runtime holds the connections shared by every subcommand.
type runtime struct {
	cfg     *config.AppConfig
	log     *zerolog.Logger
	metrics *metrics.Registry
	store   store.Store
	pg      *store.PostgresStore
	client  *ethclient.Client
	chainID *big.Int
}

func bootstrap(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	log := logging.New(cfg.Log)
	rt := &runtime{cfg: cfg, log: log, metrics: metrics.New()}

	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		rt.pg = pg
		rt.store = pg
	} else {
		log.Warn().Msg("DB_DSN is empty, using the in-memory store")
		rt.store = store.NewMemoryStore()
	}

	rpcCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
	defer cancel()
	client, err := chain.Dial(rpcCtx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.client = client
	chainID, err := client.ChainID(rpcCtx)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	rt.chainID = chainID
	log.Info().Str("rpc", cfg.Chain.RPCURL).Str("chain_id", chainID.String()).Msg("connected to chain")
	return rt, nil
}

func (rt *runtime) close() {
	if rt.client != nil {
		rt.client.Close()
	}
	if rt.pg != nil {
		rt.pg.Close()
	}
}

func (rt *runtime) custodian(ctx context.Context, alerts treasury.BalanceAlerter) (*treasury.Custodian, error) {
	c := treasury.New(rt.cfg.Treasury, rt.client, rt.chainID, rt.store, alerts, rt.log, rt.metrics)
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newTreasuryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "treasury",
		Short: "Load or create the treasury key and print its address and balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			c, err := rt.custodian(ctx, nil)
			if err != nil {
				return err
			}
			ok, bal, err := c.CheckBalance(ctx)
			if err != nil {
				return fmt.Errorf("read balance: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "address:  %s\n", c.Address().Hex())
			fmt.Fprintf(out, "chain id: %s\n", rt.chainID)
			fmt.Fprintf(out, "balance:  %s ETH (%s wei)\n", fees.ToEther(bal).String(), bal)
			if !ok {
				fmt.Fprintf(out, "warning:  below operating minimum of %d wei\n", rt.cfg.Treasury.MinBalanceWei)
			}
			return nil
		},
	}
}
