// Package treasury owns the service signing key.
//
// The private key is loaded or created by Initialize and never leaves this
// package: callers get the address, the balance and signed transactions. The
// custodian logs as its address only.
package treasury

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ticketmint/internal/chain"
	"ticketmint/internal/config"
	"ticketmint/internal/errs"
	"ticketmint/internal/logging"
	"ticketmint/internal/metrics"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNoKey          = errors.New("treasury key not found")
	ErrNotInitialized = errors.New("treasury custodian not initialized")
)

// Key sources recorded with the wallet.
const (
	SourceEnv       = "env"
	SourceKeystore  = "keystore"
	SourceFile      = "file"
	SourceGenerated = "generated"
)

// WalletStore persists the public identity of the treasury.
type WalletStore interface {
	SaveTreasuryWallet(ctx context.Context, address, source string) error
}

// BalanceAlerter is notified when the treasury drops below its operating minimum.
type BalanceAlerter interface {
	LowTreasuryBalance(address string, balance, minimum *big.Int)
}

type Custodian struct {
	mu      sync.Mutex
	key     *ecdsa.PrivateKey
	address common.Address
	source  string

	cfg     config.TreasuryConfig
	backend chain.Backend
	signer  types.Signer
	nonces  *Sequencer
	wallets WalletStore
	alerts  BalanceAlerter
	log     *zerolog.Logger
	metrics *metrics.Registry

	scryptN int
	scryptP int
}

// New returns an uninitialized custodian. wallets and alerts may be nil.
func New(cfg config.TreasuryConfig, backend chain.Backend, chainID *big.Int, wallets WalletStore, alerts BalanceAlerter, log *zerolog.Logger, m *metrics.Registry) *Custodian {
	return &Custodian{
		cfg:     cfg,
		backend: backend,
		signer:  types.LatestSignerForChainID(chainID),
		nonces:  NewSequencer(backend),
		wallets: wallets,
		alerts:  alerts,
		log:     logging.Component(log, "treasury"),
		metrics: m,
		scryptN: keystore.StandardScryptN,
		scryptP: keystore.StandardScryptP,
	}
}

// Nonces is the sequencer every transaction signed by this custodian must
// take its nonce from.
func (c *Custodian) Nonces() *Sequencer {
	return c.nonces
}

// Initialize loads the key from the environment value or the key file, or
// generates one when allowed. A failure here is fatal to the service.
func (c *Custodian) Initialize(ctx context.Context) error {
	key, source, err := c.loadOrCreate()
	if err != nil {
		return fmt.Errorf("initialize treasury: %w", err)
	}

	c.mu.Lock()
	c.key = key
	c.address = crypto.PubkeyToAddress(key.PublicKey)
	c.source = source
	c.mu.Unlock()

	if c.wallets != nil {
		if err := c.wallets.SaveTreasuryWallet(ctx, c.address.Hex(), source); err != nil {
			return fmt.Errorf("persist treasury wallet: %w", err)
		}
	}
	c.log.Info().Object("treasury", c).Str("source", source).Msg("treasury key ready")

	if _, _, err := c.CheckBalance(ctx); err != nil {
		c.log.Warn().Err(err).Msg("startup balance check failed")
	}
	return nil
}

func (c *Custodian) loadOrCreate() (*ecdsa.PrivateKey, string, error) {
	if raw := strings.TrimSpace(c.cfg.PrivateKey); raw != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, "", errors.New("TREASURY_PRIVATE_KEY is not a valid secp256k1 key")
		}
		return key, SourceEnv, nil
	}

	path := c.cfg.KeyPath
	if path == "" {
		return nil, "", ErrNoKey
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return c.parseKeyFile(path, data)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, "", fmt.Errorf("read key file: %w", err)
	case !c.cfg.GenerateIfMissing:
		return nil, "", fmt.Errorf("%w at %s", ErrNoKey, path)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	if err := c.saveKey(path, key); err != nil {
		return nil, "", err
	}
	return key, SourceGenerated, nil
}

func (c *Custodian) parseKeyFile(path string, data []byte) (*ecdsa.PrivateKey, string, error) {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		k, err := keystore.DecryptKey(data, c.cfg.Passphrase)
		if err != nil {
			return nil, "", fmt.Errorf("decrypt keystore %s: %w", path, err)
		}
		return k.PrivateKey, SourceKeystore, nil
	}
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, "", fmt.Errorf("load key file %s: invalid key", path)
	}
	return key, SourceFile, nil
}

func (c *Custodian) saveKey(path string, key *ecdsa.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if c.cfg.Passphrase == "" {
		c.log.Warn().Str("path", path).Msg("no passphrase configured, storing treasury key unencrypted")
		if err := crypto.SaveECDSA(path, key); err != nil {
			return fmt.Errorf("save key file: %w", err)
		}
		return nil
	}
	blob, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}, c.cfg.Passphrase, c.scryptN, c.scryptP)
	if err != nil {
		return fmt.Errorf("encrypt key: %w", err)
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return nil
}

func (c *Custodian) Address() common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// Balance returns the treasury balance in wei.
func (c *Custodian) Balance(ctx context.Context) (*big.Int, error) {
	addr := c.Address()
	if addr == (common.Address{}) {
		return nil, ErrNotInitialized
	}
	bal, err := c.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, errs.Transient("treasury balance", err)
	}
	c.metrics.SetTreasuryBalance(bal)
	return bal, nil
}

// CheckBalance warns and raises an alert when the balance is under the
// configured minimum. A low balance is not an error.
func (c *Custodian) CheckBalance(ctx context.Context) (bool, *big.Int, error) {
	bal, err := c.Balance(ctx)
	if err != nil {
		return false, nil, err
	}
	minimum := new(big.Int).SetUint64(c.cfg.MinBalanceWei)
	if bal.Cmp(minimum) >= 0 {
		return true, bal, nil
	}
	c.log.Warn().
		Object("treasury", c).
		Str("balance_wei", bal.String()).
		Str("minimum_wei", minimum.String()).
		Msg("treasury balance below operating minimum")
	if c.alerts != nil {
		c.alerts.LowTreasuryBalance(c.Address().Hex(), bal, minimum)
	}
	return false, bal, nil
}

// WatchBalance repeats CheckBalance every interval until ctx is done.
func (c *Custodian) WatchBalance(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := c.CheckBalance(ctx); err != nil {
				c.log.Warn().Err(err).Msg("balance check failed")
			}
		}
	}
}

// Sign signs tx with the treasury key. Calls are serialized.
func (c *Custodian) Sign(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		return nil, ErrNotInitialized
	}
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// MarshalZerologObject keeps key material out of logs.
func (c *Custodian) MarshalZerologObject(e *zerolog.Event) {
	e.Str("address", c.address.Hex())
}

func (c *Custodian) String() string { return "treasury(" + c.Address().Hex() + ")" }

func (c *Custodian) GoString() string { return c.String() }
