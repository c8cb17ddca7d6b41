package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AppConfig is constructed once at startup and passed by pointer into every
// component constructor.
type AppConfig struct {
	Service    ServiceConfig
	Database   DatabaseConfig `envPrefix:"DB_"`
	Redis      RedisConfig    `envPrefix:"REDIS_"`
	Chain      ChainConfig    `envPrefix:"CHAIN_"`
	Treasury   TreasuryConfig `envPrefix:"TREASURY_"`
	Queue      QueueConfig    `envPrefix:"QUEUE_"`
	Retry      RetryConfig    `envPrefix:"RETRY_"`
	Fees       FeeConfig      `envPrefix:"FEE_"`
	Simulation SimulationConfig
	Mint       MintConfig    `envPrefix:"MINT_"`
	Monitor    MonitorConfig `envPrefix:"MONITOR_"`
	History    HistoryConfig `envPrefix:"HISTORY_"`
	Log        LogConfig     `envPrefix:"LOG_"`
}

type ServiceConfig struct {
	HTTPPort          int           `env:"API_HTTP_PORT"          envDefault:"3000"`
	HMACSecrets       []string      `env:"API_HMAC_SECRETS"       envSeparator:","`
	HMACClockSkew     time.Duration `env:"API_HMAC_CLOCK_SKEW"    envDefault:"60s"`
	ShutdownGrace     time.Duration `env:"API_SHUTDOWN_GRACE"     envDefault:"30s"`
	DefaultTenant     string        `env:"API_DEFAULT_TENANT"     envDefault:"default"`
	IdempotencyWindow time.Duration `env:"API_IDEMPOTENCY_WINDOW" envDefault:"24h"`
}

type DatabaseConfig struct {
	DSN          string `env:"DSN"`
	MaxConns     int32  `env:"MAX_CONNS"     envDefault:"10"`
	EnsureSchema bool   `env:"ENSURE_SCHEMA" envDefault:"false"`
}

type RedisConfig struct {
	Addr     string        `env:"ADDR"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB"       envDefault:"0"`
	LockTTL  time.Duration `env:"LOCK_TTL" envDefault:"2m"`
}

// Enabled reports whether a cross-process ticket lock should be used.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type ChainConfig struct {
	RPCURL              string        `env:"RPC_URL"               envDefault:"http://127.0.0.1:8545"`
	ChainID             int64         `env:"ID"`
	TicketContract      string        `env:"TICKET_CONTRACT"`
	RPCTimeout          time.Duration `env:"RPC_TIMEOUT"           envDefault:"10s"`
	ConfirmationTimeout time.Duration `env:"CONFIRMATION_TIMEOUT"  envDefault:"90s"`
	ReceiptPollInterval time.Duration `env:"RECEIPT_POLL_INTERVAL" envDefault:"2s"`
}

type TreasuryConfig struct {
	KeyPath           string `env:"KEY_PATH"            envDefault:"./data/treasury.key"`
	PrivateKey        string `env:"PRIVATE_KEY"`
	Passphrase        string `env:"KEY_PASSPHRASE"`
	GenerateIfMissing bool   `env:"GENERATE_IF_MISSING" envDefault:"false"`
	MinBalanceWei     uint64 `env:"MIN_BALANCE_WEI"     envDefault:"50000000000000000"`
}

// QueueConfig holds per job type concurrency and the default job options.
type QueueConfig struct {
	MintConcurrency     int           `env:"MINT_CONCURRENCY"     envDefault:"5"`
	TransferConcurrency int           `env:"TRANSFER_CONCURRENCY" envDefault:"3"`
	BurnConcurrency     int           `env:"BURN_CONCURRENCY"     envDefault:"2"`
	MaxAttempts         int           `env:"MAX_ATTEMPTS"         envDefault:"3"`
	BackoffDelay        time.Duration `env:"BACKOFF_DELAY"        envDefault:"2s"`
	StallTimeout        time.Duration `env:"STALL_TIMEOUT"        envDefault:"5m"`
	KeepCompleted       int           `env:"KEEP_COMPLETED"       envDefault:"1000"`
	KeepFailed          int           `env:"KEEP_FAILED"          envDefault:"5000"`
}

type RetryConfig struct {
	MaxAttempts       int           `env:"MAX_ATTEMPTS"       envDefault:"3"`
	InitialBackoff    time.Duration `env:"INITIAL_BACKOFF"    envDefault:"500ms"`
	MaxBackoff        time.Duration `env:"MAX_BACKOFF"        envDefault:"10s"`
	BackoffMultiplier float64       `env:"BACKOFF_MULTIPLIER" envDefault:"2"`
	ExtraPatterns     []string      `env:"EXTRA_PATTERNS"     envSeparator:","`
}

// FeeConfig values are in wei; gas limits double as the compute budget.
type FeeConfig struct {
	DefaultPriorityFeeWei uint64  `env:"DEFAULT_PRIORITY_WEI" envDefault:"1500000000"`
	MaxPriorityFeeWei     uint64  `env:"MAX_PRIORITY_WEI"     envDefault:"50000000000"`
	SampleBlocks          uint64  `env:"SAMPLE_BLOCKS"        envDefault:"20"`
	RewardPercentile      float64 `env:"REWARD_PERCENTILE"    envDefault:"50"`
	MintGasLimit          uint64  `env:"MINT_GAS_LIMIT"       envDefault:"250000"`
	TransferGasLimit      uint64  `env:"TRANSFER_GAS_LIMIT"   envDefault:"120000"`
	BurnGasLimit          uint64  `env:"BURN_GAS_LIMIT"       envDefault:"90000"`
	MintStorageDepositWei uint64  `env:"MINT_DEPOSIT_WEI"     envDefault:"0"`
}

type SimulationConfig struct {
	Enabled      bool   `env:"SIMULATION_ENABLED"       envDefault:"true"`
	SafetyBuffer uint64 `env:"SIMULATION_SAFETY_BUFFER" envDefault:"20000"`
}

type MintConfig struct {
	ReservationTimeout time.Duration `env:"RESERVATION_TIMEOUT" envDefault:"10m"`
	TokenURIBase       string        `env:"TOKEN_URI_BASE"      envDefault:"ipfs://"`
}

type MonitorConfig struct {
	PendingThreshold    int64         `env:"PENDING_THRESHOLD"    envDefault:"100"`
	NoMintThreshold     time.Duration `env:"NO_MINT_THRESHOLD"    envDefault:"10m"`
	FailureStreak       int           `env:"FAILURE_STREAK"       envDefault:"5"`
	AlertCooldown       time.Duration `env:"ALERT_COOLDOWN"       envDefault:"15m"`
	CheckInterval       time.Duration `env:"CHECK_INTERVAL"       envDefault:"30s"`
	MaxAlerts           int           `env:"MAX_ALERTS"           envDefault:"100"`
	BalanceCheckEnabled bool          `env:"BALANCE_CHECK"        envDefault:"true"`
}

type HistoryConfig struct {
	Retention       time.Duration `env:"RETENTION"        envDefault:"24h"`
	MaxEntries      int           `env:"MAX_ENTRIES"      envDefault:"10000"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
}

type LogConfig struct {
	Level  string `env:"LEVEL"  envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
	Dev    bool   `env:"DEV"    envDefault:"false"`
}

// Load aggregates configuration from an optional .env file and the environment.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Sanitize applies guardrails to values loaded from the environment.
func (c *AppConfig) Sanitize() {
	if c.Queue.MintConcurrency <= 0 {
		c.Queue.MintConcurrency = 1
	}
	if c.Queue.TransferConcurrency <= 0 {
		c.Queue.TransferConcurrency = 1
	}
	if c.Queue.BurnConcurrency <= 0 {
		c.Queue.BurnConcurrency = 1
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 1
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 1
	}
	if c.Retry.BackoffMultiplier < 1 {
		c.Retry.BackoffMultiplier = 1
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.InitialBackoff > c.Retry.MaxBackoff {
		c.Retry.InitialBackoff = c.Retry.MaxBackoff
	}
	if c.History.MaxEntries <= 0 {
		c.History.MaxEntries = 10000
	}
	if c.Monitor.MaxAlerts <= 0 {
		c.Monitor.MaxAlerts = 100
	}
	if c.Chain.ReceiptPollInterval <= 0 {
		c.Chain.ReceiptPollInterval = 2 * time.Second
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Chain.TicketContract = strings.TrimSpace(c.Chain.TicketContract)
	secrets := c.Service.HMACSecrets[:0]
	for _, s := range c.Service.HMACSecrets {
		if s = strings.TrimSpace(s); s != "" {
			secrets = append(secrets, s)
		}
	}
	c.Service.HMACSecrets = secrets
}

// Validate rejects configurations the pipeline cannot run with.
func (c *AppConfig) Validate() error {
	var problems []error
	if c.Chain.RPCURL == "" {
		problems = append(problems, errors.New("CHAIN_RPC_URL is required"))
	}
	if c.Chain.TicketContract == "" {
		problems = append(problems, errors.New("CHAIN_TICKET_CONTRACT is required"))
	}
	if c.Treasury.PrivateKey == "" && c.Treasury.KeyPath == "" {
		problems = append(problems, errors.New("one of TREASURY_PRIVATE_KEY or TREASURY_KEY_PATH is required"))
	}
	if c.Fees.MaxPriorityFeeWei < c.Fees.DefaultPriorityFeeWei {
		problems = append(problems, errors.New("FEE_MAX_PRIORITY_WEI must be >= FEE_DEFAULT_PRIORITY_WEI"))
	}
	if c.Fees.RewardPercentile <= 0 || c.Fees.RewardPercentile > 100 {
		problems = append(problems, errors.New("FEE_REWARD_PERCENTILE must be in (0, 100]"))
	}
	if c.Fees.MintGasLimit == 0 {
		problems = append(problems, errors.New("FEE_MINT_GAS_LIMIT must be positive"))
	}
	if c.History.Retention <= 0 {
		problems = append(problems, errors.New("HISTORY_RETENTION must be positive"))
	}
	if c.Monitor.PendingThreshold <= 0 {
		problems = append(problems, errors.New("MONITOR_PENDING_THRESHOLD must be positive"))
	}
	// the lease is extended every third of the TTL while an attempt runs
	if c.Redis.Enabled() && c.Redis.LockTTL < time.Second {
		problems = append(problems, errors.New("REDIS_LOCK_TTL must be at least 1s"))
	}
	return errors.Join(problems...)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
