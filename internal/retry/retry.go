package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"ticketmint/internal/config"
	"ticketmint/internal/errs"
	"ticketmint/internal/logging"
	"ticketmint/internal/metrics"

	"github.com/rs/zerolog"
)

// DefaultPatterns are lower-case message fragments of transient RPC failures.
var DefaultPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"econnreset",
	"connection refused",
	"econnrefused",
	"broken pipe",
	"unexpected eof",
	"429",
	"too many requests",
	"rate limit",
	"502",
	"503",
	"504",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"header not found",
	"try again",
	"temporarily unavailable",
}

type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Patterns     []string
}

// FromConfig builds the policy from the RETRY_* settings. Extra patterns
// extend the defaults rather than replace them.
func FromConfig(c config.RetryConfig) Config {
	patterns := append([]string(nil), DefaultPatterns...)
	for _, p := range c.ExtraPatterns {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, strings.ToLower(p))
		}
	}
	return Config{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialBackoff,
		MaxDelay:     c.MaxBackoff,
		Multiplier:   c.BackoffMultiplier,
		Patterns:     patterns,
	}.WithDefaults()
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Multiplier < 1 {
		c.Multiplier = 1
	}
	if len(c.Patterns) == 0 {
		c.Patterns = DefaultPatterns
	}
	return c
}

// Delay returns min(initial * multiplier^(attempt-1), max) for a 1-based attempt.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Retryable reports whether err should be attempted again under this config.
// Typed unrecoverable errors never are, whatever their message says.
func (c Config) Retryable(err error) bool {
	if err == nil || errs.IsUnrecoverable(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var transient *errs.TransientNetworkError
	if errors.As(err, &transient) {
		return true
	}
	msg := strings.ToLower(err.Error())
	patterns := c.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	for _, p := range patterns {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Executor runs operations under the retry policy.
type Executor struct {
	log     *zerolog.Logger
	metrics *metrics.Registry
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewExecutor(log *zerolog.Logger, m *metrics.Registry) *Executor {
	return &Executor{
		log:     logging.Component(log, "retry"),
		metrics: m,
		sleep:   sleepCtx,
	}
}

// Run invokes op at most cfg.MaxAttempts times.
func (e *Executor) Run(ctx context.Context, name string, cfg Config, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, name, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, name string, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.WithDefaults()
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				e.metrics.IncRetry(name, "recovered")
			}
			return v, nil
		}
		lastErr = err

		if !cfg.Retryable(err) {
			e.metrics.IncRetry(name, "fatal")
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.Delay(attempt)
		e.metrics.IncRetry(name, "retry")
		e.log.Warn().Err(err).
			Str("operation", name).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("delay", delay).
			Msg("retrying after transient error")

		if err := e.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	e.metrics.IncRetry(name, "exhausted")
	return zero, errs.Transient(name, fmt.Errorf("exhausted %d attempts: %w", cfg.MaxAttempts, lastErr))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
