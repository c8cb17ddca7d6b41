// Package lock provides a short-lived per-ticket mutex shared by every minter
// process pointing at the same Redis.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"ticketmint/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLocked means another holder owns the key.
	ErrLocked = errors.New("lock held by another worker")
	// ErrNotHeld means the lease expired or was taken over before it was extended.
	ErrNotHeld = errors.New("lock no longer held")
)

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	// Extend pushes the expiry of a lease still held under token to ttl from now.
	Extend(ctx context.Context, key, token string, ttl time.Duration) error
	Unlock(ctx context.Context, key, token string) error
}

// TicketKey namespaces a ticket id.
func TicketKey(ticketID string) string { return "ticketmint:lock:ticket:" + ticketID }

type RedisLocker struct {
	cli     *redis.Client
	tries   int
	backoff time.Duration
}

// NewRedisLocker connects and pings Redis.
func NewRedisLocker(ctx context.Context, cfg config.RedisConfig) (*RedisLocker, error) {
	cli := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return &RedisLocker{cli: cli, tries: 5, backoff: 50 * time.Millisecond}, nil
}

func (l *RedisLocker) Close() error { return l.cli.Close() }

func (l *RedisLocker) Ping(ctx context.Context) error { return l.cli.Ping(ctx).Err() }

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	var lastErr error
	for i := 0; i < l.tries; i++ {
		ok, err := l.cli.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			lastErr = err
		} else if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.backoff):
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", ErrLocked
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	return luaUnlock.Run(ctx, l.cli, []string{key}, token).Err()
}

var luaExtend = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

func (l *RedisLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := luaExtend.Run(ctx, l.cli, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// MemoryLocker is the single-process Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLease
	nowFn func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLease), nowFn: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if lease, ok := l.held[key]; ok && now.Before(lease.expires) {
		return "", ErrLocked
	}
	token := uuid.NewString()
	l.held[key] = memoryLease{token: token, expires: now.Add(ttl)}
	return token, nil
}

func (l *MemoryLocker) Extend(_ context.Context, key, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	lease, ok := l.held[key]
	if !ok || lease.token != token || !now.Before(lease.expires) {
		return ErrNotHeld
	}
	lease.expires = now.Add(ttl)
	l.held[key] = lease
	return nil
}

func (l *MemoryLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, ok := l.held[key]; ok && lease.token == token {
		delete(l.held, key)
	}
	return nil
}
