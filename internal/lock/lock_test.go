package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"ticketmint/internal/config"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerExclusive(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Unix(0, 0)
	l.nowFn = func() time.Time { return now }

	tok, err := l.TryLock(ctx, TicketKey("T1"), time.Minute)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, TicketKey("T1"), time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	// wrong token leaves the lease alone
	require.NoError(t, l.Unlock(ctx, TicketKey("T1"), "other"))
	_, err = l.TryLock(ctx, TicketKey("T1"), time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l.Unlock(ctx, TicketKey("T1"), tok))
	_, err = l.TryLock(ctx, TicketKey("T1"), time.Minute)
	require.NoError(t, err)
}

func TestMemoryLockerExpires(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Unix(0, 0)
	l.nowFn = func() time.Time { return now }

	_, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	now = now.Add(2 * time.Second)
	_, err = l.TryLock(ctx, "k", time.Second)
	assert.NoError(t, err)
}

func TestMemoryLockerExtend(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Unix(0, 0)
	l.nowFn = func() time.Time { return now }

	tok, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.ErrorIs(t, l.Extend(ctx, "k", "other", time.Second), ErrNotHeld)

	now = now.Add(900 * time.Millisecond)
	require.NoError(t, l.Extend(ctx, "k", tok, time.Second))
	now = now.Add(900 * time.Millisecond)
	_, err = l.TryLock(ctx, "k", time.Second)
	require.ErrorIs(t, err, ErrLocked)

	now = now.Add(200 * time.Millisecond)
	assert.ErrorIs(t, l.Extend(ctx, "k", tok, time.Second), ErrNotHeld)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := NewRedisLocker(ctx, config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer l.Close()
	l.tries = 1

	key := TicketKey(uuid.NewString())
	tok, err := l.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, key, 5*time.Second)
	require.ErrorIs(t, err, ErrLocked)
	require.NoError(t, l.Extend(ctx, key, tok, 10*time.Second))
	require.ErrorIs(t, l.Extend(ctx, key, "other", time.Second), ErrNotHeld)

	require.NoError(t, l.Unlock(ctx, key, tok))
	tok2, err := l.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Unlock(ctx, key, tok2))
}
