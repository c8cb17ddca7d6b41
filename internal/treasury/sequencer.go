package treasury

import (
	"context"
	"sync"

	"ticketmint/internal/errs"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource reports the next nonce of an account including pool transactions.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Sequencer hands out treasury nonces one holder at a time. A holder keeps
// its Lease from reading the nonce until the node has accepted the
// transaction that uses it, so the next holder reads a pending nonce that
// already counts it.
type Sequencer struct {
	slot   chan struct{}
	source NonceSource
}

func NewSequencer(source NonceSource) *Sequencer {
	return &Sequencer{slot: make(chan struct{}, 1), source: source}
}

type Lease struct {
	Nonce uint64
	once  sync.Once
	slot  chan struct{}
}

// Acquire waits for the previous holder and reads the pending nonce of account.
func (s *Sequencer) Acquire(ctx context.Context, account common.Address) (*Lease, error) {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	n, err := s.source.PendingNonceAt(ctx, account)
	if err != nil {
		<-s.slot
		return nil, errs.Transient("pending nonce", err)
	}
	return &Lease{Nonce: n, slot: s.slot}, nil
}

// Release lets the next holder in. It is safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { <-l.slot })
}
