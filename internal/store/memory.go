package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is mostly for testing and local runs. It enforces the same
// conditional updates as the Postgres store and keeps a per-ticket log of
// status transitions.
type MemoryStore struct {
	mu          sync.Mutex
	tickets     map[string]*Ticket
	txs         map[string]*Transaction
	order       []string
	wallets     map[string]string
	transitions map[string][]TicketStatus
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets:     make(map[string]*Ticket),
		txs:         make(map[string]*Transaction),
		wallets:     make(map[string]string),
		transitions: make(map[string][]TicketStatus),
		now:         time.Now,
	}
}

// PutTicket seeds a ticket.
func (m *MemoryStore) PutTicket(t Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Status == "" {
		t.Status = TicketAvailable
	}
	cp := t
	m.tickets[t.ID] = &cp
	m.transitions[t.ID] = append(m.transitions[t.ID], t.Status)
}

// Transitions returns the status sequence a ticket went through.
func (m *MemoryStore) Transitions(ticketID string) []TicketStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TicketStatus(nil), m.transitions[ticketID]...)
}

func (m *MemoryStore) Wallet(address string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.wallets[address]
	return s, ok
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) setStatus(t *Ticket, s TicketStatus) {
	t.Status = s
	t.UpdatedAt = m.now()
	m.transitions[t.ID] = append(m.transitions[t.ID], s)
}

func (m *MemoryStore) GetTicket(_ context.Context, id string) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return Ticket{}, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	return *t, nil
}

func (m *MemoryStore) ReserveTicket(_ context.Context, ticketID, token string, staleAfter time.Duration) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok {
		return Ticket{}, fmt.Errorf("ticket %s: %w", ticketID, ErrNotFound)
	}
	now := m.now()
	switch t.Status {
	case TicketSold:
		return *t, ErrTicketSold
	case TicketReserved:
		stale := staleAfter > 0 && t.ReservedAt != nil && now.Sub(*t.ReservedAt) > staleAfter
		if t.ReservedBy != token && !stale {
			return *t, ErrTicketReserved
		}
		t.ReservedBy = token
		t.ReservedAt = &now
		t.UpdatedAt = now
		return *t, nil
	}
	t.ReservedBy = token
	t.ReservedAt = &now
	m.setStatus(t, TicketReserved)
	return *t, nil
}

func (m *MemoryStore) ReleaseTicket(_ context.Context, ticketID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok {
		return fmt.Errorf("ticket %s: %w", ticketID, ErrNotFound)
	}
	if t.Status != TicketReserved || t.ReservedBy != token {
		return ErrNotReserved
	}
	t.ReservedBy = ""
	t.ReservedAt = nil
	m.setStatus(t, TicketAvailable)
	return nil
}

func (m *MemoryStore) SetTicketOwner(_ context.Context, ticketID, ownerID, ownerAddress string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok {
		return fmt.Errorf("ticket %s: %w", ticketID, ErrNotFound)
	}
	t.OwnerID = ownerID
	t.OwnerAddress = ownerAddress
	t.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) MarkBurned(_ context.Context, ticketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok {
		return fmt.Errorf("ticket %s: %w", ticketID, ErrNotFound)
	}
	t.IsMinted = false
	t.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) LiveTransaction(_ context.Context, jobKey string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		tx := m.txs[m.order[i]]
		if tx.JobKey == jobKey && tx.Status.Live() {
			return cloneTx(tx), nil
		}
	}
	return Transaction{}, fmt.Errorf("live transaction for %s: %w", jobKey, ErrNotFound)
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.Status == "" {
		tx.Status = TxPending
	}
	if tx.Status.Live() && tx.JobKey != "" {
		for _, existing := range m.txs {
			if existing.JobKey == tx.JobKey && existing.Status.Live() {
				return ErrLiveTransaction
			}
		}
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := m.now()
	tx.CreatedAt, tx.UpdatedAt = now, now
	cp := cloneTx(tx)
	m.txs[tx.ID] = &cp
	m.order = append(m.order, tx.ID)
	return nil
}

func (m *MemoryStore) updateTx(id string, fn func(*Transaction) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) MarkSubmitted(_ context.Context, id, txHash string) error {
	return m.updateTx(id, func(tx *Transaction) error {
		if tx.Status == TxPending {
			tx.Status = TxSubmitted
		}
		tx.TxHash = txHash
		return nil
	})
}

func (m *MemoryStore) ConfirmTransaction(_ context.Context, id string, slot uint64) error {
	return m.updateTx(id, func(tx *Transaction) error {
		tx.Status = TxConfirmed
		tx.Slot = slot
		return nil
	})
}

func (m *MemoryStore) FailTransaction(_ context.Context, id, reason string) error {
	return m.updateTx(id, func(tx *Transaction) error {
		if tx.Status == TxConfirmed {
			return fmt.Errorf("transaction %s is confirmed: %w", id, ErrInvalidTransition)
		}
		tx.Status = TxFailed
		tx.Error = reason
		return nil
	})
}

func (m *MemoryStore) TransactionsForTicket(_ context.Context, ticketID string) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, id := range m.order {
		if tx := m.txs[id]; tx.TicketID == ticketID {
			out = append(out, cloneTx(tx))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CompleteMint(_ context.Context, ticketID, txID, tokenID string, slot uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok {
		return fmt.Errorf("ticket %s: %w", ticketID, ErrNotFound)
	}
	tx, ok := m.txs[txID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	if t.Status != TicketReserved {
		return fmt.Errorf("complete mint from %s: %w", t.Status, ErrInvalidTransition)
	}
	now := m.now()
	tx.Status = TxConfirmed
	tx.Slot = slot
	tx.UpdatedAt = now
	t.IsMinted = true
	t.TokenID = tokenID
	t.MintTransactionID = txID
	t.ReservedBy = ""
	t.ReservedAt = nil
	m.setStatus(t, TicketSold)
	return nil
}

func (m *MemoryStore) SaveTreasuryWallet(_ context.Context, address, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[address]; !ok {
		m.wallets[address] = source
	}
	return nil
}

func cloneTx(tx *Transaction) Transaction {
	cp := *tx
	if tx.RawTx != nil {
		cp.RawTx = append([]byte(nil), tx.RawTx...)
	}
	if tx.Metadata != nil {
		cp.Metadata = make(map[string]any, len(tx.Metadata))
		for k, v := range tx.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
