// Package store is the relational record of tickets, their blockchain
// transactions and the treasury wallet.
//
// Same-ticket exclusion lives here: ReserveTicket is a conditional update
// keyed by a reservation token, and at most one live (pending, submitted or
// confirmed) transaction may exist per job key.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrTicketSold is returned when reserving a ticket that already has a confirmed mint.
	ErrTicketSold = errors.New("ticket already sold")
	// ErrTicketReserved means another attempt holds a fresh reservation.
	ErrTicketReserved = errors.New("ticket reserved by another attempt")
	// ErrNotReserved means the caller no longer holds the reservation.
	ErrNotReserved = errors.New("ticket not reserved by this attempt")
	// ErrLiveTransaction means a live transaction already exists for the job key.
	ErrLiveTransaction = errors.New("live transaction already exists for job key")
	// ErrInvalidTransition rejects state changes outside the ticket state machine.
	ErrInvalidTransition = errors.New("invalid ticket state transition")
)

type TicketStatus string

const (
	TicketAvailable TicketStatus = "AVAILABLE"
	TicketReserved  TicketStatus = "RESERVED"
	TicketSold      TicketStatus = "SOLD"
)

type Ticket struct {
	ID                string
	EventID           string
	OwnerID           string
	OwnerAddress      string
	Status            TicketStatus
	IsMinted          bool
	TokenID           string
	MintTransactionID string
	ReservedBy        string
	ReservedAt        *time.Time
	UpdatedAt         time.Time
}

type TxType string

const (
	TxMint     TxType = "MINT"
	TxTransfer TxType = "TRANSFER"
	TxBurn     TxType = "BURN"
)

type TxStatus string

const (
	// TxPending is signed and stored but not yet accepted by a node.
	TxPending   TxStatus = "PENDING"
	TxSubmitted TxStatus = "SUBMITTED"
	TxConfirmed TxStatus = "CONFIRMED"
	TxFailed    TxStatus = "FAILED"
)

// Live reports whether the status still blocks another transaction for the job key.
func (s TxStatus) Live() bool {
	return s == TxPending || s == TxSubmitted || s == TxConfirmed
}

type Transaction struct {
	ID        string
	TicketID  string
	JobKey    string
	JobID     string
	Type      TxType
	Status    TxStatus
	TxHash    string
	RawTx     []byte
	Slot      uint64
	Error     string
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tickets is the ticket side of the store.
type Tickets interface {
	GetTicket(ctx context.Context, id string) (Ticket, error)
	// ReserveTicket moves AVAILABLE to RESERVED under token. A reservation
	// already held by token, or older than staleAfter, is taken over.
	ReserveTicket(ctx context.Context, ticketID, token string, staleAfter time.Duration) (Ticket, error)
	// ReleaseTicket moves RESERVED back to AVAILABLE if token still holds it.
	ReleaseTicket(ctx context.Context, ticketID, token string) error
	SetTicketOwner(ctx context.Context, ticketID, ownerID, ownerAddress string) error
	MarkBurned(ctx context.Context, ticketID string) error
}

// Transactions is the blockchain_transactions side of the store.
type Transactions interface {
	// LiveTransaction returns the newest live transaction for jobKey or ErrNotFound.
	LiveTransaction(ctx context.Context, jobKey string) (Transaction, error)
	CreateTransaction(ctx context.Context, tx *Transaction) error
	MarkSubmitted(ctx context.Context, id, txHash string) error
	ConfirmTransaction(ctx context.Context, id string, slot uint64) error
	FailTransaction(ctx context.Context, id, reason string) error
	TransactionsForTicket(ctx context.Context, ticketID string) ([]Transaction, error)
	// CompleteMint confirms the transaction and marks the ticket SOLD atomically.
	CompleteMint(ctx context.Context, ticketID, txID, tokenID string, slot uint64) error
}

type Wallets interface {
	SaveTreasuryWallet(ctx context.Context, address, source string) error
}

// Store is everything the pipeline needs from persistence.
type Store interface {
	Tickets
	Transactions
	Wallets
	Ping(ctx context.Context) error
}
