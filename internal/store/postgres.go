package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticketmint/internal/config"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is the bootstrap DDL applied when DB_ENSURE_SCHEMA is set. Migrations
// are owned elsewhere; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL DEFAULT '',
    owner_id TEXT NOT NULL DEFAULT '',
    owner_address TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'AVAILABLE' CHECK (status IN ('AVAILABLE', 'RESERVED', 'SOLD')),
    is_minted BOOLEAN NOT NULL DEFAULT FALSE,
    token_id TEXT,
    mint_transaction_id TEXT,
    reserved_by TEXT,
    reserved_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS blockchain_transactions (
    id UUID PRIMARY KEY,
    ticket_id TEXT NOT NULL REFERENCES tickets (id),
    job_key TEXT NOT NULL,
    job_id TEXT NOT NULL,
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    tx_hash TEXT,
    raw_tx BYTEA,
    slot BIGINT,
    error TEXT,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS blockchain_transactions_live_job_key
    ON blockchain_transactions (job_key)
    WHERE status IN ('PENDING', 'SUBMITTED', 'CONFIRMED')`,
	`CREATE INDEX IF NOT EXISTS blockchain_transactions_ticket
    ON blockchain_transactions (ticket_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS treasury_wallets (
    address TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
}

// PostgresStore persists tickets and transactions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects using the DSN and optionally applies the bootstrap schema.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if cfg.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// Pool exposes the shared connection pool to other Postgres-backed stores.
func (p *PostgresStore) Pool() *pgxpool.Pool { return p.pool }

const ticketColumns = `id, event_id, owner_id, owner_address, status, is_minted,
COALESCE(token_id, ''), COALESCE(mint_transaction_id, ''), COALESCE(reserved_by, ''), reserved_at, updated_at`

func scanTicket(row pgx.Row) (Ticket, error) {
	var t Ticket
	var status string
	err := row.Scan(&t.ID, &t.EventID, &t.OwnerID, &t.OwnerAddress, &status, &t.IsMinted,
		&t.TokenID, &t.MintTransactionID, &t.ReservedBy, &t.ReservedAt, &t.UpdatedAt)
	t.Status = TicketStatus(status)
	return t, err
}

// InsertTicket seeds a ticket; used by tooling and tests.
func (p *PostgresStore) InsertTicket(ctx context.Context, t Ticket) error {
	if t.Status == "" {
		t.Status = TicketAvailable
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO tickets (id, event_id, owner_id, owner_address, status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING
`, t.ID, t.EventID, t.OwnerID, t.OwnerAddress, string(t.Status))
	return err
}

func (p *PostgresStore) GetTicket(ctx context.Context, id string) (Ticket, error) {
	t, err := scanTicket(p.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Ticket{}, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (p *PostgresStore) ReserveTicket(ctx context.Context, ticketID, token string, staleAfter time.Duration) (Ticket, error) {
	t, err := scanTicket(p.pool.QueryRow(ctx, `
UPDATE tickets
SET status = 'RESERVED', reserved_by = $2, reserved_at = now(), updated_at = now()
WHERE id = $1
  AND (status = 'AVAILABLE'
       OR (status = 'RESERVED'
           AND (reserved_by = $2
                OR ($3::float8 > 0 AND reserved_at < now() - make_interval(secs => $3::float8)))))
RETURNING `+ticketColumns, ticketID, token, staleAfter.Seconds()))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Ticket{}, err
	}

	current, err := p.GetTicket(ctx, ticketID)
	if err != nil {
		return Ticket{}, err
	}
	if current.Status == TicketSold {
		return current, ErrTicketSold
	}
	return current, ErrTicketReserved
}

func (p *PostgresStore) ReleaseTicket(ctx context.Context, ticketID, token string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE tickets
SET status = 'AVAILABLE', reserved_by = NULL, reserved_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'RESERVED' AND reserved_by = $2
`, ticketID, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotReserved
	}
	return nil
}

func (p *PostgresStore) SetTicketOwner(ctx context.Context, ticketID, ownerID, ownerAddress string) error {
	return p.expectOne(ctx, "ticket "+ticketID, `
UPDATE tickets SET owner_id = $2, owner_address = $3, updated_at = now() WHERE id = $1
`, ticketID, ownerID, ownerAddress)
}

func (p *PostgresStore) MarkBurned(ctx context.Context, ticketID string) error {
	return p.expectOne(ctx, "ticket "+ticketID, `
UPDATE tickets SET is_minted = FALSE, updated_at = now() WHERE id = $1
`, ticketID)
}

const txColumns = `id::text, ticket_id, job_key, job_id, type, status, COALESCE(tx_hash, ''), raw_tx,
COALESCE(slot, 0), COALESCE(error, ''), metadata, created_at, updated_at`

func scanTx(row pgx.Row) (Transaction, error) {
	var (
		tx          Transaction
		typ, status string
		slot        int64
	)
	err := row.Scan(&tx.ID, &tx.TicketID, &tx.JobKey, &tx.JobID, &typ, &status, &tx.TxHash, &tx.RawTx,
		&slot, &tx.Error, &tx.Metadata, &tx.CreatedAt, &tx.UpdatedAt)
	tx.Type = TxType(typ)
	tx.Status = TxStatus(status)
	tx.Slot = uint64(slot)
	return tx, err
}

func (p *PostgresStore) LiveTransaction(ctx context.Context, jobKey string) (Transaction, error) {
	tx, err := scanTx(p.pool.QueryRow(ctx, `
SELECT `+txColumns+`
FROM blockchain_transactions
WHERE job_key = $1 AND status IN ('PENDING', 'SUBMITTED', 'CONFIRMED')
ORDER BY created_at DESC
LIMIT 1
`, jobKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("live transaction for %s: %w", jobKey, ErrNotFound)
	}
	return tx, err
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Status == "" {
		tx.Status = TxPending
	}
	meta := tx.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	err := p.pool.QueryRow(ctx, `
INSERT INTO blockchain_transactions (id, ticket_id, job_key, job_id, type, status, tx_hash, raw_tx, metadata)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
RETURNING created_at, updated_at
`, tx.ID, tx.TicketID, tx.JobKey, tx.JobID, string(tx.Type), string(tx.Status), tx.TxHash, tx.RawTx, meta).
		Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrLiveTransaction
	}
	return err
}

func (p *PostgresStore) MarkSubmitted(ctx context.Context, id, txHash string) error {
	return p.expectOne(ctx, "transaction "+id, `
UPDATE blockchain_transactions
SET status = CASE WHEN status = 'PENDING' THEN 'SUBMITTED' ELSE status END,
    tx_hash = $2, updated_at = now()
WHERE id = $1
`, id, txHash)
}

func (p *PostgresStore) ConfirmTransaction(ctx context.Context, id string, slot uint64) error {
	return p.expectOne(ctx, "transaction "+id, `
UPDATE blockchain_transactions SET status = 'CONFIRMED', slot = $2, updated_at = now() WHERE id = $1
`, id, int64(slot))
}

func (p *PostgresStore) FailTransaction(ctx context.Context, id, reason string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE blockchain_transactions SET status = 'FAILED', error = $2, updated_at = now()
WHERE id = $1 AND status <> 'CONFIRMED'
`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail transaction %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

func (p *PostgresStore) TransactionsForTicket(ctx context.Context, ticketID string) ([]Transaction, error) {
	rows, err := p.pool.Query(ctx, `
SELECT `+txColumns+` FROM blockchain_transactions WHERE ticket_id = $1 ORDER BY created_at
`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// CompleteMint runs in one database transaction so a confirmed record never
// exists without its SOLD ticket.
func (p *PostgresStore) CompleteMint(ctx context.Context, ticketID, txID, tokenID string, slot uint64) error {
	return pgx.BeginFunc(ctx, p.pool, func(dbtx pgx.Tx) error {
		tag, err := dbtx.Exec(ctx, `
UPDATE blockchain_transactions SET status = 'CONFIRMED', slot = $2, updated_at = now() WHERE id = $1
`, txID, int64(slot))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
		}

		tag, err = dbtx.Exec(ctx, `
UPDATE tickets
SET status = 'SOLD', is_minted = TRUE, token_id = $2, mint_transaction_id = $3,
    reserved_by = NULL, reserved_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'RESERVED'
`, ticketID, tokenID, txID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("complete mint for ticket %s: %w", ticketID, ErrInvalidTransition)
		}
		return nil
	})
}

func (p *PostgresStore) SaveTreasuryWallet(ctx context.Context, address, source string) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO treasury_wallets (address, source) VALUES ($1, $2)
ON CONFLICT (address) DO NOTHING
`, address, source)
	return err
}

func (p *PostgresStore) expectOne(ctx context.Context, what, sql string, args ...any) error {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
