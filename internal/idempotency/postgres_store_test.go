package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	store, err := NewPostgresStore(ctx, pool)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	key := "test-key-" + uuid.NewString()
	rec := Record{
		StatusCode:  202,
		Response:    []byte("payload"),
		RequestHash: HashRequest("POST", "/api/v1/mints", []byte("{}")),
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Minute).UTC(),
	}

	if err := store.Save(ctx, key, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.StatusCode != rec.StatusCode || !got.Matches(rec.RequestHash) {
		t.Fatalf("unexpected record: %#v", got)
	}
	if _, err := store.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
}
