// Package idempotency replays the first response given for a client
// idempotency key until the key's window expires.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrKeyReused is returned when a key is presented with a different request body.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

// Record holds stored response data.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	RequestHash string    `json:"requestHash"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Matches reports whether the record was produced by a request with this hash.
func (r *Record) Matches(requestHash string) bool {
	return r.RequestHash == "" || r.RequestHash == requestHash
}

// Store abstracts idempotency persistence. Get returns nil, nil for a missing
// or expired key.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// HashRequest fingerprints a request so a key cannot be replayed for another one.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryStore is for tests and single-process runs without Postgres.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if m.now().After(rec.ExpiresAt) {
		delete(m.data, key)
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

// Sweep drops expired records and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, rec := range m.data {
		if now.After(rec.ExpiresAt) {
			delete(m.data, k)
			n++
		}
	}
	return n
}
