package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// memStore mimics the Postgres semantics: a reservation is invisible to
// Lookup and blocks other Begin calls until it completes or aborts.
type memStore struct {
	mu        sync.Mutex
	completed map[Key]*Response
	reserved  map[Key]bool
	created   map[Key]time.Time

	begins    int
	lookups   int
	lookupErr error
}

func newMemStore() *memStore {
	return &memStore{
		completed: make(map[Key]*Response),
		reserved:  make(map[Key]bool),
		created:   make(map[Key]time.Time),
	}
}

func (m *memStore) Lookup(ctx context.Context, key Key) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	return m.completed[key], nil
}

func (m *memStore) Begin(ctx context.Context, key Key) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.begins++
	if m.reserved[key] || m.completed[key] != nil {
		return nil, ErrAlreadyStarted
	}
	m.reserved[key] = true
	return &memReservation{store: m, key: key}, nil
}

func (m *memStore) Unkeyed(ctx context.Context) (Reservation, error) {
	return &memReservation{store: m}, nil
}

func (m *memStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, at := range m.created {
		if at.Before(olderThan) && m.completed[k] != nil {
			delete(m.completed, k)
			delete(m.created, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) isReserved(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved[key]
}

type memReservation struct {
	store *memStore
	key   Key
	done  bool
}

func (r *memReservation) Tx() pgx.Tx { return nil }

func (r *memReservation) Complete(ctx context.Context, resp *Response) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.done = true
	if r.key.IsZero() {
		return nil
	}
	delete(r.store.reserved, r.key)
	r.store.completed[r.key] = resp
	r.store.created[r.key] = time.Now()
	return nil
}

func (r *memReservation) Abort(ctx context.Context) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.done = true
	if !r.key.IsZero() {
		delete(r.store.reserved, r.key)
	}
	return nil
}
