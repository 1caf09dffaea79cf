package idempotency

import (
	"context"
	"time"
)

// Store is the durable home of idempotency records. Reserve is the atomic
// reservation that resolves the race between concurrent identical requests:
// a conditional insert that fails with sentinel.ErrConflict when the key is
// already held, never a read-then-write.
type Store interface {
	// Find returns the record for the key, pending or completed.
	// Returns sentinel.ErrNotFound for unknown or expired keys.
	Find(ctx context.Context, key string) (*Record, error)
	// Reserve atomically claims the key for one executor. Returns
	// sentinel.ErrConflict if a live record already holds it. Expired
	// reservations (crashed executors) may be stolen.
	Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) error
	// Complete fills the reserved key with the terminal response and extends
	// its retention to ttl.
	Complete(ctx context.Context, rec *Record, ttl time.Duration) error
	// Release drops a reservation after a transient outcome so a retried
	// request may execute from scratch.
	Release(ctx context.Context, key string) error
}

// Cache is the fast volatile lookup in front of the durable store. It only
// ever holds completed records, with a shorter TTL than the durable
// retention. Cache failures degrade to durable lookups, never to request
// failures.
type Cache interface {
	Find(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, rec *Record, ttl time.Duration) error
}
