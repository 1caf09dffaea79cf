package idempotency

import (
	"context"
	"sync"
	"time"

	"sii-gateway/pkg/platform/sentinel"
)

// Clock lets tests control time-dependent expiry behavior.
type Clock func() time.Time

// MemoryStore keeps records in process memory. It backs development mode and
// unit tests, and doubles as the Cache implementation when Redis is absent.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	clock   Clock
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the clock function for testability.
func WithClock(clock Clock) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*Record),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Find(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(s.clock()) {
		delete(s.records, key)
		return nil, sentinel.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (s *MemoryStore) Reserve(_ context.Context, key, requestHash string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if existing, ok := s.records[key]; ok && !existing.Expired(now) {
		return sentinel.ErrConflict
	}
	s.records[key] = &Record{
		Key:         key,
		RequestHash: requestHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, rec *Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	copied := *rec
	copied.CreatedAt = now
	copied.ExpiresAt = now.Add(ttl)
	s.records[rec.Key] = &copied
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Put implements Cache.
func (s *MemoryStore) Put(ctx context.Context, rec *Record, ttl time.Duration) error {
	return s.Complete(ctx, rec, ttl)
}
