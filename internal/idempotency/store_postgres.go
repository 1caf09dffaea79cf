package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sii-gateway/pkg/platform/sentinel"
)

// PostgresStore is the durable tier of the guard.
//
// Expected schema:
//
//	CREATE TABLE idempotency_records (
//	    key          text PRIMARY KEY,
//	    request_hash text NOT NULL,
//	    status       int NOT NULL DEFAULT 0,
//	    content_type text NOT NULL DEFAULT '',
//	    body         bytea,
//	    created_at   timestamptz NOT NULL,
//	    expires_at   timestamptz NOT NULL
//	);
type PostgresStore struct {
	db    *sql.DB
	clock Clock
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresClock sets the clock function for testability.
func WithPostgresClock(clock Clock) PostgresOption {
	return func(s *PostgresStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) Find(ctx context.Context, key string) (*Record, error) {
	rec := &Record{Key: key}
	err := s.db.QueryRowContext(ctx, `
		SELECT request_hash, status, content_type, body, created_at, expires_at
		FROM idempotency_records WHERE key = $1
	`, key).Scan(&rec.RequestHash, &rec.Status, &rec.ContentType, &rec.Body, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find idempotency record: %w", err)
	}
	if rec.Expired(s.clock()) {
		return nil, sentinel.ErrNotFound
	}
	return rec, nil
}

// Reserve claims the key with a single conditional insert. The ON CONFLICT
// arm steals the row only when its previous holder expired, so two
// concurrent requests can never both win.
func (s *PostgresStore) Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) error {
	now := s.clock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, request_hash, status, content_type, body, created_at, expires_at)
		VALUES ($1, $2, 0, '', NULL, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			request_hash = EXCLUDED.request_hash,
			status = 0,
			content_type = '',
			body = NULL,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at < EXCLUDED.created_at
	`, key, requestHash, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("reserve idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve idempotency key: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, rec *Record, ttl time.Duration) error {
	now := s.clock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = $2, content_type = $3, body = $4, expires_at = $5
		WHERE key = $1 AND status = 0
	`, rec.Key, rec.Status, rec.ContentType, rec.Body, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	// A missing or already-completed row means the reservation was lost;
	// completing over someone else's record would violate immutability.
	if affected == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE key = $1 AND status = 0
	`, key)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// PurgeExpired deletes records past retention. Run periodically by the
// janitor in main.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE expires_at < $1
	`, s.clock())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return res.RowsAffected()
}
