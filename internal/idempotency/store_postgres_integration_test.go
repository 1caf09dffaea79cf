//go:build integration

package idempotency_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"sii-gateway/internal/idempotency"
	"sii-gateway/pkg/platform/sentinel"
	"sii-gateway/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *idempotency.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = idempotency.NewPostgresStore(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	err := s.postgres.TruncateTables(ctx, "idempotency_records")
	s.Require().NoError(err)
}

// TestConcurrentReserveSingleWinner verifies the conditional insert lets
// exactly one of many concurrent reservers claim the key.
func (s *PostgresStoreSuite) TestConcurrentReserveSingleWinner() {
	ctx := context.Background()
	const goroutines = 50

	var wg sync.WaitGroup
	var won atomic.Int32
	var conflicts atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := s.store.Reserve(ctx, "race-key", "hash-1", time.Minute)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicts.Add(1)
			default:
				s.T().Errorf("unexpected reserve error: %v", err)
			}
		}()
	}

	wg.Wait()

	s.Equal(int32(1), won.Load(), "exactly one reserver should win")
	s.Equal(int32(goroutines-1), conflicts.Load())
}

// TestReserveCompleteFindRoundTrip verifies a completed record replays with
// the exact stored response.
func (s *PostgresStoreSuite) TestReserveCompleteFindRoundTrip() {
	ctx := context.Background()

	err := s.store.Reserve(ctx, "key-1", "hash-1", time.Minute)
	s.Require().NoError(err)

	rec := &idempotency.Record{
		Key:         "key-1",
		RequestHash: "hash-1",
		Status:      http.StatusCreated,
		ContentType: "application/json",
		Body:        []byte(`{"receipt":"CSV-ABC123"}`),
	}
	err = s.store.Complete(ctx, rec, time.Hour)
	s.Require().NoError(err)

	found, err := s.store.Find(ctx, "key-1")
	s.Require().NoError(err)
	s.False(found.Pending())
	s.Equal(http.StatusCreated, found.Status)
	s.Equal("application/json", found.ContentType)
	s.Equal([]byte(`{"receipt":"CSV-ABC123"}`), found.Body)
	s.Equal("hash-1", found.RequestHash)
}

// TestCompleteRefusesOverwrite verifies a completed record is immutable.
func (s *PostgresStoreSuite) TestCompleteRefusesOverwrite() {
	ctx := context.Background()

	s.Require().NoError(s.store.Reserve(ctx, "key-1", "hash-1", time.Minute))
	rec := &idempotency.Record{Key: "key-1", RequestHash: "hash-1", Status: http.StatusCreated}
	s.Require().NoError(s.store.Complete(ctx, rec, time.Hour))

	again := &idempotency.Record{Key: "key-1", RequestHash: "hash-1", Status: http.StatusConflict}
	err := s.store.Complete(ctx, again, time.Hour)
	s.ErrorIs(err, sentinel.ErrConflict)

	found, err := s.store.Find(ctx, "key-1")
	s.Require().NoError(err)
	s.Equal(http.StatusCreated, found.Status, "first completion must stand")
}

// TestReserveStealsExpiredHold verifies a lapsed reservation does not block
// the key forever.
func (s *PostgresStoreSuite) TestReserveStealsExpiredHold() {
	ctx := context.Background()
	now := time.Now().UTC()
	frozen := now
	store := idempotency.NewPostgresStore(s.postgres.DB,
		idempotency.WithPostgresClock(func() time.Time { return frozen }))

	s.Require().NoError(store.Reserve(ctx, "key-1", "hash-1", time.Minute))

	err := store.Reserve(ctx, "key-1", "hash-2", time.Minute)
	s.ErrorIs(err, sentinel.ErrConflict)

	frozen = now.Add(2 * time.Minute)
	err = store.Reserve(ctx, "key-1", "hash-2", time.Minute)
	s.NoError(err, "expired reservation should be stealable")
}

// TestReleaseOnlyDropsPendingRows verifies Release cannot delete a completed
// record.
func (s *PostgresStoreSuite) TestReleaseOnlyDropsPendingRows() {
	ctx := context.Background()

	s.Require().NoError(s.store.Reserve(ctx, "key-1", "hash-1", time.Minute))
	rec := &idempotency.Record{Key: "key-1", RequestHash: "hash-1", Status: http.StatusCreated}
	s.Require().NoError(s.store.Complete(ctx, rec, time.Hour))

	s.Require().NoError(s.store.Release(ctx, "key-1"))

	_, err := s.store.Find(ctx, "key-1")
	s.NoError(err, "completed record must survive a release")
}

// TestPurgeExpired verifies the janitor query removes only lapsed rows.
func (s *PostgresStoreSuite) TestPurgeExpired() {
	ctx := context.Background()
	now := time.Now().UTC()
	frozen := now
	store := idempotency.NewPostgresStore(s.postgres.DB,
		idempotency.WithPostgresClock(func() time.Time { return frozen }))

	s.Require().NoError(store.Reserve(ctx, "old-key", "hash-1", time.Minute))
	s.Require().NoError(store.Complete(ctx, &idempotency.Record{
		Key: "old-key", RequestHash: "hash-1", Status: http.StatusCreated,
	}, time.Minute))
	s.Require().NoError(store.Reserve(ctx, "fresh-key", "hash-2", time.Hour))

	frozen = now.Add(30 * time.Minute)
	purged, err := store.PurgeExpired(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), purged)

	_, err = store.Find(ctx, "fresh-key")
	s.NoError(err)
}
