package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sii-gateway/internal/audit"
	"sii-gateway/pkg/platform/sentinel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// countingHandler records how many times it executed and answers with a
// unique body per execution, so replay tests can prove no re-execution
// happened.
func countingHandler(calls *atomic.Int64, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"execution":%d}`, n)
	})
}

func doRequest(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/submit", strings.NewReader(body))
	if key != "" {
		req.Header.Set(Header, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGuardBypassesRequestsWithoutKey(t *testing.T) {
	var calls atomic.Int64
	guard := NewGuard(NewMemoryStore(), discardLogger())
	h := guard.Middleware(countingHandler(&calls, http.StatusCreated))

	doRequest(h, "", `{"a":1}`)
	doRequest(h, "", `{"a":1}`)

	assert.Equal(t, int64(2), calls.Load())
}

func TestGuardRejectsOversizedKey(t *testing.T) {
	var calls atomic.Int64
	guard := NewGuard(NewMemoryStore(), discardLogger())
	h := guard.Middleware(countingHandler(&calls, http.StatusCreated))

	w := doRequest(h, strings.Repeat("k", 256), `{}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, int64(0), calls.Load())
}

func TestGuardReplaysStoredResponseVerbatim(t *testing.T) {
	var calls atomic.Int64
	guard := NewGuard(NewMemoryStore(), discardLogger())
	h := guard.Middleware(countingHandler(&calls, http.StatusCreated))

	first := doRequest(h, "key-1", `{"invoice":"FA-1"}`)
	second := doRequest(h, "key-1", `{"invoice":"FA-1"}`)

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Empty(t, first.Header().Get("Idempotency-Replayed"))
	assert.Equal(t, "true", second.Header().Get("Idempotency-Replayed"))
}

func TestGuardRejectsKeyReuseWithDifferentBody(t *testing.T) {
	var calls atomic.Int64
	guard := NewGuard(NewMemoryStore(), discardLogger())
	h := guard.Middleware(countingHandler(&calls, http.StatusCreated))

	doRequest(h, "key-1", `{"invoice":"FA-1"}`)
	w := doRequest(h, "key-1", `{"invoice":"FA-2"}`)

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, http.StatusConflict, w.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "idempotency_key_reuse", payload["error"])
}

func TestGuardDoesNotPersistTransientOutcomes(t *testing.T) {
	var calls atomic.Int64
	guard := NewGuard(NewMemoryStore(), discardLogger())
	h := guard.Middleware(countingHandler(&calls, http.StatusBadGateway))

	first := doRequest(h, "key-1", `{"invoice":"FA-1"}`)
	second := doRequest(h, "key-1", `{"invoice":"FA-1"}`)

	assert.Equal(t, int64(2), calls.Load(), "transient outcome must allow re-execution")
	assert.Equal(t, http.StatusBadGateway, first.Code)
	assert.Equal(t, http.StatusBadGateway, second.Code)
}

func TestGuardPersistsTerminalRejections(t *testing.T) {
	var calls atomic.Int64
	guard := NewGuard(NewMemoryStore(), discardLogger())
	h := guard.Middleware(countingHandler(&calls, http.StatusUnprocessableEntity))

	doRequest(h, "key-1", `{"invoice":"FA-1"}`)
	w := doRequest(h, "key-1", `{"invoice":"FA-1"}`)

	assert.Equal(t, int64(1), calls.Load(), "a rejection is terminal and must not re-execute")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "true", w.Header().Get("Idempotency-Replayed"))
}

func TestGuardExecutesOnceUnderConcurrency(t *testing.T) {
	var calls atomic.Int64
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"receipt":"CSV-1"}`))
	})
	guard := NewGuard(NewMemoryStore(), discardLogger())
	h := guard.Middleware(slow)

	const n = 8
	var wg sync.WaitGroup
	codes := make([]int, n)
	bodies := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := doRequest(h, "key-1", `{"invoice":"FA-1"}`)
			codes[i] = w.Code
			bodies[i] = w.Body.String()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent duplicates must share one execution")
	for i := 0; i < n; i++ {
		assert.Equal(t, http.StatusCreated, codes[i])
		assert.Equal(t, `{"receipt":"CSV-1"}`, bodies[i])
	}
}

// failingCache errors on every call so fallback behavior can be observed.
type failingCache struct{}

func (failingCache) Find(context.Context, string) (*Record, error) {
	return nil, errors.New("cache down")
}

func (failingCache) Put(context.Context, *Record, time.Duration) error {
	return errors.New("cache down")
}

func TestGuardFallsBackWhenCacheFails(t *testing.T) {
	var calls atomic.Int64
	guard := NewGuard(NewMemoryStore(), discardLogger(), WithCache(failingCache{}))
	h := guard.Middleware(countingHandler(&calls, http.StatusCreated))

	first := doRequest(h, "key-1", `{"invoice":"FA-1"}`)
	second := doRequest(h, "key-1", `{"invoice":"FA-1"}`)

	assert.Equal(t, int64(1), calls.Load(), "durable store must still deduplicate")
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
}

// brokenCompleteStore executes reservations normally but cannot persist
// completed records, modeling a store outage mid-request.
type brokenCompleteStore struct {
	*MemoryStore
}

func (s brokenCompleteStore) Complete(context.Context, *Record, time.Duration) error {
	return errors.New("store down")
}

func TestGuardFailsRequestWhenPersistFailsAfterExecution(t *testing.T) {
	var calls atomic.Int64
	guard := NewGuard(brokenCompleteStore{NewMemoryStore()}, discardLogger())
	h := guard.Middleware(countingHandler(&calls, http.StatusCreated))

	w := doRequest(h, "key-1", `{"invoice":"FA-1"}`)

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, http.StatusBadGateway, w.Code, "executed-but-unrecorded must not report success")

	var payload map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "unavailable", payload["error"])
}

func TestGuardReportsInFlightConflictFromAnotherProcess(t *testing.T) {
	store := NewMemoryStore()
	// Simulate a reservation held by another gateway instance.
	require.NoError(t, store.Reserve(context.Background(), "key-1", "somehash", time.Minute))

	var calls atomic.Int64
	guard := NewGuard(store, discardLogger())
	h := guard.Middleware(countingHandler(&calls, http.StatusCreated))

	w := doRequest(h, "key-1", `{"invoice":"FA-1"}`)

	assert.Equal(t, int64(0), calls.Load())
	assert.Equal(t, http.StatusConflict, w.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "conflict", payload["error"])
}

func TestGuardStealsExpiredReservation(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store := NewMemoryStore(WithClock(func() time.Time { return clock() }))
	require.NoError(t, store.Reserve(context.Background(), "key-1", "somehash", time.Minute))

	// The holder crashed; its reservation lapses.
	now = now.Add(2 * time.Minute)

	var calls atomic.Int64
	guard := NewGuard(store, discardLogger())
	h := guard.Middleware(countingHandler(&calls, http.StatusCreated))

	w := doRequest(h, "key-1", `{"invoice":"FA-1"}`)

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestGuardTreatsExpiredRecordAsMiss(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store := NewMemoryStore(WithClock(func() time.Time { return clock() }))

	var calls atomic.Int64
	guard := NewGuard(store, discardLogger(), WithTTLs(time.Hour, time.Hour, time.Minute))
	h := guard.Middleware(countingHandler(&calls, http.StatusCreated))

	doRequest(h, "key-1", `{"invoice":"FA-1"}`)
	now = now.Add(2 * time.Hour)
	doRequest(h, "key-1", `{"invoice":"FA-1"}`)

	assert.Equal(t, int64(2), calls.Load(), "retention lapse must allow re-execution")
}

func TestGuardRecordsKeyReuseConflictInAuditTrail(t *testing.T) {
	auditStore := audit.NewMemoryStore()
	guard := NewGuard(NewMemoryStore(), discardLogger(),
		WithAuditor(audit.NewPublisher(auditStore, discardLogger())))
	var calls atomic.Int64
	h := guard.Middleware(countingHandler(&calls, http.StatusCreated))

	doRequest(h, "key-1", `{"invoice":"FA-1"}`)
	doRequest(h, "key-1", `{"invoice":"FA-2"}`)

	events := auditStore.All()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionIdempotencyConflict, events[0].Action)
	assert.Equal(t, "key-1", events[0].Subject)
	assert.Equal(t, "reuse", events[0].Detail["kind"])
}

func TestGuardRecordsInFlightConflictInAuditTrail(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Reserve(context.Background(), "key-1", "somehash", time.Minute))

	auditStore := audit.NewMemoryStore()
	guard := NewGuard(store, discardLogger(),
		WithAuditor(audit.NewPublisher(auditStore, discardLogger())))
	var calls atomic.Int64
	h := guard.Middleware(countingHandler(&calls, http.StatusCreated))

	doRequest(h, "key-1", `{"invoice":"FA-1"}`)

	events := auditStore.All()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionIdempotencyConflict, events[0].Action)
	assert.Equal(t, "in_flight", events[0].Detail["kind"])
}

func TestGuardLazilyBackfillsCacheOnDurableHit(t *testing.T) {
	store := NewMemoryStore()
	cache := NewMemoryStore()
	var calls atomic.Int64
	guard := NewGuard(store, discardLogger(), WithCache(cache))
	h := guard.Middleware(countingHandler(&calls, http.StatusCreated))

	doRequest(h, "key-1", `{"invoice":"FA-1"}`)

	rec, err := cache.Find(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Status)
	assert.False(t, rec.Pending())
	assert.NotErrorIs(t, err, sentinel.ErrNotFound)
}
