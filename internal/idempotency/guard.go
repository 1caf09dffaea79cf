// Package idempotency deduplicates retried client requests. A client marks a
// logical write with an Idempotency-Key header; the guard guarantees the
// wrapped operation runs at most once per key, replaying the stored terminal
// response on every retry. The external authority has no dedup of its own,
// so this guard is the only thing standing between a retried client and a
// duplicate filing.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"sii-gateway/internal/audit"
	"sii-gateway/internal/platform/middleware"
	"sii-gateway/internal/transport/http/shared"
	"sii-gateway/pkg/apperrors"
	"sii-gateway/pkg/platform/sentinel"
)

const (
	// Header carries the client-supplied key, matching the platform's
	// header-based convention. Requests without it bypass the guard.
	Header = "Idempotency-Key"

	// MaxKeyLength bounds the accepted key; oversized keys are rejected
	// before any processing.
	MaxKeyLength = 255

	// maxBodyBytes bounds how much request body the guard will hash.
	maxBodyBytes = 4 << 20
)

// Guard wraps state-mutating handlers. Within one process, singleflight
// collapses concurrent requests for the same key onto a single executor; the
// durable store's conditional insert arbitrates across processes.
type Guard struct {
	durable        Store
	cache          Cache
	auditor        audit.Recorder
	logger         *slog.Logger
	clock          Clock
	cacheTTL       time.Duration
	recordTTL      time.Duration
	reservationTTL time.Duration
	group          singleflight.Group
}

// Option configures a Guard.
type Option func(*Guard)

// WithCache adds the fast lookup tier. Without it every lookup goes to the
// durable store.
func WithCache(cache Cache) Option {
	return func(g *Guard) { g.cache = cache }
}

// WithTTLs overrides the retention windows: cacheTTL for the volatile tier,
// recordTTL for durable retention, reservationTTL for how long a crashed
// executor blocks its key.
func WithTTLs(cacheTTL, recordTTL, reservationTTL time.Duration) Option {
	return func(g *Guard) {
		g.cacheTTL = cacheTTL
		g.recordTTL = recordTTL
		g.reservationTTL = reservationTTL
	}
}

// WithAuditor records key conflicts in the audit trail.
func WithAuditor(auditor audit.Recorder) Option {
	return func(g *Guard) { g.auditor = auditor }
}

// WithGuardClock sets the clock function for testability.
func WithGuardClock(clock Clock) Option {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

func NewGuard(durable Store, logger *slog.Logger, opts ...Option) *Guard {
	g := &Guard{
		durable:        durable,
		logger:         logger,
		clock:          time.Now,
		cacheTTL:       time.Hour,
		recordTTL:      72 * time.Hour,
		reservationTTL: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type resolution struct {
	rec      *Record
	replayed bool
}

// Middleware applies the guard to a mutating route.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(Header)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > MaxKeyLength {
			shared.WriteError(w, apperrors.New(apperrors.CodeBadRequest, "idempotency key exceeds 255 characters"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			shared.WriteError(w, apperrors.New(apperrors.CodeBadRequest, "unreadable request body"))
			return
		}
		_ = r.Body.Close()

		sum := sha256.Sum256(body)
		requestHash := hex.EncodeToString(sum[:])

		// One executor per key within this process; duplicates share its
		// resolution instead of re-running the operation.
		v, err, _ := g.group.Do(key, func() (interface{}, error) {
			req := r.Clone(r.Context())
			req.Body = io.NopCloser(bytes.NewReader(body))
			return g.resolve(req.Context(), key, requestHash, req, next)
		})
		if err != nil {
			shared.WriteError(w, err)
			return
		}

		res := v.(*resolution)
		if res.rec.RequestHash != requestHash {
			g.recordConflict(r.Context(), key, "reuse")
			shared.WriteError(w, apperrors.New(apperrors.CodeIdempotencyKeyReuse,
				"idempotency key was already used with a different request body"))
			return
		}
		g.writeRecord(w, res)
	})
}

// resolve produces the canonical record for the key: a stored one when the
// request is a replay, otherwise the outcome of executing the operation
// under a reservation.
func (g *Guard) resolve(ctx context.Context, key, requestHash string, r *http.Request, next http.Handler) (*resolution, error) {
	start := g.clock()
	rec, err := g.lookup(ctx, key)
	lookupDuration.Observe(g.clock().Sub(start).Seconds())
	switch {
	case err == nil:
		replaysTotal.Inc()
		return &resolution{rec: rec, replayed: true}, nil
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "idempotency store unavailable", err)
	}

	// Full miss: claim the key before doing any work. Losing the claim means
	// another process holds it.
	if err := g.durable.Reserve(ctx, key, requestHash, g.reservationTTL); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return g.afterLostReservation(ctx, key)
		}
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "idempotency store unavailable", err)
	}

	executionsTotal.Inc()
	rec = g.execute(key, requestHash, r, next)

	if rec.Status >= http.StatusInternalServerError {
		// Transient outcome: drop the reservation so an identical retry may
		// re-execute from scratch. Never persisted.
		if err := g.durable.Release(ctx, key); err != nil {
			g.logger.WarnContext(ctx, "failed to release idempotency reservation",
				"error", err,
			)
		}
		return &resolution{rec: rec}, nil
	}

	// Terminal outcome: persist before responding. If this fails the work
	// is done but unrecorded, so a retry could execute it again; failing
	// the original request keeps the client retrying against a store that
	// should recover, which is the documented trade-off.
	if err := g.durable.Complete(ctx, rec, g.recordTTL); err != nil {
		persistFailuresTotal.Inc()
		g.logger.ErrorContext(ctx, "idempotency record not persisted after execution; duplicate execution is possible for this key",
			"error", err,
		)
		return nil, apperrors.Wrap(apperrors.CodeUnavailable,
			"request executed but its outcome could not be recorded; retry", err)
	}
	g.cachePut(ctx, rec)
	return &resolution{rec: rec}, nil
}

// lookup checks the cache first, then the durable store. A cache failure
// degrades to the durable lookup; only a durable failure surfaces.
func (g *Guard) lookup(ctx context.Context, key string) (*Record, error) {
	if g.cache != nil {
		rec, err := g.cache.Find(ctx, key)
		switch {
		case err == nil:
			return rec, nil
		case !errors.Is(err, sentinel.ErrNotFound):
			cacheFallbacksTotal.Inc()
			g.logger.WarnContext(ctx, "idempotency cache lookup failed, falling back to durable store",
				"error", err,
			)
		}
	}

	rec, err := g.durable.Find(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Pending() {
		return nil, sentinel.ErrNotFound
	}
	g.cachePut(ctx, rec)
	return rec, nil
}

// afterLostReservation resolves a Reserve conflict: another executor holds
// or already completed the key.
func (g *Guard) afterLostReservation(ctx context.Context, key string) (*resolution, error) {
	rec, err := g.durable.Find(ctx, key)
	if err == nil && !rec.Pending() {
		replaysTotal.Inc()
		g.cachePut(ctx, rec)
		return &resolution{rec: rec, replayed: true}, nil
	}
	g.recordConflict(ctx, key, "in_flight")
	return nil, apperrors.New(apperrors.CodeConflict,
		"a request with this idempotency key is in flight; retry shortly")
}

// recordConflict counts the conflict and, when an auditor is wired, lands it
// in the audit trail.
func (g *Guard) recordConflict(ctx context.Context, key, kind string) {
	conflictsTotal.WithLabelValues(kind).Inc()
	if g.auditor == nil {
		return
	}
	g.auditor.Record(ctx, audit.Event{
		Action:   audit.ActionIdempotencyConflict,
		ActorID:  middleware.GetUserID(ctx),
		TenantID: middleware.GetTenantID(ctx),
		Subject:  key,
		Detail:   map[string]any{"kind": kind},
	})
}

// execute runs the operation against a recorder so the guard receives the
// response as a value instead of intercepting writes on the live connection.
func (g *Guard) execute(key, requestHash string, r *http.Request, next http.Handler) *Record {
	rec := &responseRecorder{status: http.StatusOK, header: make(http.Header)}
	next.ServeHTTP(rec, r)
	now := g.clock()
	return &Record{
		Key:         key,
		RequestHash: requestHash,
		Status:      rec.status,
		ContentType: rec.header.Get("Content-Type"),
		Body:        rec.buf.Bytes(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.recordTTL),
	}
}

func (g *Guard) cachePut(ctx context.Context, rec *Record) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Put(ctx, rec, g.cacheTTL); err != nil {
		g.logger.WarnContext(ctx, "idempotency cache put failed",
			"error", err,
		)
	}
}

// writeRecord replays a record verbatim: same status, same body.
func (g *Guard) writeRecord(w http.ResponseWriter, res *resolution) {
	if res.rec.ContentType != "" {
		w.Header().Set("Content-Type", res.rec.ContentType)
	}
	if res.replayed {
		w.Header().Set("Idempotency-Replayed", "true")
	}
	w.WriteHeader(res.rec.Status)
	_, _ = w.Write(res.rec.Body)
}

// responseRecorder captures a handler's response for persistence and replay.
type responseRecorder struct {
	header http.Header
	buf    bytes.Buffer
	status int
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) { r.status = status }

func (r *responseRecorder) Write(b []byte) (int, error) { return r.buf.Write(b) }
