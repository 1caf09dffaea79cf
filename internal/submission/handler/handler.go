package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"sii-gateway/internal/fiscal"
	"sii-gateway/internal/platform/metrics"
	"sii-gateway/internal/platform/middleware"
	"sii-gateway/internal/sii"
	"sii-gateway/internal/submission"
	"sii-gateway/internal/transport/http/shared"
	"sii-gateway/pkg/apperrors"
)

// Service defines the submission operations the handler depends on.
type Service interface {
	Submit(ctx context.Context, tenantID string, inv *fiscal.Invoice) (*submission.Record, error)
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*submission.Record, error)
	List(ctx context.Context, tenantID string, limit int) ([]*submission.Record, error)
}

// Handler serves the invoice submission endpoints.
type Handler struct {
	service   Service
	logger    *slog.Logger
	metrics   *metrics.Metrics
	validator middleware.ClaimsValidator
	guard     func(http.Handler) http.Handler
}

func New(service Service, logger *slog.Logger, m *metrics.Metrics, validator middleware.ClaimsValidator, guard func(http.Handler) http.Handler) *Handler {
	return &Handler{
		service:   service,
		logger:    logger,
		metrics:   m,
		validator: validator,
		guard:     guard,
	}
}

// Register mounts the submission routes. The idempotency guard wraps only
// the mutating route; reads are naturally idempotent.
func (h *Handler) Register(r chi.Router) {
	sub := chi.NewRouter()
	sub.Use(middleware.Recovery(h.logger))
	sub.Use(middleware.RequestID)
	sub.Use(middleware.Logger(h.logger))
	sub.Use(middleware.Timeout(90 * time.Second))
	sub.Use(middleware.Latency(h.metrics, "/v1/invoices"))
	sub.Use(middleware.RequireAuth(h.validator, h.logger))

	sub.With(h.guard).Post("/v1/invoices/submit", h.handleSubmit)
	sub.Get("/v1/submissions/{id}", h.handleGet)
	sub.Get("/v1/submissions", h.handleList)

	r.Mount("/", sub)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	tenantID := middleware.GetTenantID(ctx)
	if tenantID == "" {
		h.logger.ErrorContext(ctx, "tenantID missing from context despite auth middleware",
			"request_id", requestID,
		)
		shared.WriteError(w, apperrors.New(apperrors.CodeInternal, "authentication context error"))
		return
	}

	var inv fiscal.Invoice
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		h.logger.WarnContext(ctx, "invalid submission request",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, apperrors.New(apperrors.CodeBadRequest, "invalid request body"))
		return
	}

	rec, err := h.service.Submit(ctx, tenantID, &inv)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeValidation) || apperrors.Is(err, apperrors.CodeBadRequest) {
			shared.WriteError(w, err)
			return
		}
		h.logger.ErrorContext(ctx, "submission failed",
			"request_id", requestID,
			"invoice_number", inv.Number,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	// A rejection is a terminal business outcome, not a server failure. The
	// response status keeps it out of the retryable range.
	status := http.StatusCreated
	if rec.Status == sii.StatusRejected {
		status = http.StatusUnprocessableEntity
	}
	shared.WriteJSON(w, status, rec)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, apperrors.New(apperrors.CodeBadRequest, "invalid submission id"))
		return
	}

	rec, err := h.service.Get(ctx, tenantID, id)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			shared.WriteError(w, apperrors.New(apperrors.CodeBadRequest, "invalid limit"))
			return
		}
		limit = parsed
	}

	recs, err := h.service.List(ctx, tenantID, limit)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if recs == nil {
		recs = []*submission.Record{}
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"submissions": recs})
}
