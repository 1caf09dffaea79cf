package submission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sii-gateway/internal/audit"
	"sii-gateway/internal/certstore"
	"sii-gateway/internal/fiscal"
	"sii-gateway/internal/sii"
	"sii-gateway/internal/sii/envelope"
	"sii-gateway/pkg/apperrors"
)

// Submitter delivers an envelope to the tax authority and classifies the
// reply. The concrete implementation is the mTLS client; tests substitute a
// stub.
type Submitter interface {
	Submit(ctx context.Context, env *sii.Envelope) sii.Outcome
}

// Service runs the filing flow end to end. Transient outcomes surface as
// unavailability errors so upstream layers treat the final state as unknown;
// terminal outcomes are persisted and returned.
type Service struct {
	store     Store
	submitter Submitter
	km        *certstore.KeyMaterial
	auditor   audit.Recorder
	logger    *slog.Logger
	clock     func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceClock sets the clock function for testability.
func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewService(store Store, submitter Submitter, km *certstore.KeyMaterial, auditor audit.Recorder, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		submitter: submitter,
		km:        km,
		auditor:   auditor,
		logger:    logger,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates and files one invoice. A returned record always carries a
// terminal status; a transient failure returns an error instead, because no
// one knows whether the authority registered the invoice.
func (s *Service) Submit(ctx context.Context, tenantID string, inv *fiscal.Invoice) (*Record, error) {
	env, err := envelope.Build(inv, s.km, s.clock())
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "could not build submission envelope", err)
	}

	outcome := s.submitter.Submit(ctx, env)
	if !outcome.Terminal() {
		s.logger.WarnContext(ctx, "submission outcome unknown",
			"invoice_number", inv.Number,
			"error", outcome.Cause,
		)
		return nil, apperrors.Wrap(apperrors.CodeUnavailable,
			"tax authority temporarily unreachable; retry with the same idempotency key", outcome.Cause)
	}

	rec := &Record{
		ID:               uuid.New(),
		TenantID:         tenantID,
		InvoiceNumber:    inv.Number,
		IssuerNIF:        inv.IssuerNIF,
		Status:           outcome.Status,
		ReceiptID:        outcome.ReceiptID,
		ErrorCode:        outcome.ErrorCode,
		ErrorDescription: outcome.ErrorDescription,
		SubmittedAt:      s.clock().UTC(),
	}

	// The authority's verdict is authoritative. A store failure here is an
	// operational problem, not a reason to report the filing as failed.
	if err := s.store.Create(ctx, rec); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist submission record",
			"submission_id", rec.ID.String(),
			"invoice_number", rec.InvoiceNumber,
			"error", err,
		)
	}

	s.recordAudit(ctx, rec)
	return rec, nil
}

// Get returns one submission, scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID string, id uuid.UUID) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNotFound, "submission not found", err)
	}
	if rec.TenantID != tenantID {
		return nil, apperrors.New(apperrors.CodeNotFound, "submission not found")
	}
	return rec, nil
}

// List returns the tenant's recent submissions.
func (s *Service) List(ctx context.Context, tenantID string, limit int) ([]*Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	recs, err := s.store.ListByTenant(ctx, tenantID, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "could not list submissions", err)
	}
	return recs, nil
}

func (s *Service) recordAudit(ctx context.Context, rec *Record) {
	action := audit.ActionInvoiceSubmitted
	if rec.Status == sii.StatusRejected {
		action = audit.ActionInvoiceRejected
	}
	s.auditor.Record(ctx, audit.Event{
		Action:   action,
		TenantID: rec.TenantID,
		Subject:  rec.InvoiceNumber,
		Detail: map[string]any{
			"submission_id": rec.ID.String(),
			"status":        string(rec.Status),
			"receipt_id":    rec.ReceiptID,
			"error_code":    rec.ErrorCode,
		},
	})
}
