package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Recorder is the write side of the audit trail. Services depend on this
// interface rather than a concrete store.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Publisher assigns identity and time to events and appends them to the
// outbox. Recording is best-effort: an outbox failure is logged, never
// surfaced, because audit must not fail the business operation.
type Publisher struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time
}

func NewPublisher(store Store, logger *slog.Logger) *Publisher {
	return &Publisher{store: store, logger: logger, clock: time.Now}
}

func (p *Publisher) Record(ctx context.Context, e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = p.clock().UTC()
	}
	if err := p.store.Append(ctx, e); err != nil {
		p.logger.ErrorContext(ctx, "failed to append audit event",
			"action", string(e.Action),
			"error", err,
		)
	}
}
