package audit

import (
	"context"

	"github.com/google/uuid"
)

// Store is the durable outbox for audit events.
type Store interface {
	// Append inserts a new unpublished event.
	Append(ctx context.Context, e Event) error

	// FetchUnpublished returns up to limit events not yet drained to the
	// event bus, oldest first.
	FetchUnpublished(ctx context.Context, limit int) ([]Event, error)

	// MarkPublished stamps the given events as drained.
	MarkPublished(ctx context.Context, ids []uuid.UUID) error
}
