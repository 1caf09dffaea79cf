package submission

import (
	"context"

	"github.com/google/uuid"
)

// Store persists submission records.
type Store interface {
	// Create inserts a new record.
	Create(ctx context.Context, rec *Record) error

	// Get returns the record by ID, or sentinel.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)

	// ListByTenant returns the tenant's records, newest first, up to limit.
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Record, error)
}
