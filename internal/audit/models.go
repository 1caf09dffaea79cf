// Package audit records who did what to which filing. Events land in a
// durable outbox first and are drained to the platform event bus by a
// background worker, so losing the broker never loses an event.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action identifies the kind of audited event.
type Action string

const (
	ActionInvoiceSubmitted    Action = "invoice.submitted"
	ActionInvoiceRejected     Action = "invoice.rejected"
	ActionIdempotencyConflict Action = "idempotency.conflict"
	ActionCertificateLoaded   Action = "certificate.loaded"
)

// Event is one audit entry. Detail carries event-specific fields as JSON and
// must never contain key material or raw invoice bodies.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Action     Action         `json:"action"`
	ActorID    string         `json:"actor_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
