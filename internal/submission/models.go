// Package submission orchestrates the invoice filing flow: validate the
// invoice, build the protocol envelope, submit it, and record the terminal
// outcome for later lookup.
package submission

import (
	"time"

	"github.com/google/uuid"

	"sii-gateway/internal/sii"
)

// Record is the stored outcome of one filed invoice. Only terminal outcomes
// are recorded; a transient failure leaves no record because the final state
// of the filing is unknown.
type Record struct {
	ID               uuid.UUID  `json:"id"`
	TenantID         string     `json:"tenant_id"`
	InvoiceNumber    string     `json:"invoice_number"`
	IssuerNIF        string     `json:"issuer_nif"`
	Status           sii.Status `json:"status"`
	ReceiptID        string     `json:"receipt_id,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	ErrorDescription string     `json:"error_description,omitempty"`
	SubmittedAt      time.Time  `json:"submitted_at"`
}

// Accepted reports whether the authority registered the invoice, with or
// without record-level errors.
func (r *Record) Accepted() bool {
	return r.Status == sii.StatusAccepted || r.Status == sii.StatusAcceptedWithErrors
}
