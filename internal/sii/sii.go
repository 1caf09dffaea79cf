// Package sii holds the types shared by the envelope builder, the submission
// client, and the response parser.
package sii

// Envelope is the serialized protocol message for one invoice. The body is
// byte-deterministic for a given invoice except for the presentation
// timestamp element.
type Envelope struct {
	Body          []byte
	InvoiceNumber string
	IssuerNIF     string
}

// Status is the outcome classification of one submission.
type Status string

const (
	// StatusAccepted: the authority registered the invoice and issued a
	// receipt code.
	StatusAccepted Status = "accepted"
	// StatusAcceptedWithErrors: registered, but individual records carry
	// error codes the issuer should correct.
	StatusAcceptedWithErrors Status = "accepted_with_errors"
	// StatusRejected: a definitive business rejection. Never retried;
	// resubmitting a rejected document risks duplicate filings.
	StatusRejected Status = "rejected"
	// StatusTransient: the outcome is unknown (transport failure, timeout,
	// unparseable response). The only retryable status.
	StatusTransient Status = "transient_failure"
)

// Outcome is the closed result of a submission attempt. Exactly one variant
// applies, signaled by Status.
type Outcome struct {
	Status           Status
	ReceiptID        string
	ErrorCode        string
	ErrorDescription string
	ErrorCodes       []string
	Cause            error
}

// Terminal reports whether the outcome must not be retried.
func (o Outcome) Terminal() bool {
	return o.Status != StatusTransient
}

// Transient wraps a cause into the retryable outcome variant.
func Transient(cause error) Outcome {
	return Outcome{Status: StatusTransient, Cause: cause}
}
