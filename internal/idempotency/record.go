package idempotency

import "time"

// Record associates a client-supplied idempotency key with the terminal
// response of the request that first completed under it. Records are
// immutable once completed: a completed record is only ever read, never
// overwritten. A pending record (Status == 0) is a reservation, the atomic
// claim that one executor holds the key while the operation runs.
type Record struct {
	Key         string    `json:"key"`
	RequestHash string    `json:"request_hash"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Pending reports whether the record is a reservation without a stored
// response yet.
func (r *Record) Pending() bool {
	return r.Status == 0
}

// Expired reports whether the record is past its retention window.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
