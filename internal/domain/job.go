package domain

import (
	"encoding/json"
	"time"
)

const DefaultQueue = "default"

// Record is one row of the job table. An empty TenantID marks a global job
// that every tenant may claim.
type Record struct {
	ID          int64
	Queue       string
	Payload     []byte
	TenantID    string
	Attempts    int
	AvailableAt time.Time
	ReservedAt  *time.Time
	CreatedAt   time.Time
}

// Available reports whether the record can be claimed at now. A reservation
// older than retryAfter belongs to a worker presumed dead.
func (r *Record) Available(now time.Time, retryAfter time.Duration) bool {
	if r.AvailableAt.After(now) {
		return false
	}
	return r.ReservedAt == nil || r.ReservedAt.Add(retryAfter).Before(now)
}

// Payload is the envelope stored in Record.Payload. Data is opaque to the queue.
type Payload struct {
	UUID     string          `json:"uuid"`
	Job      string          `json:"job"`
	TenantID string          `json:"tenantId,omitempty"`
	MaxTries *int            `json:"maxTries,omitempty"`
	Backoff  *int            `json:"backoff,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// TenantAware is implemented by job data that carries its own tenant.
type TenantAware interface {
	TenantID() string
}
