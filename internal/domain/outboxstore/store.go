// Package outboxstore defines persistence contracts for durable outbound delivery.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// NoRecordID is the sentinel returned when delivery bypassed persistence,
// either because a direct send succeeded or because dry-run suppressed it.
const NoRecordID int64 = 0

// Status enumerates the lifecycle states of an outbox record.
type Status string

const (
	// StatusPending marks a record waiting for its next delivery attempt.
	StatusPending Status = "PENDING"
	// StatusSending marks a record claimed by a dispatcher worker.
	StatusSending Status = "SENDING"
	// StatusSent marks a record delivered successfully.
	StatusSent Status = "SENT"
	// StatusDead marks a record that exhausted its delivery attempts.
	StatusDead Status = "DEAD"
)

// Message encapsulates a bus publication ready to be enqueued.
// Headers must already be sanitized by the caller.
type Message struct {
	Provider      string
	Destination   string
	Key           string
	Payload       json.RawMessage
	Headers       map[string]string
	CorrelationID string
	MaxAttempts   int
	AvailableAt   time.Time
}

// MessageRecord captures the persisted state of a bus outbox entry.
type MessageRecord struct {
	ID            int64             `json:"id"`
	Status        Status            `json:"status"`
	Provider      string            `json:"provider"`
	Destination   string            `json:"destination"`
	Key           string            `json:"key,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Attempts      int               `json:"attempts"`
	MaxAttempts   int               `json:"maxAttempts"`
	NextAttemptAt time.Time         `json:"nextAttemptAt"`
	LastError     string            `json:"lastError,omitempty"`
	SentAt        *time.Time        `json:"sentAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Call encapsulates a REST delivery ready to be enqueued.
// Headers must already be sanitized by the caller; live auth headers are
// composed at send time and never stored.
type Call struct {
	Connector      string
	Method         string
	URL            string
	Body           json.RawMessage
	Headers        map[string]string
	IdempotencyKey string
	CorrelationID  string
	MaxAttempts    int
	AvailableAt    time.Time
}

// CallRecord captures the persisted state of a REST outbox entry.
type CallRecord struct {
	ID             int64             `json:"id"`
	Status         Status            `json:"status"`
	Connector      string            `json:"connector"`
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Body           json.RawMessage   `json:"body,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	Attempts       int               `json:"attempts"`
	MaxAttempts    int               `json:"maxAttempts"`
	NextAttemptAt  time.Time         `json:"nextAttemptAt"`
	LastError      string            `json:"lastError,omitempty"`
	LastStatusCode int               `json:"lastStatusCode,omitempty"`
	SentAt         *time.Time        `json:"sentAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Query scopes outbox lookups for the operator API.
type Query struct {
	Status Status `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// MessageStore abstracts persistence operations for the bus outbox.
//
// ClaimDue must atomically flip due PENDING records to SENDING so that
// concurrent dispatcher instances never deliver the same record twice.
type MessageStore interface {
	Enqueue(ctx context.Context, msg Message) (MessageRecord, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]MessageRecord, error)
	MarkSent(ctx context.Context, id int64) error
	// MarkFailed increments the attempt counter, records the error, and
	// reschedules the record for nextAttemptAt; the record flips to DEAD
	// once attempts reach maxAttempts.
	MarkFailed(ctx context.Context, id int64, lastError string, nextAttemptAt time.Time) (MessageRecord, error)
	// Replay returns a SENT or DEAD record to PENDING, optionally resetting
	// its attempt counter.
	Replay(ctx context.Context, id int64, resetAttempts bool) error
	Get(ctx context.Context, id int64) (MessageRecord, error)
	List(ctx context.Context, query Query) ([]MessageRecord, error)
}

// CallStore abstracts persistence operations for the REST outbox.
type CallStore interface {
	Enqueue(ctx context.Context, call Call) (CallRecord, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]CallRecord, error)
	MarkSent(ctx context.Context, id int64, statusCode int) error
	MarkFailed(ctx context.Context, id int64, lastError string, statusCode int, nextAttemptAt time.Time) (CallRecord, error)
	Replay(ctx context.Context, id int64, resetAttempts bool) error
	Get(ctx context.Context, id int64) (CallRecord, error)
	List(ctx context.Context, query Query) ([]CallRecord, error)
}
