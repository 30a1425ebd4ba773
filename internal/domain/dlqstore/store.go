// Package dlqstore defines persistence contracts for the inbound dead-letter queue.
package dlqstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Status enumerates the lifecycle states of a dead-letter record.
type Status string

const (
	// StatusPending marks a record awaiting replay.
	StatusPending Status = "PENDING"
	// StatusReplayed marks a record whose replay succeeded.
	StatusReplayed Status = "REPLAYED"
	// StatusDead marks a record that exhausted its replay attempts.
	StatusDead Status = "DEAD"
)

// Entry encapsulates a failed envelope ready to be parked.
// Headers must already be sanitized by the caller; Payload stays raw.
type Entry struct {
	Kind           string
	Type           string
	Source         string
	BranchID       string
	MessageID      string
	CorrelationID  string
	IdempotencyKey string
	ErrorCode      string
	ErrorMessage   string
	Headers        map[string]string
	Payload        json.RawMessage
	Attempts       int
	MaxAttempts    int
}

// Record captures the persisted state of a dead-letter entry.
type Record struct {
	ID             int64             `json:"id"`
	Status         Status            `json:"status"`
	Kind           string            `json:"kind"`
	Type           string            `json:"type"`
	Source         string            `json:"source,omitempty"`
	BranchID       string            `json:"branchId,omitempty"`
	MessageID      string            `json:"messageId,omitempty"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	ErrorCode      string            `json:"errorCode,omitempty"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Attempts       int               `json:"attempts"`
	MaxAttempts    int               `json:"maxAttempts"`
	ReplayResult   json.RawMessage   `json:"replayResult,omitempty"`
	ReplayedAt     *time.Time        `json:"replayedAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Query scopes dead-letter lookups for the operator API.
type Query struct {
	Status   Status `json:"status,omitempty"`
	Type     string `json:"type,omitempty"`
	Source   string `json:"source,omitempty"`
	BranchID string `json:"branchId,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// Store abstracts persistence operations for the dead-letter queue.
type Store interface {
	Put(ctx context.Context, entry Entry) (int64, error)
	Get(ctx context.Context, id int64) (Record, error)
	List(ctx context.Context, query Query) ([]Record, error)
	// MarkReplayed flips a record to REPLAYED and retains the replay output.
	MarkReplayed(ctx context.Context, id int64, result json.RawMessage) error
	// RecordFailure increments the attempt counter after a failed replay and
	// marks the record DEAD once attempts reach maxAttempts. The updated
	// record is returned.
	RecordFailure(ctx context.Context, id int64, errorCode, errorMessage string) (Record, error)
}
