// Package idemstore defines persistence contracts for idempotency claims.
package idemstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Status enumerates the lifecycle states of an idempotency record.
type Status string

const (
	// StatusInProgress marks a key claimed by an in-flight invocation.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusCompleted marks a key whose invocation finished successfully.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed marks a key whose invocation failed and may be reclaimed.
	StatusFailed Status = "FAILED"
)

// Decision is the outcome of a claim attempt.
type Decision string

const (
	// DecisionProcess grants the claim to the caller.
	DecisionProcess Decision = "PROCESS"
	// DecisionSkipCompleted refuses the claim because a completed result exists.
	DecisionSkipCompleted Decision = "SKIP_COMPLETED"
	// DecisionLocked refuses the claim because another invocation holds the key.
	DecisionLocked Decision = "LOCKED"
)

// SkipReason records why a refused claim was skipped.
type SkipReason string

const (
	// SkipDuplicate marks a refusal caused by an already completed record.
	SkipDuplicate SkipReason = "DUPLICATE"
	// SkipLocked marks a refusal caused by a live in-progress record.
	SkipLocked SkipReason = "LOCKED"
)

// Claim carries the inputs of an atomic claim attempt.
type Claim struct {
	Key           string
	TTL           time.Duration
	MessageID     string
	CorrelationID string
	FlowID        string
	Source        string
}

// ClaimResult reports the decision and, on refusal, the existing record.
type ClaimResult struct {
	Decision Decision
	Existing *Record
}

// Record captures the persisted state of an idempotency key.
type Record struct {
	Key            string          `json:"key"`
	Status         Status          `json:"status"`
	MessageID      string          `json:"messageId,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	FlowID         string          `json:"flowId,omitempty"`
	Source         string          `json:"source,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorCode      string          `json:"errorCode,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	LastSkipReason SkipReason      `json:"lastSkipReason,omitempty"`
	SkipCount      int             `json:"skipCount"`
	LockedUntil    time.Time       `json:"lockedUntil"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Query scopes record lookups for the operator API.
type Query struct {
	Status Status `json:"status,omitempty"`
	FlowID string `json:"flowId,omitempty"`
	Source string `json:"source,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// Store abstracts persistence operations for idempotency state.
//
// Claim must be a single atomic conditional write: it inserts a fresh
// IN_PROGRESS record, or takes over an existing record only when that
// record is FAILED or its lock has expired. Records are never deleted.
type Store interface {
	Claim(ctx context.Context, claim Claim) (ClaimResult, error)
	Complete(ctx context.Context, key string, result json.RawMessage) error
	Fail(ctx context.Context, key, errorCode, errorMessage string) error
	RecordSkip(ctx context.Context, key string, reason SkipReason) error
	Unlock(ctx context.Context, key, actor, reason string) (Record, error)
	Get(ctx context.Context, key string) (Record, error)
	List(ctx context.Context, query Query) ([]Record, error)
	Counts(ctx context.Context) (map[Status]int64, error)
}
