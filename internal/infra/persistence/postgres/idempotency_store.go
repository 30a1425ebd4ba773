package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aritmos/ibroker/internal/domain/idemstore"
)

// IdempotencyStore persists idempotency claims in the ib_idempotency table.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs an IdempotencyStore backed by the provided pool.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

const (
	defaultIdemLimit = 128
	maxIdemLimit     = 1024
	defaultClaimTTL  = 5 * time.Minute
)

const idemColumns = `
    key,
    status,
    message_id,
    correlation_id,
    flow_id,
    source,
    result,
    error_code,
    error_message,
    last_skip_reason,
    skip_count,
    locked_until,
    created_at,
    updated_at`

const (
	// The claim is a single conditional write: it either inserts a fresh
	// IN_PROGRESS row or takes over a FAILED / lock-expired one. When the
	// condition is false no row comes back and the caller inspects the
	// existing record to classify the refusal.
	idemClaimSQL = `
INSERT INTO ib_idempotency (
    key,
    status,
    message_id,
    correlation_id,
    flow_id,
    source,
    locked_until
)
VALUES ($1, 'IN_PROGRESS', $2, $3, $4, $5, $6)
ON CONFLICT (key) DO UPDATE
SET status = 'IN_PROGRESS',
    message_id = EXCLUDED.message_id,
    correlation_id = EXCLUDED.correlation_id,
    flow_id = EXCLUDED.flow_id,
    source = EXCLUDED.source,
    result = NULL,
    error_code = NULL,
    error_message = NULL,
    last_skip_reason = NULL,
    locked_until = EXCLUDED.locked_until,
    updated_at = NOW()
WHERE ib_idempotency.status = 'FAILED'
   OR (ib_idempotency.status = 'IN_PROGRESS' AND ib_idempotency.locked_until <= NOW())
RETURNING key;
`

	idemGetSQL = `
SELECT` + idemColumns + `
FROM ib_idempotency
WHERE key = $1;
`

	idemCompleteSQL = `
UPDATE ib_idempotency
SET status = 'COMPLETED',
    result = $2,
    error_code = NULL,
    error_message = NULL,
    updated_at = NOW()
WHERE key = $1;
`

	idemFailSQL = `
UPDATE ib_idempotency
SET status = 'FAILED',
    error_code = $2,
    error_message = $3,
    updated_at = NOW()
WHERE key = $1;
`

	idemRecordSkipSQL = `
UPDATE ib_idempotency
SET last_skip_reason = $2,
    skip_count = skip_count + 1,
    updated_at = NOW()
WHERE key = $1;
`

	idemUnlockSQL = `
UPDATE ib_idempotency
SET status = 'FAILED',
    error_code = 'MANUAL_UNLOCK',
    error_message = $2,
    updated_at = NOW()
WHERE key = $1
  AND status = 'IN_PROGRESS'
RETURNING` + idemColumns + `;
`

	idemCountsSQL = `
SELECT status, COUNT(*)
FROM ib_idempotency
GROUP BY status;
`
)

// ErrNotFound reports a lookup for a record that does not exist.
var ErrNotFound = errors.New("postgres: record not found")

// Claim performs the atomic claim for key and classifies refusals.
func (s *IdempotencyStore) Claim(ctx context.Context, claim idemstore.Claim) (idemstore.ClaimResult, error) {
	if s.pool == nil {
		return idemstore.ClaimResult{}, fmt.Errorf("idempotency store: nil pool")
	}
	key := strings.TrimSpace(claim.Key)
	if key == "" {
		return idemstore.ClaimResult{}, fmt.Errorf("idempotency store: key required")
	}
	ttl := claim.TTL
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	lockedUntil := time.Now().Add(ttl)

	var claimed string
	err := s.pool.QueryRow(ctx, idemClaimSQL,
		key, claim.MessageID, claim.CorrelationID, claim.FlowID, claim.Source, lockedUntil,
	).Scan(&claimed)
	if err == nil {
		return idemstore.ClaimResult{Decision: idemstore.DecisionProcess}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return idemstore.ClaimResult{}, fmt.Errorf("idempotency store: claim: %w", err)
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return idemstore.ClaimResult{}, err
	}
	result := idemstore.ClaimResult{Existing: &existing}
	if existing.Status == idemstore.StatusCompleted {
		result.Decision = idemstore.DecisionSkipCompleted
	} else {
		result.Decision = idemstore.DecisionLocked
	}
	return result, nil
}

// Complete marks a claimed key as successfully processed with its result.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, result json.RawMessage) error {
	if s.pool == nil {
		return fmt.Errorf("idempotency store: nil pool")
	}
	body, err := encodeBody(result)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	tag, err := s.pool.Exec(ctx, idemCompleteSQL, key, body)
	if err != nil {
		return fmt.Errorf("idempotency store: complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency store: complete %q: %w", key, ErrNotFound)
	}
	return nil
}

// Fail marks a claimed key as failed so a later attempt may reclaim it.
func (s *IdempotencyStore) Fail(ctx context.Context, key, errorCode, errorMessage string) error {
	if s.pool == nil {
		return fmt.Errorf("idempotency store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, idemFailSQL, key, errorCode, errorMessage)
	if err != nil {
		return fmt.Errorf("idempotency store: fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency store: fail %q: %w", key, ErrNotFound)
	}
	return nil
}

// RecordSkip books a refused claim on the existing record.
func (s *IdempotencyStore) RecordSkip(ctx context.Context, key string, reason idemstore.SkipReason) error {
	if s.pool == nil {
		return fmt.Errorf("idempotency store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, idemRecordSkipSQL, key, string(reason)); err != nil {
		return fmt.Errorf("idempotency store: record skip: %w", err)
	}
	return nil
}

// Unlock forces an IN_PROGRESS record to FAILED with audit text.
func (s *IdempotencyStore) Unlock(ctx context.Context, key, actor, reason string) (idemstore.Record, error) {
	if s.pool == nil {
		return idemstore.Record{}, fmt.Errorf("idempotency store: nil pool")
	}
	audit := fmt.Sprintf("manually unlocked by %s: %s", strings.TrimSpace(actor), strings.TrimSpace(reason))
	row := s.pool.QueryRow(ctx, idemUnlockSQL, key, audit)
	record, err := scanIdemRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return idemstore.Record{}, fmt.Errorf("idempotency store: unlock %q: record not in progress", key)
		}
		return idemstore.Record{}, err
	}
	return record, nil
}

// Get fetches a single record by key.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (idemstore.Record, error) {
	if s.pool == nil {
		return idemstore.Record{}, fmt.Errorf("idempotency store: nil pool")
	}
	row := s.pool.QueryRow(ctx, idemGetSQL, key)
	record, err := scanIdemRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return idemstore.Record{}, fmt.Errorf("idempotency store: get %q: %w", key, ErrNotFound)
		}
		return idemstore.Record{}, err
	}
	return record, nil
}

// List returns records matching the query, newest first.
func (s *IdempotencyStore) List(ctx context.Context, query idemstore.Query) ([]idemstore.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("idempotency store: nil pool")
	}
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("SELECT" + idemColumns + "\nFROM ib_idempotency\nWHERE 1=1")
	if query.Status != "" {
		args = append(args, string(query.Status))
		fmt.Fprintf(&sb, "\n  AND status = $%d", len(args))
	}
	if query.FlowID != "" {
		args = append(args, query.FlowID)
		fmt.Fprintf(&sb, "\n  AND flow_id = $%d", len(args))
	}
	if query.Source != "" {
		args = append(args, query.Source)
		fmt.Fprintf(&sb, "\n  AND source = $%d", len(args))
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultIdemLimit
	} else if limit > maxIdemLimit {
		limit = maxIdemLimit
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, "\nORDER BY updated_at DESC\nLIMIT $%d", len(args))
	if query.Offset > 0 {
		args = append(args, query.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("idempotency store: list: %w", err)
	}
	defer rows.Close()

	var records []idemstore.Record
	for rows.Next() {
		record, err := scanIdemRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("idempotency store: iterate: %w", err)
	}
	return records, nil
}

// Counts returns record counts per status.
func (s *IdempotencyStore) Counts(ctx context.Context) (map[idemstore.Status]int64, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("idempotency store: nil pool")
	}
	rows, err := s.pool.Query(ctx, idemCountsSQL)
	if err != nil {
		return nil, fmt.Errorf("idempotency store: counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[idemstore.Status]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("idempotency store: scan counts: %w", err)
		}
		counts[idemstore.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("idempotency store: iterate counts: %w", err)
	}
	return counts, nil
}

func scanIdemRecord(row rowScanner) (idemstore.Record, error) {
	var (
		record       idemstore.Record
		status       string
		messageID    pgtype.Text
		correlation  pgtype.Text
		flowID       pgtype.Text
		source       pgtype.Text
		result       []byte
		errorCode    pgtype.Text
		errorMessage pgtype.Text
		skipReason   pgtype.Text
	)
	if err := row.Scan(
		&record.Key,
		&status,
		&messageID,
		&correlation,
		&flowID,
		&source,
		&result,
		&errorCode,
		&errorMessage,
		&skipReason,
		&record.SkipCount,
		&record.LockedUntil,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return idemstore.Record{}, err
		}
		return idemstore.Record{}, fmt.Errorf("idempotency store: scan record: %w", err)
	}
	record.Status = idemstore.Status(status)
	record.MessageID = messageID.String
	record.CorrelationID = correlation.String
	record.FlowID = flowID.String
	record.Source = source.String
	record.Result = result
	record.ErrorCode = errorCode.String
	record.ErrorMessage = errorMessage.String
	record.LastSkipReason = idemstore.SkipReason(skipReason.String)
	return record, nil
}

var _ idemstore.Store = (*IdempotencyStore)(nil)
