package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aritmos/ibroker/internal/domain/outboxstore"
)

// CallOutboxStore persists REST deliveries in the ib_rest_outbox table.
type CallOutboxStore struct {
	pool *pgxpool.Pool
}

// NewCallOutboxStore constructs a CallOutboxStore backed by the provided pool.
func NewCallOutboxStore(pool *pgxpool.Pool) *CallOutboxStore {
	return &CallOutboxStore{pool: pool}
}

const callOutboxColumns = `
    id,
    status,
    connector,
    method,
    url,
    body,
    headers,
    idempotency_key,
    correlation_id,
    attempts,
    max_attempts,
    next_attempt_at,
    last_error,
    last_status_code,
    sent_at,
    created_at,
    updated_at`

const (
	callOutboxInsertSQL = `
INSERT INTO ib_rest_outbox (
    status,
    connector,
    method,
    url,
    body,
    headers,
    idempotency_key,
    correlation_id,
    max_attempts,
    next_attempt_at
)
VALUES ('PENDING', $1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb), $6, $7, $8, $9)
RETURNING` + callOutboxColumns + `;
`

	callOutboxClaimSQL = `
UPDATE ib_rest_outbox
SET status = 'SENDING',
    updated_at = NOW()
WHERE id IN (
    SELECT id
    FROM ib_rest_outbox
    WHERE status = 'PENDING'
      AND next_attempt_at <= $1
    ORDER BY next_attempt_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING` + callOutboxColumns + `;
`

	callOutboxMarkSentSQL = `
UPDATE ib_rest_outbox
SET status = 'SENT',
    attempts = attempts + 1,
    last_status_code = $2,
    sent_at = NOW(),
    last_error = NULL,
    updated_at = NOW()
WHERE id = $1;
`

	callOutboxMarkFailedSQL = `
UPDATE ib_rest_outbox
SET attempts = attempts + 1,
    last_error = $2,
    last_status_code = $3,
    next_attempt_at = $4,
    status = CASE WHEN attempts + 1 >= max_attempts THEN 'DEAD' ELSE 'PENDING' END,
    updated_at = NOW()
WHERE id = $1
RETURNING` + callOutboxColumns + `;
`

	callOutboxReplaySQL = `
UPDATE ib_rest_outbox
SET status = 'PENDING',
    attempts = CASE WHEN $2 THEN 0 ELSE attempts END,
    next_attempt_at = NOW(),
    last_error = NULL,
    updated_at = NOW()
WHERE id = $1
  AND status <> 'SENDING'
RETURNING id;
`

	callOutboxGetSQL = `
SELECT` + callOutboxColumns + `
FROM ib_rest_outbox
WHERE id = $1;
`
)

// Enqueue inserts a new REST delivery into the outbox.
func (s *CallOutboxStore) Enqueue(ctx context.Context, call outboxstore.Call) (outboxstore.CallRecord, error) {
	if s.pool == nil {
		return outboxstore.CallRecord{}, fmt.Errorf("rest outbox: nil pool")
	}
	connector := strings.TrimSpace(call.Connector)
	if connector == "" {
		return outboxstore.CallRecord{}, fmt.Errorf("rest outbox: connector required")
	}
	method := strings.ToUpper(strings.TrimSpace(call.Method))
	if method == "" {
		return outboxstore.CallRecord{}, fmt.Errorf("rest outbox: method required")
	}
	target := strings.TrimSpace(call.URL)
	if target == "" {
		return outboxstore.CallRecord{}, fmt.Errorf("rest outbox: url required")
	}
	body, err := encodeBody(call.Body)
	if err != nil {
		return outboxstore.CallRecord{}, fmt.Errorf("rest outbox: %w", err)
	}
	headers, err := encodeHeaders(call.Headers)
	if err != nil {
		return outboxstore.CallRecord{}, fmt.Errorf("rest outbox: %w", err)
	}
	maxAttempts := call.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	availableAt := call.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	row := s.pool.QueryRow(ctx, callOutboxInsertSQL,
		connector, method, target, body, headers, call.IdempotencyKey, call.CorrelationID, maxAttempts, availableAt)
	record, err := scanCallRecord(row)
	if err != nil {
		return outboxstore.CallRecord{}, err
	}
	return record, nil
}

// ClaimDue atomically flips due PENDING records to SENDING and returns them.
func (s *CallOutboxStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]outboxstore.CallRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("rest outbox: nil pool")
	}
	if limit <= 0 {
		limit = defaultOutboxLimit
	} else if limit > maxOutboxLimit {
		limit = maxOutboxLimit
	}
	rows, err := s.pool.Query(ctx, callOutboxClaimSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("rest outbox: claim due: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.CallRecord
	for rows.Next() {
		record, err := scanCallRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rest outbox: iterate claimed: %w", err)
	}
	return records, nil
}

// MarkSent flags a claimed record as delivered with its final status code.
func (s *CallOutboxStore) MarkSent(ctx context.Context, id int64, statusCode int) error {
	if s.pool == nil {
		return fmt.Errorf("rest outbox: nil pool")
	}
	tag, err := s.pool.Exec(ctx, callOutboxMarkSentSQL, id, statusCode)
	if err != nil {
		return fmt.Errorf("rest outbox: mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rest outbox: mark sent %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFailed books a failed attempt and reschedules or kills the record.
func (s *CallOutboxStore) MarkFailed(ctx context.Context, id int64, lastError string, statusCode int, nextAttemptAt time.Time) (outboxstore.CallRecord, error) {
	if s.pool == nil {
		return outboxstore.CallRecord{}, fmt.Errorf("rest outbox: nil pool")
	}
	row := s.pool.QueryRow(ctx, callOutboxMarkFailedSQL, id, strings.TrimSpace(lastError), statusCode, nextAttemptAt)
	record, err := scanCallRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outboxstore.CallRecord{}, fmt.Errorf("rest outbox: mark failed %d: %w", id, ErrNotFound)
		}
		return outboxstore.CallRecord{}, err
	}
	return record, nil
}

// Replay returns a record to PENDING for another delivery round.
func (s *CallOutboxStore) Replay(ctx context.Context, id int64, resetAttempts bool) error {
	if s.pool == nil {
		return fmt.Errorf("rest outbox: nil pool")
	}
	var replayed int64
	err := s.pool.QueryRow(ctx, callOutboxReplaySQL, id, resetAttempts).Scan(&replayed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("rest outbox: replay %d: record not replayable", id)
		}
		return fmt.Errorf("rest outbox: replay: %w", err)
	}
	return nil
}

// Get fetches a single record by identifier.
func (s *CallOutboxStore) Get(ctx context.Context, id int64) (outboxstore.CallRecord, error) {
	if s.pool == nil {
		return outboxstore.CallRecord{}, fmt.Errorf("rest outbox: nil pool")
	}
	row := s.pool.QueryRow(ctx, callOutboxGetSQL, id)
	record, err := scanCallRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outboxstore.CallRecord{}, fmt.Errorf("rest outbox: get %d: %w", id, ErrNotFound)
		}
		return outboxstore.CallRecord{}, err
	}
	return record, nil
}

// List returns records matching the query, newest first.
func (s *CallOutboxStore) List(ctx context.Context, query outboxstore.Query) ([]outboxstore.CallRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("rest outbox: nil pool")
	}
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("SELECT" + callOutboxColumns + "\nFROM ib_rest_outbox\nWHERE 1=1")
	if query.Status != "" {
		args = append(args, string(query.Status))
		fmt.Fprintf(&sb, "\n  AND status = $%d", len(args))
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultOutboxLimit
	} else if limit > maxOutboxLimit {
		limit = maxOutboxLimit
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, "\nORDER BY created_at DESC\nLIMIT $%d", len(args))
	if query.Offset > 0 {
		args = append(args, query.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("rest outbox: list: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.CallRecord
	for rows.Next() {
		record, err := scanCallRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rest outbox: iterate: %w", err)
	}
	return records, nil
}

func scanCallRecord(row rowScanner) (outboxstore.CallRecord, error) {
	var (
		record      outboxstore.CallRecord
		status      string
		body        []byte
		headersJSON []byte
		idemKey     pgtype.Text
		correlation pgtype.Text
		lastError   pgtype.Text
		statusCode  pgtype.Int4
		sentAt      pgtype.Timestamptz
	)
	if err := row.Scan(
		&record.ID,
		&status,
		&record.Connector,
		&record.Method,
		&record.URL,
		&body,
		&headersJSON,
		&idemKey,
		&correlation,
		&record.Attempts,
		&record.MaxAttempts,
		&record.NextAttemptAt,
		&lastError,
		&statusCode,
		&sentAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outboxstore.CallRecord{}, err
		}
		return outboxstore.CallRecord{}, fmt.Errorf("rest outbox: scan record: %w", err)
	}
	record.Status = outboxstore.Status(status)
	record.Body = body
	headers, err := decodeHeaders(headersJSON)
	if err != nil {
		return outboxstore.CallRecord{}, fmt.Errorf("rest outbox: %w", err)
	}
	record.Headers = headers
	record.IdempotencyKey = idemKey.String
	record.CorrelationID = correlation.String
	record.LastError = lastError.String
	record.LastStatusCode = int(statusCode.Int32)
	if sentAt.Valid {
		t := sentAt.Time
		record.SentAt = &t
	}
	return record, nil
}

var _ outboxstore.CallStore = (*CallOutboxStore)(nil)
