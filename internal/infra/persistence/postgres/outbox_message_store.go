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

// MessageOutboxStore persists bus publications in the ib_messaging_outbox table.
type MessageOutboxStore struct {
	pool *pgxpool.Pool
}

// NewMessageOutboxStore constructs a MessageOutboxStore backed by the provided pool.
func NewMessageOutboxStore(pool *pgxpool.Pool) *MessageOutboxStore {
	return &MessageOutboxStore{pool: pool}
}

const (
	defaultOutboxLimit = 128
	maxOutboxLimit     = 1024
)

const msgOutboxColumns = `
    id,
    status,
    provider,
    destination,
    key,
    payload,
    headers,
    correlation_id,
    attempts,
    max_attempts,
    next_attempt_at,
    last_error,
    sent_at,
    created_at,
    updated_at`

const (
	msgOutboxInsertSQL = `
INSERT INTO ib_messaging_outbox (
    status,
    provider,
    destination,
    key,
    payload,
    headers,
    correlation_id,
    max_attempts,
    next_attempt_at
)
VALUES ('PENDING', $1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb), $6, $7, $8)
RETURNING` + msgOutboxColumns + `;
`

	// SKIP LOCKED keeps concurrent dispatcher instances from claiming the
	// same rows.
	msgOutboxClaimSQL = `
UPDATE ib_messaging_outbox
SET status = 'SENDING',
    updated_at = NOW()
WHERE id IN (
    SELECT id
    FROM ib_messaging_outbox
    WHERE status = 'PENDING'
      AND next_attempt_at <= $1
    ORDER BY next_attempt_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING` + msgOutboxColumns + `;
`

	msgOutboxMarkSentSQL = `
UPDATE ib_messaging_outbox
SET status = 'SENT',
    attempts = attempts + 1,
    sent_at = NOW(),
    last_error = NULL,
    updated_at = NOW()
WHERE id = $1;
`

	msgOutboxMarkFailedSQL = `
UPDATE ib_messaging_outbox
SET attempts = attempts + 1,
    last_error = $2,
    next_attempt_at = $3,
    status = CASE WHEN attempts + 1 >= max_attempts THEN 'DEAD' ELSE 'PENDING' END,
    updated_at = NOW()
WHERE id = $1
RETURNING` + msgOutboxColumns + `;
`

	msgOutboxReplaySQL = `
UPDATE ib_messaging_outbox
SET status = 'PENDING',
    attempts = CASE WHEN $2 THEN 0 ELSE attempts END,
    next_attempt_at = NOW(),
    last_error = NULL,
    updated_at = NOW()
WHERE id = $1
  AND status <> 'SENDING'
RETURNING id;
`

	msgOutboxGetSQL = `
SELECT` + msgOutboxColumns + `
FROM ib_messaging_outbox
WHERE id = $1;
`
)

// Enqueue inserts a new publication into the outbox.
func (s *MessageOutboxStore) Enqueue(ctx context.Context, msg outboxstore.Message) (outboxstore.MessageRecord, error) {
	if s.pool == nil {
		return outboxstore.MessageRecord{}, fmt.Errorf("message outbox: nil pool")
	}
	provider := strings.TrimSpace(msg.Provider)
	if provider == "" {
		return outboxstore.MessageRecord{}, fmt.Errorf("message outbox: provider required")
	}
	destination := strings.TrimSpace(msg.Destination)
	if destination == "" {
		return outboxstore.MessageRecord{}, fmt.Errorf("message outbox: destination required")
	}
	payload, err := encodeBody(msg.Payload)
	if err != nil {
		return outboxstore.MessageRecord{}, fmt.Errorf("message outbox: %w", err)
	}
	headers, err := encodeHeaders(msg.Headers)
	if err != nil {
		return outboxstore.MessageRecord{}, fmt.Errorf("message outbox: %w", err)
	}
	maxAttempts := msg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	availableAt := msg.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	row := s.pool.QueryRow(ctx, msgOutboxInsertSQL,
		provider, destination, msg.Key, payload, headers, msg.CorrelationID, maxAttempts, availableAt)
	record, err := scanMessageRecord(row)
	if err != nil {
		return outboxstore.MessageRecord{}, err
	}
	return record, nil
}

// ClaimDue atomically flips due PENDING records to SENDING and returns them.
func (s *MessageOutboxStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]outboxstore.MessageRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("message outbox: nil pool")
	}
	if limit <= 0 {
		limit = defaultOutboxLimit
	} else if limit > maxOutboxLimit {
		limit = maxOutboxLimit
	}
	rows, err := s.pool.Query(ctx, msgOutboxClaimSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("message outbox: claim due: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.MessageRecord
	for rows.Next() {
		record, err := scanMessageRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message outbox: iterate claimed: %w", err)
	}
	return records, nil
}

// MarkSent flags a claimed record as delivered.
func (s *MessageOutboxStore) MarkSent(ctx context.Context, id int64) error {
	if s.pool == nil {
		return fmt.Errorf("message outbox: nil pool")
	}
	tag, err := s.pool.Exec(ctx, msgOutboxMarkSentSQL, id)
	if err != nil {
		return fmt.Errorf("message outbox: mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message outbox: mark sent %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFailed books a failed attempt and reschedules or kills the record.
func (s *MessageOutboxStore) MarkFailed(ctx context.Context, id int64, lastError string, nextAttemptAt time.Time) (outboxstore.MessageRecord, error) {
	if s.pool == nil {
		return outboxstore.MessageRecord{}, fmt.Errorf("message outbox: nil pool")
	}
	row := s.pool.QueryRow(ctx, msgOutboxMarkFailedSQL, id, strings.TrimSpace(lastError), nextAttemptAt)
	record, err := scanMessageRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outboxstore.MessageRecord{}, fmt.Errorf("message outbox: mark failed %d: %w", id, ErrNotFound)
		}
		return outboxstore.MessageRecord{}, err
	}
	return record, nil
}

// Replay returns a record to PENDING for another delivery round.
func (s *MessageOutboxStore) Replay(ctx context.Context, id int64, resetAttempts bool) error {
	if s.pool == nil {
		return fmt.Errorf("message outbox: nil pool")
	}
	var replayed int64
	err := s.pool.QueryRow(ctx, msgOutboxReplaySQL, id, resetAttempts).Scan(&replayed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("message outbox: replay %d: record not replayable", id)
		}
		return fmt.Errorf("message outbox: replay: %w", err)
	}
	return nil
}

// Get fetches a single record by identifier.
func (s *MessageOutboxStore) Get(ctx context.Context, id int64) (outboxstore.MessageRecord, error) {
	if s.pool == nil {
		return outboxstore.MessageRecord{}, fmt.Errorf("message outbox: nil pool")
	}
	row := s.pool.QueryRow(ctx, msgOutboxGetSQL, id)
	record, err := scanMessageRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outboxstore.MessageRecord{}, fmt.Errorf("message outbox: get %d: %w", id, ErrNotFound)
		}
		return outboxstore.MessageRecord{}, err
	}
	return record, nil
}

// List returns records matching the query, newest first.
func (s *MessageOutboxStore) List(ctx context.Context, query outboxstore.Query) ([]outboxstore.MessageRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("message outbox: nil pool")
	}
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("SELECT" + msgOutboxColumns + "\nFROM ib_messaging_outbox\nWHERE 1=1")
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
		return nil, fmt.Errorf("message outbox: list: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.MessageRecord
	for rows.Next() {
		record, err := scanMessageRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message outbox: iterate: %w", err)
	}
	return records, nil
}

func scanMessageRecord(row rowScanner) (outboxstore.MessageRecord, error) {
	var (
		record      outboxstore.MessageRecord
		status      string
		key         pgtype.Text
		payload     []byte
		headersJSON []byte
		correlation pgtype.Text
		lastError   pgtype.Text
		sentAt      pgtype.Timestamptz
	)
	if err := row.Scan(
		&record.ID,
		&status,
		&record.Provider,
		&record.Destination,
		&key,
		&payload,
		&headersJSON,
		&correlation,
		&record.Attempts,
		&record.MaxAttempts,
		&record.NextAttemptAt,
		&lastError,
		&sentAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outboxstore.MessageRecord{}, err
		}
		return outboxstore.MessageRecord{}, fmt.Errorf("message outbox: scan record: %w", err)
	}
	record.Status = outboxstore.Status(status)
	record.Key = key.String
	record.Payload = payload
	headers, err := decodeHeaders(headersJSON)
	if err != nil {
		return outboxstore.MessageRecord{}, fmt.Errorf("message outbox: %w", err)
	}
	record.Headers = headers
	record.CorrelationID = correlation.String
	record.LastError = lastError.String
	if sentAt.Valid {
		t := sentAt.Time
		record.SentAt = &t
	}
	return record, nil
}

var _ outboxstore.MessageStore = (*MessageOutboxStore)(nil)
