package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aritmos/ibroker/internal/domain/dlqstore"
)

// DLQStore persists parked envelopes in the ib_inbound_dlq table.
type DLQStore struct {
	pool *pgxpool.Pool
}

// NewDLQStore constructs a DLQStore backed by the provided pool.
func NewDLQStore(pool *pgxpool.Pool) *DLQStore {
	return &DLQStore{pool: pool}
}

const (
	defaultDlqLimit = 128
	maxDlqLimit     = 1024

	minDlqMaxAttempts = 1
	maxDlqMaxAttempts = 100
)

const dlqColumns = `
    id,
    status,
    kind,
    type,
    source,
    branch_id,
    message_id,
    correlation_id,
    idempotency_key,
    error_code,
    error_message,
    headers,
    payload,
    attempts,
    max_attempts,
    replay_result,
    replayed_at,
    created_at,
    updated_at`

const (
	dlqInsertSQL = `
INSERT INTO ib_inbound_dlq (
    status,
    kind,
    type,
    source,
    branch_id,
    message_id,
    correlation_id,
    idempotency_key,
    error_code,
    error_message,
    headers,
    payload,
    attempts,
    max_attempts
)
VALUES ('PENDING', $1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10::jsonb, '{}'::jsonb), $11, $12, $13)
RETURNING id;
`

	dlqGetSQL = `
SELECT` + dlqColumns + `
FROM ib_inbound_dlq
WHERE id = $1;
`

	dlqMarkReplayedSQL = `
UPDATE ib_inbound_dlq
SET status = 'REPLAYED',
    replay_result = $2,
    replayed_at = NOW(),
    updated_at = NOW()
WHERE id = $1;
`

	dlqRecordFailureSQL = `
UPDATE ib_inbound_dlq
SET attempts = attempts + 1,
    error_code = $2,
    error_message = $3,
    status = CASE WHEN attempts + 1 >= max_attempts THEN 'DEAD' ELSE status END,
    updated_at = NOW()
WHERE id = $1
RETURNING` + dlqColumns + `;
`
)

// Put parks an entry and returns the new record identifier.
// Callers sanitize headers and error text before this point; the payload is
// stored exactly as received to keep replays faithful.
func (s *DLQStore) Put(ctx context.Context, entry dlqstore.Entry) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("dlq store: nil pool")
	}
	if strings.TrimSpace(entry.Type) == "" {
		return 0, fmt.Errorf("dlq store: type required")
	}
	headers, err := encodeHeaders(entry.Headers)
	if err != nil {
		return 0, fmt.Errorf("dlq store: %w", err)
	}
	payload, err := encodeBody(entry.Payload)
	if err != nil {
		return 0, fmt.Errorf("dlq store: %w", err)
	}
	attempts := entry.Attempts
	if attempts < 0 {
		attempts = 0
	}
	maxAttempts := entry.MaxAttempts
	if maxAttempts < minDlqMaxAttempts {
		maxAttempts = minDlqMaxAttempts
	} else if maxAttempts > maxDlqMaxAttempts {
		maxAttempts = maxDlqMaxAttempts
	}

	var id int64
	err = s.pool.QueryRow(ctx, dlqInsertSQL,
		entry.Kind,
		entry.Type,
		entry.Source,
		entry.BranchID,
		entry.MessageID,
		entry.CorrelationID,
		entry.IdempotencyKey,
		entry.ErrorCode,
		entry.ErrorMessage,
		headers,
		payload,
		attempts,
		maxAttempts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("dlq store: put: %w", err)
	}
	return id, nil
}

// Get fetches a single record by identifier.
func (s *DLQStore) Get(ctx context.Context, id int64) (dlqstore.Record, error) {
	if s.pool == nil {
		return dlqstore.Record{}, fmt.Errorf("dlq store: nil pool")
	}
	row := s.pool.QueryRow(ctx, dlqGetSQL, id)
	record, err := scanDlqRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dlqstore.Record{}, fmt.Errorf("dlq store: get %d: %w", id, ErrNotFound)
		}
		return dlqstore.Record{}, err
	}
	return record, nil
}

// List returns records matching the query, newest first.
func (s *DLQStore) List(ctx context.Context, query dlqstore.Query) ([]dlqstore.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("dlq store: nil pool")
	}
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("SELECT" + dlqColumns + "\nFROM ib_inbound_dlq\nWHERE 1=1")
	if query.Status != "" {
		args = append(args, string(query.Status))
		fmt.Fprintf(&sb, "\n  AND status = $%d", len(args))
	}
	if query.Type != "" {
		args = append(args, query.Type)
		fmt.Fprintf(&sb, "\n  AND type = $%d", len(args))
	}
	if query.Source != "" {
		args = append(args, query.Source)
		fmt.Fprintf(&sb, "\n  AND source = $%d", len(args))
	}
	if query.BranchID != "" {
		args = append(args, query.BranchID)
		fmt.Fprintf(&sb, "\n  AND branch_id = $%d", len(args))
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultDlqLimit
	} else if limit > maxDlqLimit {
		limit = maxDlqLimit
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, "\nORDER BY created_at DESC\nLIMIT $%d", len(args))
	if query.Offset > 0 {
		args = append(args, query.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("dlq store: list: %w", err)
	}
	defer rows.Close()

	var records []dlqstore.Record
	for rows.Next() {
		record, err := scanDlqRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dlq store: iterate: %w", err)
	}
	return records, nil
}

// MarkReplayed flips a record to REPLAYED and retains the replay output.
func (s *DLQStore) MarkReplayed(ctx context.Context, id int64, result json.RawMessage) error {
	if s.pool == nil {
		return fmt.Errorf("dlq store: nil pool")
	}
	body, err := encodeBody(result)
	if err != nil {
		return fmt.Errorf("dlq store: %w", err)
	}
	tag, err := s.pool.Exec(ctx, dlqMarkReplayedSQL, id, body)
	if err != nil {
		return fmt.Errorf("dlq store: mark replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dlq store: mark replayed %d: %w", id, ErrNotFound)
	}
	return nil
}

// RecordFailure books a failed replay attempt and returns the updated record.
func (s *DLQStore) RecordFailure(ctx context.Context, id int64, errorCode, errorMessage string) (dlqstore.Record, error) {
	if s.pool == nil {
		return dlqstore.Record{}, fmt.Errorf("dlq store: nil pool")
	}
	row := s.pool.QueryRow(ctx, dlqRecordFailureSQL, id, errorCode, errorMessage)
	record, err := scanDlqRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dlqstore.Record{}, fmt.Errorf("dlq store: record failure %d: %w", id, ErrNotFound)
		}
		return dlqstore.Record{}, err
	}
	return record, nil
}

func scanDlqRecord(row rowScanner) (dlqstore.Record, error) {
	var (
		record       dlqstore.Record
		status       string
		kind         pgtype.Text
		source       pgtype.Text
		branchID     pgtype.Text
		messageID    pgtype.Text
		correlation  pgtype.Text
		idemKey      pgtype.Text
		errorCode    pgtype.Text
		errorMessage pgtype.Text
		headersJSON  []byte
		payload      []byte
		replayResult []byte
		replayedAt   pgtype.Timestamptz
	)
	if err := row.Scan(
		&record.ID,
		&status,
		&kind,
		&record.Type,
		&source,
		&branchID,
		&messageID,
		&correlation,
		&idemKey,
		&errorCode,
		&errorMessage,
		&headersJSON,
		&payload,
		&record.Attempts,
		&record.MaxAttempts,
		&replayResult,
		&replayedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dlqstore.Record{}, err
		}
		return dlqstore.Record{}, fmt.Errorf("dlq store: scan record: %w", err)
	}
	record.Status = dlqstore.Status(status)
	record.Kind = kind.String
	record.Source = source.String
	record.BranchID = branchID.String
	record.MessageID = messageID.String
	record.CorrelationID = correlation.String
	record.IdempotencyKey = idemKey.String
	record.ErrorCode = errorCode.String
	record.ErrorMessage = errorMessage.String
	headers, err := decodeHeaders(headersJSON)
	if err != nil {
		return dlqstore.Record{}, fmt.Errorf("dlq store: %w", err)
	}
	record.Headers = headers
	record.Payload = payload
	record.ReplayResult = replayResult
	if replayedAt.Valid {
		t := replayedAt.Time
		record.ReplayedAt = &t
	}
	return record, nil
}

var _ dlqstore.Store = (*DLQStore)(nil)
