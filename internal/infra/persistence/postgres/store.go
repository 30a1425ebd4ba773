package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aritmos/ibroker/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed broker repositories sharing one pool.
type Store struct {
	*persistence.Store

	Idempotency *IdempotencyStore
	DLQ         *DLQStore
	Messages    *MessageOutboxStore
	Calls       *CallOutboxStore
}

// New constructs a PostgreSQL persistence store with all broker repositories.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:       persistence.NewStore(pool),
		Idempotency: NewIdempotencyStore(pool),
		DLQ:         NewDLQStore(pool),
		Messages:    NewMessageOutboxStore(pool),
		Calls:       NewCallOutboxStore(pool),
	}
}
