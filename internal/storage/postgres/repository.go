package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository groups the engine's tables for one partition and instance.
type Repository struct {
	pool      *pgxpool.Pool
	tx        pgx.Tx
	partition string
	instance  string
}

// NewRepository creates a PostgreSQL-backed repository
func NewRepository(pool *pgxpool.Pool, partition, instance string) (*Repository, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres repository: pool is nil")
	}
	if partition == "" {
		return nil, fmt.Errorf("postgres repository: partition is empty")
	}
	return &Repository{pool: pool, partition: partition, instance: instance}, nil
}

func (r *Repository) queryer() queryer {
	if r.tx != nil {
		return r.tx
	}
	return r.pool
}

// EventLog returns the ordered log for the repository's partition.
func (r *Repository) EventLog() *EventLog {
	return &EventLog{db: r.queryer(), partition: r.partition, instance: r.instance, properties: r.Properties()}
}

// Properties returns the named-property store.
func (r *Repository) Properties() *Properties {
	return &Properties{db: r.queryer()}
}

// History returns the history table.
func (r *Repository) History() *History {
	return &History{db: r.queryer()}
}

// Items returns the item projection for the repository's partition.
func (r *Repository) Items() *Items {
	return &Items{db: r.queryer(), partition: r.partition}
}

// WithTx runs fn with a repository bound to a single transaction. Nested
// calls reuse the outer transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, *Repository) error) error {
	if r.tx != nil {
		return fn(ctx, r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	wrapped := &Repository{pool: r.pool, tx: tx, partition: r.partition, instance: r.instance}
	if err := fn(ctx, wrapped); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
