package dcb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func toPgxIsoLevel(level IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case IsolationLevelRepeatableRead:
		return pgx.RepeatableRead
	case IsolationLevelSerializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

// ExecuteInTransaction opens a transaction and hands fn a handle scoped to
// it, committing on a nil return and rolling back otherwise. A handle that
// is already transaction-scoped (es.tx != nil) passes itself straight
// through instead of nesting a second transaction — Postgres has no true
// nested transactions, and a command handler calling out to another
// operation must observe its own uncommitted writes.
func (es *eventStore) ExecuteInTransaction(ctx context.Context, fn func(EventStore) error) error {
	if es.tx != nil {
		return fn(es)
	}

	tx, err := es.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: toPgxIsoLevel(es.config.TransactionIsolation)})
	if err != nil {
		return &ResourceError{EventStoreError: EventStoreError{Op: "ExecuteInTransaction", Err: fmt.Errorf("begin transaction: %w", err)}, Resource: "database"}
	}

	scoped := &eventStore{pool: es.pool, conn: tx, tx: tx, config: es.config, clock: es.clock, log: es.log}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			es.log.WithError(rbErr).Warn("rollback failed after handler error")
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &ResourceError{EventStoreError: EventStoreError{Op: "ExecuteInTransaction", Err: fmt.Errorf("commit transaction: %w", err)}, Resource: "database"}
	}
	return nil
}
