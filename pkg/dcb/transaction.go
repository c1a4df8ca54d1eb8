package dcb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InTransaction runs fn against a store view bound to a single database
// transaction on the primary. Appends, queries and projections issued
// through that view all share the transaction: they see its own writes and
// commit or roll back together. fn returning an error rolls everything
// back and the error is returned unchanged.
func (es *eventStore) InTransaction(ctx context.Context, fn func(ctx context.Context, store EventStore) error) error {
	txCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	tx, err := es.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: toPgxIsoLevel(es.config.DefaultAppendIsolation)})
	if err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{Op: "inTransaction", Err: fmt.Errorf("failed to begin transaction: %w", err)},
			Resource:        "database",
		}
	}
	defer tx.Rollback(txCtx)

	txStore := &txEventStore{es: es, tx: tx}
	if err := fn(txCtx, txStore); err != nil {
		return err
	}

	if err := tx.Commit(txCtx); err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{Op: "inTransaction", Err: fmt.Errorf("failed to commit transaction: %w", err)},
			Resource:        "database",
		}
	}
	return nil
}

// txEventStore is the store view handed to InTransaction callbacks. All
// operations run on the enclosed transaction; commit and rollback belong to
// the enclosing InTransaction.
type txEventStore struct {
	es *eventStore
	tx pgx.Tx
}

func (t *txEventStore) Append(ctx context.Context, events []InputEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := t.es.validateBatchSize(events, "append"); err != nil {
		return err
	}
	if err := validateEvents(events); err != nil {
		return err
	}
	_, err := t.es.appendInTx(ctx, t.tx, events, nil)
	return err
}

func (t *txEventStore) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (uint64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if err := t.es.validateBatchSize(events, "appendIf"); err != nil {
		return 0, err
	}
	if err := validateEvents(events); err != nil {
		return 0, err
	}
	if condition == nil {
		condition = NewAppendCondition(nil)
	}
	if err := validateCondition(condition); err != nil {
		return 0, err
	}
	return t.es.appendInTx(ctx, t.tx, events, condition)
}

func (t *txEventStore) Query(ctx context.Context, q Query, after *Cursor) ([]Event, error) {
	if err := validateQueryTags(q); err != nil {
		return nil, err
	}
	return queryEvents(ctx, t.tx, q, after, nil)
}

// QueryStream inside a transaction materialises the result first: the
// transaction owns a single connection, so the scan must finish before the
// caller can issue further statements.
func (t *txEventStore) QueryStream(ctx context.Context, q Query, after *Cursor) (<-chan Event, error) {
	events, err := t.Query(ctx, q, after)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, len(events))
	for _, e := range events {
		out <- e
	}
	close(out)
	return out, nil
}

func (t *txEventStore) Project(ctx context.Context, projectors []StateProjector, after *Cursor) (map[string]any, AppendCondition, error) {
	if err := validateProjectors(projectors); err != nil {
		return nil, nil, err
	}
	return projectEvents(ctx, t.tx, projectors, after)
}

// ProjectStream inside a transaction materialises the result first, for the
// same reason as QueryStream.
func (t *txEventStore) ProjectStream(ctx context.Context, projectors []StateProjector, after *Cursor) (<-chan map[string]any, <-chan AppendCondition, error) {
	states, condition, err := t.Project(ctx, projectors, after)
	if err != nil {
		return nil, nil, err
	}

	statesChan := make(chan map[string]any, 1)
	conditionChan := make(chan AppendCondition, 1)
	statesChan <- states
	close(statesChan)
	conditionChan <- condition
	close(conditionChan)
	return statesChan, conditionChan, nil
}

// InTransaction on a transactional view reuses the already-open
// transaction: nested blocks flatten instead of nesting.
func (t *txEventStore) InTransaction(ctx context.Context, fn func(ctx context.Context, store EventStore) error) error {
	return fn(ctx, t)
}

func (t *txEventStore) GetConfig() EventStoreConfig { return t.es.config }

func (t *txEventStore) GetPool() *pgxpool.Pool { return t.es.pool }
