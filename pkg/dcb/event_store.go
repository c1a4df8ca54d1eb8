package dcb

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx query execution shared by pools and
// transactions, so read paths can run against either.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type eventStore struct {
	pool     *pgxpool.Pool
	readPool *pgxpool.Pool
	config   EventStoreConfig
}

func newEventStore(pool, readPool *pgxpool.Pool, config EventStoreConfig) *eventStore {
	return &eventStore{pool: pool, readPool: readPool, config: config}
}

func (es *eventStore) GetConfig() EventStoreConfig { return es.config }

func (es *eventStore) GetPool() *pgxpool.Pool { return es.pool }

// reader returns the pool used for reads: the replica when configured,
// otherwise the primary.
func (es *eventStore) reader() querier {
	if es.readPool != nil {
		return es.readPool
	}
	return es.pool
}

// withTimeout returns a context bounded by the caller's deadline when one is
// set, falling back to the given default otherwise.
func (es *eventStore) withTimeout(ctx context.Context, defaultTimeoutMs int) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(context.Background(), deadline)
	}
	return context.WithTimeout(context.Background(), time.Duration(defaultTimeoutMs)*time.Millisecond)
}

func toPgxIsoLevel(level IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case RepeatableRead:
		return pgx.RepeatableRead
	case Serializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}
