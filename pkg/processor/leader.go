package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// lockKeyPrefix namespaces the advisory lock keys this module hashes, so
// they cannot collide with application locks taken through the command
// pipeline.
const lockKeyPrefix = "tidemark/"

// leaderElector competes for advisory locks on one dedicated session per
// manager instance. Advisory locks are session-scoped and reentrant within
// a session, so routing every acquisition through the same connection lets
// all schedulers of a GLOBAL processor share the processor lock, while a
// dying instance frees everything it held the moment the session drops.
type leaderElector struct {
	pool *pgxpool.Pool
	log  zerolog.Logger

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func newLeaderElector(pool *pgxpool.Pool, log zerolog.Logger) *leaderElector {
	return &leaderElector{pool: pool, log: log}
}

// tryAcquire attempts pg_try_advisory_lock for key. False without error
// means another session holds it. A connection failure drops the election
// session entirely; every lock it held is then free server-side.
func (e *leaderElector) tryAcquire(ctx context.Context, key string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		conn, err := e.pool.Acquire(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to acquire election connection: %w", err)
		}
		e.conn = conn
	}

	var acquired bool
	if err := e.conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).Scan(&acquired); err != nil {
		e.dropConnLocked()
		return false, fmt.Errorf("failed to try advisory lock %q: %w", key, err)
	}
	return acquired, nil
}

// release gives up one acquisition of key. Within a session the lock is
// counted, so with a GLOBAL strategy the processor lock stays held until
// the last scheduler releases it.
func (e *leaderElector) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var released bool
	if err := e.conn.QueryRow(ctx, "SELECT pg_advisory_unlock(hashtext($1))", key).Scan(&released); err != nil {
		e.log.Debug().Err(err).Str("lock_key", key).Msg("advisory unlock failed; dropping election connection")
		e.dropConnLocked()
		return
	}
	if !released {
		e.log.Debug().Str("lock_key", key).Msg("advisory unlock had nothing to release")
	}
}

// close tears down the election session, freeing every advisory lock this
// instance holds. Called on manager shutdown.
func (e *leaderElector) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropConnLocked()
}

func (e *leaderElector) dropConnLocked() {
	if e.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Hijack detaches the connection from the pool so Close really ends the
	// session instead of parking it for reuse with locks still held.
	_ = e.conn.Hijack().Close(ctx)
	e.conn = nil
}

// lockKey derives the advisory lock key for a subscription under the given
// strategy: one key per processor (GLOBAL) or one per subscription.
func lockKey(strategy LockStrategy, processor, subscriptionKey string) string {
	if strategy == LockPerSubscription {
		return lockKeyPrefix + processor + "/" + subscriptionKey
	}
	return lockKeyPrefix + processor
}
