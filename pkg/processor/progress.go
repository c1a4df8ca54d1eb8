package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-tidemark/pkg/dcb"
)

// Status is the lifecycle state of a subscription's progress row.
type Status string

const (
	// StatusActive means the subscription is processed normally.
	StatusActive Status = "ACTIVE"
	// StatusPaused means an operator parked the subscription; the scheduler
	// skips it until it is resumed.
	StatusPaused Status = "PAUSED"
	// StatusFailed means the subscription exceeded its error budget. A
	// halting subscription stays parked until reset or resumed; a backing-off
	// one keeps retrying and recovers on the next success.
	StatusFailed Status = "FAILED"
)

// Progress is one subscription's durable position in the event log, plus its
// operational state. It is the only mutable state shared between instances.
type Progress struct {
	Processor       string     `json:"processor"`
	SubscriptionKey string     `json:"subscription_key"`
	Cursor          dcb.Cursor `json:"cursor"`
	Status          Status     `json:"status"`
	ErrorCount      int        `json:"error_count"`
	LastError       string     `json:"last_error,omitempty"`
	LeaderInstance  string     `json:"leader_instance,omitempty"`
	LeaderSince     *time.Time `json:"leader_since,omitempty"`
	LeaderHeartbeat *time.Time `json:"leader_heartbeat,omitempty"`
	LastUpdatedAt   time.Time  `json:"last_updated_at"`
}

// StatusReport is the compact management view of a subscription: its status
// and how far behind the head of the event log it is.
type StatusReport struct {
	Status Status `json:"status"`
	Lag    int64  `json:"lag"`
}

// ErrSubscriptionNotFound is returned by management operations addressing a
// subscription that has no progress row yet. Reset auto-creates instead.
var ErrSubscriptionNotFound = errors.New("subscription progress not found")

const (
	ensureProgressSQL = `
INSERT INTO processor_progress (processor, subscription_key)
VALUES ($1, $2)
ON CONFLICT (processor, subscription_key) DO NOTHING`

	progressColumns = `processor, subscription_key, last_position, last_transaction_id,
       status, error_count, last_error,
       leader_instance, leader_since, leader_heartbeat, last_updated_at`

	selectProgressSQL = `
SELECT ` + progressColumns + `
FROM processor_progress
WHERE processor = $1 AND subscription_key = $2`

	listProgressSQL = `
SELECT ` + progressColumns + `
FROM processor_progress
WHERE processor = $1
ORDER BY subscription_key`

	claimLeaderSQL = `
UPDATE processor_progress
SET leader_instance = $3, leader_since = now(), leader_heartbeat = now(),
    last_updated_at = now()
WHERE processor = $1 AND subscription_key = $2`

	advanceProgressSQL = `
UPDATE processor_progress
SET last_position = $6, last_transaction_id = $7,
    error_count = 0, last_error = NULL,
    status = CASE WHEN status = 'FAILED' THEN 'ACTIVE' ELSE status END,
    leader_heartbeat = now(), last_updated_at = now()
WHERE processor = $1 AND subscription_key = $2 AND leader_instance = $3
  AND last_position = $4 AND last_transaction_id = $5`

	heartbeatProgressSQL = `
UPDATE processor_progress
SET leader_heartbeat = now(), last_updated_at = now()
WHERE processor = $1 AND subscription_key = $2 AND leader_instance = $3`

	recordErrorSQL = `
UPDATE processor_progress
SET error_count = error_count + 1, last_error = $4, last_updated_at = now()
WHERE processor = $1 AND subscription_key = $2 AND leader_instance = $3
RETURNING error_count`

	markFailedSQL = `
UPDATE processor_progress
SET status = 'FAILED', last_updated_at = now()
WHERE processor = $1 AND subscription_key = $2 AND leader_instance = $3`

	pauseProgressSQL = `
UPDATE processor_progress
SET status = 'PAUSED', last_updated_at = now()
WHERE processor = $1 AND subscription_key = $2`

	resumeProgressSQL = `
UPDATE processor_progress
SET status = 'ACTIVE', error_count = 0, last_error = NULL, last_updated_at = now()
WHERE processor = $1 AND subscription_key = $2`

	resetProgressSQL = `
UPDATE processor_progress
SET last_position = 0, last_transaction_id = '0', error_count = 0,
    last_error = NULL, status = 'ACTIVE', last_updated_at = now()
WHERE processor = $1 AND subscription_key = $2`

	maxPositionSQL = `SELECT COALESCE(MAX(position), 0) FROM events`
)

// progressStore persists subscription progress. Every mutation that a
// scheduler performs carries the leader instance in its WHERE clause, so a
// deposed leader's writes silently affect zero rows and the scheduler steps
// down instead of clobbering the new leader's progress.
type progressStore struct {
	pool *pgxpool.Pool
}

func newProgressStore(pool *pgxpool.Pool) *progressStore {
	return &progressStore{pool: pool}
}

// ensure auto-registers the subscription at cursor zero. Idempotent.
func (s *progressStore) ensure(ctx context.Context, processor, key string) error {
	if _, err := s.pool.Exec(ctx, ensureProgressSQL, processor, key); err != nil {
		return fmt.Errorf("failed to register progress for %s/%s: %w", processor, key, err)
	}
	return nil
}

func (s *progressStore) get(ctx context.Context, processor, key string) (Progress, error) {
	p, err := scanProgress(s.pool.QueryRow(ctx, selectProgressSQL, processor, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Progress{}, fmt.Errorf("%s/%s: %w", processor, key, ErrSubscriptionNotFound)
		}
		return Progress{}, fmt.Errorf("failed to read progress for %s/%s: %w", processor, key, err)
	}
	return p, nil
}

func (s *progressStore) list(ctx context.Context, processor string) ([]Progress, error) {
	rows, err := s.pool.Query(ctx, listProgressSQL, processor)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress for %s: %w", processor, err)
	}
	defer rows.Close()

	var out []Progress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list progress for %s: %w", processor, err)
	}
	return out, nil
}

// claimLeader stamps the row with the instance that just won the advisory
// lock. The lock is the source of truth; the column feeds the write guards
// and the management surface.
func (s *progressStore) claimLeader(ctx context.Context, processor, key, instance string) error {
	if _, err := s.pool.Exec(ctx, claimLeaderSQL, processor, key, instance); err != nil {
		return fmt.Errorf("failed to claim leadership of %s/%s: %w", processor, key, err)
	}
	return nil
}

// advance moves the cursor from its expected value, clearing the error state
// and reviving a FAILED row. It reports false without error when the row was
// claimed by another leader or moved underneath us (e.g. an operator reset);
// the caller re-reads and re-elects rather than overwriting.
func (s *progressStore) advance(ctx context.Context, processor, key, instance string, from, to dcb.Cursor) (bool, error) {
	tag, err := s.pool.Exec(ctx, advanceProgressSQL,
		processor, key, instance, from.Position, from.TransactionID, to.Position, to.TransactionID)
	if err != nil {
		return false, fmt.Errorf("failed to advance progress for %s/%s: %w", processor, key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// heartbeat refreshes leader_heartbeat; false means the row is no longer
// ours.
func (s *progressStore) heartbeat(ctx context.Context, processor, key, instance string) (bool, error) {
	tag, err := s.pool.Exec(ctx, heartbeatProgressSQL, processor, key, instance)
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat %s/%s: %w", processor, key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// recordError increments the consecutive error count and stores the message.
// Returns the new count; owned=false means the row is no longer ours.
func (s *progressStore) recordError(ctx context.Context, processor, key, instance, message string) (count int, owned bool, err error) {
	err = s.pool.QueryRow(ctx, recordErrorSQL, processor, key, instance, message).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to record error for %s/%s: %w", processor, key, err)
	}
	return count, true, nil
}

// markFailed flips the row to FAILED, keeping the error count.
func (s *progressStore) markFailed(ctx context.Context, processor, key, instance string) (bool, error) {
	tag, err := s.pool.Exec(ctx, markFailedSQL, processor, key, instance)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s/%s failed: %w", processor, key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// pause parks the subscription without touching its error state.
func (s *progressStore) pause(ctx context.Context, processor, key string) error {
	tag, err := s.pool.Exec(ctx, pauseProgressSQL, processor, key)
	if err != nil {
		return fmt.Errorf("failed to pause %s/%s: %w", processor, key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", processor, key, ErrSubscriptionNotFound)
	}
	return nil
}

// resume reactivates the subscription and clears its error state. The cursor
// is untouched.
func (s *progressStore) resume(ctx context.Context, processor, key string) error {
	tag, err := s.pool.Exec(ctx, resumeProgressSQL, processor, key)
	if err != nil {
		return fmt.Errorf("failed to resume %s/%s: %w", processor, key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", processor, key, ErrSubscriptionNotFound)
	}
	return nil
}

// reset rewinds the subscription to the start of the log and reactivates it,
// auto-creating the row when it never existed.
func (s *progressStore) reset(ctx context.Context, processor, key string) error {
	if err := s.ensure(ctx, processor, key); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, resetProgressSQL, processor, key); err != nil {
		return fmt.Errorf("failed to reset %s/%s: %w", processor, key, err)
	}
	return nil
}

// maxPosition returns the highest committed event position, for lag
// computation.
func (s *progressStore) maxPosition(ctx context.Context) (int64, error) {
	var pos int64
	if err := s.pool.QueryRow(ctx, maxPositionSQL).Scan(&pos); err != nil {
		return 0, fmt.Errorf("failed to read max event position: %w", err)
	}
	return pos, nil
}

func scanProgress(row pgx.Row) (Progress, error) {
	var (
		p         Progress
		lastError *string
		leader    *string
	)
	err := row.Scan(
		&p.Processor, &p.SubscriptionKey, &p.Cursor.Position, &p.Cursor.TransactionID,
		&p.Status, &p.ErrorCount, &lastError,
		&leader, &p.LeaderSince, &p.LeaderHeartbeat, &p.LastUpdatedAt,
	)
	if err != nil {
		return Progress{}, err
	}
	if lastError != nil {
		p.LastError = *lastError
	}
	if leader != nil {
		p.LeaderInstance = *leader
	}
	return p, nil
}

func lag(maxPosition, lastPosition int64) int64 {
	if maxPosition <= lastPosition {
		return 0
	}
	return maxPosition - lastPosition
}

// ListProgress returns the progress rows of one processor. For ops tooling
// that reads state without building a Manager.
func ListProgress(ctx context.Context, pool *pgxpool.Pool, processor string) ([]Progress, error) {
	ps := &progressStore{pool: pool}
	return ps.list(ctx, processor)
}

// HeadPosition returns the highest committed event position, zero for an
// empty log. Lag for a subscription is the head minus its cursor position.
func HeadPosition(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	ps := &progressStore{pool: pool}
	return ps.maxPosition(ctx)
}
