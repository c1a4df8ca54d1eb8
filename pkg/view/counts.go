package view

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-tidemark/pkg/dcb"
)

// DefaultCountsTable is the table NewTypeCountsView uses when none is given.
const DefaultCountsTable = "view_event_type_counts"

// TypeCountsView maintains per-event-type totals. Each row fences on the
// highest position it has folded, so a redelivered batch changes nothing
// and the totals stay exact.
type TypeCountsView struct {
	table string
}

// NewTypeCountsView builds the view. An empty table name means
// DefaultCountsTable.
func NewTypeCountsView(table string) *TypeCountsView {
	if table == "" {
		table = DefaultCountsTable
	}
	return &TypeCountsView{table: table}
}

func (v *TypeCountsView) Name() string { return "event_type_counts" }

func (v *TypeCountsView) Subscription() Subscription { return Subscription{} }

func (v *TypeCountsView) Init(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			event_type TEXT PRIMARY KEY,
			total BIGINT NOT NULL,
			last_position BIGINT NOT NULL
		)`, pgx.Identifier{v.table}.Sanitize()))
	if err != nil {
		return fmt.Errorf("failed to create counts table: %w", err)
	}
	return nil
}

func (v *TypeCountsView) HandleBatch(ctx context.Context, tx pgx.Tx, events []dcb.Event) error {
	type delta struct {
		count        int64
		lastPosition int64
	}
	deltas := make(map[string]delta, 8)
	for _, ev := range events {
		d := deltas[ev.Type]
		d.count++
		if ev.Position > d.lastPosition {
			d.lastPosition = ev.Position
		}
		deltas[ev.Type] = d
	}

	// Positions grow monotonically per type, so a replayed batch fails the
	// fence and the totals are applied exactly once.
	upsert := fmt.Sprintf(
		`INSERT INTO %s (event_type, total, last_position) VALUES ($1, $2, $3)
		ON CONFLICT (event_type) DO UPDATE
		SET total = %s.total + EXCLUDED.total, last_position = EXCLUDED.last_position
		WHERE %s.last_position < EXCLUDED.last_position`,
		pgx.Identifier{v.table}.Sanitize(), pgx.Identifier{v.table}.Sanitize(), pgx.Identifier{v.table}.Sanitize())

	for eventType, d := range deltas {
		if _, err := tx.Exec(ctx, upsert, eventType, d.count, d.lastPosition); err != nil {
			return fmt.Errorf("failed to upsert count for %q: %w", eventType, err)
		}
	}
	return nil
}

// Counts reads the current totals keyed by event type.
func (v *TypeCountsView) Counts(ctx context.Context, pool *pgxpool.Pool) (map[string]int64, error) {
	rows, err := pool.Query(ctx, fmt.Sprintf(
		"SELECT event_type, total FROM %s", pgx.Identifier{v.table}.Sanitize()))
	if err != nil {
		return nil, fmt.Errorf("failed to read counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var total int64
		if err := rows.Scan(&eventType, &total); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[eventType] = total
	}
	return counts, rows.Err()
}
