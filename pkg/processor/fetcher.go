package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"go-tidemark/pkg/dcb"
)

// fetcher reads event batches for subscriptions, in (transaction_id,
// position) order past the recorded cursor. Subscription filters are pushed
// into the SQL so progress only ever advances over events the subscription
// matched.
type fetcher struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func newFetcher(pool *pgxpool.Pool, timeout time.Duration) *fetcher {
	return &fetcher{pool: pool, timeout: timeout}
}

func (f *fetcher) fetch(ctx context.Context, sub Subscription, after dcb.Cursor, batchSize int) ([]dcb.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	sqlQuery, args := buildFetchSQL(sub, after, batchSize)
	events, err := f.scanEvents(ctx, sqlQuery, args)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events for %s/%s: %w", sub.Processor, sub.Key, err)
	}

	// A full batch may end mid-transaction. Extend it with the rest of that
	// transaction's matching events so they are never split across batches.
	if len(events) == batchSize {
		last := events[len(events)-1]
		tailSQL, tailArgs := buildFetchTailSQL(sub, last.TransactionID, last.Position)
		tail, err := f.scanEvents(ctx, tailSQL, tailArgs)
		if err != nil {
			return nil, fmt.Errorf("failed to complete transaction batch for %s/%s: %w", sub.Processor, sub.Key, err)
		}
		events = append(events, tail...)
	}
	return events, nil
}

func buildFetchSQL(sub Subscription, after dcb.Cursor, batchSize int) (string, []any) {
	var sqlQuery strings.Builder
	sqlQuery.WriteString("SELECT type, tags, payload, position, transaction_id, occurred_at FROM events")

	var args []any
	// Only transactions below every in-flight one are visible, so a later
	// commit can never land beneath a cursor this fetch advances past.
	conditions := []string{"transaction_id < pg_snapshot_xmin(pg_current_snapshot())"}

	if !after.IsZero() {
		args = append(args, after.TransactionID, after.Position, after.TransactionID)
		conditions = append(conditions, fmt.Sprintf(
			"((transaction_id = $%d AND position > $%d) OR (transaction_id > $%d))",
			len(args)-2, len(args)-1, len(args)))
	}

	conditions = appendFilterConditions(conditions, &args, sub)

	sqlQuery.WriteString(" WHERE ")
	sqlQuery.WriteString(strings.Join(conditions, " AND "))
	sqlQuery.WriteString(" ORDER BY transaction_id ASC, position ASC")
	args = append(args, batchSize)
	sqlQuery.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))

	return sqlQuery.String(), args
}

// buildFetchTailSQL selects the matching events of one transaction past a
// position. The transaction already passed the snapshot fence in the main
// fetch, so the fence is not repeated.
func buildFetchTailSQL(sub Subscription, txID uint64, position int64) (string, []any) {
	var sqlQuery strings.Builder
	sqlQuery.WriteString("SELECT type, tags, payload, position, transaction_id, occurred_at FROM events")

	args := []any{txID, position}
	conditions := []string{"transaction_id = $1 AND position > $2"}
	conditions = appendFilterConditions(conditions, &args, sub)

	sqlQuery.WriteString(" WHERE ")
	sqlQuery.WriteString(strings.Join(conditions, " AND "))
	sqlQuery.WriteString(" ORDER BY position ASC")

	return sqlQuery.String(), args
}

// appendFilterConditions renders the subscription's filters: query items
// combine with OR (an item with neither filter matches everything, dropping
// the clause), while every key-presence predicate must hold.
func appendFilterConditions(conditions []string, args *[]any, sub Subscription) []string {
	hasFilter := sub.Query != nil && len(sub.Query.GetItems()) > 0
	if hasFilter {
		for _, item := range sub.Query.GetItems() {
			if len(item.GetEventTypes()) == 0 && len(item.GetTags()) == 0 {
				hasFilter = false
				break
			}
		}
	}
	if hasFilter {
		var itemConditions []string
		for _, item := range sub.Query.GetItems() {
			var parts []string
			if len(item.GetEventTypes()) > 0 {
				*args = append(*args, item.GetEventTypes())
				parts = append(parts, fmt.Sprintf("type = ANY($%d::text[])", len(*args)))
			}
			if len(item.GetTags()) > 0 {
				*args = append(*args, dcb.TagsToArray(item.GetTags()))
				parts = append(parts, fmt.Sprintf("tags @> $%d::text[]", len(*args)))
			}
			itemConditions = append(itemConditions, "("+strings.Join(parts, " AND ")+")")
		}
		conditions = append(conditions, "("+strings.Join(itemConditions, " OR ")+")")
	}

	for _, key := range sub.RequiredKeys {
		*args = append(*args, key)
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE split_part(t, '=', 1) = $%d)", len(*args)))
	}
	if len(sub.AnyOfKeys) > 0 {
		*args = append(*args, sub.AnyOfKeys)
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE split_part(t, '=', 1) = ANY($%d::text[]))", len(*args)))
	}
	return conditions
}

func (f *fetcher) scanEvents(ctx context.Context, sqlQuery string, args []any) ([]dcb.Event, error) {
	rows, err := f.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []dcb.Event
	for rows.Next() {
		var (
			eventType  string
			tags       []string
			data       []byte
			position   int64
			txID       uint64
			occurredAt time.Time
		)
		if err := rows.Scan(&eventType, &tags, &data, &position, &txID, &occurredAt); err != nil {
			return nil, err
		}
		events = append(events, dcb.Event{
			Type:          eventType,
			Tags:          dcb.ParseTagsArray(tags),
			Data:          data,
			Position:      position,
			TransactionID: txID,
			OccurredAt:    occurredAt,
		})
	}
	return events, rows.Err()
}
