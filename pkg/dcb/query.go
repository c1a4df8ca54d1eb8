package dcb

import (
	"context"
	"fmt"
)

// queryEvents runs a read query against db, which is either a pool or an
// open transaction.
func queryEvents(ctx context.Context, db querier, q Query, after *Cursor, limit *int) ([]Event, error) {
	sqlQuery, args := buildReadQuerySQL(q, after, limit)
	rows, err := db.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{Op: "query", Err: fmt.Errorf("failed to query events: %w", err)},
			Resource:        "database",
		}
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var row rowEvent
		if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.Position, &row.TransactionID, &row.OccurredAt); err != nil {
			return nil, &ResourceError{
				EventStoreError: EventStoreError{Op: "query", Err: fmt.Errorf("failed to scan event row: %w", err)},
				Resource:        "database",
			}
		}
		events = append(events, convertRowToEvent(row))
	}
	if err := rows.Err(); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{Op: "query", Err: fmt.Errorf("failed to read event rows: %w", err)},
			Resource:        "database",
		}
	}
	return events, nil
}

// Query returns events matching the query in (transaction_id, position)
// order. A nil cursor reads from the start; an empty query matches every
// event.
func (es *eventStore) Query(ctx context.Context, q Query, after *Cursor) ([]Event, error) {
	if err := validateQueryTags(q); err != nil {
		return nil, err
	}

	queryCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	return queryEvents(queryCtx, es.reader(), q, after, nil)
}

// QueryStream streams matching events through a buffered channel. The
// channel closes when the scan completes, fails, or the context is
// cancelled; a consumer that stops reading must cancel the context to
// release the scan.
func (es *eventStore) QueryStream(ctx context.Context, q Query, after *Cursor) (<-chan Event, error) {
	if err := validateQueryTags(q); err != nil {
		return nil, err
	}

	sqlQuery, args := buildReadQuerySQL(q, after, nil)
	out := make(chan Event, es.config.StreamBuffer)

	go func() {
		defer close(out)

		queryCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
		defer cancel()

		rows, err := es.reader().Query(queryCtx, sqlQuery, args...)
		if err != nil {
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row rowEvent
			if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.Position, &row.TransactionID, &row.OccurredAt); err != nil {
				return
			}
			select {
			case out <- convertRowToEvent(row):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
