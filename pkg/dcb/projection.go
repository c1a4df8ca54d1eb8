package dcb

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// rowEvent is the scan target for event rows.
type rowEvent struct {
	Type          string
	Tags          []string
	Data          []byte
	Position      int64
	TransactionID uint64
	OccurredAt    time.Time
}

func convertRowToEvent(row rowEvent) Event {
	return Event{
		Type:          row.Type,
		Tags:          ParseTagsArray(row.Tags),
		Data:          row.Data,
		Position:      row.Position,
		TransactionID: row.TransactionID,
		OccurredAt:    row.OccurredAt,
	}
}

// buildReadQuerySQL builds the SELECT for a query with an optional cursor
// and limit. Items combine with OR; within an item, type and tag filters
// combine with AND. An item with neither filter matches everything, which
// drops the whole filter clause.
func buildReadQuerySQL(q Query, after *Cursor, limit *int) (string, []any) {
	var sqlQuery strings.Builder
	sqlQuery.WriteString("SELECT type, tags, payload, position, transaction_id, occurred_at FROM events")

	var args []any
	var conditions []string

	hasFilter := q != nil && len(q.GetItems()) > 0
	if hasFilter {
		for _, item := range q.GetItems() {
			if len(item.GetEventTypes()) == 0 && len(item.GetTags()) == 0 {
				hasFilter = false
				break
			}
		}
	}

	if hasFilter {
		var itemConditions []string
		for _, item := range q.GetItems() {
			var parts []string
			if len(item.GetEventTypes()) > 0 {
				args = append(args, item.GetEventTypes())
				parts = append(parts, fmt.Sprintf("type = ANY($%d::text[])", len(args)))
			}
			if len(item.GetTags()) > 0 {
				args = append(args, TagsToArray(item.GetTags()))
				parts = append(parts, fmt.Sprintf("tags @> $%d::text[]", len(args)))
			}
			itemConditions = append(itemConditions, "("+strings.Join(parts, " AND ")+")")
		}
		conditions = append(conditions, "("+strings.Join(itemConditions, " OR ")+")")
	}

	if after != nil {
		args = append(args, after.TransactionID, after.Position, after.TransactionID)
		conditions = append(conditions, fmt.Sprintf(
			"((transaction_id = $%d AND position > $%d) OR (transaction_id > $%d))",
			len(args)-2, len(args)-1, len(args)))
	}

	if len(conditions) > 0 {
		sqlQuery.WriteString(" WHERE ")
		sqlQuery.WriteString(strings.Join(conditions, " AND "))
	}

	sqlQuery.WriteString(" ORDER BY transaction_id ASC, position ASC")

	if limit != nil {
		args = append(args, *limit)
		sqlQuery.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}

	return sqlQuery.String(), args
}

// combineProjectorQueries merges the projector queries into one disjunction
// for a single scan. A projector with an empty query reads everything, so
// the combined query collapses to match-all.
func combineProjectorQueries(projectors []StateProjector) Query {
	var items []QueryItem
	for _, p := range projectors {
		if p.Query == nil || len(p.Query.GetItems()) == 0 {
			return NewQueryEmpty()
		}
		items = append(items, p.Query.GetItems()...)
	}
	return &query{Items: items}
}

// eventMatchesProjector reports whether the event matches the projector's
// query. Tag matching is pair containment: the event's tags must include
// every tag the item names.
func eventMatchesProjector(projector StateProjector, event Event) bool {
	if projector.Query == nil || len(projector.Query.GetItems()) == 0 {
		return true
	}
	eventTags := make(map[string]struct{}, len(event.Tags))
	for _, t := range event.Tags {
		eventTags[t.GetKey()+"="+t.GetValue()] = struct{}{}
	}
	for _, item := range projector.Query.GetItems() {
		if eventMatchesItem(item, event.Type, eventTags) {
			return true
		}
	}
	return false
}

func eventMatchesItem(item QueryItem, eventType string, eventTags map[string]struct{}) bool {
	if len(item.GetEventTypes()) > 0 {
		found := false
		for _, t := range item.GetEventTypes() {
			if t == eventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, t := range item.GetTags() {
		if _, ok := eventTags[t.GetKey()+"="+t.GetValue()]; !ok {
			return false
		}
	}
	return true
}

func validateProjectors(projectors []StateProjector) error {
	if len(projectors) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "project", Err: fmt.Errorf("at least one projector is required")},
			Field:           "projectors",
		}
	}
	ids := make(map[string]struct{}, len(projectors))
	for i, p := range projectors {
		if p.ID == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{Op: "project", Err: fmt.Errorf("empty projector ID at index %d", i)},
				Field:           fmt.Sprintf("projectors[%d].ID", i),
			}
		}
		if _, ok := ids[p.ID]; ok {
			return &ValidationError{
				EventStoreError: EventStoreError{Op: "project", Err: fmt.Errorf("duplicate projector ID %q", p.ID)},
				Field:           fmt.Sprintf("projectors[%d].ID", i),
				Value:           p.ID,
			}
		}
		ids[p.ID] = struct{}{}
		if p.TransitionFn == nil {
			return &ValidationError{
				EventStoreError: EventStoreError{Op: "project", Err: fmt.Errorf("nil transition function for projector %q", p.ID)},
				Field:           fmt.Sprintf("projectors[%d].TransitionFn", i),
			}
		}
		if p.Query != nil {
			if err := validateQueryTags(p.Query); err != nil {
				return err
			}
		}
	}
	return nil
}

// projectEvents folds matching events through the projectors in one scan
// against db, which is either a pool or an open transaction.
func projectEvents(ctx context.Context, db querier, projectors []StateProjector, after *Cursor) (map[string]any, AppendCondition, error) {
	combined := combineProjectorQueries(projectors)
	sqlQuery, args := buildReadQuerySQL(combined, after, nil)

	rows, err := db.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, nil, &ResourceError{
			EventStoreError: EventStoreError{Op: "project", Err: fmt.Errorf("failed to query events: %w", err)},
			Resource:        "database",
		}
	}
	defer rows.Close()

	states := make(map[string]any, len(projectors))
	for _, p := range projectors {
		states[p.ID] = p.InitialState
	}

	var latest Cursor
	hasEvents := false
	for rows.Next() {
		var row rowEvent
		if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.Position, &row.TransactionID, &row.OccurredAt); err != nil {
			return nil, nil, &ResourceError{
				EventStoreError: EventStoreError{Op: "project", Err: fmt.Errorf("failed to scan event row: %w", err)},
				Resource:        "database",
			}
		}
		event := convertRowToEvent(row)
		hasEvents = true
		latest = Cursor{TransactionID: event.TransactionID, Position: event.Position}

		for _, p := range projectors {
			if eventMatchesProjector(p, event) {
				states[p.ID] = p.TransitionFn(states[p.ID], event)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, &ResourceError{
			EventStoreError: EventStoreError{Op: "project", Err: fmt.Errorf("failed to read event rows: %w", err)},
			Resource:        "database",
		}
	}

	condition := NewAppendCondition(combined)
	if hasEvents {
		condition.setAfterCursor(&latest)
	} else {
		condition.setAfterCursor(after)
	}
	return states, condition, nil
}

// Project folds matching events through the projectors and returns the
// final states keyed by projector ID, plus an append condition carrying the
// combined query and the cursor of the last event consumed (or the input
// cursor when nothing matched).
func (es *eventStore) Project(ctx context.Context, projectors []StateProjector, after *Cursor) (map[string]any, AppendCondition, error) {
	if err := validateProjectors(projectors); err != nil {
		return nil, nil, err
	}

	queryCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	return projectEvents(queryCtx, es.reader(), projectors, after)
}

// ProjectStream is Project with channel delivery: the final states and the
// append condition arrive on their channels once the scan completes, then
// both channels close. On scan failure the channels close without a send.
func (es *eventStore) ProjectStream(ctx context.Context, projectors []StateProjector, after *Cursor) (<-chan map[string]any, <-chan AppendCondition, error) {
	if err := validateProjectors(projectors); err != nil {
		return nil, nil, err
	}

	statesChan := make(chan map[string]any, 1)
	conditionChan := make(chan AppendCondition, 1)

	go func() {
		defer close(statesChan)
		defer close(conditionChan)

		queryCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
		defer cancel()

		states, condition, err := projectEvents(queryCtx, es.reader(), projectors, after)
		if err != nil {
			return
		}

		select {
		case statesChan <- states:
		case <-ctx.Done():
			return
		}
		select {
		case conditionChan <- condition:
		case <-ctx.Done():
		}
	}()

	return statesChan, conditionChan, nil
}
