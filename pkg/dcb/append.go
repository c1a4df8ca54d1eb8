package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// append_events_if result codes.
const (
	errCodeCursorViolation      = "CURSOR_VIOLATION"
	errCodeIdempotencyViolation = "IDEMPOTENCY_VIOLATION"
)

// appendResult mirrors the JSONB returned by append_events_if.
type appendResult struct {
	Success       bool   `json:"success"`
	ErrorCode     string `json:"error_code"`
	EventsCount   int    `json:"events_count"`
	TransactionID string `json:"transaction_id"`
}

// Append appends events unconditionally in a single transaction. An empty
// batch is a no-op.
func (es *eventStore) Append(ctx context.Context, events []InputEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := es.validateBatchSize(events, "append"); err != nil {
		return err
	}
	if err := validateEvents(events); err != nil {
		return err
	}

	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	tx, err := es.pool.BeginTx(appendCtx, pgx.TxOptions{IsoLevel: toPgxIsoLevel(es.config.DefaultAppendIsolation)})
	if err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("failed to begin transaction: %w", err)},
			Resource:        "database",
		}
	}
	defer tx.Rollback(appendCtx)

	if _, err := es.appendInTx(appendCtx, tx, events, nil); err != nil {
		return err
	}

	if err := tx.Commit(appendCtx); err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("failed to commit transaction: %w", err)},
			Resource:        "database",
		}
	}
	return nil
}

// AppendIf appends events under the given condition and returns the
// transaction id they were committed under. An empty batch is a no-op that
// skips the checks and returns a zero transaction id.
func (es *eventStore) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (uint64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if err := es.validateBatchSize(events, "appendIf"); err != nil {
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

	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	tx, err := es.pool.BeginTx(appendCtx, pgx.TxOptions{IsoLevel: toPgxIsoLevel(es.config.DefaultAppendIsolation)})
	if err != nil {
		return 0, &ResourceError{
			EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("failed to begin transaction: %w", err)},
			Resource:        "database",
		}
	}
	defer tx.Rollback(appendCtx)

	txid, err := es.appendInTx(appendCtx, tx, events, condition)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(appendCtx); err != nil {
		return 0, &ResourceError{
			EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("failed to commit transaction: %w", err)},
			Resource:        "database",
		}
	}
	return txid, nil
}

// appendInTx issues the append inside an existing transaction. The condition
// may be nil for unconditional appends. Callers own commit and rollback.
func (es *eventStore) appendInTx(ctx context.Context, tx pgx.Tx, events []InputEvent, condition AppendCondition) (uint64, error) {
	types := make([]string, len(events))
	tagLiterals := make([]string, len(events))
	payloads := make([][]byte, len(events))
	for i, e := range events {
		types[i] = e.GetType()
		tagLiterals[i] = encodeTagsArrayLiteral(TagsToArray(e.GetTags()))
		payloads[i] = e.GetData()
	}
	occurredAt := time.Now().UTC()

	if condition == nil {
		_, err := tx.Exec(ctx, "SELECT append_events_batch($1, $2, $3, $4)",
			types, tagLiterals, payloads, occurredAt)
		if err != nil {
			return 0, &ResourceError{
				EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("failed to append events: %w", err)},
				Resource:        "database",
			}
		}
		return 0, nil
	}

	ac, ok := condition.(*appendCondition)
	if !ok {
		return 0, &ValidationError{
			EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("unsupported AppendCondition implementation")},
			Field:           "condition",
		}
	}

	decisionTypes, decisionTags := flattenQuery(ac.FailIfEventsMatch)

	var afterTxid *uint64
	var afterPosition int64
	if ac.AfterCursor != nil {
		afterTxid = &ac.AfterCursor.TransactionID
		afterPosition = ac.AfterCursor.Position
	}

	idemTypes := ac.IdempotencyTypes
	var idemTags []string
	if len(ac.IdempotencyTags) > 0 {
		idemTags = TagsToArray(ac.IdempotencyTags)
	}

	if len(idemTypes) > 0 || len(idemTags) > 0 {
		// The idempotency advisory lock can block behind a racing append
		// with the same clauses; bound the wait.
		_, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)",
			fmt.Sprintf("%dms", es.config.LockTimeout))
		if err != nil {
			return 0, &ResourceError{
				EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("failed to set lock timeout: %w", err)},
				Resource:        "database",
			}
		}
	}

	var raw []byte
	err := tx.QueryRow(ctx,
		"SELECT append_events_if($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		types, tagLiterals, payloads,
		decisionTypes, decisionTags,
		afterTxid, afterPosition,
		idemTypes, idemTags,
		occurredAt,
	).Scan(&raw)
	if err != nil {
		return 0, &ResourceError{
			EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("failed to append events: %w", err)},
			Resource:        "database",
		}
	}

	var result appendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, &ResourceError{
			EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("malformed append result: %w", err)},
			Resource:        "database",
		}
	}

	if !result.Success {
		switch result.ErrorCode {
		case errCodeCursorViolation:
			return 0, &ConcurrencyError{
				EventStoreError: EventStoreError{
					Op:  "appendIf",
					Err: fmt.Errorf("events matching the decision model were appended past the cursor"),
				},
				Cursor: ac.AfterCursor,
			}
		case errCodeIdempotencyViolation:
			return 0, &DuplicateOperationError{
				EventStoreError: EventStoreError{
					Op:  "appendIf",
					Err: fmt.Errorf("an event matching the idempotency clauses already exists"),
				},
				EventTypes: idemTypes,
				Tags:       ac.IdempotencyTags,
			}
		default:
			return 0, &ResourceError{
				EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("unexpected append result code %q", result.ErrorCode)},
				Resource:        "database",
			}
		}
	}

	txid, err := strconv.ParseUint(result.TransactionID, 10, 64)
	if err != nil {
		return 0, &ResourceError{
			EventStoreError: EventStoreError{Op: "appendIf", Err: fmt.Errorf("malformed transaction id %q: %w", result.TransactionID, err)},
			Resource:        "database",
		}
	}
	return txid, nil
}

// validateCondition validates the queries and tags an append condition
// carries.
func validateCondition(condition AppendCondition) error {
	ac, ok := condition.(*appendCondition)
	if !ok {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "validateCondition", Err: fmt.Errorf("unsupported AppendCondition implementation")},
			Field:           "condition",
		}
	}
	if ac.FailIfEventsMatch != nil {
		if err := validateQueryTags(ac.FailIfEventsMatch); err != nil {
			return err
		}
	}
	for i, t := range ac.IdempotencyTags {
		if t.GetKey() == "" || strings.Contains(t.GetKey(), "=") {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateCondition",
					Err: fmt.Errorf("invalid idempotency tag key %q", t.GetKey()),
				},
				Field: fmt.Sprintf("idempotencyTags[%d].key", i),
				Value: t.GetKey(),
			}
		}
		if t.GetValue() == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateCondition",
					Err: fmt.Errorf("empty idempotency tag value for key %s", t.GetKey()),
				},
				Field: fmt.Sprintf("idempotencyTags[%d].value", i),
				Value: t.GetKey(),
			}
		}
	}
	for i, eventType := range ac.IdempotencyTypes {
		if eventType == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateCondition",
					Err: fmt.Errorf("empty idempotency event type at index %d", i),
				},
				Field: fmt.Sprintf("idempotencyTypes[%d]", i),
			}
		}
	}
	return nil
}

// flattenQuery reduces a decision-model query to the flat (types, tags) pair
// append_events_if takes. A single-item query maps exactly. A multi-item
// query maps to the union of its types and the tags common to every item,
// which matches a superset of what the items match: conflicts are never
// missed, at the cost of an occasional spurious conflict the caller resolves
// by re-projecting.
func flattenQuery(q *query) ([]string, []string) {
	if q == nil || len(q.Items) == 0 {
		return nil, nil
	}

	if len(q.Items) == 1 {
		item := q.Items[0]
		var tags []string
		if len(item.GetTags()) > 0 {
			tags = TagsToArray(item.GetTags())
		}
		return item.GetEventTypes(), tags
	}

	var types []string
	seen := make(map[string]struct{})
	allTyped := true
	for _, item := range q.Items {
		if len(item.GetEventTypes()) == 0 {
			allTyped = false
			break
		}
		for _, t := range item.GetEventTypes() {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				types = append(types, t)
			}
		}
	}
	if !allTyped {
		types = nil
	}

	counts := make(map[string]int)
	for _, item := range q.Items {
		itemSet := make(map[string]struct{})
		for _, s := range TagsToArray(item.GetTags()) {
			itemSet[s] = struct{}{}
		}
		for s := range itemSet {
			counts[s]++
		}
	}
	var tags []string
	for s, n := range counts {
		if n == len(q.Items) {
			tags = append(tags, s)
		}
	}
	sort.Strings(tags)
	return types, tags
}

// encodeTagsArrayLiteral renders sorted "key=value" strings as a Postgres
// text[] literal. Per-event tag arrays travel as one literal per event
// because batches are ragged and a rectangular text[][] parameter cannot
// hold them.
func encodeTagsArrayLiteral(tags []string) string {
	if len(tags) == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, t := range tags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(strings.ReplaceAll(t, `\`, `\\`), `"`, `\"`))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
