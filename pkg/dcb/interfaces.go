package dcb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore provides tag-indexed event storage with optimistic concurrency
// control. All blocking operations take a context; reads accept an optional
// cursor so callers can resume from a known point in the log.
type EventStore interface {
	// Append appends events unconditionally in a single transaction.
	Append(ctx context.Context, events []InputEvent) error

	// AppendIf appends events only if the condition holds: no event matching
	// the condition's decision model exists past its cursor, and no event
	// matching its idempotency clauses exists anywhere in the log. Returns
	// the transaction id the events were committed under. A concurrency
	// violation is reported as *ConcurrencyError, an idempotency violation
	// as *DuplicateOperationError.
	AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (uint64, error)

	// Query returns events matching the query, ordered by
	// (transaction_id, position). A nil cursor reads from the start of the
	// log; an empty query matches every event.
	Query(ctx context.Context, query Query, after *Cursor) ([]Event, error)

	// QueryStream streams matching events through a channel. The channel is
	// closed when the scan completes or the context is cancelled.
	QueryStream(ctx context.Context, query Query, after *Cursor) (<-chan Event, error)

	// Project folds events through the given projectors and returns the final
	// states keyed by projector ID, together with an append condition that
	// fences against events arriving after the projection read.
	Project(ctx context.Context, projectors []StateProjector, after *Cursor) (map[string]any, AppendCondition, error)

	// ProjectStream is Project in streaming form: the final states and the
	// append condition are delivered on channels once the scan completes.
	ProjectStream(ctx context.Context, projectors []StateProjector, after *Cursor) (<-chan map[string]any, <-chan AppendCondition, error)

	// InTransaction runs fn with a store view bound to a single database
	// transaction. Everything fn does through that view commits or rolls
	// back atomically. Nested calls reuse the same transaction.
	InTransaction(ctx context.Context, fn func(ctx context.Context, store EventStore) error) error

	// GetConfig returns the store configuration.
	GetConfig() EventStoreConfig

	// GetPool returns the underlying connection pool (primary).
	GetPool() *pgxpool.Pool
}

// Event is a stored event as read back from the log.
type Event struct {
	Type          string    `json:"type"`
	Tags          []Tag     `json:"tags"`
	Data          []byte    `json:"data"`
	Position      int64     `json:"position"`
	TransactionID uint64    `json:"transaction_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Cursor is a position in the global event order. Events are ordered by
// (TransactionID, Position); the zero cursor precedes every event.
type Cursor struct {
	TransactionID uint64 `json:"transaction_id"`
	Position      int64  `json:"position"`
}

// IsZero reports whether the cursor is the zero cursor.
func (c Cursor) IsZero() bool {
	return c.TransactionID == 0 && c.Position == 0
}

// Compare returns -1, 0 or 1 depending on whether c is before, equal to or
// after other in the global event order.
func (c Cursor) Compare(other Cursor) int {
	if c.TransactionID != other.TransactionID {
		if c.TransactionID < other.TransactionID {
			return -1
		}
		return 1
	}
	if c.Position != other.Position {
		if c.Position < other.Position {
			return -1
		}
		return 1
	}
	return 0
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d/%d", c.TransactionID, c.Position)
}

// InputEvent is an event to be appended. Construct with NewInputEvent.
type InputEvent interface {
	GetType() string
	GetTags() []Tag
	GetData() []byte
	isInputEvent()
}

// Tag is a key=value pair attached to an event. Keys may not contain '=';
// values may.
type Tag interface {
	GetKey() string
	GetValue() string
	isTag()
}

// Query selects events by type and tag containment. A query is a disjunction
// of items: an event matches if it matches at least one item. An empty query
// matches every event.
type Query interface {
	GetItems() []QueryItem
	isQuery()
}

// QueryItem matches events whose type is in EventTypes (any type if empty)
// and whose tags contain all of Tags.
type QueryItem interface {
	GetEventTypes() []string
	GetTags() []Tag
	isQueryItem()
}

// AppendCondition guards a conditional append: a decision model with an
// optional cursor for the fencing check, plus optional idempotency clauses.
type AppendCondition interface {
	isAppendCondition()
	getFailIfEventsMatch() Query
	getAfterCursor() *Cursor
	getIdempotencyTypes() []string
	getIdempotencyTags() []Tag
	setAfterCursor(cursor *Cursor)
}

// StateProjector folds events matching Query into a state, starting from
// InitialState. ID keys the resulting state in Project's result map.
type StateProjector struct {
	ID           string
	Query        Query
	InitialState any
	TransitionFn func(state any, event Event) any
}

// IsolationLevel controls the transaction isolation used for appends.
type IsolationLevel int

const (
	ReadCommitted IsolationLevel = iota
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "READ COMMITTED"
	}
}

// ParseIsolationLevel parses a level name as used in configuration files.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "", "READ COMMITTED", "read_committed", "read committed":
		return ReadCommitted, nil
	case "REPEATABLE READ", "repeatable_read", "repeatable read":
		return RepeatableRead, nil
	case "SERIALIZABLE", "serializable":
		return Serializable, nil
	default:
		return ReadCommitted, fmt.Errorf("unknown isolation level: %q", s)
	}
}

// EventStoreConfig holds tuning knobs for the store. Timeouts are in
// milliseconds; zero values fall back to the defaults applied by the
// constructors.
type EventStoreConfig struct {
	MaxBatchSize           int            `json:"maxBatchSize"`
	LockTimeout            int            `json:"lockTimeout"`
	StreamBuffer           int            `json:"streamBuffer"`
	DefaultAppendIsolation IsolationLevel `json:"defaultAppendIsolation"`
	QueryTimeout           int            `json:"queryTimeout"`
	AppendTimeout          int            `json:"appendTimeout"`
}

// internal implementations

type inputEvent struct {
	Type string `json:"type"`
	Tags []Tag  `json:"tags"`
	Data []byte `json:"data"`
}

func (e *inputEvent) GetType() string { return e.Type }
func (e *inputEvent) GetTags() []Tag  { return e.Tags }
func (e *inputEvent) GetData() []byte { return e.Data }
func (e *inputEvent) isInputEvent()   {}

type tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (t *tag) GetKey() string   { return t.Key }
func (t *tag) GetValue() string { return t.Value }
func (t *tag) isTag()           {}

type query struct {
	Items []QueryItem `json:"items"`
}

func (q *query) GetItems() []QueryItem { return q.Items }
func (q *query) isQuery()              {}

type queryItem struct {
	EventTypes []string `json:"event_types"`
	Tags       []Tag    `json:"tags"`
}

func (qi *queryItem) GetEventTypes() []string { return qi.EventTypes }
func (qi *queryItem) GetTags() []Tag          { return qi.Tags }
func (qi *queryItem) isQueryItem()            {}

type appendCondition struct {
	FailIfEventsMatch *query   `json:"fail_if_events_match,omitempty"`
	AfterCursor       *Cursor  `json:"after_cursor,omitempty"`
	IdempotencyTypes  []string `json:"idempotency_types,omitempty"`
	IdempotencyTags   []Tag    `json:"idempotency_tags,omitempty"`
}

func (ac *appendCondition) isAppendCondition() {}

func (ac *appendCondition) getFailIfEventsMatch() Query {
	if ac.FailIfEventsMatch == nil {
		return nil
	}
	return ac.FailIfEventsMatch
}

func (ac *appendCondition) getAfterCursor() *Cursor       { return ac.AfterCursor }
func (ac *appendCondition) getIdempotencyTypes() []string { return ac.IdempotencyTypes }
func (ac *appendCondition) getIdempotencyTags() []Tag     { return ac.IdempotencyTags }

func (ac *appendCondition) setAfterCursor(cursor *Cursor) { ac.AfterCursor = cursor }
