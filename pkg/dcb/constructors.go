package dcb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func defaultEventStoreConfig() EventStoreConfig {
	return EventStoreConfig{
		MaxBatchSize:           1000,
		LockTimeout:            5000,
		StreamBuffer:           100,
		DefaultAppendIsolation: ReadCommitted,
		QueryTimeout:           15000,
		AppendTimeout:          10000,
	}
}

// NewEventStore creates an event store backed by the given pool, verifying
// connectivity before returning.
func NewEventStore(ctx context.Context, pool *pgxpool.Pool) (EventStore, error) {
	return NewEventStoreWithConfig(ctx, pool, defaultEventStoreConfig())
}

// NewEventStoreWithConfig is NewEventStore with explicit configuration.
// Zero-valued fields are replaced with defaults.
func NewEventStoreWithConfig(ctx context.Context, pool *pgxpool.Pool, config EventStoreConfig) (EventStore, error) {
	if pool == nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "NewEventStore",
				Err: fmt.Errorf("pool must not be nil"),
			},
			Field: "pool",
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "NewEventStore",
				Err: fmt.Errorf("failed to ping database: %w", err),
			},
			Resource: "database",
		}
	}

	return newEventStore(pool, nil, applyConfigDefaults(config)), nil
}

// NewEventStoreFromPool creates an event store from an already validated
// pool, skipping the connectivity check. Intended for callers that manage
// pool lifecycle themselves.
func NewEventStoreFromPool(pool *pgxpool.Pool) EventStore {
	return newEventStore(pool, nil, defaultEventStoreConfig())
}

// NewEventStoreFromPoolWithConfig is NewEventStoreFromPool with explicit
// configuration.
func NewEventStoreFromPoolWithConfig(pool *pgxpool.Pool, config EventStoreConfig) EventStore {
	return newEventStore(pool, nil, applyConfigDefaults(config))
}

// NewEventStoreWithReadReplica creates an event store that sends reads to
// readPool and writes to pool. Reads from a replica may lag the primary;
// appends and InTransaction always use the primary.
func NewEventStoreWithReadReplica(ctx context.Context, pool, readPool *pgxpool.Pool) (EventStore, error) {
	if readPool == nil {
		return NewEventStore(ctx, pool)
	}

	store, err := NewEventStoreWithConfig(ctx, pool, defaultEventStoreConfig())
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := readPool.Ping(pingCtx); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "NewEventStoreWithReadReplica",
				Err: fmt.Errorf("failed to ping read replica: %w", err),
			},
			Resource: "database",
		}
	}

	es := store.(*eventStore)
	es.readPool = readPool
	return es, nil
}

func applyConfigDefaults(config EventStoreConfig) EventStoreConfig {
	defaults := defaultEventStoreConfig()
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = defaults.MaxBatchSize
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = defaults.LockTimeout
	}
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = defaults.StreamBuffer
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = defaults.QueryTimeout
	}
	if config.AppendTimeout <= 0 {
		config.AppendTimeout = defaults.AppendTimeout
	}
	return config
}

// NewInputEvent creates an input event. Tags are copied so the caller's
// slice can be reused.
func NewInputEvent(eventType string, tags []Tag, data []byte) InputEvent {
	copied := make([]Tag, len(tags))
	copy(copied, tags)
	return &inputEvent{Type: eventType, Tags: copied, Data: data}
}

// NewInputEventUnsafe creates an input event without copying tags. The
// caller must not mutate the slice afterwards.
func NewInputEventUnsafe(eventType string, tags []Tag, data []byte) InputEvent {
	return &inputEvent{Type: eventType, Tags: tags, Data: data}
}

// NewEventBatch is a convenience for building a batch from variadic events.
func NewEventBatch(events ...InputEvent) []InputEvent {
	return events
}

// NewTag creates a single tag.
func NewTag(key, value string) Tag {
	return &tag{Key: key, Value: value}
}

// NewTags creates tags from alternating key/value pairs. An odd number of
// arguments yields an empty slice.
func NewTags(kv ...string) []Tag {
	if len(kv)%2 != 0 {
		return []Tag{}
	}
	tags := make([]Tag, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		tags = append(tags, &tag{Key: kv[i], Value: kv[i+1]})
	}
	return tags
}

// NewQuery creates a single-item query matching events that carry all the
// given tags and, if any types are given, one of the given types.
func NewQuery(tags []Tag, eventTypes ...string) Query {
	return &query{Items: []QueryItem{NewQueryItem(eventTypes, tags)}}
}

// NewQueryFromItems combines items into a query; an event matches if it
// matches any item.
func NewQueryFromItems(items ...QueryItem) Query {
	return &query{Items: items}
}

// NewQueryEmpty creates a query with no items, which matches every event.
func NewQueryEmpty() Query {
	return &query{Items: []QueryItem{}}
}

// NewQueryAll is an explicit alias for the match-everything query.
func NewQueryAll() Query {
	return NewQueryEmpty()
}

// NewQueryItem creates one query item.
func NewQueryItem(eventTypes []string, tags []Tag) QueryItem {
	return &queryItem{EventTypes: eventTypes, Tags: tags}
}

// NewQItemKV creates a query item from a type and alternating tag key/value
// pairs.
func NewQItemKV(eventType string, kv ...string) QueryItem {
	types := []string{}
	if eventType != "" {
		types = []string{eventType}
	}
	return &queryItem{EventTypes: types, Tags: NewTags(kv...)}
}

// NewAppendCondition creates a condition that fails if any event matches the
// given query (past the condition's cursor, once one is set). A nil query
// yields an unconditioned append that still reports its transaction id.
func NewAppendCondition(failIfEventsMatch Query) AppendCondition {
	ac := &appendCondition{}
	if failIfEventsMatch != nil {
		if q, ok := failIfEventsMatch.(*query); ok {
			ac.FailIfEventsMatch = q
		}
	}
	return ac
}

// NewAppendConditionAfterCursor creates a condition with an explicit cursor
// for the fencing check.
func NewAppendConditionAfterCursor(failIfEventsMatch Query, after *Cursor) AppendCondition {
	ac := NewAppendCondition(failIfEventsMatch)
	ac.setAfterCursor(after)
	return ac
}

// NewIdempotencyCondition creates a condition whose only guard is the
// idempotency check: the append fails with *DuplicateOperationError if any
// event with one of the types and all of the tags already exists.
func NewIdempotencyCondition(eventTypes []string, tags []Tag) AppendCondition {
	return &appendCondition{IdempotencyTypes: eventTypes, IdempotencyTags: tags}
}

// WithIdempotency returns a copy of condition carrying the given idempotency
// clauses alongside its existing fencing check.
func WithIdempotency(condition AppendCondition, eventTypes []string, tags []Tag) AppendCondition {
	ac := &appendCondition{
		IdempotencyTypes: eventTypes,
		IdempotencyTags:  tags,
	}
	if condition != nil {
		if existing, ok := condition.(*appendCondition); ok {
			ac.FailIfEventsMatch = existing.FailIfEventsMatch
			ac.AfterCursor = existing.AfterCursor
		}
	}
	return ac
}
