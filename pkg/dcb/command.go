package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go-tidemark/pkg/period"
)

// Command is an intent to change state, dispatched to a registered handler.
// Construct with NewCommand.
type Command interface {
	GetType() string
	GetData() []byte
	GetMetadata() map[string]any
	isCommand()
}

type command struct {
	Type     string         `json:"type"`
	Data     []byte         `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (c *command) GetType() string             { return c.Type }
func (c *command) GetData() []byte             { return c.Data }
func (c *command) GetMetadata() map[string]any { return c.Metadata }
func (c *command) isCommand()                  {}

// NewCommand creates a command. Data must be valid JSON.
func NewCommand(commandType string, data []byte, metadata map[string]any) Command {
	return &command{Type: commandType, Data: data, Metadata: metadata}
}

// CommandResult is a handler's decision: the events to append and the
// condition under which appending them is valid. A nil condition appends
// unconditionally.
type CommandResult struct {
	Events    []InputEvent
	Condition AppendCondition
}

// CommandHandler turns a command into events, typically by projecting a
// decision model through the transactional store view it receives.
type CommandHandler interface {
	Handle(ctx context.Context, store EventStore, cmd Command) (CommandResult, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, store EventStore, cmd Command) (CommandResult, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, store EventStore, cmd Command) (CommandResult, error) {
	return f(ctx, store, cmd)
}

// ExecuteResult reports a completed execution. Duplicate marks an
// idempotent replay: the original outcome stands and no new events were
// written.
type ExecuteResult struct {
	TransactionID uint64
	Events        []InputEvent
	Duplicate     bool
}

// CommandExecutor routes commands to registered handlers and persists the
// resulting events together with a command record in one transaction.
type CommandExecutor interface {
	// Register binds a handler to a command type. Registering the same type
	// twice is an error.
	Register(commandType string, handler CommandHandler, opts ...RegisterOption) error

	// Execute dispatches the command to its handler and atomically appends
	// the handler's events plus a command record. An idempotency violation
	// surfaces as ExecuteResult{Duplicate: true} with a nil error.
	Execute(ctx context.Context, cmd Command) (ExecuteResult, error)

	// ExecuteWithLocks is Execute with transaction-scoped advisory locks
	// acquired first, in sorted order, for serializing commands that cannot
	// express their conflicts as a decision model.
	ExecuteWithLocks(ctx context.Context, cmd Command, lockKeys []string) (ExecuteResult, error)
}

// RegisterOption customizes a handler registration.
type RegisterOption func(*registration)

// WithPeriod stamps events emitted by the handler with the current period's
// tags (year, month, ...). Events already carrying a period tag are left
// alone, so period boundary events keep the period they name.
func WithPeriod(t period.Type) RegisterOption {
	return func(r *registration) { r.period = t }
}

type registration struct {
	handler CommandHandler
	period  period.Type
}

type commandExecutor struct {
	eventStore EventStore
	mu         sync.RWMutex
	handlers   map[string]registration
	clock      func() time.Time
}

// ExecutorOption customizes a command executor.
type ExecutorOption func(*commandExecutor)

// WithClock overrides the executor's time source for period stamping.
// Intended for tests.
func WithClock(clock func() time.Time) ExecutorOption {
	return func(ce *commandExecutor) { ce.clock = clock }
}

// NewCommandExecutor creates a command executor on top of the store.
func NewCommandExecutor(store EventStore, opts ...ExecutorOption) CommandExecutor {
	ce := &commandExecutor{
		eventStore: store,
		handlers:   make(map[string]registration),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(ce)
	}
	return ce
}

func (ce *commandExecutor) Register(commandType string, handler CommandHandler, opts ...RegisterOption) error {
	if commandType == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "register", Err: fmt.Errorf("command type must not be empty")},
			Field:           "commandType",
		}
	}
	if handler == nil {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "register", Err: fmt.Errorf("handler must not be nil")},
			Field:           "handler",
			Value:           commandType,
		}
	}

	ce.mu.Lock()
	defer ce.mu.Unlock()
	if _, exists := ce.handlers[commandType]; exists {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "register", Err: fmt.Errorf("handler already registered for command type %q", commandType)},
			Field:           "commandType",
			Value:           commandType,
		}
	}

	reg := registration{handler: handler}
	for _, opt := range opts {
		opt(&reg)
	}
	ce.handlers[commandType] = reg
	return nil
}

func (ce *commandExecutor) Execute(ctx context.Context, cmd Command) (ExecuteResult, error) {
	return ce.execute(ctx, cmd, nil)
}

func (ce *commandExecutor) ExecuteWithLocks(ctx context.Context, cmd Command, lockKeys []string) (ExecuteResult, error) {
	for i, key := range lockKeys {
		if key == "" {
			return ExecuteResult{}, &ValidationError{
				EventStoreError: EventStoreError{Op: "executeWithLocks", Err: fmt.Errorf("empty lock key at index %d", i)},
				Field:           fmt.Sprintf("lockKeys[%d]", i),
			}
		}
	}
	return ce.execute(ctx, cmd, lockKeys)
}

func (ce *commandExecutor) execute(ctx context.Context, cmd Command, lockKeys []string) (ExecuteResult, error) {
	if cmd == nil || cmd.GetType() == "" {
		return ExecuteResult{}, &ValidationError{
			EventStoreError: EventStoreError{Op: "execute", Err: fmt.Errorf("command type must not be empty")},
			Field:           "commandType",
		}
	}
	if !json.Valid(cmd.GetData()) {
		return ExecuteResult{}, &ValidationError{
			EventStoreError: EventStoreError{Op: "execute", Err: fmt.Errorf("invalid JSON data in command %q", cmd.GetType())},
			Field:           "data",
			Value:           cmd.GetType(),
		}
	}

	ce.mu.RLock()
	reg, ok := ce.handlers[cmd.GetType()]
	ce.mu.RUnlock()
	if !ok {
		return ExecuteResult{}, &ValidationError{
			EventStoreError: EventStoreError{Op: "execute", Err: fmt.Errorf("no handler registered for command type %q", cmd.GetType())},
			Field:           "commandType",
			Value:           cmd.GetType(),
		}
	}

	// The command id ties the record to anything the handler logs.
	metadata := make(map[string]any, len(cmd.GetMetadata())+1)
	for k, v := range cmd.GetMetadata() {
		metadata[k] = v
	}
	if _, exists := metadata["command_id"]; !exists {
		metadata["command_id"] = newCommandID(cmd.GetType())
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return ExecuteResult{}, &ValidationError{
			EventStoreError: EventStoreError{Op: "execute", Err: fmt.Errorf("failed to marshal command metadata: %w", err)},
			Field:           "metadata",
			Value:           cmd.GetType(),
		}
	}

	var result ExecuteResult
	err = ce.eventStore.InTransaction(ctx, func(txCtx context.Context, store EventStore) error {
		txStore, ok := store.(*txEventStore)
		if !ok {
			return &ResourceError{
				EventStoreError: EventStoreError{Op: "execute", Err: fmt.Errorf("unexpected store implementation %T", store)},
				Resource:        "eventstore",
			}
		}

		if len(lockKeys) > 0 {
			// Sorted acquisition keeps lock order consistent across
			// concurrent commands, which rules out lock-order deadlocks.
			keys := append([]string(nil), lockKeys...)
			sort.Strings(keys)
			for _, key := range keys {
				if _, err := txStore.tx.Exec(txCtx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
					return &ResourceError{
						EventStoreError: EventStoreError{Op: "executeWithLocks", Err: fmt.Errorf("failed to acquire advisory lock %q: %w", key, err)},
						Resource:        "database",
					}
				}
			}
		}

		res, err := reg.handler.Handle(txCtx, store, cmd)
		if err != nil {
			return &ValidationError{
				EventStoreError: EventStoreError{Op: "execute", Err: fmt.Errorf("handler for %q failed: %w", cmd.GetType(), err)},
				Field:           "handler",
				Value:           cmd.GetType(),
			}
		}
		if len(res.Events) == 0 {
			return &ValidationError{
				EventStoreError: EventStoreError{Op: "execute", Err: fmt.Errorf("handler for %q returned no events", cmd.GetType())},
				Field:           "events",
				Value:           cmd.GetType(),
			}
		}

		events := res.Events
		if reg.period != period.None {
			events = stampPeriodTags(events, reg.period.CurrentID(ce.clock()))
		}

		txid, err := store.AppendIf(txCtx, events, res.Condition)
		if err != nil {
			return err
		}

		_, err = txStore.tx.Exec(txCtx,
			"INSERT INTO commands (transaction_id, type, data, metadata) VALUES (pg_current_xact_id(), $1, $2, $3)",
			cmd.GetType(), cmd.GetData(), metadataJSON)
		if err != nil {
			return &ResourceError{
				EventStoreError: EventStoreError{Op: "execute", Err: fmt.Errorf("failed to record command: %w", err)},
				Resource:        "database",
			}
		}

		result = ExecuteResult{TransactionID: txid, Events: events}
		return nil
	})
	if err != nil {
		if IsDuplicateOperationError(err) {
			// The original execution already happened and its events stand.
			return ExecuteResult{Duplicate: true}, nil
		}
		return ExecuteResult{}, err
	}
	return result, nil
}

// stampPeriodTags adds the period's tags to each event that does not
// already carry one.
func stampPeriodTags(events []InputEvent, id period.ID) []InputEvent {
	periodTags := ParseTagsArray(id.Tags())
	if len(periodTags) == 0 {
		return events
	}
	out := make([]InputEvent, len(events))
	for i, e := range events {
		if hasPeriodTag(e.GetTags()) {
			out[i] = e
			continue
		}
		tags := make([]Tag, 0, len(e.GetTags())+len(periodTags))
		tags = append(tags, e.GetTags()...)
		tags = append(tags, periodTags...)
		out[i] = NewInputEventUnsafe(e.GetType(), tags, e.GetData())
	}
	return out
}

func hasPeriodTag(tags []Tag) bool {
	for _, t := range tags {
		switch t.GetKey() {
		case "year", "month", "day", "hour":
			return true
		}
	}
	return false
}
