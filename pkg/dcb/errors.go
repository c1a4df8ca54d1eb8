package dcb

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgUndefinedTable is the SQLSTATE reported when the schema has not been
// applied yet.
const pgUndefinedTable = "42P01"

// EventStoreError is the base error type for all store operations. Err is
// wrapped, so errors.Is/As see through it.
type EventStoreError struct {
	Op  string
	Err error
}

func (e *EventStoreError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EventStoreError) Unwrap() error { return e.Err }

// ValidationError reports invalid input: malformed events, tags, queries or
// commands. Nothing was written.
type ValidationError struct {
	EventStoreError
	Field string
	Value string
}

// ConcurrencyError reports a fencing violation: an event matching the
// decision model was appended past the condition's cursor. The caller should
// re-project and retry. Cursor is the cursor the failed condition carried,
// when it carried one.
type ConcurrencyError struct {
	EventStoreError
	Cursor *Cursor
}

// DuplicateOperationError reports an idempotency violation: an event
// matching the condition's idempotency clauses already exists. The original
// outcome stands; treating this as success with zero new events is the
// intended handling.
type DuplicateOperationError struct {
	EventStoreError
	EventTypes []string
	Tags       []Tag
}

// ResourceError reports infrastructure failures: connection loss, timeouts,
// unexpected database errors.
type ResourceError struct {
	EventStoreError
	Resource string
}

// SchemaNotReadyError reports that a required table does not exist yet.
// Background processors treat this as "retry later" rather than a failure.
type SchemaNotReadyError struct {
	EventStoreError
	Relation string
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// GetValidationError extracts a *ValidationError from err, or nil.
func GetValidationError(err error) *ValidationError {
	var e *ValidationError
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsConcurrencyError reports whether err is or wraps a *ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var e *ConcurrencyError
	return errors.As(err, &e)
}

// GetConcurrencyError extracts a *ConcurrencyError from err, or nil.
func GetConcurrencyError(err error) *ConcurrencyError {
	var e *ConcurrencyError
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsDuplicateOperationError reports whether err is or wraps a
// *DuplicateOperationError.
func IsDuplicateOperationError(err error) bool {
	var e *DuplicateOperationError
	return errors.As(err, &e)
}

// GetDuplicateOperationError extracts a *DuplicateOperationError from err,
// or nil.
func GetDuplicateOperationError(err error) *DuplicateOperationError {
	var e *DuplicateOperationError
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsResourceError reports whether err is or wraps a *ResourceError.
func IsResourceError(err error) bool {
	var e *ResourceError
	return errors.As(err, &e)
}

// GetResourceError extracts a *ResourceError from err, or nil.
func GetResourceError(err error) *ResourceError {
	var e *ResourceError
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsSchemaNotReadyError reports whether err is or wraps a
// *SchemaNotReadyError, or is the raw undefined-table database error.
func IsSchemaNotReadyError(err error) bool {
	var e *SchemaNotReadyError
	if errors.As(err, &e) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}

// NewSchemaNotReadyError wraps an undefined-table error with the relation
// name it concerned. Returns err unchanged when it is not that kind of
// failure.
func NewSchemaNotReadyError(op, relation string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUndefinedTable {
		return err
	}
	return &SchemaNotReadyError{
		EventStoreError: EventStoreError{Op: op, Err: err},
		Relation:        relation,
	}
}
