package processor

import (
	"context"
	"fmt"

	"go-tidemark/pkg/dcb"
)

// BatchHandler consumes one fetched batch. It returns the cursor of the last
// event it fully handled: on success that is the last event of the batch; on
// partial failure it is the last event that made it through, so progress
// advances exactly that far before the error is counted. Delivery is
// at-least-once; handlers must tolerate replays.
type BatchHandler interface {
	Handle(ctx context.Context, events []dcb.Event, p Progress) (dcb.Cursor, error)
}

// BatchHandlerFunc adapts a function to the BatchHandler interface.
type BatchHandlerFunc func(ctx context.Context, events []dcb.Event, p Progress) (dcb.Cursor, error)

func (f BatchHandlerFunc) Handle(ctx context.Context, events []dcb.Event, p Progress) (dcb.Cursor, error) {
	return f(ctx, events, p)
}

// Subscription is one stream of events a processor consumes, identified by
// (Processor, Key). The filter fields are pushed into the fetch SQL, so a
// subscription's progress only ever advances past events it matched.
type Subscription struct {
	// Processor names the subsystem ("outbox", "views"). It namespaces the
	// progress rows and the advisory lock.
	Processor string
	// Key identifies the subscription within its processor.
	Key string

	// Query filters by event type and exact tag pairs; nil matches all
	// events.
	Query dcb.Query
	// RequiredKeys lists tag keys that must all be present, any value.
	RequiredKeys []string
	// AnyOfKeys lists tag keys of which at least one must be present.
	AnyOfKeys []string

	// Handler consumes the fetched batches.
	Handler BatchHandler

	// FailOnBackoff marks the subscription FAILED while its scheduler is
	// backing off; the scheduler keeps retrying and the status returns to
	// ACTIVE on the next success. Used by views.
	FailOnBackoff bool
	// HaltAfterErrors parks the subscription FAILED once its consecutive
	// error count reaches this value; an operator must reset or resume it.
	// Zero means never park. Used by the outbox.
	HaltAfterErrors int
}

func (s Subscription) validate() error {
	if s.Processor == "" {
		return fmt.Errorf("subscription processor must not be empty")
	}
	if s.Key == "" {
		return fmt.Errorf("subscription key must not be empty")
	}
	if s.Handler == nil {
		return fmt.Errorf("subscription %s/%s has no handler", s.Processor, s.Key)
	}
	return nil
}

// HandlerError wraps a batch handler failure with its subscription identity,
// as recorded in the progress row and the logs.
type HandlerError struct {
	Processor string
	Key       string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s/%s: %v", e.Processor, e.Key, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
