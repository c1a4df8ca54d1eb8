// Package view maintains materialized read models from the event log. A
// view declares the events it consumes and folds batches into its own
// tables inside a framework-managed transaction; leadership, progress
// tracking, and retries come from the processor framework.
package view

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-tidemark/pkg/dcb"
)

// Subscription declares which events a view consumes. EventTypes and Exact
// pairs filter on indexed columns; Required and AnyOf filter on tag-key
// presence. A zero Subscription consumes every event.
type Subscription struct {
	EventTypes []string
	Required   []string
	AnyOf      []string
	Exact      map[string]string
}

// View is a materialized read model. HandleBatch folds one batch into the
// view's tables inside the given transaction; the framework commits it and
// only then advances the cursor, so a failed batch leaves no partial state.
// Batches can be redelivered after a crash, and Reset replays the log from
// the start, so writes must be idempotent — upsert keyed on the entity.
type View interface {
	Name() string
	Subscription() Subscription
	HandleBatch(ctx context.Context, tx pgx.Tx, events []dcb.Event) error
}

// Initializer is implemented by views that set up their own tables. The
// worker calls Init for each view before the schedulers start.
type Initializer interface {
	Init(ctx context.Context, pool *pgxpool.Pool) error
}

func (s Subscription) validate(view string) error {
	for _, k := range s.Required {
		if err := validateTagKey(view, k); err != nil {
			return err
		}
	}
	for _, k := range s.AnyOf {
		if err := validateTagKey(view, k); err != nil {
			return err
		}
	}
	for k, v := range s.Exact {
		if err := validateTagKey(view, k); err != nil {
			return err
		}
		if v == "" {
			return fmt.Errorf("view %q: exact tag %q has an empty value", view, k)
		}
	}
	return nil
}

func validateTagKey(view, key string) error {
	if key == "" {
		return fmt.Errorf("view %q: empty tag key", view)
	}
	if strings.Contains(key, "=") {
		return fmt.Errorf("view %q: tag key %q must not contain '='", view, key)
	}
	return nil
}

func (s Subscription) query() dcb.Query {
	if len(s.EventTypes) == 0 && len(s.Exact) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.Exact))
	for k := range s.Exact {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]dcb.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, dcb.NewTag(k, s.Exact[k]))
	}
	return dcb.NewQuery(tags, s.EventTypes...)
}
