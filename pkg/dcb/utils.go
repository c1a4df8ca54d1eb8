package dcb

import (
	"context"
	"fmt"
)

// TruncateEvents truncates the events, commands and processor progress
// tables and resets the position sequence. Intended for tests and local
// development only.
func TruncateEvents(ctx context.Context, store EventStore) error {
	es, ok := store.(*eventStore)
	if !ok {
		return fmt.Errorf("store is not the expected implementation type")
	}

	_, err := es.pool.Exec(ctx, "TRUNCATE TABLE events, commands, processor_progress RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("failed to truncate tables: %w", err)
	}
	return nil
}
