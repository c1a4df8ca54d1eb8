package dcb

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxEventTypeLength matches the VARCHAR(64) column in the events table.
const maxEventTypeLength = 64

// validateQueryTags validates the query tags and returns a ValidationError if invalid
func validateQueryTags(query Query) error {
	if query == nil || len(query.GetItems()) == 0 {
		// Empty query matches all events
		return nil
	}

	for itemIndex, item := range query.GetItems() {
		for i, t := range item.GetTags() {
			if t.GetKey() == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQueryTags",
						Err: fmt.Errorf("empty tag key in item %d", itemIndex),
					},
					Field: fmt.Sprintf("item[%d].tag[%d].key", itemIndex, i),
				}
			}
			if strings.Contains(t.GetKey(), "=") {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQueryTags",
						Err: fmt.Errorf("tag key %q in item %d contains '='", t.GetKey(), itemIndex),
					},
					Field: fmt.Sprintf("item[%d].tag[%d].key", itemIndex, i),
					Value: t.GetKey(),
				}
			}
			if t.GetValue() == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQueryTags",
						Err: fmt.Errorf("empty value for key %s in tag %d of item %d", t.GetKey(), i, itemIndex),
					},
					Field: fmt.Sprintf("item[%d].tag[%d].value", itemIndex, i),
					Value: t.GetKey(),
				}
			}
		}

		for i, eventType := range item.GetEventTypes() {
			if eventType == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQueryTags",
						Err: fmt.Errorf("empty event type at index %d of item %d", i, itemIndex),
					},
					Field: fmt.Sprintf("item[%d].eventTypes[%d]", itemIndex, i),
				}
			}
		}
	}

	return nil
}

// validateEvent validates a single event and returns a ValidationError if invalid
func validateEvent(e InputEvent, index int) error {
	if e == nil {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("nil event at index %d", index),
			},
			Field: fmt.Sprintf("event[%d]", index),
		}
	}

	if e.GetType() == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("empty type in event %d", index),
			},
			Field: "type",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}

	if len(e.GetType()) > maxEventTypeLength {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("type exceeds %d characters in event %d", maxEventTypeLength, index),
			},
			Field: "type",
			Value: e.GetType(),
		}
	}

	if len(e.GetTags()) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("empty tags in event %d", index),
			},
			Field: "tags",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}

	for j, t := range e.GetTags() {
		if t.GetKey() == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("empty tag key in event %d", index),
				},
				Field: fmt.Sprintf("event[%d].tag[%d].key", index, j),
			}
		}
		if strings.Contains(t.GetKey(), "=") {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("tag key %q in event %d contains '='", t.GetKey(), index),
				},
				Field: fmt.Sprintf("event[%d].tag[%d].key", index, j),
				Value: t.GetKey(),
			}
		}
		if t.GetValue() == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("empty value for key %s in tag %d of event %d", t.GetKey(), j, index),
				},
				Field: fmt.Sprintf("event[%d].tag[%d].value", index, j),
				Value: t.GetKey(),
			}
		}
	}

	if !json.Valid(e.GetData()) {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("invalid JSON data in event %d", index),
			},
			Field: "data",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}

	return nil
}

// validateEvents validates all events in a batch
func validateEvents(events []InputEvent) error {
	for i, event := range events {
		if err := validateEvent(event, i); err != nil {
			return err
		}
	}
	return nil
}

// validateBatchSize validates that the batch size is within limits
func (es *eventStore) validateBatchSize(events []InputEvent, operation string) error {
	if len(events) > es.config.MaxBatchSize {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  operation,
				Err: fmt.Errorf("batch size %d exceeds maximum %d", len(events), es.config.MaxBatchSize),
			},
			Field: "batchSize",
			Value: fmt.Sprintf("%d", len(events)),
		}
	}
	return nil
}
