package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go-tidemark/pkg/period"
)

// Boundary event types written when a period is opened or closed.
const (
	EventTypeStatementOpened = "StatementOpened"
	EventTypeStatementClosed = "StatementClosed"
)

// statementProjectorID keys the internal statement projector; it is
// stripped from the states handed back to callers.
const statementProjectorID = "__statement"

// statementPayload is the payload of boundary events: the period concerned
// and a snapshot of projector states keyed by projector ID, so the next
// period starts from the closing balance instead of replaying history.
type statementPayload struct {
	Period period.ID                  `json:"period"`
	States map[string]json.RawMessage `json:"states,omitempty"`
}

type statementState struct {
	Period period.ID
	Open   bool
	States map[string]json.RawMessage
}

// PeriodProjection is the outcome of a period-scoped projection.
type PeriodProjection struct {
	// Period is the current period.
	Period period.ID
	// States holds the projector states within the period, keyed by
	// projector ID. When Boundary closes a previous period, these are the
	// carried-over closing states.
	States map[string]any
	// Condition fences a subsequent AppendIf against every event the
	// projection consumed, boundary events included.
	Condition AppendCondition
	// Boundary holds the StatementClosed/StatementOpened events that must be
	// appended (atomically, under Condition) to move the entity into the
	// current period. Empty when the current period is already open.
	Boundary []InputEvent
}

// PeriodHelper implements closing-the-books bookkeeping: period-scoped
// projections, and boundary events that carry closing states across period
// borders so projections never need to replay prior periods.
type PeriodHelper struct {
	store EventStore
	clock func() time.Time
}

// PeriodHelperOption customizes a period helper.
type PeriodHelperOption func(*PeriodHelper)

// WithPeriodClock overrides the helper's time source. Intended for tests.
func WithPeriodClock(clock func() time.Time) PeriodHelperOption {
	return func(h *PeriodHelper) { h.clock = clock }
}

// NewPeriodHelper creates a period helper on top of the store.
func NewPeriodHelper(store EventStore, opts ...PeriodHelperOption) *PeriodHelper {
	h := &PeriodHelper{store: store, clock: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ProjectCurrentPeriod projects the given projectors scoped to the current
// period: every query item additionally requires the period's tags. With
// period type None it degenerates to a plain projection.
func (h *PeriodHelper) ProjectCurrentPeriod(ctx context.Context, t period.Type, projectors []StateProjector) (PeriodProjection, error) {
	if t == period.None {
		states, condition, err := h.store.Project(ctx, projectors, nil)
		if err != nil {
			return PeriodProjection{}, err
		}
		return PeriodProjection{States: states, Condition: condition}, nil
	}

	current := t.CurrentID(h.clock())
	scope := ParseTagsArray(current.Tags())
	scoped := make([]StateProjector, len(projectors))
	for i, p := range projectors {
		scoped[i] = scopeProjector(p, scope)
	}

	states, condition, err := h.store.Project(ctx, scoped, nil)
	if err != nil {
		return PeriodProjection{}, err
	}
	return PeriodProjection{Period: current, States: states, Condition: condition}, nil
}

// EnsureActivePeriod projects the entity's statement history and the given
// projectors, and decides which boundary events are needed to make the
// current period the open one:
//
//   - current period already open: no boundary events;
//   - nothing open yet: a StatementOpened for the current period;
//   - an earlier period open: a StatementClosed for it carrying its closing
//     states, plus a StatementOpened for the current period carrying the
//     same snapshot.
//
// The caller appends Boundary (plus its own events) under Condition; a
// racing period change then fails the append rather than corrupting the
// statement sequence. Projectors that should resume from a carried-over
// snapshot must handle StatementOpened in their transition function.
func (h *PeriodHelper) EnsureActivePeriod(ctx context.Context, t period.Type, entityTags []Tag, projectors []StateProjector) (PeriodProjection, error) {
	if t == period.None {
		states, condition, err := h.store.Project(ctx, projectors, nil)
		if err != nil {
			return PeriodProjection{}, err
		}
		return PeriodProjection{States: states, Condition: condition}, nil
	}
	if len(entityTags) == 0 {
		return PeriodProjection{}, &ValidationError{
			EventStoreError: EventStoreError{Op: "ensureActivePeriod", Err: fmt.Errorf("entity tags must not be empty")},
			Field:           "entityTags",
		}
	}

	current := t.CurrentID(h.clock())
	currentScope := ParseTagsArray(current.Tags())

	// First pass discovers which period, if any, is open for the entity;
	// that period's tags scope the closing projectors in the second pass.
	firstStates, _, err := h.store.Project(ctx, []StateProjector{statementProjector(entityTags)}, nil)
	if err != nil {
		return PeriodProjection{}, err
	}
	first, _ := firstStates[statementProjectorID].(statementState)
	needClose := first.Open && first.Period != current

	all := make([]StateProjector, 0, 2*len(projectors)+1)
	all = append(all, statementProjector(entityTags))
	for _, p := range projectors {
		all = append(all, scopeProjector(p, currentScope))
	}
	if needClose {
		closingScope := ParseTagsArray(first.Period.Tags())
		for _, p := range projectors {
			cp := scopeProjector(p, closingScope)
			cp.ID = closingStateID(p.ID)
			all = append(all, cp)
		}
	}

	states, condition, err := h.store.Project(ctx, all, nil)
	if err != nil {
		return PeriodProjection{}, err
	}
	st, _ := states[statementProjectorID].(statementState)

	// The statement state moved between the two passes; the closing scope no
	// longer matches. The caller retries, like any other conflict.
	if st.Open != first.Open || st.Period != first.Period {
		return PeriodProjection{}, &ConcurrencyError{
			EventStoreError: EventStoreError{
				Op:  "ensureActivePeriod",
				Err: fmt.Errorf("statement state changed during projection"),
			},
		}
	}

	out := PeriodProjection{
		Period:    current,
		Condition: condition,
		States:    make(map[string]any, len(projectors)),
	}
	for _, p := range projectors {
		out.States[p.ID] = states[p.ID]
	}

	if st.Open && st.Period == current {
		return out, nil
	}

	if needClose {
		// Close the open period with its final states and open the current
		// one carrying the same snapshot.
		snapshot := make(map[string]json.RawMessage, len(projectors))
		for _, p := range projectors {
			closing := states[closingStateID(p.ID)]
			raw, err := json.Marshal(closing)
			if err != nil {
				return PeriodProjection{}, &ValidationError{
					EventStoreError: EventStoreError{Op: "ensureActivePeriod", Err: fmt.Errorf("failed to marshal closing state for projector %q: %w", p.ID, err)},
					Field:           "states",
					Value:           p.ID,
				}
			}
			snapshot[p.ID] = raw
			out.States[p.ID] = closing
		}

		closed, err := boundaryEvent(EventTypeStatementClosed, st.Period, entityTags, snapshot)
		if err != nil {
			return PeriodProjection{}, err
		}
		opened, err := boundaryEvent(EventTypeStatementOpened, current, entityTags, snapshot)
		if err != nil {
			return PeriodProjection{}, err
		}
		out.Boundary = []InputEvent{closed, opened}
		return out, nil
	}

	// Nothing open: open the current period. A snapshot from an earlier
	// manual close is carried forward; otherwise the current states (their
	// initial values, there being no events in the period yet) are used.
	snapshot := st.States
	if snapshot == nil {
		snapshot = make(map[string]json.RawMessage, len(projectors))
		for _, p := range projectors {
			raw, err := json.Marshal(states[p.ID])
			if err != nil {
				return PeriodProjection{}, &ValidationError{
					EventStoreError: EventStoreError{Op: "ensureActivePeriod", Err: fmt.Errorf("failed to marshal state for projector %q: %w", p.ID, err)},
					Field:           "states",
					Value:           p.ID,
				}
			}
			snapshot[p.ID] = raw
		}
	}
	opened, err := boundaryEvent(EventTypeStatementOpened, current, entityTags, snapshot)
	if err != nil {
		return PeriodProjection{}, err
	}
	out.Boundary = []InputEvent{opened}
	return out, nil
}

func boundaryEvent(eventType string, id period.ID, entityTags []Tag, snapshot map[string]json.RawMessage) (InputEvent, error) {
	data, err := json.Marshal(statementPayload{Period: id, States: snapshot})
	if err != nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{Op: "ensureActivePeriod", Err: fmt.Errorf("failed to marshal %s payload: %w", eventType, err)},
			Field:           "payload",
		}
	}
	tags := make([]Tag, 0, len(entityTags)+4)
	tags = append(tags, entityTags...)
	tags = append(tags, ParseTagsArray(id.Tags())...)
	return NewInputEventUnsafe(eventType, tags, data), nil
}

// statementProjector folds the entity's boundary events into the currently
// open period.
func statementProjector(entityTags []Tag) StateProjector {
	return StateProjector{
		ID: statementProjectorID,
		Query: NewQueryFromItems(
			NewQueryItem([]string{EventTypeStatementOpened, EventTypeStatementClosed}, entityTags),
		),
		InitialState: statementState{},
		TransitionFn: func(state any, event Event) any {
			st, _ := state.(statementState)
			var payload statementPayload
			if err := json.Unmarshal(event.Data, &payload); err != nil {
				return st
			}
			switch event.Type {
			case EventTypeStatementOpened:
				return statementState{Period: payload.Period, Open: true, States: payload.States}
			case EventTypeStatementClosed:
				return statementState{Period: payload.Period, Open: false, States: payload.States}
			}
			return st
		},
	}
}

// scopeProjector narrows a projector to a period scope by adding the scope
// tags to every query item. A match-all projector becomes a match-scope
// projector.
func scopeProjector(p StateProjector, scope []Tag) StateProjector {
	if p.Query == nil || len(p.Query.GetItems()) == 0 {
		p.Query = NewQuery(scope)
		return p
	}
	items := make([]QueryItem, 0, len(p.Query.GetItems()))
	for _, item := range p.Query.GetItems() {
		tags := make([]Tag, 0, len(item.GetTags())+len(scope))
		tags = append(tags, item.GetTags()...)
		tags = append(tags, scope...)
		items = append(items, NewQueryItem(item.GetEventTypes(), tags))
	}
	p.Query = NewQueryFromItems(items...)
	return p
}

func closingStateID(id string) string { return id + "@closing" }

// StampPeriodTags returns the events with the period's tags added. Events
// already carrying a period tag are left untouched, so replays and imports
// keep their original period.
func StampPeriodTags(id period.ID, events []InputEvent) []InputEvent {
	return stampPeriodTags(events, id)
}
