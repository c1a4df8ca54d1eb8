package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.jetify.com/typeid"

	"go-tidemark/pkg/dcb"
)

// Envelope is one event as delivered to a publisher: the routed topic plus
// a unique message id for sink-side deduplication.
type Envelope struct {
	ID    string    `json:"id"`
	Topic string    `json:"topic"`
	Event dcb.Event `json:"event"`
}

// Publisher is a pluggable delivery sink. Delivery is at-least-once, in
// (transaction_id, position) order per (topic, publisher); sinks must be
// idempotent or accept duplicates. An unhealthy publisher fails its cycles
// and backs off without blocking other publishers on the same topic.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, env Envelope) error
	PublishBatch(ctx context.Context, envs []Envelope) error
	Healthy() bool
}

func newEnvelope(topic string, event dcb.Event) Envelope {
	return Envelope{ID: newMessageID(), Topic: topic, Event: event}
}

func newMessageID() string {
	id, err := typeid.WithPrefix("msg")
	if err != nil {
		return fmt.Sprintf("msg_%d", time.Now().UnixNano())
	}
	return id.String()
}

// LogPublisher writes every delivery to a structured log. Useful as a tap
// in development and as the simplest possible sink.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(ctx context.Context, env Envelope) error {
	p.log.Info().
		Str("envelope_id", env.ID).
		Str("topic", env.Topic).
		Str("type", env.Event.Type).
		Int64("position", env.Event.Position).
		Str("tags", dcb.TagsToString(env.Event.Tags)).
		RawJSON("payload", env.Event.Data).
		Msg("event published")
	return nil
}

func (p *LogPublisher) PublishBatch(ctx context.Context, envs []Envelope) error {
	for _, env := range envs {
		if err := p.Publish(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (p *LogPublisher) Healthy() bool { return true }

// StatCount is one cell of a stats snapshot.
type StatCount struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Count uint64 `json:"count"`
}

// StatsPublisher counts deliveries by (topic, event type). The snapshot
// feeds the host's status endpoint and test assertions.
type StatsPublisher struct {
	mu     sync.Mutex
	counts map[statKey]uint64
}

type statKey struct {
	topic     string
	eventType string
}

func NewStatsPublisher() *StatsPublisher {
	return &StatsPublisher{counts: make(map[statKey]uint64)}
}

func (p *StatsPublisher) Name() string { return "stats" }

func (p *StatsPublisher) Publish(ctx context.Context, env Envelope) error {
	p.mu.Lock()
	p.counts[statKey{topic: env.Topic, eventType: env.Event.Type}]++
	p.mu.Unlock()
	return nil
}

func (p *StatsPublisher) PublishBatch(ctx context.Context, envs []Envelope) error {
	for _, env := range envs {
		if err := p.Publish(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (p *StatsPublisher) Healthy() bool { return true }

// Count returns the deliveries seen for one (topic, event type).
func (p *StatsPublisher) Count(topic, eventType string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[statKey{topic: topic, eventType: eventType}]
}

// Total returns all deliveries seen.
func (p *StatsPublisher) Total() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	for _, n := range p.counts {
		total += n
	}
	return total
}

// Snapshot returns the counts sorted by topic then type.
func (p *StatsPublisher) Snapshot() []StatCount {
	p.mu.Lock()
	out := make([]StatCount, 0, len(p.counts))
	for key, n := range p.counts {
		out = append(out, StatCount{Topic: key.topic, Type: key.eventType, Count: n})
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// LatchPublisher collects envelopes and releases waiters once an expected
// number arrived. Gives tests a deterministic way to await delivery.
type LatchPublisher struct {
	mu        sync.Mutex
	remaining int
	received  []Envelope
	done      chan struct{}
	closed    bool
}

func NewLatchPublisher(count int) *LatchPublisher {
	l := &LatchPublisher{remaining: count, done: make(chan struct{})}
	if count <= 0 {
		l.closed = true
		close(l.done)
	}
	return l
}

func (l *LatchPublisher) Name() string { return "latch" }

func (l *LatchPublisher) Publish(ctx context.Context, env Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received = append(l.received, env)
	if l.remaining > 0 {
		l.remaining--
		if l.remaining == 0 && !l.closed {
			l.closed = true
			close(l.done)
		}
	}
	return nil
}

func (l *LatchPublisher) PublishBatch(ctx context.Context, envs []Envelope) error {
	for _, env := range envs {
		if err := l.Publish(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (l *LatchPublisher) Healthy() bool { return true }

// Await blocks until the expected number of envelopes arrived or ctx ends.
func (l *LatchPublisher) Await(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return nil
	}
}

// Received returns a copy of everything published so far.
func (l *LatchPublisher) Received() []Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Envelope, len(l.received))
	copy(out, l.received)
	return out
}
