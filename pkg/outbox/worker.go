package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"go-tidemark/pkg/dcb"
	"go-tidemark/pkg/processor"
)

// ProcessorName is the processor under which every outbox subscription is
// tracked in processor_progress.
const ProcessorName = "outbox"

// SubscriptionKey is the progress key for one (topic, publisher) pair.
func SubscriptionKey(topic, publisher string) string {
	return topic + "/" + publisher
}

// Config tunes the outbox worker.
type Config struct {
	// Processor carries the scheduler tuning (polling, batch size, backoff).
	Processor processor.Config

	// MaxConsecutiveErrors parks a (topic, publisher) pair as FAILED once
	// its error count reaches this value. Zero means the default of 10.
	MaxConsecutiveErrors int

	// PerTopicLocks elects a leader per (topic, publisher) pair instead of
	// one leader for the whole outbox. Spreads load across instances at the
	// cost of cross-topic ordering.
	PerTopicLocks bool
}

const defaultMaxConsecutiveErrors = 10

// Worker relays committed events to publishers, one subscription per
// (topic, publisher) pair. Each pair keeps its own cursor, so a slow sink
// never holds back the others.
type Worker struct {
	manager    *processor.Manager
	topics     []Topic
	publishers []Publisher
	log        zerolog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger passed through to the scheduler framework.
func WithLogger(log zerolog.Logger) Option {
	return func(w *Worker) {
		w.log = log
	}
}

// NewWorker builds a worker for the given topics and publishers. Every
// publisher receives every topic; pairs that should not exist are expressed
// by running separate workers.
func NewWorker(pool *pgxpool.Pool, topics []Topic, publishers []Publisher, cfg Config, opts ...Option) (*Worker, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("outbox worker needs at least one topic")
	}
	if len(publishers) == 0 {
		return nil, fmt.Errorf("outbox worker needs at least one publisher")
	}

	seenTopics := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seenTopics[t.Name]; dup {
			return nil, fmt.Errorf("duplicate topic %q", t.Name)
		}
		seenTopics[t.Name] = struct{}{}
	}

	seenPubs := make(map[string]struct{}, len(publishers))
	for _, p := range publishers {
		if p.Name() == "" {
			return nil, fmt.Errorf("publisher with empty name")
		}
		if _, dup := seenPubs[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate publisher %q", p.Name())
		}
		seenPubs[p.Name()] = struct{}{}
	}

	w := &Worker{
		topics:     topics,
		publishers: publishers,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	maxErrs := cfg.MaxConsecutiveErrors
	if maxErrs <= 0 {
		maxErrs = defaultMaxConsecutiveErrors
	}

	pcfg := cfg.Processor
	if cfg.PerTopicLocks {
		pcfg.LockStrategy = processor.LockPerSubscription
	} else {
		pcfg.LockStrategy = processor.LockGlobal
	}

	w.manager = processor.NewManager(pool, pcfg, processor.WithLogger(w.log))
	for _, t := range topics {
		for _, p := range publishers {
			err := w.manager.Register(processor.Subscription{
				Processor:       ProcessorName,
				Key:             SubscriptionKey(t.Name, p.Name()),
				Query:           t.query(),
				RequiredKeys:    t.Required,
				AnyOfKeys:       t.AnyOf,
				Handler:         relayHandler{topic: t, pub: p},
				HaltAfterErrors: maxErrs,
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return w, nil
}

// relayHandler delivers one batch to one publisher. Envelopes go out one at
// a time and the returned cursor tracks the last delivered event, so a
// mid-batch failure resumes exactly after the last success.
type relayHandler struct {
	topic Topic
	pub   Publisher
}

func (h relayHandler) Handle(ctx context.Context, events []dcb.Event, p processor.Progress) (dcb.Cursor, error) {
	done := p.Cursor
	if !h.pub.Healthy() {
		return done, fmt.Errorf("publisher %q reports unhealthy", h.pub.Name())
	}
	for _, ev := range events {
		if err := h.pub.Publish(ctx, newEnvelope(h.topic.Name, ev)); err != nil {
			return done, fmt.Errorf("publish to %q: %w", h.pub.Name(), err)
		}
		done = dcb.Cursor{TransactionID: ev.TransactionID, Position: ev.Position}
	}
	return done, nil
}

// Start launches the schedulers. It returns once they are running.
func (w *Worker) Start(ctx context.Context) error {
	return w.manager.Start(ctx)
}

// Stop shuts the schedulers down and releases the leader locks.
func (w *Worker) Stop(ctx context.Context) error {
	return w.manager.Stop(ctx)
}

// Wait blocks until all schedulers exited.
func (w *Worker) Wait() error {
	return w.manager.Wait()
}

// InstanceID identifies this worker in leadership columns.
func (w *Worker) InstanceID() string {
	return w.manager.InstanceID()
}

// Topics returns a copy of the routed topics.
func (w *Worker) Topics() []Topic {
	out := make([]Topic, len(w.topics))
	copy(out, w.topics)
	return out
}

// Pause parks one (topic, publisher) pair without touching its cursor.
func (w *Worker) Pause(ctx context.Context, topic, publisher string) error {
	return w.manager.Pause(ctx, ProcessorName, SubscriptionKey(topic, publisher))
}

// Resume reactivates a paused or failed pair and clears its error count.
func (w *Worker) Resume(ctx context.Context, topic, publisher string) error {
	return w.manager.Resume(ctx, ProcessorName, SubscriptionKey(topic, publisher))
}

// Reset rewinds a pair to the start of the log for redelivery.
func (w *Worker) Reset(ctx context.Context, topic, publisher string) error {
	return w.manager.Reset(ctx, ProcessorName, SubscriptionKey(topic, publisher))
}

// Status reports status and lag for one (topic, publisher) pair.
func (w *Worker) Status(ctx context.Context, topic, publisher string) (processor.StatusReport, error) {
	return w.manager.Status(ctx, ProcessorName, SubscriptionKey(topic, publisher))
}

// StatusAll reports status and lag for every pair, keyed by subscription key.
func (w *Worker) StatusAll(ctx context.Context) (map[string]processor.StatusReport, error) {
	return w.manager.StatusAll(ctx, ProcessorName)
}

// Details returns the full progress row for one pair.
func (w *Worker) Details(ctx context.Context, topic, publisher string) (processor.Progress, error) {
	return w.manager.Details(ctx, ProcessorName, SubscriptionKey(topic, publisher))
}

// DetailsAll returns the full progress rows for every pair.
func (w *Worker) DetailsAll(ctx context.Context) ([]processor.Progress, error) {
	return w.manager.DetailsAll(ctx, ProcessorName)
}
