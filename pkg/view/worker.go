package view

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"go-tidemark/pkg/dcb"
	"go-tidemark/pkg/processor"
)

// ProcessorName is the processor under which every view subscription is
// tracked in processor_progress.
const ProcessorName = "views"

// Config tunes the view worker.
type Config struct {
	// Processor carries the scheduler tuning (polling, batch size, backoff).
	Processor processor.Config

	// GlobalLock elects one leader for all views instead of one per view.
	// Per-view leaders are the default so rebuilds and slow folds spread
	// across instances.
	GlobalLock bool
}

// Worker runs the views. Each view is one subscription keyed by its name;
// batches are folded inside a transaction the worker owns, and the cursor
// only advances after that transaction commits.
type Worker struct {
	manager *processor.Manager
	pool    *pgxpool.Pool
	views   []View
	log     zerolog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger passed through to the scheduler framework.
func WithLogger(log zerolog.Logger) Option {
	return func(w *Worker) {
		w.log = log
	}
}

// NewWorker builds a worker for the given views.
func NewWorker(pool *pgxpool.Pool, views []View, cfg Config, opts ...Option) (*Worker, error) {
	if len(views) == 0 {
		return nil, fmt.Errorf("view worker needs at least one view")
	}

	seen := make(map[string]struct{}, len(views))
	for _, v := range views {
		if v.Name() == "" {
			return nil, fmt.Errorf("view with empty name")
		}
		if _, dup := seen[v.Name()]; dup {
			return nil, fmt.Errorf("duplicate view %q", v.Name())
		}
		seen[v.Name()] = struct{}{}
		if err := v.Subscription().validate(v.Name()); err != nil {
			return nil, err
		}
	}

	w := &Worker{
		pool:  pool,
		views: views,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	pcfg := cfg.Processor
	if cfg.GlobalLock {
		pcfg.LockStrategy = processor.LockGlobal
	} else {
		pcfg.LockStrategy = processor.LockPerSubscription
	}

	w.manager = processor.NewManager(pool, pcfg, processor.WithLogger(w.log))
	for _, v := range views {
		sub := v.Subscription()
		err := w.manager.Register(processor.Subscription{
			Processor:     ProcessorName,
			Key:           v.Name(),
			Query:         sub.query(),
			RequiredKeys:  sub.Required,
			AnyOfKeys:     sub.AnyOf,
			Handler:       batchHandler{pool: pool, view: v},
			FailOnBackoff: true,
		})
		if err != nil {
			return nil, err
		}
	}
	return w, nil
}

// batchHandler folds one batch inside a single transaction. All-or-nothing:
// on failure the cursor stays put and the whole batch is retried.
type batchHandler struct {
	pool *pgxpool.Pool
	view View
}

func (h batchHandler) Handle(ctx context.Context, events []dcb.Event, p processor.Progress) (dcb.Cursor, error) {
	if len(events) == 0 {
		return p.Cursor, nil
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return p.Cursor, fmt.Errorf("failed to begin transaction for view %q: %w", h.view.Name(), err)
	}
	defer tx.Rollback(ctx)

	if err := h.view.HandleBatch(ctx, tx, events); err != nil {
		return p.Cursor, fmt.Errorf("view %q: %w", h.view.Name(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return p.Cursor, fmt.Errorf("failed to commit view %q: %w", h.view.Name(), err)
	}

	last := events[len(events)-1]
	return dcb.Cursor{TransactionID: last.TransactionID, Position: last.Position}, nil
}

// Start initializes views that need tables and launches the schedulers.
func (w *Worker) Start(ctx context.Context) error {
	for _, v := range w.views {
		init, ok := v.(Initializer)
		if !ok {
			continue
		}
		if err := init.Init(ctx, w.pool); err != nil {
			return fmt.Errorf("failed to initialize view %q: %w", v.Name(), err)
		}
	}
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

// Views returns the registered views.
func (w *Worker) Views() []View {
	out := make([]View, len(w.views))
	copy(out, w.views)
	return out
}

// Pause parks one view without touching its cursor.
func (w *Worker) Pause(ctx context.Context, view string) error {
	return w.manager.Pause(ctx, ProcessorName, view)
}

// Resume reactivates a paused or failed view and clears its error count.
func (w *Worker) Resume(ctx context.Context, view string) error {
	return w.manager.Resume(ctx, ProcessorName, view)
}

// Reset rewinds a view to the start of the log. The view's tables are left
// untouched; idempotent folds converge on replay, otherwise clear them
// first.
func (w *Worker) Reset(ctx context.Context, view string) error {
	return w.manager.Reset(ctx, ProcessorName, view)
}

// Status reports status and lag for one view.
func (w *Worker) Status(ctx context.Context, view string) (processor.StatusReport, error) {
	return w.manager.Status(ctx, ProcessorName, view)
}

// StatusAll reports status and lag for every view, keyed by view name.
func (w *Worker) StatusAll(ctx context.Context) (map[string]processor.StatusReport, error) {
	return w.manager.StatusAll(ctx, ProcessorName)
}

// Details returns the full progress row for one view.
func (w *Worker) Details(ctx context.Context, view string) (processor.Progress, error) {
	return w.manager.Details(ctx, ProcessorName, view)
}

// DetailsAll returns the full progress rows for every view.
func (w *Worker) DetailsAll(ctx context.Context) ([]processor.Progress, error) {
	return w.manager.DetailsAll(ctx, ProcessorName)
}
