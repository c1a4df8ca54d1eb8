package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.jetify.com/typeid"
	"golang.org/x/sync/errgroup"
)

// Manager owns one scheduler goroutine per registered subscription, the
// shared election session, and the management surface over the progress
// rows. Register every subscription first, then Start once migrations have
// run; schedulers tolerate a missing schema by skipping cycles.
type Manager struct {
	pool     *pgxpool.Pool
	cfg      Config
	log      zerolog.Logger
	instance string

	progress *progressStore
	elector  *leaderElector
	fetcher  *fetcher

	mu      sync.Mutex
	subs    []Subscription
	keys    map[string]struct{}
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	nudgeMu sync.Mutex
	nudgeCh chan struct{}
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger. The default discards everything.
func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithInstanceID overrides the generated instance identifier. Intended for
// tests asserting on leadership.
func WithInstanceID(id string) ManagerOption {
	return func(m *Manager) { m.instance = id }
}

// NewManager creates a manager on the pool with the given scheduler tuning.
func NewManager(pool *pgxpool.Pool, cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		pool:     pool,
		cfg:      cfg.withDefaults(),
		log:      zerolog.Nop(),
		instance: newInstanceID(),
		progress: newProgressStore(pool),
		keys:     make(map[string]struct{}),
		nudgeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.elector = newLeaderElector(pool, m.log)
	m.fetcher = newFetcher(pool, m.cfg.FetchTimeout)
	return m
}

// InstanceID returns this manager's identity, as written to leader_instance.
func (m *Manager) InstanceID() string { return m.instance }

// Config returns the normalized scheduler tuning.
func (m *Manager) Config() Config { return m.cfg }

// Register adds a subscription. Registrations must happen before Start;
// duplicate (processor, key) pairs are rejected.
func (m *Manager) Register(sub Subscription) error {
	if err := sub.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("cannot register %s/%s: manager already started", sub.Processor, sub.Key)
	}
	k := sub.Processor + "/" + sub.Key
	if _, dup := m.keys[k]; dup {
		return fmt.Errorf("subscription %s already registered", k)
	}
	m.keys[k] = struct{}{}
	m.subs = append(m.subs, sub)
	return nil
}

// Start launches the schedulers and the global leadership retry ticker, then
// returns. Processing ends when ctx is cancelled or Stop is called; only
// Stop also closes the election session, so prefer Stop for an orderly
// release of the advisory locks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("manager already started")
	}
	if len(m.subs) == 0 {
		return fmt.Errorf("no subscriptions registered")
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	g := &errgroup.Group{}
	m.group = g

	for _, sub := range m.subs {
		s := &scheduler{
			sub:      sub,
			cfg:      m.cfg,
			progress: m.progress,
			fetcher:  m.fetcher,
			elector:  m.elector,
			instance: m.instance,
			nudge:    m.nudgeListener,
			log:      m.log,
		}
		g.Go(func() error { return s.run(runCtx) })
	}
	g.Go(func() error { return m.runNudger(runCtx) })

	m.log.Info().
		Str("instance", m.instance).
		Int("subscriptions", len(m.subs)).
		Str("lock_strategy", m.cfg.LockStrategy.String()).
		Msg("processor manager started")
	return nil
}

// Stop cancels every scheduler and waits for them to finish, bounded by ctx.
// The election session is closed either way, releasing every advisory lock
// this instance holds.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, g := m.cancel, m.group
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	m.nudge()

	defer m.elector.close()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info().Msg("processor manager stopped")
		return nil
	case <-ctx.Done():
		m.log.Warn().Msg("processor manager stop timed out")
		return ctx.Err()
	}
}

// Wait blocks until every scheduler has exited; nil after a clean shutdown.
func (m *Manager) Wait() error {
	m.mu.Lock()
	g := m.group
	m.mu.Unlock()
	if g == nil {
		return nil
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runNudger wakes followers every LeaderRetryInterval so a freed lock is
// detected promptly even when every scheduler is mid-sleep.
func (m *Manager) runNudger(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.LeaderRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.nudge()
		}
	}
}

func (m *Manager) nudge() {
	m.nudgeMu.Lock()
	close(m.nudgeCh)
	m.nudgeCh = make(chan struct{})
	m.nudgeMu.Unlock()
}

func (m *Manager) nudgeListener() <-chan struct{} {
	m.nudgeMu.Lock()
	defer m.nudgeMu.Unlock()
	return m.nudgeCh
}

// Pause parks a subscription without touching its error state.
func (m *Manager) Pause(ctx context.Context, processor, key string) error {
	return m.progress.pause(ctx, processor, key)
}

// Resume reactivates a paused or failed subscription and clears its error
// state, keeping the cursor.
func (m *Manager) Resume(ctx context.Context, processor, key string) error {
	return m.progress.resume(ctx, processor, key)
}

// Reset rewinds a subscription to the start of the log and reactivates it,
// creating the progress row when it never existed.
func (m *Manager) Reset(ctx context.Context, processor, key string) error {
	return m.progress.reset(ctx, processor, key)
}

// Status reports a subscription's status and its lag behind the log head.
func (m *Manager) Status(ctx context.Context, processor, key string) (StatusReport, error) {
	p, err := m.progress.get(ctx, processor, key)
	if err != nil {
		return StatusReport{}, err
	}
	head, err := m.progress.maxPosition(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{Status: p.Status, Lag: lag(head, p.Cursor.Position)}, nil
}

// StatusAll reports status and lag for every subscription of a processor.
func (m *Manager) StatusAll(ctx context.Context, processor string) (map[string]StatusReport, error) {
	list, err := m.progress.list(ctx, processor)
	if err != nil {
		return nil, err
	}
	head, err := m.progress.maxPosition(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]StatusReport, len(list))
	for _, p := range list {
		out[p.SubscriptionKey] = StatusReport{Status: p.Status, Lag: lag(head, p.Cursor.Position)}
	}
	return out, nil
}

// Details returns the full progress row of a subscription.
func (m *Manager) Details(ctx context.Context, processor, key string) (Progress, error) {
	return m.progress.get(ctx, processor, key)
}

// DetailsAll returns the full progress rows of a processor.
func (m *Manager) DetailsAll(ctx context.Context, processor string) ([]Progress, error) {
	return m.progress.list(ctx, processor)
}

func newInstanceID() string {
	id, err := typeid.WithPrefix("instance")
	if err != nil {
		return fmt.Sprintf("instance_%d", time.Now().UnixNano())
	}
	return id.String()
}
