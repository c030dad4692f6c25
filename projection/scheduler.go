package projection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/metrics"
)

// ErrSchedulerRunning is returned when Run is called on a running Scheduler.
var ErrSchedulerRunning = errors.New("projection: scheduler already running")

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Projections to manage. Required; names must be unique.
	Projections []Projection

	// Status persists projection status. Defaults to a MemoryStatusStore.
	Status StatusStore

	// Workers is the number of concurrent refreshes. Defaults to 4.
	Workers int

	Logger  logging.Logger
	Metrics *metrics.Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Validate checks that the configuration is valid.
func (c *SchedulerConfig) Validate() error {
	if len(c.Projections) == 0 {
		return errors.New("projection: at least one projection is required")
	}
	seen := make(map[string]struct{}, len(c.Projections))
	for _, p := range c.Projections {
		if p == nil {
			return errors.New("projection: nil projection")
		}
		if _, dup := seen[p.Name()]; dup {
			return fmt.Errorf("projection: duplicate projection %q", p.Name())
		}
		seen[p.Name()] = struct{}{}
	}
	if c.Workers < 0 {
		return errors.New("projection: Workers must not be negative")
	}
	return nil
}

func (c *SchedulerConfig) withDefaults() {
	if c.Status == nil {
		c.Status = NewMemoryStatusStore()
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	c.Logger = logging.OrNop(c.Logger)
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Scheduler refreshes projections in the background.
//
// Each projection is either idle, queued, or running. A request for a queued
// projection only updates its trigger; a request for a running projection
// sets a flag that re-queues it once when the refresh finishes. A burst of
// events therefore costs at most one extra refresh per projection, and the
// ready queue never holds a name twice.
type Scheduler struct {
	entries map[string]*entry
	names   []string
	ready   chan *entry

	status  StatusStore
	workers int
	logger  logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	running atomic.Bool
}

type entry struct {
	proj Projection

	mu      sync.Mutex // guards the fields below
	queued  bool
	active  bool
	rerun   bool
	trigger event.Event

	// runMu serializes refreshes of this projection across workers and
	// RefreshNow callers.
	runMu sync.Mutex
}

// NewScheduler creates a scheduler. Call Run to start the workers.
func NewScheduler(config SchedulerConfig) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.withDefaults()

	s := &Scheduler{
		entries: make(map[string]*entry, len(config.Projections)),
		ready:   make(chan *entry, len(config.Projections)),
		status:  config.Status,
		workers: config.Workers,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}
	for _, p := range config.Projections {
		s.entries[p.Name()] = &entry{proj: p}
		s.names = append(s.names, p.Name())
	}
	sort.Strings(s.names)
	return s, nil
}

// Projections returns the registered projection names, sorted.
func (s *Scheduler) Projections() []string {
	return append([]string(nil), s.names...)
}

// Projection returns the registered projection with the given name.
func (s *Scheduler) Projection(name string) (Projection, bool) {
	e, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	return e.proj, true
}

// Enqueue marks the named projections stale and schedules a refresh for
// each. It never blocks on a refresh. Unknown names are skipped and reported
// as ErrUnknownProjection after the known ones are scheduled.
func (s *Scheduler) Enqueue(ctx context.Context, names []string, trigger event.Event) error {
	var unknown []string
	for _, name := range names {
		e, ok := s.entries[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		e.mu.Lock()
		s.markStale(ctx, e)
		if trigger.GlobalSequence >= e.trigger.GlobalSequence {
			e.trigger = trigger
		}
		switch {
		case e.queued:
		case e.active:
			e.rerun = true
		default:
			e.queued = true
			s.ready <- e
		}
		e.mu.Unlock()
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %v", ErrUnknownProjection, unknown)
	}
	return nil
}

// MarkStale records that the named projections are stale without scheduling
// a refresh. Used when refreshes are queued elsewhere.
func (s *Scheduler) MarkStale(ctx context.Context, names []string) error {
	var unknown []string
	for _, name := range names {
		e, ok := s.entries[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		e.mu.Lock()
		s.markStale(ctx, e)
		e.mu.Unlock()
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %v", ErrUnknownProjection, unknown)
	}
	return nil
}

// Run starts the workers and blocks until ctx is done. Refreshes in flight
// when ctx ends are canceled through their context.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSchedulerRunning
	}
	defer s.running.Store(false)

	s.logger.Info("projection scheduler started", "workers", s.workers, "projections", len(s.names))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case e := <-s.ready:
					s.work(gctx, e)
				}
			}
		})
	}
	err := g.Wait()

	s.logger.Info("projection scheduler stopped")
	return err
}

func (s *Scheduler) work(ctx context.Context, e *entry) {
	e.mu.Lock()
	e.queued = false
	e.active = true
	trigger := e.trigger
	e.mu.Unlock()

	// Failures are recorded in the status store; the next trigger or a
	// Repair retries.
	_ = s.refresh(ctx, e, trigger)

	e.mu.Lock()
	e.active = false
	if e.rerun && ctx.Err() == nil {
		e.rerun = false
		e.queued = true
		s.ready <- e
	}
	e.mu.Unlock()
}

// RefreshNow refreshes one projection synchronously and returns the refresh
// error, if any. The status store is updated as for background refreshes.
func (s *Scheduler) RefreshNow(ctx context.Context, name string, trigger event.Event) error {
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	return s.refresh(ctx, e, trigger)
}

// Repair re-runs a projection, typically one in StateError.
func (s *Scheduler) Repair(ctx context.Context, name string) error {
	s.logger.Info("repairing projection", "projection", name)
	return s.RefreshNow(ctx, name, event.Event{})
}

func (s *Scheduler) refresh(ctx context.Context, e *entry, trigger event.Event) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	name := e.proj.Name()
	e.mu.Lock()
	st := s.currentStatus(ctx, e.proj)
	st.State = StateRefreshing
	st.UpdatedAt = s.now()
	s.saveStatus(ctx, st)
	e.mu.Unlock()

	start := time.Now()
	cp, err := e.proj.Refresh(ctx, trigger)
	s.metrics.Refresh(name, err, time.Since(start))

	st.SchemaVersion = e.proj.SchemaVersion()
	st.UpdatedAt = s.now()
	if err != nil {
		st.State = StateError
		st.ErrorMessage = err.Error()
		e.mu.Lock()
		s.saveStatus(ctx, st)
		e.mu.Unlock()
		s.logger.Error("projection refresh failed",
			"projection", name,
			"trigger_event_id", trigger.ID,
			"error", err,
		)
		return fmt.Errorf("refresh %s: %w", name, err)
	}

	st.ErrorMessage = ""
	if cp.Sequence > 0 {
		st.LastProcessedEventID = cp.EventID
		st.LastProcessedSequence = cp.Sequence
		st.LastProcessedAt = cp.At
	}

	// An Enqueue either lands before this point and is seen as pending, or
	// after it and finds the status fresh.
	e.mu.Lock()
	pending := e.rerun || e.queued
	if cp.Sequence > 0 {
		pending = e.trigger.GlobalSequence > cp.Sequence
	}
	st.State = StateFresh
	if pending {
		st.State = StateStale
	}
	s.saveStatus(ctx, st)
	e.mu.Unlock()
	s.logger.Debug("projection refreshed",
		"projection", name,
		"last_sequence", st.LastProcessedSequence,
		"duration", time.Since(start),
	)
	return nil
}

// Status returns the status of a projection. A projection that has never
// been refreshed reports StateFresh with no processed event.
func (s *Scheduler) Status(ctx context.Context, name string) (Status, error) {
	e, ok := s.entries[name]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	st, err := s.status.Get(ctx, name)
	if errors.Is(err, ErrStatusNotFound) {
		return initialStatus(e.proj), nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("get status %s: %w", name, err)
	}
	return st, nil
}

// Statuses returns the status of every registered projection, sorted by name.
func (s *Scheduler) Statuses(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(s.names))
	for _, name := range s.names {
		st, err := s.Status(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// markStale must be called with e.mu held.
func (s *Scheduler) markStale(ctx context.Context, e *entry) {
	st := s.currentStatus(ctx, e.proj)
	if st.State == StateStale || st.State == StateRefreshing {
		return
	}
	st.State = StateStale
	st.UpdatedAt = s.now()
	s.saveStatus(ctx, st)
}

func (s *Scheduler) currentStatus(ctx context.Context, p Projection) Status {
	st, err := s.status.Get(ctx, p.Name())
	if err != nil {
		if !errors.Is(err, ErrStatusNotFound) {
			s.logger.Warn("failed to load projection status", "projection", p.Name(), "error", err)
		}
		return initialStatus(p)
	}
	return st
}

func (s *Scheduler) saveStatus(ctx context.Context, st Status) {
	if err := s.status.Save(ctx, st); err != nil {
		s.logger.Warn("failed to save projection status",
			"projection", st.Name,
			"state", st.State,
			"error", err,
		)
	}
}

func initialStatus(p Projection) Status {
	return Status{
		Name:          p.Name(),
		State:         StateFresh,
		SchemaVersion: p.SchemaVersion(),
	}
}
