package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/event/memory"
	"github.com/lirancohen/evcore/internal/config"
	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/project"
	"github.com/lirancohen/evcore/projection"
	"github.com/lirancohen/evcore/subscribe"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls map[string][]int64
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, names []string, trigger event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string][]int64)
	}
	for _, n := range names {
		r.calls[n] = append(r.calls[n], trigger.GlobalSequence)
	}
	return nil
}

func (r *recordingEnqueuer) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls[name])
}

func testEnv(policy string) *env {
	return &env{
		cfg:    &config.Config{FallbackPolicy: policy, ProjectionWorkers: 1},
		logger: logging.Nop,
	}
}

func testScheduler(t *testing.T, store *memory.Store, statuses projection.StatusStore) *projection.Scheduler {
	t.Helper()
	unified, err := projection.NewUnified(store, 0)
	if err != nil {
		t.Fatalf("NewUnified() error = %v", err)
	}
	s, err := projection.NewScheduler(projection.SchedulerConfig{Projections: unified.All(), Status: statuses})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	return s
}

func TestFollow_RoutesFeedEvents(t *testing.T) {
	store := memory.New()
	sched := testScheduler(t, store, nil)
	router, err := newRouter(testEnv("none"), sched)
	if err != nil {
		t.Fatalf("newRouter() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appendType := func(et event.EventType) {
		if _, err := store.Append(ctx, event.Event{
			StreamID: "s-" + string(et),
			Type:     et,
			Payload:  json.RawMessage(`{}`),
		}, event.AnyVersion); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	appendType(event.EventTradingStateChanged)
	appendType("unmapped.type")

	broadcaster := subscribe.NewBroadcaster()
	sub := subscribe.Subscribe(store, 0, subscribe.Options{Signal: broadcaster, PollInterval: 20 * time.Millisecond})
	enq := &recordingEnqueuer{}

	done := make(chan error, 1)
	go func() { done <- follow(ctx, sub, router, enq, logging.Nop) }()

	appendType(event.EventSystemAlertRaised)
	broadcaster.Notify()

	deadline := time.Now().Add(5 * time.Second)
	for enq.count(project.UnifiedSystemHealth) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("follow() error = %v", err)
	}

	if got := enq.count(project.UnifiedTrading); got != 1 {
		t.Errorf("trading enqueues = %d, want 1", got)
	}
	if got := enq.count(project.UnifiedAnalysis); got != 1 {
		t.Errorf("analysis enqueues = %d, want 1", got)
	}
	if got := enq.count(project.UnifiedSystemHealth); got != 1 {
		t.Errorf("system-health enqueues = %d, want 1", got)
	}
	if got := enq.count(project.UnifiedPortfolio); got != 0 {
		t.Errorf("portfolio enqueues = %d, want 0 with fallback none", got)
	}
}

func TestNewRouter_RejectsUnknownPolicy(t *testing.T) {
	sched := testScheduler(t, memory.New(), nil)
	if _, err := newRouter(testEnv("some"), sched); err == nil {
		t.Error("newRouter() with an unknown fallback policy should fail")
	}
}

func TestOldestCheckpoint(t *testing.T) {
	ctx := context.Background()
	statuses := projection.NewMemoryStatusStore()
	sched := testScheduler(t, memory.New(), statuses)

	got, err := oldestCheckpoint(ctx, sched)
	if err != nil || got != 0 {
		t.Fatalf("oldestCheckpoint() with no progress = %d, %v; want 0", got, err)
	}

	for name, seq := range map[string]int64{
		project.UnifiedAnalysis:     40,
		project.UnifiedPortfolio:    12,
		project.UnifiedTrading:      40,
		project.UnifiedSystemHealth: 33,
	} {
		if err := statuses.Save(ctx, projection.Status{Name: name, State: projection.StateFresh, LastProcessedSequence: seq}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	got, err = oldestCheckpoint(ctx, sched)
	if err != nil || got != 12 {
		t.Errorf("oldestCheckpoint() = %d, %v; want 12", got, err)
	}
}

func TestRebuild_MarksPersistedStatusesStale(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, event.Event{StreamID: "sys", Type: event.EventSystemAlertRaised, Payload: json.RawMessage(`{"component":"feed","severity":"warning","message":"lagging"}`)}, event.AnyVersion); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	// Statuses survive the restart; the views do not.
	statuses := projection.NewMemoryStatusStore()
	sched := testScheduler(t, store, statuses)
	for _, name := range sched.Projections() {
		if err := statuses.Save(ctx, projection.Status{Name: name, State: projection.StateFresh, LastProcessedSequence: 3}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	enq := &recordingEnqueuer{}
	if err := rebuild(ctx, sched, enq, logging.Nop); err != nil {
		t.Fatalf("rebuild() error = %v", err)
	}
	for _, name := range sched.Projections() {
		st, err := sched.Status(ctx, name)
		if err != nil {
			t.Fatalf("Status(%s) error = %v", name, err)
		}
		if st.State != projection.StateStale || st.LastProcessedSequence != 3 {
			t.Errorf("%s status = %+v, want stale keeping sequence 3", name, st)
		}
		if got := enq.count(name); got != 1 {
			t.Errorf("%s enqueued %d times, want 1", name, got)
		}
	}

	// Refreshing rebuilds the view from the hot log.
	if err := sched.RefreshNow(ctx, project.UnifiedSystemHealth, event.Event{}); err != nil {
		t.Fatalf("RefreshNow() error = %v", err)
	}
	st, _ := sched.Status(ctx, project.UnifiedSystemHealth)
	if st.State != projection.StateFresh || st.LastProcessedSequence != 3 {
		t.Errorf("rebuilt status = %+v, want fresh at sequence 3", st)
	}
}
