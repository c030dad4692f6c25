package subscribe

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/event/memory"
	"github.com/lirancohen/evcore/retry"
)

func appendN(t *testing.T, s *memory.Store, streamID string, eventType event.EventType, n int) []event.Event {
	t.Helper()
	var out []event.Event
	for i := 0; i < n; i++ {
		e, err := s.Append(context.Background(), event.Event{StreamID: streamID, Type: eventType}, event.AnyVersion)
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		out = append(out, e)
	}
	return out
}

// flakyReader fails the first failures reads.
type flakyReader struct {
	event.FeedReader
	failures atomic.Int32
	calls    atomic.Int32
}

func (r *flakyReader) ReadAll(ctx context.Context, after int64, limit int) ([]event.Event, error) {
	r.calls.Add(1)
	if r.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return r.FeedReader.ReadAll(ctx, after, limit)
}

func fastBackoff() *retry.Policy {
	return &retry.Policy{InitialDelay: time.Millisecond, Multiplier: 1}
}

func TestBroadcaster(t *testing.T) {
	var b Broadcaster
	ch := b.Changed()
	select {
	case <-ch:
		t.Fatal("Changed() closed before Notify")
	default:
	}
	b.Notify()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Changed() not closed after Notify")
	}
	select {
	case <-b.Changed():
		t.Fatal("new Changed() channel already closed")
	default:
	}
}

func TestNotifiers(t *testing.T) {
	a, b := NewBroadcaster(), NewBroadcaster()
	ca, cb := a.Changed(), b.Changed()
	Notifiers{a, nil, b}.Notify()
	for _, ch := range []<-chan struct{}{ca, cb} {
		select {
		case <-ch:
		default:
			t.Error("notifier not fanned out")
		}
	}
}

func TestSubscription_CatchUpThenLive(t *testing.T) {
	store := memory.New()
	history := appendN(t, store, "S1", "a", 5)

	b := NewBroadcaster()
	sub := Subscribe(store, 0, Options{PageSize: 2, Signal: b, PollInterval: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i, want := range history {
		got, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		if got.ID != want.ID {
			t.Fatalf("Next() #%d = %s, want %s", i, got.ID, want.ID)
		}
	}

	done := make(chan event.Event, 1)
	go func() {
		e, err := sub.Next(ctx)
		if err == nil {
			done <- e
		}
	}()

	time.Sleep(20 * time.Millisecond)
	live := appendN(t, store, "S2", "b", 1)[0]
	b.Notify()

	select {
	case got := <-done:
		if got.ID != live.ID {
			t.Errorf("live event = %s, want %s", got.ID, live.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("live event not delivered after Notify")
	}
	if !sub.Live() {
		t.Error("Live() = false after catching up")
	}
}

func TestSubscription_PollsWithoutSignal(t *testing.T) {
	store := memory.New()
	sub := Subscribe(store, 0, Options{PollInterval: 10 * time.Millisecond})

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = store.Append(context.Background(), event.Event{StreamID: "S1", Type: "a"}, event.AnyVersion)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	e, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if e.GlobalSequence != 1 {
		t.Errorf("GlobalSequence = %d, want 1", e.GlobalSequence)
	}
}

func TestSubscription_ResumesFromSequence(t *testing.T) {
	store := memory.New()
	events := appendN(t, store, "S1", "a", 6)

	sub := Subscribe(store, events[3].GlobalSequence, Options{})
	ctx := context.Background()
	for _, want := range events[4:] {
		got, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if got.GlobalSequence != want.GlobalSequence {
			t.Errorf("GlobalSequence = %d, want %d", got.GlobalSequence, want.GlobalSequence)
		}
	}
	if sub.Position() != events[5].GlobalSequence {
		t.Errorf("Position() = %d, want %d", sub.Position(), events[5].GlobalSequence)
	}
}

func TestSubscription_StrictlyIncreasing(t *testing.T) {
	store := memory.New()
	appendN(t, store, "S1", "a", 10)
	appendN(t, store, "S2", "b", 10)
	appendN(t, store, "S1", "a", 10)

	sub := Subscribe(store, 0, Options{PageSize: 7})
	ctx := context.Background()
	var last int64
	for i := 0; i < 30; i++ {
		e, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if e.GlobalSequence <= last {
			t.Fatalf("sequence %d delivered after %d", e.GlobalSequence, last)
		}
		last = e.GlobalSequence
	}
}

func TestSubscription_FiltersTypes(t *testing.T) {
	store := memory.New()
	appendN(t, store, "S1", "a", 3)
	want := appendN(t, store, "S1", "b", 1)[0]
	appendN(t, store, "S1", "a", 3)

	sub := Subscribe(store, 0, Options{PageSize: 2, Types: []event.EventType{"b"}, PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if got.ID != want.ID {
		t.Errorf("Next() = %s, want %s", got.ID, want.ID)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, err := sub.Next(ctx2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next() error = %v, want DeadlineExceeded", err)
	}
	if sub.Position() != 7 {
		t.Errorf("Position() = %d, want 7 (skipped events advance the position)", sub.Position())
	}
}

func TestSubscription_RetriesReadErrors(t *testing.T) {
	store := memory.New()
	appendN(t, store, "S1", "a", 1)

	reader := &flakyReader{FeedReader: store}
	reader.failures.Store(3)
	sub := Subscribe(reader, 0, Options{Backoff: fastBackoff()})

	e, err := sub.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if e.GlobalSequence != 1 || reader.calls.Load() != 4 {
		t.Errorf("got seq %d after %d reads, want seq 1 after 4", e.GlobalSequence, reader.calls.Load())
	}
}

func TestSubscription_GivesUp(t *testing.T) {
	reader := &flakyReader{FeedReader: memory.New()}
	reader.failures.Store(100)
	policy := fastBackoff()
	policy.MaxAttempts = 2

	sub := Subscribe(reader, 0, Options{Backoff: policy})
	if _, err := sub.Next(context.Background()); err == nil {
		t.Fatal("Next() should fail once the backoff policy gives up")
	}
	if reader.calls.Load() != 2 {
		t.Errorf("reads = %d, want 2", reader.calls.Load())
	}
}

func TestSubscription_ContextCancel(t *testing.T) {
	sub := Subscribe(memory.New(), 0, Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := sub.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() error = %v, want context.Canceled", err)
	}
}

func TestCatchUp(t *testing.T) {
	store := memory.New()
	appendN(t, store, "S1", "a", 5)

	var seen []int64
	last, err := CatchUp(context.Background(), store, 1, 2, func(e event.Event) error {
		seen = append(seen, e.GlobalSequence)
		return nil
	})
	if err != nil {
		t.Fatalf("CatchUp() error = %v", err)
	}
	if last != 5 || len(seen) != 4 || seen[0] != 2 {
		t.Errorf("CatchUp() = %d, seen %v; want 5 and [2 3 4 5]", last, seen)
	}

	last, err = CatchUp(context.Background(), store, 0, 2, func(e event.Event) error {
		if e.GlobalSequence == 3 {
			return ErrStop
		}
		return nil
	})
	if err != nil || last != 2 {
		t.Errorf("CatchUp() with ErrStop = %d, %v; want 2, nil", last, err)
	}
}
