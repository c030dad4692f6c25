package archive

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/event/memory"
)

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

const thirtyDays = 30 * 24 * time.Hour

// seed appends old events followed by recent ones to streamID.
func seed(t *testing.T, s *memory.Store, streamID string, old, recent int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < old+recent; i++ {
		ts := now.Add(-40 * 24 * time.Hour).Add(time.Duration(i) * time.Minute)
		if i >= old {
			ts = now.Add(-time.Duration(old+recent-i) * time.Hour)
		}
		if _, err := s.Append(ctx, event.Event{StreamID: streamID, Type: "a", Timestamp: ts}, event.AnyVersion); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
}

func newArchiver(t *testing.T, config Config) *Archiver {
	t.Helper()
	if config.Rate == 0 {
		config.Rate = 1000
	}
	config.Now = func() time.Time { return now }
	a, err := New(config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func versions(events []event.Event) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.Version
	}
	return out
}

func eventIDs(events []event.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

// failingCold fails Store after ok successful calls.
type failingCold struct {
	*memory.ColdStore
	ok int
}

func (c *failingCold) Store(ctx context.Context, events []event.Event) error {
	if c.ok <= 0 {
		return errors.New("disk full")
	}
	c.ok--
	return c.ColdStore.Store(ctx, events)
}

// failingRemove fails every RemoveEvents call.
type failingRemove struct {
	*memory.Store
}

func (h failingRemove) RemoveEvents(ctx context.Context, ids []string) (int, error) {
	return 0, errors.New("lock timeout")
}

// fakeMover returns the scripted batch sizes.
type fakeMover struct {
	batches []int
	cutoffs []time.Time
}

func (m *fakeMover) MoveBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	m.cutoffs = append(m.cutoffs, cutoff)
	if len(m.batches) == 0 {
		return 0, nil
	}
	n := m.batches[0]
	m.batches = m.batches[1:]
	return n, nil
}

func (m *fakeMover) ArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]event.Event, error) {
	return nil, nil
}

// memoryMover moves batches between memory stores and fails after ok moves.
type memoryMover struct {
	*memory.Store
	cold *memory.ColdStore
	ok   int
}

func (m *memoryMover) MoveBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if m.ok <= 0 {
		return 0, errors.New("serialization failure")
	}
	m.ok--
	batch, err := m.Store.ArchiveCandidates(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	if err := m.cold.Store(ctx, batch); err != nil {
		return 0, err
	}
	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}
	return m.Store.RemoveEvents(ctx, ids)
}

func TestConfig_Validate(t *testing.T) {
	hot, cold := memory.New(), memory.NewColdStore()
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"hot and cold", Config{Hot: hot, Cold: cold}, false},
		{"mover", Config{Mover: &fakeMover{}}, false},
		{"missing cold", Config{Hot: hot}, true},
		{"nothing", Config{}, true},
		{"negative batch", Config{Hot: hot, Cold: cold, BatchSize: -1}, true},
		{"negative rate", Config{Hot: hot, Cold: cold, Rate: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestArchive_HotReadShowsGap(t *testing.T) {
	hot, cold := memory.New(), memory.NewColdStore()
	seed(t, hot, "S1", 3, 3)
	a := newArchiver(t, Config{Hot: hot, Cold: cold, BatchSize: 2})
	ctx := context.Background()

	res, err := a.Archive(ctx, thirtyDays)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if res.Moved != 3 || res.Batches != 2 || !res.Cutoff.Equal(now.Add(-thirtyDays)) {
		t.Errorf("Archive() = %+v, want 3 moved in 2 batches", res)
	}

	hotEvents, err := hot.ReadStream(ctx, "S1", 1)
	if err != nil {
		t.Fatalf("ReadStream() error = %v", err)
	}
	if got := versions(hotEvents); !reflect.DeepEqual(got, []int64{4, 5, 6}) {
		t.Errorf("hot versions = %v, want [4 5 6] (gap where archived events were)", got)
	}

	spanning, err := SpanningReader{Hot: hot, Cold: cold}.ReadStream(ctx, "S1", 1)
	if err != nil {
		t.Fatalf("SpanningReader.ReadStream() error = %v", err)
	}
	if got := versions(spanning); !reflect.DeepEqual(got, []int64{1, 2, 3, 4, 5, 6}) {
		t.Errorf("spanning versions = %v, want 1..6", got)
	}

	if v, _ := hot.CurrentVersion(ctx, "S1"); v != 6 {
		t.Errorf("CurrentVersion() = %d after archival, want 6", v)
	}
	e, err := hot.Append(ctx, event.Event{StreamID: "S1", Type: "a"}, 6)
	if err != nil {
		t.Fatalf("Append() after archival error = %v", err)
	}
	if e.Version != 7 {
		t.Errorf("Version after archival = %d, want 7", e.Version)
	}
}

func TestArchive_NothingToDo(t *testing.T) {
	hot, cold := memory.New(), memory.NewColdStore()
	seed(t, hot, "S1", 0, 3)
	a := newArchiver(t, Config{Hot: hot, Cold: cold})

	res, err := a.Archive(context.Background(), thirtyDays)
	if err != nil || res.Moved != 0 || res.Batches != 0 {
		t.Errorf("Archive() = %+v, %v; want nothing moved", res, err)
	}
}

func TestArchive_RejectsNonPositiveRetention(t *testing.T) {
	a := newArchiver(t, Config{Hot: memory.New(), Cold: memory.NewColdStore()})
	if _, err := a.Archive(context.Background(), 0); err == nil {
		t.Error("Archive(0) should fail")
	}
}

func TestArchive_PartialFailure(t *testing.T) {
	hot := memory.New()
	seed(t, hot, "S1", 5, 1)
	cold := &failingCold{ColdStore: memory.NewColdStore(), ok: 1}
	a := newArchiver(t, Config{Hot: hot, Cold: cold, BatchSize: 2})
	ctx := context.Background()

	res, err := a.Archive(ctx, thirtyDays)
	var pfe *PartialFailureError
	if !errors.As(err, &pfe) {
		t.Fatalf("Archive() error = %v, want *PartialFailureError", err)
	}
	if pfe.Moved != 2 || len(pfe.Leftover) != 3 || res.Moved != 2 {
		t.Errorf("partial failure = %+v, result %+v; want 2 moved, 3 left over", pfe, res)
	}
	if !reflect.DeepEqual(res.Leftover, pfe.Leftover) {
		t.Errorf("result leftover %v != error leftover %v", res.Leftover, pfe.Leftover)
	}
	remaining, err := hot.ArchiveCandidates(ctx, now.Add(-thirtyDays), 0)
	if err != nil {
		t.Fatalf("ArchiveCandidates() error = %v", err)
	}
	if !reflect.DeepEqual(eventIDs(remaining), pfe.Leftover) {
		t.Errorf("leftover = %v, want every unarchived id %v", pfe.Leftover, eventIDs(remaining))
	}

	// The failed batch is still in the hot log; a later run finishes the job.
	cold.ok = 10
	res, err = a.Archive(ctx, thirtyDays)
	if err != nil {
		t.Fatalf("second Archive() error = %v", err)
	}
	if res.Moved != 3 {
		t.Errorf("second run moved %d, want 3", res.Moved)
	}
	if cold.Len() != 5 {
		t.Errorf("cold Len() = %d, want 5", cold.Len())
	}
}

func TestArchive_RemoveFailureLeavesDuplicates(t *testing.T) {
	hot := memory.New()
	seed(t, hot, "S1", 2, 1)
	cold := memory.NewColdStore()
	a := newArchiver(t, Config{Hot: failingRemove{hot}, Cold: cold})
	ctx := context.Background()

	_, err := a.Archive(ctx, thirtyDays)
	var pfe *PartialFailureError
	if !errors.As(err, &pfe) || len(pfe.Leftover) != 2 {
		t.Fatalf("Archive() error = %v, want partial failure with 2 leftovers", err)
	}

	events, err := SpanningReader{Hot: hot, Cold: cold}.ReadStream(ctx, "S1", 0)
	if err != nil {
		t.Fatalf("ReadStream() error = %v", err)
	}
	if got := versions(events); !reflect.DeepEqual(got, []int64{1, 2, 3}) {
		t.Errorf("spanning versions = %v, want [1 2 3] without duplicates", got)
	}
}

func TestArchive_Mover(t *testing.T) {
	m := &fakeMover{batches: []int{2, 2, 1}}
	a := newArchiver(t, Config{Mover: m, BatchSize: 2})

	res, err := a.Archive(context.Background(), thirtyDays)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if res.Moved != 5 || res.Batches != 3 {
		t.Errorf("Archive() = %+v, want 5 moved in 3 batches", res)
	}
	for _, c := range m.cutoffs {
		if !c.Equal(now.Add(-thirtyDays)) {
			t.Errorf("cutoff = %v, want %v", c, now.Add(-thirtyDays))
		}
	}
}

func TestArchive_MoverPartialFailure(t *testing.T) {
	hot, cold := memory.New(), memory.NewColdStore()
	seed(t, hot, "S1", 5, 1)
	m := &memoryMover{Store: hot, cold: cold, ok: 1}
	a := newArchiver(t, Config{Mover: m, BatchSize: 2})
	ctx := context.Background()

	res, err := a.Archive(ctx, thirtyDays)
	var pfe *PartialFailureError
	if !errors.As(err, &pfe) {
		t.Fatalf("Archive() error = %v, want *PartialFailureError", err)
	}
	if pfe.Moved != 2 || res.Moved != 2 || res.Batches != 1 {
		t.Errorf("partial failure = %+v, result %+v; want 2 moved in 1 batch", pfe, res)
	}
	remaining, err := hot.ArchiveCandidates(ctx, now.Add(-thirtyDays), 0)
	if err != nil {
		t.Fatalf("ArchiveCandidates() error = %v", err)
	}
	if len(remaining) != 3 || !reflect.DeepEqual(eventIDs(remaining), pfe.Leftover) {
		t.Errorf("leftover = %v, want %v", pfe.Leftover, eventIDs(remaining))
	}

	m.ok = 10
	if res, err = a.Archive(ctx, thirtyDays); err != nil || res.Moved != 3 {
		t.Errorf("second Archive() = %+v, %v; want 3 moved", res, err)
	}
}

func TestSpanningReader_FromVersion(t *testing.T) {
	hot, cold := memory.New(), memory.NewColdStore()
	seed(t, hot, "S1", 4, 2)
	a := newArchiver(t, Config{Hot: hot, Cold: cold})
	if _, err := a.Archive(context.Background(), thirtyDays); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	tests := []struct {
		from int64
		want []int64
	}{
		{1, []int64{1, 2, 3, 4, 5, 6}},
		{3, []int64{3, 4, 5, 6}},
		{5, []int64{5, 6}},
		{7, []int64{}},
	}
	for _, tt := range tests {
		events, err := SpanningReader{Hot: hot, Cold: cold}.ReadStream(context.Background(), "S1", tt.from)
		if err != nil {
			t.Fatalf("ReadStream(%d) error = %v", tt.from, err)
		}
		if got := versions(events); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ReadStream(%d) versions = %v, want %v", tt.from, got, tt.want)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	hot, cold := memory.New(), memory.NewColdStore()
	seed(t, hot, "S1", 1, 0)
	a := newArchiver(t, Config{Hot: hot, Cold: cold})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, thirtyDays, 5*time.Millisecond) }()

	deadline := time.Now().Add(3 * time.Second)
	for cold.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if cold.Len() != 1 {
		t.Errorf("cold Len() = %d, want 1", cold.Len())
	}
}
