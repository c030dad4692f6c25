package river

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/projection"
)

type fakeProjection struct {
	name string

	mu       sync.Mutex
	calls    int
	last     event.Event
	err      error
	behind   bool
	behindFn func() (bool, error)
}

func (p *fakeProjection) Name() string       { return p.name }
func (p *fakeProjection) SchemaVersion() int { return 1 }

func (p *fakeProjection) Refresh(ctx context.Context, trigger event.Event) (projection.Checkpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = trigger
	if p.err != nil {
		return projection.Checkpoint{}, p.err
	}
	return projection.Checkpoint{EventID: trigger.ID, Sequence: trigger.GlobalSequence, At: time.Now()}, nil
}

func (p *fakeProjection) Behind(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.behindFn != nil {
		return p.behindFn()
	}
	return p.behind, nil
}

func refreshJob(args RefreshJobArgs) *river.Job[RefreshJobArgs] {
	return &river.Job[RefreshJobArgs]{JobRow: &rivertype.JobRow{ID: 1, Attempt: 1, Kind: JobKindProjectionRefresh}, Args: args}
}

func newRefreshWorker(s *projection.Scheduler) *refreshWorker {
	return &refreshWorker{scheduler: s, catchUpDelay: time.Second, logger: logging.Nop}
}

func TestRefreshWorker(t *testing.T) {
	tests := []struct {
		name      string
		proj      *fakeProjection
		args      RefreshJobArgs
		wantErr   bool
		wantState projection.State
	}{
		{
			name:      "caught up",
			proj:      &fakeProjection{name: project},
			args:      RefreshJobArgs{Projection: project, EventID: "e-7", Sequence: 7},
			wantState: projection.StateFresh,
		},
		{
			name:      "still behind snoozes",
			proj:      &fakeProjection{name: project, behind: true},
			args:      RefreshJobArgs{Projection: project, EventID: "e-7", Sequence: 7},
			wantErr:   true,
			wantState: projection.StateFresh,
		},
		{
			name:      "lag check failure is not a job failure",
			proj:      &fakeProjection{name: project, behindFn: func() (bool, error) { return false, errors.New("db down") }},
			args:      RefreshJobArgs{Projection: project, Sequence: 3},
			wantState: projection.StateFresh,
		},
		{
			name:      "refresh failure",
			proj:      &fakeProjection{name: project, err: errors.New("boom")},
			args:      RefreshJobArgs{Projection: project, Sequence: 3},
			wantErr:   true,
			wantState: projection.StateError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestScheduler(t, tt.proj)
			err := newRefreshWorker(s).Work(ctx, refreshJob(tt.args))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Work() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.proj.calls != 1 {
				t.Errorf("Refresh calls = %d, want 1", tt.proj.calls)
			}
			if tt.proj.last.ID != tt.args.EventID || tt.proj.last.GlobalSequence != tt.args.Sequence {
				t.Errorf("trigger = %s/%d, want %s/%d", tt.proj.last.ID, tt.proj.last.GlobalSequence, tt.args.EventID, tt.args.Sequence)
			}
			st, err := s.Status(ctx, project)
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if st.State != tt.wantState {
				t.Errorf("State = %s, want %s", st.State, tt.wantState)
			}
		})
	}
}

const project = "unified-analysis"

func TestRefreshWorker_UnknownProjection(t *testing.T) {
	s := newTestScheduler(t, &fakeProjection{name: project})
	err := newRefreshWorker(s).Work(context.Background(), refreshJob(RefreshJobArgs{Projection: "gone"}))
	if !errors.Is(err, projection.ErrUnknownProjection) {
		t.Errorf("Work() error = %v, want ErrUnknownProjection", err)
	}
}

func TestArchiveWorker(t *testing.T) {
	w := &archiveWorker{archiver: newTestArchiver(t), logger: logging.Nop}
	job := &river.Job[ArchiveJobArgs]{JobRow: &rivertype.JobRow{Kind: JobKindArchive}, Args: ArchiveJobArgs{Retention: time.Hour}}
	if err := w.Work(context.Background(), job); err != nil {
		t.Errorf("Work() error = %v", err)
	}

	job.Args.Retention = 0
	if err := w.Work(context.Background(), job); err == nil {
		t.Error("Work() with zero retention should fail")
	}
}

func TestJobArgs(t *testing.T) {
	refresh := RefreshJobArgs{Projection: project}
	if refresh.Kind() != "evcore.projection_refresh" {
		t.Errorf("RefreshJobArgs.Kind() = %q", refresh.Kind())
	}
	opts := refresh.InsertOpts()
	if !opts.UniqueOpts.ByArgs {
		t.Error("refresh jobs should be unique by args")
	}
	for _, want := range []rivertype.JobState{rivertype.JobStateAvailable, rivertype.JobStatePending, rivertype.JobStateRunning, rivertype.JobStateScheduled} {
		found := false
		for _, s := range opts.UniqueOpts.ByState {
			found = found || s == want
		}
		if !found {
			t.Errorf("refresh unique states missing %s", want)
		}
	}

	if (ArchiveJobArgs{}).Kind() != "evcore.archive" {
		t.Errorf("ArchiveJobArgs.Kind() = %q", ArchiveJobArgs{}.Kind())
	}
}
