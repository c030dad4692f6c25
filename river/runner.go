// Package river runs projection refreshes and archival as durable River
// jobs in PostgreSQL, so a refresh requested by a committed event survives a
// process restart.
package river

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/projection"
)

// Runner errors.
var (
	// ErrRunnerAlreadyStarted indicates Start was called twice.
	ErrRunnerAlreadyStarted = errors.New("runner already started")

	// ErrInsertOnly indicates Start was called on a runner without workers.
	ErrInsertOnly = errors.New("runner is insert-only")
)

// Runner queues and works projection refresh and archive jobs. It
// implements projection.Enqueuer, so it can stand in for the in-process
// scheduler queue behind engine.Engine.
type Runner struct {
	pool      *pgxpool.Pool
	scheduler *projection.Scheduler
	logger    logging.Logger
	config    Config

	client  *river.Client[pgx.Tx]
	started bool
	mu      sync.Mutex
}

var _ projection.Enqueuer = (*Runner)(nil)

// NewRunner validates config and builds the River client.
// Jobs can be enqueued right away; call Start to process them.
func NewRunner(config Config) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg := config.withDefaults()
	r := &Runner{
		pool:      cfg.Pool,
		scheduler: cfg.Scheduler,
		logger:    cfg.Logger,
		config:    cfg,
	}

	riverConfig := &river.Config{
		JobTimeout:   cfg.JobTimeout,
		ErrorHandler: &errorHandler{logger: cfg.Logger},
	}
	if cfg.Workers > 0 {
		workers := river.NewWorkers()
		river.AddWorker(workers, &refreshWorker{
			scheduler:    cfg.Scheduler,
			catchUpDelay: cfg.CatchUpDelay,
			logger:       cfg.Logger,
		})
		if cfg.Archiver != nil {
			river.AddWorker(workers, &archiveWorker{archiver: cfg.Archiver, logger: cfg.Logger})
		}
		riverConfig.Workers = workers
		riverConfig.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		}
		riverConfig.PeriodicJobs = periodicJobs(cfg)
	}

	client, err := river.NewClient(riverpgxv5.New(cfg.Pool), riverConfig)
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	r.client = client
	return r, nil
}

func periodicJobs(cfg Config) []*river.PeriodicJob {
	if cfg.ArchiveSchedule <= 0 {
		return nil
	}
	retention := cfg.ArchiveRetention
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(cfg.ArchiveSchedule),
			func() (river.JobArgs, *river.InsertOpts) {
				return ArchiveJobArgs{Retention: retention}, nil
			},
			nil,
		),
	}
}

// Start starts the River client and its workers.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRunnerAlreadyStarted
	}
	if r.config.Workers == 0 {
		return ErrInsertOnly
	}

	if err := r.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}

	r.started = true
	r.logger.Info("runner started",
		"workers", r.config.Workers,
		"archive_schedule", r.config.ArchiveSchedule,
	)
	return nil
}

// Stop waits up to ShutdownTimeout for running jobs, then stops the client.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, r.config.ShutdownTimeout)
	defer cancel()

	if err := r.client.Stop(shutdownCtx); err != nil {
		r.logger.Warn("river client stop error", "error", err)
	}

	r.started = false
	r.logger.Info("runner stopped")
	return nil
}

// Enqueue marks the named projections stale and inserts a refresh job for
// each. A projection that already has a waiting or running job gets no
// second one. Unknown names are skipped and reported as
// projection.ErrUnknownProjection after the known ones are queued.
func (r *Runner) Enqueue(ctx context.Context, names []string, trigger event.Event) error {
	params, unknown := r.refreshParams(ctx, names, trigger)
	if len(params) > 0 {
		if _, err := r.client.InsertMany(ctx, params); err != nil {
			return fmt.Errorf("insert refresh jobs: %w", err)
		}
	}
	return unknownErr(unknown)
}

// EnqueueTx is Enqueue inside tx, so the refresh jobs commit or roll back
// together with an event appended in the same transaction.
func (r *Runner) EnqueueTx(ctx context.Context, tx pgx.Tx, names []string, trigger event.Event) error {
	params, unknown := r.refreshParams(ctx, names, trigger)
	if len(params) > 0 {
		if _, err := r.client.InsertManyTx(ctx, tx, params); err != nil {
			return fmt.Errorf("insert refresh jobs: %w", err)
		}
	}
	return unknownErr(unknown)
}

// Archive inserts a one-off archive job.
func (r *Runner) Archive(ctx context.Context, args ArchiveJobArgs) (*rivertype.JobInsertResult, error) {
	if r.config.Archiver == nil {
		return nil, errors.New("river: no Archiver configured")
	}
	res, err := r.client.Insert(ctx, args, nil)
	if err != nil {
		return nil, fmt.Errorf("insert archive job: %w", err)
	}
	return res, nil
}

// Client returns the underlying River client.
func (r *Runner) Client() *river.Client[pgx.Tx] {
	return r.client
}

func (r *Runner) refreshParams(ctx context.Context, names []string, trigger event.Event) ([]river.InsertManyParams, []string) {
	var (
		params  []river.InsertManyParams
		known   []string
		unknown []string
	)
	for _, name := range names {
		if _, ok := r.scheduler.Projection(name); !ok {
			unknown = append(unknown, name)
			continue
		}
		known = append(known, name)
		params = append(params, river.InsertManyParams{Args: RefreshJobArgs{
			Projection: name,
			EventID:    trigger.ID,
			Sequence:   trigger.GlobalSequence,
		}})
	}
	if len(known) > 0 {
		// Known names only, so this cannot fail.
		_ = r.scheduler.MarkStale(ctx, known)
	}
	return params, unknown
}

func unknownErr(unknown []string) error {
	if len(unknown) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", projection.ErrUnknownProjection, unknown)
}

// errorHandler logs failed and panicking jobs; River then retries them.
type errorHandler struct {
	logger logging.Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.logger.Error("job error", "job_kind", job.Kind, "job_id", job.ID, "attempt", job.Attempt, "error", err)
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.logger.Error("job panic", "job_kind", job.Kind, "job_id", job.ID, "panic", panicVal, "trace", trace)
	return nil
}
