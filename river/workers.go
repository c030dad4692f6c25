package river

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"

	"github.com/lirancohen/evcore/archive"
	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/projection"
)

// refreshWorker processes projection refresh jobs.
type refreshWorker struct {
	river.WorkerDefaults[RefreshJobArgs]
	scheduler    *projection.Scheduler
	catchUpDelay time.Duration
	logger       logging.Logger
}

// Work refreshes the projection. A refresh job is unique while running, so
// events appended during the refresh may not have queued another job; if
// the projection can tell it is still behind the log, the job snoozes and
// runs again.
func (w *refreshWorker) Work(ctx context.Context, job *river.Job[RefreshJobArgs]) error {
	args := job.Args

	w.logger.Debug("executing refresh job",
		"projection", args.Projection,
		"trigger_event_id", args.EventID,
		"attempt", job.Attempt,
	)

	trigger := event.Event{ID: args.EventID, GlobalSequence: args.Sequence}
	if err := w.scheduler.RefreshNow(ctx, args.Projection, trigger); err != nil {
		if errors.Is(err, projection.ErrUnknownProjection) {
			// Retrying cannot help; the projection was removed since the
			// job was queued.
			return river.JobCancel(err)
		}
		return err
	}

	p, _ := w.scheduler.Projection(args.Projection)
	lagger, ok := p.(projection.Lagger)
	if !ok {
		return nil
	}
	behind, err := lagger.Behind(ctx)
	if err != nil {
		w.logger.Warn("failed to check projection lag", "projection", args.Projection, "error", err)
		return nil
	}
	if behind {
		w.logger.Debug("projection still behind, snoozing", "projection", args.Projection)
		return river.JobSnooze(w.catchUpDelay)
	}
	return nil
}

// archiveWorker processes archival jobs.
type archiveWorker struct {
	river.WorkerDefaults[ArchiveJobArgs]
	archiver *archive.Archiver
	logger   logging.Logger
}

// Work runs one archival pass. A partial failure is returned so River
// retries; the archiver's cold store ignores events it already holds.
func (w *archiveWorker) Work(ctx context.Context, job *river.Job[ArchiveJobArgs]) error {
	res, err := w.archiver.Archive(ctx, job.Args.Retention)
	if err != nil {
		return fmt.Errorf("archive job: %w", err)
	}
	w.logger.Debug("archive job finished", "moved", res.Moved, "batches", res.Batches)
	return nil
}
