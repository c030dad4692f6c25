// Package archive moves events past their retention period from the hot
// event log to cold storage.
//
// Archival never lowers a stream's current version: appends after archival
// continue the version sequence. Reading a partially archived stream from
// the hot log alone shows a gap at the start of the stream; SpanningReader
// stitches cold and hot storage back together.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/metrics"
)

// Defaults for Config.
const (
	DefaultBatchSize = 500
	DefaultRate      = 10 // batches per second
)

// HotLog is the live event log events are archived from.
type HotLog interface {
	// ArchiveCandidates returns up to limit events with Timestamp before
	// cutoff, oldest first. A limit of 0 returns all of them.
	ArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]event.Event, error)

	// RemoveEvents deletes events by ID and returns how many were removed.
	// Stream versions are unaffected.
	RemoveEvents(ctx context.Context, ids []string) (int, error)
}

// ColdStore keeps archived events. Store must be idempotent per event ID so
// a batch can be re-archived after a partial failure.
type ColdStore interface {
	Store(ctx context.Context, events []event.Event) error
	event.StreamReader
}

// Mover moves a batch from hot to cold storage in one transaction.
// ArchiveCandidates lists what is still eligible after a failed batch.
type Mover interface {
	MoveBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
	ArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]event.Event, error)
}

// Config configures an Archiver.
type Config struct {
	// Hot and Cold are used together for the copy-then-remove protocol.
	Hot  HotLog
	Cold ColdStore

	// Mover, when set, is used instead of Hot and Cold.
	Mover Mover

	// BatchSize is the number of events per batch. Defaults to DefaultBatchSize.
	BatchSize int

	// Rate limits batches per second. Defaults to DefaultRate.
	Rate float64

	Logger  logging.Logger
	Metrics *metrics.Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Mover == nil && (c.Hot == nil || c.Cold == nil) {
		return errors.New("archive: Mover or both Hot and Cold are required")
	}
	if c.BatchSize < 0 {
		return errors.New("archive: BatchSize must not be negative")
	}
	if c.Rate < 0 {
		return errors.New("archive: Rate must not be negative")
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Rate == 0 {
		c.Rate = DefaultRate
	}
	c.Logger = logging.OrNop(c.Logger)
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Result summarizes an archival run.
type Result struct {
	Cutoff  time.Time
	Moved   int
	Batches int

	// Leftover holds the IDs of every event older than Cutoff still in the
	// hot log when a run fails. Events of the failed batch may also exist
	// in cold storage; a later run finishes them.
	Leftover []string
}

// PartialFailureError reports an archival run that stopped on a failed batch.
type PartialFailureError struct {
	Moved    int
	Leftover []string
	Err      error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("archive stopped after moving %d events (%d left over): %v", e.Moved, len(e.Leftover), e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// Archiver runs archival passes. It is safe for concurrent use, though
// overlapping runs only compete for the same candidates.
type Archiver struct {
	config  Config
	limiter *rate.Limiter
}

// New creates an archiver.
func New(config Config) (*Archiver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.withDefaults()
	return &Archiver{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.Rate), 1),
	}, nil
}

// Archive moves every event older than now minus retention to cold storage.
// On failure it returns the partial Result together with a
// *PartialFailureError.
func (a *Archiver) Archive(ctx context.Context, retention time.Duration) (Result, error) {
	if retention <= 0 {
		return Result{}, fmt.Errorf("archive: retention must be positive, got %s", retention)
	}
	res := Result{Cutoff: a.config.Now().Add(-retention)}

	var (
		err    error
		lister candidateLister = a.config.Hot
	)
	if a.config.Mover != nil {
		lister = a.config.Mover
		err = a.runMover(ctx, &res)
	} else {
		err = a.runCopy(ctx, &res)
	}

	a.config.Metrics.Archived(res.Moved, err != nil)
	if err != nil {
		res.Leftover = a.leftover(ctx, lister, res.Cutoff, res.Leftover)
		a.config.Logger.Error("archive run failed",
			"cutoff", res.Cutoff,
			"moved", res.Moved,
			"leftover", len(res.Leftover),
			"error", err,
		)
		return res, &PartialFailureError{Moved: res.Moved, Leftover: res.Leftover, Err: err}
	}
	a.config.Logger.Info("archive run complete",
		"cutoff", res.Cutoff,
		"moved", res.Moved,
		"batches", res.Batches,
	)
	return res, nil
}

func (a *Archiver) runCopy(ctx context.Context, res *Result) error {
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		batch, err := a.config.Hot.ArchiveCandidates(ctx, res.Cutoff, a.config.BatchSize)
		if err != nil {
			return fmt.Errorf("select candidates: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}

		if err := a.config.Cold.Store(ctx, batch); err != nil {
			res.Leftover = ids
			return fmt.Errorf("store batch in cold storage: %w", err)
		}
		removed, err := a.config.Hot.RemoveEvents(ctx, ids)
		res.Moved += removed
		if err != nil {
			res.Leftover = ids
			return fmt.Errorf("remove batch from hot log: %w", err)
		}
		res.Batches++

		a.config.Logger.Debug("archived batch", "events", removed, "total", res.Moved)
		if len(batch) < a.config.BatchSize {
			return nil
		}
	}
}

func (a *Archiver) runMover(ctx context.Context, res *Result) error {
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		n, err := a.config.Mover.MoveBefore(ctx, res.Cutoff, a.config.BatchSize)
		if err != nil {
			return fmt.Errorf("move batch: %w", err)
		}
		res.Moved += n
		if n > 0 {
			res.Batches++
		}
		if n < a.config.BatchSize {
			return nil
		}
	}
}

type candidateLister interface {
	ArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]event.Event, error)
}

// leftover lists the IDs of every event still eligible for archival. If the
// listing itself fails, the failed batch (if known) is reported instead.
func (a *Archiver) leftover(ctx context.Context, hot candidateLister, cutoff time.Time, batch []string) []string {
	// The run may have failed because ctx ended; the listing still runs.
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	remaining, err := hot.ArchiveCandidates(lctx, cutoff, 0)
	if err != nil {
		a.config.Logger.Warn("failed to list unarchived events", "cutoff", cutoff, "error", err)
		return batch
	}
	ids := make([]string, len(remaining))
	for i, e := range remaining {
		ids[i] = e.ID
	}
	return ids
}

// Run archives every interval until ctx is done. Failed runs are logged and
// retried on the next tick.
func (a *Archiver) Run(ctx context.Context, retention, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("archive: interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Errors are logged by Archive.
			_, _ = a.Archive(ctx, retention)
		}
	}
}
