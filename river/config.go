package river

import (
	"errors"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lirancohen/evcore/archive"
	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/projection"
)

// Defaults for Config.
const (
	// DefaultWorkers asks for one worker per CPU.
	DefaultWorkers = -1

	DefaultJobTimeout      = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultCatchUpDelay is how long a refresh job snoozes when its
	// projection is still behind the log after a refresh.
	DefaultCatchUpDelay = time.Second
)

// Config configures a Runner.
type Config struct {
	// Pool holds River's job tables. Required.
	Pool *pgxpool.Pool

	// Scheduler owns the projections refresh jobs run against. Required.
	Scheduler *projection.Scheduler

	// Archiver runs archive jobs. Optional; without it archive jobs are
	// not registered.
	Archiver *archive.Archiver

	Logger logging.Logger

	// Workers bounds concurrent jobs. Zero inserts jobs without working
	// them (the runner cannot be started); negative means runtime.NumCPU().
	Workers int

	// JobTimeout bounds one job. Defaults to DefaultJobTimeout.
	JobTimeout time.Duration

	// ShutdownTimeout bounds how long Stop waits for running jobs.
	// Defaults to DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// CatchUpDelay is the snooze applied to a refresh job whose projection
	// is still behind. If zero, defaults to DefaultCatchUpDelay.
	CatchUpDelay time.Duration

	// ArchiveSchedule, when positive, inserts an archive job at this
	// interval. Requires Archiver and ArchiveRetention.
	ArchiveSchedule time.Duration

	// ArchiveRetention is the retention passed to scheduled archive jobs.
	ArchiveRetention time.Duration
}

// Validate reports the first missing or inconsistent field.
func (c *Config) Validate() error {
	if c.Pool == nil {
		return errors.New("river: Pool is required")
	}
	if c.Scheduler == nil {
		return errors.New("river: Scheduler is required")
	}
	if c.ArchiveSchedule < 0 {
		return errors.New("river: ArchiveSchedule must not be negative")
	}
	if c.ArchiveSchedule > 0 {
		if c.Archiver == nil {
			return errors.New("river: ArchiveSchedule requires an Archiver")
		}
		if c.ArchiveRetention <= 0 {
			return errors.New("river: ArchiveSchedule requires a positive ArchiveRetention")
		}
	}
	return nil
}

// withDefaults fills unset fields on a copy. Workers=0 is kept.
func (c *Config) withDefaults() Config {
	cfg := *c

	if cfg.Workers < 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.CatchUpDelay <= 0 {
		cfg.CatchUpDelay = DefaultCatchUpDelay
	}
	cfg.Logger = logging.OrNop(cfg.Logger)

	return cfg
}
