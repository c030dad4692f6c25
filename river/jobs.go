package river

import (
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// Job kind constants for River job registration.
const (
	// JobKindProjectionRefresh is the kind for projection refresh jobs.
	JobKindProjectionRefresh = "evcore.projection_refresh"

	// JobKindArchive is the kind for archival jobs.
	JobKindArchive = "evcore.archive"
)

// uniqueStates are the states in which a refresh job blocks the insert of
// another refresh of the same projection. River requires pending,
// scheduled, available and running to be present.
var uniqueStates = []rivertype.JobState{
	rivertype.JobStateAvailable,
	rivertype.JobStatePending,
	rivertype.JobStateRetryable,
	rivertype.JobStateRunning,
	rivertype.JobStateScheduled,
}

// RefreshJobArgs asks a worker to bring one projection up to date.
// Only the projection name takes part in uniqueness, so refreshes requested
// while one is waiting collapse into that job.
type RefreshJobArgs struct {
	// Projection is the name of the projection to refresh.
	Projection string `json:"projection" river:"unique"`

	// EventID and Sequence identify the event that triggered the refresh.
	EventID  string `json:"event_id,omitempty"`
	Sequence int64  `json:"sequence,omitempty"`
}

// Kind implements river.JobArgs.
func (RefreshJobArgs) Kind() string {
	return JobKindProjectionRefresh
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (RefreshJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 5,
		UniqueOpts: river.UniqueOpts{
			ByArgs:  true,
			ByState: uniqueStates,
		},
	}
}

// ArchiveJobArgs asks a worker to archive events older than Retention.
type ArchiveJobArgs struct {
	Retention time.Duration `json:"retention"`
}

// Kind implements river.JobArgs.
func (ArchiveJobArgs) Kind() string {
	return JobKindArchive
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (ArchiveJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 3,
		UniqueOpts: river.UniqueOpts{
			ByArgs:  true,
			ByState: uniqueStates,
		},
	}
}
