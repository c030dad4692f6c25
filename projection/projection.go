// Package projection keeps read models current after events are committed.
//
// A Router maps each committed event to the projections that depend on its
// type. Refresh requests are handed to an Enqueuer: the in-process Scheduler
// here, or the durable River queue in package river. Refreshes run outside
// the append path, so projections are eventually consistent; callers that
// need strong consistency replay the stream instead.
package projection

import (
	"context"
	"errors"
	"time"

	"github.com/lirancohen/evcore/event"
)

// ErrUnknownProjection is returned for projection names that are not registered.
var ErrUnknownProjection = errors.New("unknown projection")

// Checkpoint identifies the last event a projection has processed.
type Checkpoint struct {
	EventID  string
	Sequence int64
	At       time.Time
}

// Projection is a read model that can bring itself up to date.
type Projection interface {
	// Name uniquely identifies the projection (e.g. "unified-analysis").
	Name() string

	// SchemaVersion is the version of the read model's shape.
	SchemaVersion() int

	// Refresh brings the projection up to date. trigger is the event that
	// caused the refresh, or the zero Event for administrative re-runs.
	// Refresh must be idempotent: refreshing twice for the same trigger
	// leaves the same state as refreshing once.
	Refresh(ctx context.Context, trigger event.Event) (Checkpoint, error)
}

// Lagger is implemented by projections that can report whether events past
// their checkpoint exist.
type Lagger interface {
	Behind(ctx context.Context) (bool, error)
}

// Enqueuer accepts refresh requests for projections.
type Enqueuer interface {
	Enqueue(ctx context.Context, names []string, trigger event.Event) error
}
