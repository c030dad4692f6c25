// Package engine is the single mutation entry point of the event log.
//
// Engine.Append validates a payload, commits it through the EventStore's
// optimistic concurrency check and then, after the commit, routes the event
// to the projections that depend on it and wakes subscribers. Nothing that
// happens after the commit can fail the append.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/metrics"
	"github.com/lirancohen/evcore/projection"
	"github.com/lirancohen/evcore/retry"
	"github.com/lirancohen/evcore/subscribe"
)

// StatusReader reports projection status.
type StatusReader interface {
	Status(ctx context.Context, name string) (projection.Status, error)
}

// Config configures an Engine.
type Config struct {
	// Store is the event log. Required.
	Store event.EventStore

	// Snapshots stores stream snapshots. Optional; snapshot operations
	// return an error without it.
	Snapshots event.SnapshotStore

	// Schemas validates payloads by event type. Optional.
	Schemas *event.SchemaRegistry

	// Router and Enqueuer schedule projection refreshes after each commit.
	// Both or neither must be set.
	Router   *projection.Router
	Enqueuer projection.Enqueuer

	// Statuses answers ProjectionStatus. Optional.
	Statuses StatusReader

	// Notifier is told about every commit. Optional.
	Notifier subscribe.Notifier

	// EnqueueTimeout bounds the post-commit enqueue. Defaults to 5s.
	EnqueueTimeout time.Duration

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("engine: Store is required")
	}
	if (c.Router == nil) != (c.Enqueuer == nil) {
		return errors.New("engine: Router and Enqueuer must be set together")
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 5 * time.Second
	}
	c.Logger = logging.OrNop(c.Logger)
}

// Engine coordinates appends. It is safe for concurrent use.
type Engine struct {
	config Config
}

// New creates an engine.
func New(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.withDefaults()
	return &Engine{config: config}, nil
}

// AppendRequest describes one event to append.
type AppendRequest struct {
	StreamID   string
	StreamType event.StreamType
	EventType  event.EventType
	Payload    json.RawMessage
	Metadata   map[string]string

	// ExpectedVersion, when set, must equal the stream's current version
	// (0 for a new stream).
	ExpectedVersion *int64
}

// ExpectVersion returns a pointer for AppendRequest.ExpectedVersion.
func ExpectVersion(v int64) *int64 {
	return &v
}

// NewRequest builds a request from a typed payload.
func NewRequest(streamID string, streamType event.StreamType, p event.Payload) (AppendRequest, error) {
	et, raw, err := event.Encode(p)
	if err != nil {
		return AppendRequest{}, err
	}
	return AppendRequest{
		StreamID:   streamID,
		StreamType: streamType,
		EventType:  et,
		Payload:    raw,
	}, nil
}

// Append validates and commits req. It returns the stored event, or one of
// *event.SchemaValidationError, *event.ConcurrencyConflictError or
// *event.StorageError; in each of those cases nothing was written.
func (e *Engine) Append(ctx context.Context, req AppendRequest) (event.Event, error) {
	if req.StreamID == "" {
		return event.Event{}, errors.New("engine: stream ID is required")
	}
	if req.EventType == "" {
		return event.Event{}, errors.New("engine: event type is required")
	}

	if e.config.Schemas != nil {
		if err := e.config.Schemas.Validate(req.EventType, req.Payload); err != nil {
			e.config.Metrics.Append("schema")
			return event.Event{}, err
		}
	}
	// Types without a registered schema still need a JSON payload.
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		e.config.Metrics.Append("schema")
		return event.Event{}, &event.SchemaValidationError{EventType: req.EventType, Reason: "payload is not valid JSON"}
	}

	expected := event.AnyVersion
	if req.ExpectedVersion != nil {
		if *req.ExpectedVersion < 0 {
			return event.Event{}, fmt.Errorf("engine: expected version must not be negative, got %d", *req.ExpectedVersion)
		}
		expected = *req.ExpectedVersion
	}

	stored, err := e.config.Store.Append(ctx, event.Event{
		StreamID:   req.StreamID,
		StreamType: req.StreamType,
		Type:       req.EventType,
		Payload:    req.Payload,
		Metadata:   req.Metadata,
	}, expected)
	if err != nil {
		switch {
		case errors.Is(err, event.ErrConcurrencyConflict):
			e.config.Metrics.Append("conflict")
			return event.Event{}, err
		case errors.Is(err, event.ErrDuplicateEvent):
			e.config.Metrics.Append("duplicate")
			return event.Event{}, err
		default:
			e.config.Metrics.Append("storage")
			return event.Event{}, event.WrapStorage("append", err)
		}
	}
	e.config.Metrics.Append("ok")

	e.afterCommit(ctx, stored)
	return stored, nil
}

// afterCommit routes the event and notifies subscribers. Failures are logged
// only: the event is durable, and the next trigger or a repair brings
// projections current.
func (e *Engine) afterCommit(ctx context.Context, stored event.Event) {
	if e.config.Router != nil {
		names := e.config.Router.Route(stored)
		if len(names) > 0 {
			// The append's ctx may already be near its deadline; the enqueue
			// must still run for a committed event.
			ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.EnqueueTimeout)
			err := e.config.Enqueuer.Enqueue(ectx, names, stored)
			cancel()
			if err != nil {
				e.config.Logger.Error("failed to enqueue projection refresh",
					"event_id", stored.ID,
					"event_type", stored.Type,
					"projections", names,
					"error", err,
				)
			}
		}
	}
	if e.config.Notifier != nil {
		e.config.Notifier.Notify()
	}
}

// AppendWithRetry runs a read-modify-append loop. build receives the
// stream's current version and returns the request to append; the request's
// ExpectedVersion is set to that version. Concurrency conflicts are retried
// according to policy (retry.Conflict() if nil); other errors are returned
// at once.
func (e *Engine) AppendWithRetry(ctx context.Context, streamID string, policy *retry.Policy, build func(ctx context.Context, current int64) (AppendRequest, error)) (event.Event, error) {
	if policy == nil {
		policy = retry.Conflict()
	}
	var stored event.Event
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		current, err := e.CurrentVersion(ctx, streamID)
		if err != nil {
			return retry.Permanent(err)
		}
		req, err := build(ctx, current)
		if err != nil {
			return retry.Permanent(err)
		}
		req.StreamID = streamID
		req.ExpectedVersion = ExpectVersion(current)

		stored, err = e.Append(ctx, req)
		if err != nil && !errors.Is(err, event.ErrConcurrencyConflict) {
			return retry.Permanent(err)
		}
		if err != nil {
			e.config.Logger.Debug("append conflict, retrying",
				"stream_id", streamID,
				"attempt", attempt,
			)
		}
		return err
	})
	if err != nil {
		return event.Event{}, err
	}
	return stored, nil
}

// ReadStream returns the events of a stream from fromVersion on.
func (e *Engine) ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]event.Event, error) {
	events, err := e.config.Store.ReadStream(ctx, streamID, fromVersion)
	if err != nil {
		return nil, event.WrapStorage("read stream", err)
	}
	return events, nil
}

// CurrentVersion returns the stream's current version, 0 if it is unknown.
func (e *Engine) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	v, err := e.config.Store.CurrentVersion(ctx, streamID)
	if err != nil {
		return 0, event.WrapStorage("current version", err)
	}
	return v, nil
}

// ErrNoSnapshotStore is returned by snapshot operations on an engine
// configured without a snapshot store.
var ErrNoSnapshotStore = errors.New("engine: no snapshot store configured")

// LatestSnapshot returns the stream's latest snapshot, or
// event.ErrSnapshotNotFound.
func (e *Engine) LatestSnapshot(ctx context.Context, streamID string) (*event.Snapshot, error) {
	if e.config.Snapshots == nil {
		return nil, ErrNoSnapshotStore
	}
	snap, err := e.config.Snapshots.LatestSnapshot(ctx, streamID)
	if err != nil && !errors.Is(err, event.ErrSnapshotNotFound) {
		return nil, event.WrapStorage("latest snapshot", err)
	}
	return snap, err
}

// SaveSnapshot replaces the stream's snapshot.
func (e *Engine) SaveSnapshot(ctx context.Context, streamID string, streamType event.StreamType, version int64, state json.RawMessage) error {
	if e.config.Snapshots == nil {
		return ErrNoSnapshotStore
	}
	err := e.config.Snapshots.SaveSnapshot(ctx, event.Snapshot{
		StreamID:   streamID,
		StreamType: streamType,
		Version:    version,
		State:      state,
		CreatedAt:  time.Now().UTC(),
	})
	return event.WrapStorage("save snapshot", err)
}

// ProjectionStatus returns the status of a projection.
func (e *Engine) ProjectionStatus(ctx context.Context, name string) (projection.Status, error) {
	if e.config.Statuses == nil {
		return projection.Status{}, fmt.Errorf("%w: %s", projection.ErrUnknownProjection, name)
	}
	return e.config.Statuses.Status(ctx, name)
}
