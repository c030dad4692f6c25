package event

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by EventStore and SnapshotStore implementations.
var (
	// ErrConcurrencyConflict indicates the expected version did not match
	// the stream's current version. Nothing was written.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrSchemaValidation indicates the payload was rejected by the schema
	// registered for its event type. Nothing was written.
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrStorageFailure indicates the durable write failed. The append must
	// be treated as not having happened and is safe to retry.
	ErrStorageFailure = errors.New("storage failure")

	// ErrDuplicateEvent indicates an event with the same ID already exists.
	ErrDuplicateEvent = errors.New("duplicate event ID")

	// ErrSnapshotNotFound indicates no snapshot exists for the stream.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// ConcurrencyConflictError provides details about a version conflict.
type ConcurrencyConflictError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict for stream %s: expected version %d, current version %d", e.StreamID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// SchemaValidationError reports why a payload was rejected.
type SchemaValidationError struct {
	EventType EventType
	Reason    string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed for %s: %s", e.EventType, e.Reason)
}

func (e *SchemaValidationError) Unwrap() error {
	return ErrSchemaValidation
}

// StorageError wraps a backend error on a durable operation.
// errors.Is matches both ErrStorageFailure and the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageFailure, e.Err}
}

// WrapStorage wraps err as a StorageError unless it is nil or already one of
// the engine's classified errors.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrSchemaValidation) ||
		errors.Is(err, ErrStorageFailure) ||
		errors.Is(err, ErrDuplicateEvent) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// StreamReader reads the events of a single stream.
type StreamReader interface {
	// ReadStream retrieves events with version >= fromVersion, ordered by version.
	// A fromVersion below 1 is treated as 1. Returns an empty slice if the
	// stream doesn't exist or has no matching events.
	ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]Event, error)
}

// FeedReader reads events in global order across all streams.
type FeedReader interface {
	// ReadAll retrieves up to limit events with GlobalSequence > afterSequence,
	// ordered by GlobalSequence. A limit <= 0 means no limit.
	ReadAll(ctx context.Context, afterSequence int64, limit int) ([]Event, error)
}

// EventStore defines the interface for event persistence.
// Implementations must be safe for concurrent use.
type EventStore interface {
	StreamReader
	FeedReader

	// Append persists e as the next event of e.StreamID.
	// The store assigns Version (current version + 1) and GlobalSequence, and
	// fills ID and Timestamp when empty. The returned event is the one stored.
	//
	// If expectedVersion is not AnyVersion and differs from the stream's
	// current version, Append returns a *ConcurrencyConflictError and writes
	// nothing. Appends to the same stream are serialized; appends to
	// different streams are not.
	Append(ctx context.Context, e Event, expectedVersion int64) (Event, error)

	// CurrentVersion returns the highest version ever written to a stream.
	// Returns 0 if the stream doesn't exist.
	CurrentVersion(ctx context.Context, streamID string) (int64, error)
}

// SnapshotStore keeps the latest snapshot of each stream.
type SnapshotStore interface {
	// LatestSnapshot returns the most recent snapshot for a stream.
	// Returns ErrSnapshotNotFound if none was saved.
	LatestSnapshot(ctx context.Context, streamID string) (*Snapshot, error)

	// SaveSnapshot stores s, unconditionally replacing any prior snapshot
	// for s.StreamID.
	SaveSnapshot(ctx context.Context, s Snapshot) error
}
