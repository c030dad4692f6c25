package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lirancohen/evcore/event"
)

// Fold applies one event to a state.
type Fold[S any] func(state S, e event.Event) (S, error)

// Replay rebuilds the state of a stream. With a snapshot store it starts from
// the latest snapshot and folds only the events after it; otherwise, or
// without a snapshot, it folds the whole stream onto the zero S. It returns
// the state and the version it represents.
func Replay[S any](ctx context.Context, streams event.StreamReader, snapshots event.SnapshotStore, streamID string, fold Fold[S]) (S, int64, error) {
	var (
		state   S
		version int64
	)
	if snapshots != nil {
		snap, err := snapshots.LatestSnapshot(ctx, streamID)
		switch {
		case errors.Is(err, event.ErrSnapshotNotFound):
		case err != nil:
			return state, 0, fmt.Errorf("load snapshot of %s: %w", streamID, err)
		default:
			if err := json.Unmarshal(snap.State, &state); err != nil {
				return state, 0, fmt.Errorf("decode snapshot of %s: %w", streamID, err)
			}
			version = snap.Version
		}
	}

	events, err := streams.ReadStream(ctx, streamID, version+1)
	if err != nil {
		return state, 0, fmt.Errorf("read %s from version %d: %w", streamID, version+1, err)
	}
	for _, e := range events {
		if e.Version != version+1 {
			return state, version, fmt.Errorf("stream %s: expected version %d, got %d", streamID, version+1, e.Version)
		}
		if state, err = fold(state, e); err != nil {
			return state, version, fmt.Errorf("apply %s v%d: %w", streamID, e.Version, err)
		}
		version = e.Version
	}
	return state, version, nil
}

// Snapshot marshals state and saves it as the snapshot of streamID at version.
func Snapshot[S any](ctx context.Context, snapshots event.SnapshotStore, streamID string, streamType event.StreamType, version int64, state S) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode snapshot of %s: %w", streamID, err)
	}
	return snapshots.SaveSnapshot(ctx, event.Snapshot{
		StreamID:   streamID,
		StreamType: streamType,
		Version:    version,
		State:      raw,
		CreatedAt:  time.Now().UTC(),
	})
}
