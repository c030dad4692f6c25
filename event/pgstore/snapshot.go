package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lirancohen/evcore/event"
)

// LatestSnapshot returns the snapshot of a stream, or event.ErrSnapshotNotFound.
func (s *Store) LatestSnapshot(ctx context.Context, streamID string) (*event.Snapshot, error) {
	var (
		snap       event.Snapshot
		streamType string
		state      []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT stream_id, stream_type, version, state, created_at
		FROM evcore_snapshots
		WHERE stream_id = $1
	`, streamID).Scan(&snap.StreamID, &streamType, &snap.Version, &state, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, event.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	snap.StreamType = event.StreamType(streamType)
	snap.State = state
	return &snap, nil
}

// SaveSnapshot upserts the snapshot for snap.StreamID. Last write wins.
func (s *Store) SaveSnapshot(ctx context.Context, snap event.Snapshot) error {
	if snap.StreamID == "" {
		return errors.New("pgstore: snapshot stream ID is required")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO evcore_snapshots (stream_id, stream_type, version, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stream_id) DO UPDATE SET
			stream_type = EXCLUDED.stream_type,
			version = EXCLUDED.version,
			state = EXCLUDED.state,
			created_at = EXCLUDED.created_at
	`, snap.StreamID, string(snap.StreamType), snap.Version, nullJSON(snap.State), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
