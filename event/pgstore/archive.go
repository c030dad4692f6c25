package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lirancohen/evcore/event"
)

// ArchiveCandidates returns up to limit hot events with a timestamp before
// cutoff, in global order.
func (s *Store) ArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM evcore_events
		WHERE timestamp < $1
		ORDER BY global_sequence ASC
		LIMIT NULLIF($2::int, 0)
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query archive candidates: %w", err)
	}
	return scanEvents(rows)
}

// RemoveEvents deletes the given events from the hot log. Stream versions in
// evcore_streams are left untouched.
func (s *Store) RemoveEvents(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM evcore_events WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("remove events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MoveBefore moves up to limit hot events older than cutoff into
// evcore_archived_events in a single statement, so a batch is either fully
// moved or not at all. Rows locked by a concurrent mover are skipped.
func (s *Store) MoveBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	var moved int
	err := s.pool.QueryRow(ctx, `
		WITH batch AS (
			SELECT id FROM evcore_events
			WHERE timestamp < $1
			ORDER BY global_sequence
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), moved AS (
			DELETE FROM evcore_events e
			USING batch
			WHERE e.id = batch.id
			RETURNING e.id, e.stream_id, e.stream_type, e.version, e.global_sequence,
				e.type, e.payload, e.metadata, e.timestamp
		), archived AS (
			INSERT INTO evcore_archived_events (`+eventColumns+`)
			SELECT `+eventColumns+` FROM moved
			ON CONFLICT (id) DO NOTHING
		)
		SELECT COUNT(*) FROM moved
	`, cutoff, limit).Scan(&moved)
	if err != nil {
		return 0, fmt.Errorf("move events: %w", err)
	}
	return moved, nil
}

// ColdStore implements archive.ColdStore on evcore_archived_events.
type ColdStore struct {
	pool *pgxpool.Pool
}

// NewColdStore creates a cold store in the same database as the hot log.
func NewColdStore(pool *pgxpool.Pool) *ColdStore {
	return &ColdStore{pool: pool}
}

// Store writes events verbatim. Events already archived are skipped.
func (c *ColdStore) Store(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		metadata, err := marshalMetadata(e.Metadata)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO evcore_archived_events (`+eventColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, e.StreamID, string(e.StreamType), e.Version, e.GlobalSequence, string(e.Type), nullJSON(e.Payload), metadata, e.Timestamp)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	for range events {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("archive event: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("archive batch: %w", err)
	}
	return tx.Commit(ctx)
}

// ReadStream returns archived events of a stream with version >= fromVersion.
func (c *ColdStore) ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]event.Event, error) {
	return readStream(ctx, c.pool, "evcore_archived_events", streamID, fromVersion)
}
