// Package pgstore provides a PostgreSQL-based event store implementation.
//
// Events live in evcore_events. The per-stream version is tracked in
// evcore_streams so that archiving old events never lowers it, and the global
// sequence comes from the evcore_global_sequence SEQUENCE.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lirancohen/evcore/event"
)

// Store implements event.EventStore and event.SnapshotStore with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New creates a new PostgreSQL event store. Call Migrate first.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Append adds e as the next event of its stream in its own transaction.
func (s *Store) Append(ctx context.Context, e event.Event, expectedVersion int64) (event.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return event.Event{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	stored, err := s.AppendTx(ctx, tx, e, expectedVersion)
	if err != nil {
		return event.Event{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return event.Event{}, fmt.Errorf("commit transaction: %w", err)
	}
	return stored, nil
}

// AppendTx appends within the given transaction. The stream stays locked
// until tx ends, and the event becomes visible only when tx commits.
func (s *Store) AppendTx(ctx context.Context, tx pgx.Tx, e event.Event, expectedVersion int64) (event.Event, error) {
	if e.StreamID == "" {
		return event.Event{}, errors.New("pgstore: stream ID is required")
	}

	// Advisory lock serializes appends per stream without blocking other streams.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.StreamID); err != nil {
		return event.Event{}, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var (
		current    int64
		streamType string
	)
	err := tx.QueryRow(ctx, `
		SELECT version, stream_type FROM evcore_streams WHERE stream_id = $1
	`, e.StreamID).Scan(&current, &streamType)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return event.Event{}, fmt.Errorf("get current version: %w", err)
	}

	if expectedVersion != event.AnyVersion && expectedVersion != current {
		return event.Event{}, &event.ConcurrencyConflictError{
			StreamID: e.StreamID,
			Expected: expectedVersion,
			Actual:   current,
		}
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	if e.StreamType == "" {
		e.StreamType = event.StreamType(streamType)
	}
	e.Version = current + 1

	var archived bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM evcore_archived_events WHERE id = $1)
	`, e.ID).Scan(&archived); err != nil {
		return event.Event{}, fmt.Errorf("check archived id: %w", err)
	}
	if archived {
		return event.Event{}, event.ErrDuplicateEvent
	}

	metadata, err := marshalMetadata(e.Metadata)
	if err != nil {
		return event.Event{}, err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO evcore_events (id, stream_id, stream_type, version, global_sequence, type, payload, metadata, timestamp)
		VALUES ($1, $2, $3, $4, nextval('evcore_global_sequence'), $5, $6, $7, $8)
		RETURNING global_sequence
	`, e.ID, e.StreamID, string(e.StreamType), e.Version, string(e.Type), nullJSON(e.Payload), metadata, e.Timestamp).Scan(&e.GlobalSequence)
	if err != nil {
		if isUniqueViolation(err) {
			return event.Event{}, event.ErrDuplicateEvent
		}
		return event.Event{}, fmt.Errorf("insert event: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO evcore_streams (stream_id, stream_type, version, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (stream_id) DO UPDATE SET version = EXCLUDED.version, updated_at = NOW()
	`, e.StreamID, string(e.StreamType), e.Version)
	if err != nil {
		return event.Event{}, fmt.Errorf("update stream version: %w", err)
	}

	// Delivered on commit only.
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, strconv.FormatInt(e.GlobalSequence, 10)); err != nil {
		return event.Event{}, fmt.Errorf("notify: %w", err)
	}

	return e, nil
}

// querier is an interface satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const eventColumns = `id, stream_id, stream_type, version, global_sequence, type, payload, metadata, timestamp`

// ReadStream retrieves hot events with version >= fromVersion, ordered by version.
func (s *Store) ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]event.Event, error) {
	return readStream(ctx, s.pool, "evcore_events", streamID, fromVersion)
}

// ReadStreamTx reads a stream within the given transaction.
func (s *Store) ReadStreamTx(ctx context.Context, tx pgx.Tx, streamID string, fromVersion int64) ([]event.Event, error) {
	return readStream(ctx, tx, "evcore_events", streamID, fromVersion)
}

func readStream(ctx context.Context, q querier, table, streamID string, fromVersion int64) ([]event.Event, error) {
	rows, err := q.Query(ctx, `
		SELECT `+eventColumns+`
		FROM `+table+`
		WHERE stream_id = $1 AND version >= $2
		ORDER BY version ASC
	`, streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEvents(rows)
}

// ReadAll retrieves up to limit events with global sequence > afterSequence,
// in global order. A limit of 0 means no limit.
//
// Sequences are allocated before commit, so a transaction may commit a higher
// sequence while a lower one is still in flight. Rows written by transactions
// at or above the oldest running transaction are held back until that
// transaction ends, which keeps readers that resume from the last delivered
// sequence from skipping events.
func (s *Store) ReadAll(ctx context.Context, afterSequence int64, limit int) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM evcore_events
		WHERE global_sequence > $1
		  AND tx_id < pg_snapshot_xmin(pg_current_snapshot())
		ORDER BY global_sequence ASC
		LIMIT NULLIF($2::int, 0)
	`, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEvents(rows)
}

// CurrentVersion returns the highest version ever written to a stream, or 0.
func (s *Store) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `
		SELECT version FROM evcore_streams WHERE stream_id = $1
	`, streamID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return version, nil
}

func scanEvents(rows pgx.Rows) ([]event.Event, error) {
	defer rows.Close()

	events := []event.Event{}
	for rows.Next() {
		var (
			e          event.Event
			streamType string
			eventType  string
			payload    []byte
			metadata   []byte
		)
		if err := rows.Scan(&e.ID, &e.StreamID, &streamType, &e.Version, &e.GlobalSequence, &eventType, &payload, &metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.StreamType = event.StreamType(streamType)
		e.Type = event.EventType(eventType)
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
