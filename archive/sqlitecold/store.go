// Package sqlitecold is a cold archive of events in a SQLite database file.
package sqlitecold

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lirancohen/evcore/event"
)

// Store keeps archived events verbatim in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the archive at path and prepares its schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and prepares its schema.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to init sqlite archive: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS archived_events (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		stream_type TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		global_sequence INTEGER NOT NULL,
		type TEXT NOT NULL,
		payload BLOB,
		metadata JSON,
		timestamp TEXT NOT NULL,
		archived_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archived_events_stream ON archived_events (stream_id, version);`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store writes events in one transaction. Events already archived are
// ignored, so a batch can be stored again after a partial failure.
func (s *Store) Store(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO archived_events
			(id, stream_id, stream_type, version, global_sequence, type, payload, metadata, timestamp, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, e := range events {
		var meta any
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata of %s: %w", e.ID, err)
			}
			meta = string(b)
		}
		var payload any
		if len(e.Payload) > 0 {
			payload = []byte(e.Payload)
		}
		_, err := stmt.ExecContext(ctx,
			e.ID, e.StreamID, string(e.StreamType), e.Version, e.GlobalSequence, string(e.Type),
			payload, meta, e.Timestamp.UTC().Format(time.RFC3339Nano), now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert archived event %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReadStream returns archived events of a stream with version >= fromVersion.
func (s *Store) ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, stream_type, version, global_sequence, type, payload, metadata, timestamp
		FROM archived_events
		WHERE stream_id = ? AND version >= ?
		ORDER BY version ASC`, streamID, fromVersion)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events := []event.Event{}
	for rows.Next() {
		var (
			e          event.Event
			streamType string
			eventType  string
			payload    []byte
			meta       sql.NullString
			timestamp  string
		)
		if err := rows.Scan(&e.ID, &e.StreamID, &streamType, &e.Version, &e.GlobalSequence, &eventType, &payload, &meta, &timestamp); err != nil {
			return nil, err
		}
		e.StreamType = event.StreamType(streamType)
		e.Type = event.EventType(eventType)
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata of %s: %w", e.ID, err)
			}
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, fmt.Errorf("parse timestamp of %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Count returns the number of archived events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived_events`).Scan(&n)
	return n, err
}
