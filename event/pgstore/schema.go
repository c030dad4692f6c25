package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the LISTEN/NOTIFY channel Append publishes global
// sequences on.
const NotifyChannel = "evcore_events"

// schema creates every table used by the store. Each statement is idempotent.
// tx_id records the writing transaction so ReadAll can hold back events
// committed out of sequence order; it needs PostgreSQL 13 or later.
var schema = []string{
	`CREATE SEQUENCE IF NOT EXISTS evcore_global_sequence`,
	`CREATE TABLE IF NOT EXISTS evcore_streams (
		stream_id TEXT PRIMARY KEY,
		stream_type TEXT NOT NULL,
		version BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS evcore_events (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		stream_type TEXT NOT NULL,
		version BIGINT NOT NULL,
		global_sequence BIGINT NOT NULL,
		type TEXT NOT NULL,
		payload JSONB,
		metadata JSONB,
		timestamp TIMESTAMPTZ NOT NULL,
		tx_id XID8 NOT NULL DEFAULT pg_current_xact_id(),
		CONSTRAINT evcore_events_stream_version UNIQUE (stream_id, version),
		CONSTRAINT evcore_events_global_sequence UNIQUE (global_sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evcore_events_timestamp ON evcore_events (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_evcore_events_type ON evcore_events (type)`,
	`CREATE TABLE IF NOT EXISTS evcore_archived_events (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		stream_type TEXT NOT NULL,
		version BIGINT NOT NULL,
		global_sequence BIGINT NOT NULL,
		type TEXT NOT NULL,
		payload JSONB,
		metadata JSONB,
		timestamp TIMESTAMPTZ NOT NULL,
		archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT evcore_archived_events_stream_version UNIQUE (stream_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS evcore_snapshots (
		stream_id TEXT PRIMARY KEY,
		stream_type TEXT NOT NULL,
		version BIGINT NOT NULL,
		state JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS evcore_projections (
		name TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		last_processed_event_id TEXT NOT NULL DEFAULT '',
		last_processed_sequence BIGINT NOT NULL DEFAULT 0,
		last_processed_at TIMESTAMPTZ,
		schema_version INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the evcore tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize concurrent migrations from several processes.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('evcore_migrate'))`); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	for _, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return tx.Commit(ctx)
}
