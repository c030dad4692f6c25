// Package event provides the event types and storage interfaces for the
// evcore append-only event log.
package event

import (
	"encoding/json"
	"time"
)

// EventType classifies the fact an event records.
type EventType string

const (
	// Domain state events routed to the unified projections.
	EventAnalysisStateChanged  EventType = "analysis.state.changed"
	EventPortfolioStateChanged EventType = "portfolio.state.changed"
	EventTradingStateChanged   EventType = "trading.state.changed"
	EventSystemAlertRaised     EventType = "system.alert.raised"
)

// StreamType is the coarse category of a stream.
type StreamType string

const (
	StreamInstrument StreamType = "instrument"
	StreamPortfolio  StreamType = "portfolio"
	StreamOrder      StreamType = "order"
	StreamSystem     StreamType = "system"
)

// AnyVersion disables the optimistic concurrency check on append.
const AnyVersion int64 = -1

// Event is a single immutable fact in a stream.
// Events are the source of truth: snapshots and projections are derived
// from them and can be rebuilt by replay.
type Event struct {
	// ID is the unique identifier for this event (UUID), assigned at append.
	ID string `json:"id"`

	// StreamID identifies the logical entity this event belongs to.
	StreamID string `json:"stream_id"`

	// StreamType is the coarse category of the stream.
	StreamType StreamType `json:"stream_type"`

	// Type classifies the event (e.g., "analysis.state.changed").
	Type EventType `json:"type"`

	// Version is the 1-based position within the stream.
	// Versions are gapless and strictly increasing per stream.
	Version int64 `json:"version"`

	// GlobalSequence orders events across all streams.
	// It is strictly increasing but may contain gaps.
	GlobalSequence int64 `json:"global_sequence"`

	// Payload contains the type-specific event data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Metadata holds correlation, causation and provenance data.
	// The engine never interprets it.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Timestamp records when the event was captured. Informational only.
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the materialized state of a stream at Version.
// Only the latest snapshot per stream is retained.
type Snapshot struct {
	StreamID   string          `json:"stream_id"`
	StreamType StreamType      `json:"stream_type"`
	Version    int64           `json:"version"`
	State      json.RawMessage `json:"state"`
	CreatedAt  time.Time       `json:"created_at"`
}
