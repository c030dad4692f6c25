// Package query defines optional interfaces for extending EventStore
// implementations with registry-style lookups over streams.
//
// Each interface has a single method, allowing stores to implement only what
// they need. Callers type-assert to check support:
//
//	if lister, ok := store.(query.StreamLister); ok {
//	    streams, err := lister.ListStreams(ctx, query.StreamFilter{StreamType: "portfolio"})
//	    // ...
//	}
package query

import (
	"context"

	"github.com/lirancohen/evcore/event"
)

// StreamFilter specifies criteria for querying streams.
// All fields are optional; zero values mean "no filter".
type StreamFilter struct {
	// StreamType filters by stream category (e.g., "portfolio").
	StreamType event.StreamType

	// Limit caps the number of results (0 means no limit).
	Limit int

	// Offset skips the first N results (for pagination).
	Offset int
}

// StreamInfo summarizes a stream.
type StreamInfo struct {
	StreamID   string
	StreamType event.StreamType
	Version    int64
}

// StreamLister enables listing streams, ordered by stream ID.
type StreamLister interface {
	ListStreams(ctx context.Context, filter StreamFilter) ([]StreamInfo, error)
}

// StreamCounter enables efficient counting of streams matching a filter.
type StreamCounter interface {
	// CountStreams returns the number of streams matching the filter.
	// The Limit and Offset fields are ignored for counting.
	CountStreams(ctx context.Context, filter StreamFilter) (int64, error)
}

// EventTypeCounter enables counting hot events by type.
type EventTypeCounter interface {
	CountByType(ctx context.Context, eventType event.EventType) (int64, error)
}

// Page applies filter.Offset and filter.Limit to items.
func Page[T any](items []T, filter StreamFilter) []T {
	if filter.Offset > 0 {
		if filter.Offset >= len(items) {
			return []T{}
		}
		items = items[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(items) {
		items = items[:filter.Limit]
	}
	return items
}
