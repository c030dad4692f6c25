package pgstore

import (
	"context"
	"fmt"

	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/query"
)

// ListStreams implements query.StreamLister.
func (s *Store) ListStreams(ctx context.Context, filter query.StreamFilter) ([]query.StreamInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stream_id, stream_type, version
		FROM evcore_streams
		WHERE ($1 = '' OR stream_type = $1)
		ORDER BY stream_id
		LIMIT NULLIF($2::int, 0) OFFSET $3
	`, string(filter.StreamType), filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	result := []query.StreamInfo{}
	for rows.Next() {
		var (
			info       query.StreamInfo
			streamType string
		)
		if err := rows.Scan(&info.StreamID, &streamType, &info.Version); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		info.StreamType = event.StreamType(streamType)
		result = append(result, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streams: %w", err)
	}
	return result, nil
}

// CountStreams implements query.StreamCounter.
func (s *Store) CountStreams(ctx context.Context, filter query.StreamFilter) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM evcore_streams WHERE ($1 = '' OR stream_type = $1)
	`, string(filter.StreamType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count streams: %w", err)
	}
	return n, nil
}

// CountByType implements query.EventTypeCounter.
func (s *Store) CountByType(ctx context.Context, eventType event.EventType) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM evcore_events WHERE type = $1
	`, string(eventType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
