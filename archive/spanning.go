package archive

import (
	"context"
	"fmt"
	"sort"

	"github.com/lirancohen/evcore/event"
)

// SpanningReader reads a stream across cold and hot storage as if nothing
// had been archived. An event present in both (left by an interrupted
// archival) is returned once.
type SpanningReader struct {
	Hot  event.StreamReader
	Cold event.StreamReader
}

// ReadStream implements event.StreamReader.
func (r SpanningReader) ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]event.Event, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	hot, err := r.Hot.ReadStream(ctx, streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("read hot stream %s: %w", streamID, err)
	}
	// Cold storage only holds a prefix of the stream.
	if len(hot) > 0 && hot[0].Version == fromVersion {
		return hot, nil
	}

	cold, err := r.Cold.ReadStream(ctx, streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("read cold stream %s: %w", streamID, err)
	}
	if len(cold) == 0 {
		return hot, nil
	}

	merged := make([]event.Event, 0, len(cold)+len(hot))
	merged = append(merged, cold...)
	merged = append(merged, hot...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Version < merged[j].Version })

	out := merged[:0]
	for _, e := range merged {
		if len(out) > 0 && out[len(out)-1].Version == e.Version {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
