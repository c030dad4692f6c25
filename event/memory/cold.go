package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/lirancohen/evcore/event"
)

// ColdStore is an in-memory archive of events relocated out of the hot log.
// Events are kept verbatim, including Version and GlobalSequence.
// The zero value is ready for use.
type ColdStore struct {
	mu      sync.RWMutex
	streams map[string][]event.Event // streamID -> events sorted by version
	ids     map[string]struct{}
}

// NewColdStore creates an empty cold store.
func NewColdStore() *ColdStore {
	return &ColdStore{
		streams: make(map[string][]event.Event),
		ids:     make(map[string]struct{}),
	}
}

// Store writes events to the archive. Events already archived are skipped,
// so retrying a batch is safe.
func (c *ColdStore) Store(ctx context.Context, events []event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.streams == nil {
		c.streams = make(map[string][]event.Event)
	}
	if c.ids == nil {
		c.ids = make(map[string]struct{})
	}

	touched := make(map[string]struct{})
	for _, e := range events {
		if _, exists := c.ids[e.ID]; exists {
			continue
		}
		c.ids[e.ID] = struct{}{}
		c.streams[e.StreamID] = append(c.streams[e.StreamID], e)
		touched[e.StreamID] = struct{}{}
	}
	for streamID := range touched {
		evs := c.streams[streamID]
		sort.Slice(evs, func(i, j int) bool { return evs[i].Version < evs[j].Version })
	}
	return nil
}

// ReadStream returns archived events of a stream with version >= fromVersion.
func (c *ColdStore) ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	evs := c.streams[streamID]
	start := sort.Search(len(evs), func(i int) bool { return evs[i].Version >= fromVersion })
	result := make([]event.Event, len(evs)-start)
	copy(result, evs[start:])
	return result, nil
}

// Len returns the number of archived events.
func (c *ColdStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}
