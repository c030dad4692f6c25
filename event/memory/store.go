// Package memory provides in-memory implementations of the event log,
// snapshot store and cold archive. They are suitable for testing,
// development and single-process deployments.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/query"
)

// Store is a thread-safe in-memory implementation of event.EventStore and
// event.SnapshotStore. The zero value is ready for use.
//
// Appends to one stream are serialized by that stream's mutex. The store-wide
// mutex is held only for the short section that allocates the global sequence
// and indexes the event, so appends to different streams never wait on each
// other's version checks.
type Store struct {
	mu        sync.RWMutex
	streams   map[string]*stream
	ids       map[string]struct{} // every event ID ever appended
	log       []event.Event       // hot events ordered by global sequence
	sequence  int64
	snapshots map[string]event.Snapshot

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

type stream struct {
	mu         sync.Mutex // serializes appends to this stream
	streamType event.StreamType
	version    int64         // guarded by Store.mu for reads
	events     []event.Event // hot events ordered by version, guarded by Store.mu
}

// New creates a new in-memory store.
func New() *Store {
	s := &Store{}
	s.init()
	return s
}

// init allocates maps for the zero value. Caller must hold s.mu.
func (s *Store) init() {
	if s.streams == nil {
		s.streams = make(map[string]*stream)
	}
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
	if s.snapshots == nil {
		s.snapshots = make(map[string]event.Snapshot)
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) streamFor(id string, streamType event.StreamType) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	st, ok := s.streams[id]
	if !ok {
		st = &stream{streamType: streamType}
		s.streams[id] = st
	}
	return st
}

// Append adds e as the next event of its stream.
// Returns a *event.ConcurrencyConflictError if expectedVersion is not
// event.AnyVersion and differs from the current version.
// Returns event.ErrDuplicateEvent if an event with the same ID already exists.
func (s *Store) Append(ctx context.Context, e event.Event, expectedVersion int64) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if e.StreamID == "" {
		return event.Event{}, errors.New("memory: stream ID is required")
	}

	st := s.streamFor(e.StreamID, e.StreamType)
	st.mu.Lock()
	defer st.mu.Unlock()

	current := s.versionOf(st)
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
		e.StreamType = st.streamType
	}
	e.Version = current + 1
	e.Metadata = cloneMetadata(e.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[e.ID]; exists {
		return event.Event{}, event.ErrDuplicateEvent
	}
	s.sequence++
	e.GlobalSequence = s.sequence

	s.ids[e.ID] = struct{}{}
	s.log = append(s.log, e)
	st.events = append(st.events, e)
	st.version = e.Version
	if st.streamType == "" {
		st.streamType = e.StreamType
	}

	return e, nil
}

func (s *Store) versionOf(st *stream) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return st.version
}

// ReadStream retrieves hot events with version >= fromVersion, ordered by version.
// Returns an empty slice if the stream doesn't exist or has no matching events.
// Archived events are not returned; see archive.SpanningReader.
func (s *Store) ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[streamID]
	if !ok || len(st.events) == 0 {
		return []event.Event{}, nil
	}

	// Versions are sorted but not dense once events have been archived.
	start := sort.Search(len(st.events), func(i int) bool {
		return st.events[i].Version >= fromVersion
	})

	// Return a copy to prevent external modification
	result := make([]event.Event, len(st.events)-start)
	copy(result, st.events[start:])
	return result, nil
}

// ReadAll retrieves up to limit hot events with GlobalSequence > afterSequence.
func (s *Store) ReadAll(ctx context.Context, afterSequence int64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.log), func(i int) bool {
		return s.log[i].GlobalSequence > afterSequence
	})
	end := len(s.log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	result := make([]event.Event, end-start)
	copy(result, s.log[start:end])
	return result, nil
}

// CurrentVersion returns the highest version ever written to a stream.
// Archival does not lower it. Returns 0 if the stream doesn't exist.
func (s *Store) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.streams[streamID]; ok {
		return st.version, nil
	}
	return 0, nil
}

// LatestSnapshot returns the latest snapshot for a stream.
func (s *Store) LatestSnapshot(ctx context.Context, streamID string) (*event.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[streamID]
	if !ok {
		return nil, event.ErrSnapshotNotFound
	}
	return &snap, nil
}

// SaveSnapshot upserts the snapshot for snap.StreamID. Last write wins.
func (s *Store) SaveSnapshot(ctx context.Context, snap event.Snapshot) error {
	if snap.StreamID == "" {
		return errors.New("memory: snapshot stream ID is required")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	s.snapshots[snap.StreamID] = snap
	return nil
}

// ArchiveCandidates returns up to limit hot events with a timestamp before
// cutoff, ordered by global sequence.
func (s *Store) ArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []event.Event
	for _, e := range s.log {
		if !e.Timestamp.Before(cutoff) {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// RemoveEvents deletes the given events from the hot log and returns how
// many were removed. Stream versions are left untouched.
func (s *Store) RemoveEvents(ctx context.Context, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	remove := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		remove[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[string]struct{})
	kept := s.log[:0]
	removed := 0
	for _, e := range s.log {
		if _, ok := remove[e.ID]; ok {
			touched[e.StreamID] = struct{}{}
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.log = kept

	for streamID := range touched {
		st := s.streams[streamID]
		events := make([]event.Event, 0, len(st.events))
		for _, e := range st.events {
			if _, ok := remove[e.ID]; !ok {
				events = append(events, e)
			}
		}
		st.events = events
	}

	return removed, nil
}

// ListStreams implements query.StreamLister.
func (s *Store) ListStreams(ctx context.Context, filter query.StreamFilter) ([]query.StreamInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]query.StreamInfo, 0, len(s.streams))
	for id, st := range s.streams {
		if st.version == 0 {
			continue
		}
		if filter.StreamType != "" && st.streamType != filter.StreamType {
			continue
		}
		result = append(result, query.StreamInfo{
			StreamID:   id,
			StreamType: st.streamType,
			Version:    st.version,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StreamID < result[j].StreamID
	})
	return query.Page(result, filter), nil
}

// CountStreams implements query.StreamCounter.
func (s *Store) CountStreams(ctx context.Context, filter query.StreamFilter) (int64, error) {
	filter.Limit, filter.Offset = 0, 0
	streams, err := s.ListStreams(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(streams)), nil
}

// CountByType implements query.EventTypeCounter.
func (s *Store) CountByType(ctx context.Context, eventType event.EventType) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.log {
		if e.Type == eventType {
			n++
		}
	}
	return n, nil
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
