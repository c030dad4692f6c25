package projection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// State is the freshness state of a projection.
type State string

// Projection states. A projection moves fresh -> stale -> refreshing and then
// back to fresh, or to error when a refresh fails.
const (
	StateFresh      State = "fresh"
	StateStale      State = "stale"
	StateRefreshing State = "refreshing"
	StateError      State = "error"
)

// Status is the bookkeeping record of one projection.
// Status records are never deleted; a failed projection stays in StateError
// until a later refresh succeeds.
type Status struct {
	Name                  string
	State                 State
	LastProcessedEventID  string
	LastProcessedSequence int64
	LastProcessedAt       time.Time
	SchemaVersion         int
	ErrorMessage          string
	UpdatedAt             time.Time
}

// ErrStatusNotFound is returned by StatusStore.Get for unknown projections.
var ErrStatusNotFound = errors.New("projection status not found")

// StatusStore persists projection status records.
type StatusStore interface {
	// Save upserts the status keyed by Name.
	Save(ctx context.Context, status Status) error

	// Get returns the status of a projection, or ErrStatusNotFound.
	Get(ctx context.Context, name string) (Status, error)

	// List returns all statuses ordered by name.
	List(ctx context.Context) ([]Status, error)
}

// MemoryStatusStore is an in-memory StatusStore. The zero value is ready for use.
type MemoryStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMemoryStatusStore creates an empty status store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]Status)}
}

func (s *MemoryStatusStore) Save(ctx context.Context, status Status) error {
	if status.Name == "" {
		return errors.New("projection: status name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = make(map[string]Status)
	}
	s.statuses[status.Name] = status
	return nil
}

func (s *MemoryStatusStore) Get(ctx context.Context, name string) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[name]
	if !ok {
		return Status{}, ErrStatusNotFound
	}
	return st, nil
}

func (s *MemoryStatusStore) List(ctx context.Context) ([]Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
