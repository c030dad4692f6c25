package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lirancohen/evcore/event"
)

// DefaultPageSize is the number of events a FeedProjection reads per page.
const DefaultPageSize = 500

// View is an in-memory read model built by folding events.
// Apply must be deterministic; Clone must return an independent copy.
type View[S any] interface {
	Apply(e event.Event)
	Clone() S
}

// FeedConfig configures a FeedProjection.
type FeedConfig[S View[S]] struct {
	// Name of the projection. Required.
	Name string

	// SchemaVersion of the view. Defaults to 1.
	SchemaVersion int

	// Reader provides the global event feed. Required.
	Reader event.FeedReader

	// New returns an empty view. Required.
	New func() S

	// PageSize is the number of events read per round trip.
	// Defaults to DefaultPageSize.
	PageSize int
}

// Validate checks that the configuration is valid.
func (c *FeedConfig[S]) Validate() error {
	if c.Name == "" {
		return errors.New("projection: Name is required")
	}
	if c.Reader == nil {
		return errors.New("projection: Reader is required")
	}
	if c.New == nil {
		return errors.New("projection: New is required")
	}
	if c.PageSize < 0 {
		return errors.New("projection: PageSize must not be negative")
	}
	return nil
}

func (c *FeedConfig[S]) withDefaults() {
	if c.SchemaVersion == 0 {
		c.SchemaVersion = 1
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
}

// FeedProjection keeps a View current by folding the global feed from its
// checkpoint. A refresh works on a clone and publishes it only when the whole
// catch-up succeeds, so readers never see a partially applied batch and a
// failed refresh leaves the previous view in place.
type FeedProjection[S View[S]] struct {
	config FeedConfig[S]

	refreshMu sync.Mutex

	mu         sync.RWMutex
	view       S
	checkpoint Checkpoint
}

// NewFeedProjection creates a projection with an empty view.
func NewFeedProjection[S View[S]](config FeedConfig[S]) (*FeedProjection[S], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.withDefaults()
	return &FeedProjection[S]{
		config: config,
		view:   config.New(),
	}, nil
}

func (p *FeedProjection[S]) Name() string       { return p.config.Name }
func (p *FeedProjection[S]) SchemaVersion() int { return p.config.SchemaVersion }

// Refresh folds every event after the checkpoint into the view. The trigger
// is only a hint: the whole feed is consumed, so refreshing twice for the
// same trigger is the same as refreshing once.
func (p *FeedProjection[S]) Refresh(ctx context.Context, trigger event.Event) (Checkpoint, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	p.mu.RLock()
	next := p.view.Clone()
	cp := p.checkpoint
	p.mu.RUnlock()

	applied := false
	for {
		events, err := p.config.Reader.ReadAll(ctx, cp.Sequence, p.config.PageSize)
		if err != nil {
			return p.Checkpoint(), fmt.Errorf("read feed after %d: %w", cp.Sequence, err)
		}
		for _, e := range events {
			next.Apply(e)
			cp = Checkpoint{EventID: e.ID, Sequence: e.GlobalSequence, At: e.Timestamp}
			applied = true
		}
		if len(events) < p.config.PageSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return p.Checkpoint(), err
		}
	}

	if applied {
		p.mu.Lock()
		p.view = next
		p.checkpoint = cp
		p.mu.Unlock()
	}
	return cp, nil
}

// View returns a copy of the current view.
func (p *FeedProjection[S]) View() S {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.view.Clone()
}

// Checkpoint returns the last event folded into the view.
func (p *FeedProjection[S]) Checkpoint() Checkpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.checkpoint
}

// Behind reports whether the feed has events past the checkpoint.
func (p *FeedProjection[S]) Behind(ctx context.Context) (bool, error) {
	cp := p.Checkpoint()
	events, err := p.config.Reader.ReadAll(ctx, cp.Sequence, 1)
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

// Reset discards the view and checkpoint. The next refresh rebuilds the view
// from the start of the feed.
func (p *FeedProjection[S]) Reset() {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.view = p.config.New()
	p.checkpoint = Checkpoint{}
}
