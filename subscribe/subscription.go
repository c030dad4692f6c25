package subscribe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/retry"
)

// Defaults for Options.
const (
	DefaultPageSize     = 100
	DefaultPollInterval = time.Second
)

// Options configures a Subscription.
type Options struct {
	// PageSize is the number of events read per round trip.
	PageSize int

	// Signal wakes the subscription when events are committed. Without a
	// signal the subscription polls every PollInterval.
	Signal Signal

	// PollInterval bounds how long a caught-up subscription waits before
	// reading again, signal or not.
	PollInterval time.Duration

	// Types restricts delivery to these event types. Empty delivers all.
	// Skipped events still advance the position.
	Types []event.EventType

	// Backoff governs retries of failed reads. Defaults to retry.Poll().
	Backoff *retry.Policy

	Logger logging.Logger
}

func (o *Options) withDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Backoff == nil {
		o.Backoff = retry.Poll()
	}
	o.Logger = logging.OrNop(o.Logger)
}

// Subscription is an ordered, restartable cursor over the global feed.
// It is not safe for concurrent use.
type Subscription struct {
	reader event.FeedReader
	opts   Options
	types  map[event.EventType]struct{}

	position int64
	buf      []event.Event
	live     bool
}

// Subscribe returns a subscription that delivers events with GlobalSequence
// greater than fromSequence. Pass 0 to start at the beginning of the feed,
// or the sequence of the last processed event to resume.
func Subscribe(reader event.FeedReader, fromSequence int64, opts Options) *Subscription {
	opts.withDefaults()
	s := &Subscription{
		reader:   reader,
		opts:     opts,
		position: fromSequence,
	}
	if len(opts.Types) > 0 {
		s.types = make(map[event.EventType]struct{}, len(opts.Types))
		for _, t := range opts.Types {
			s.types[t] = struct{}{}
		}
	}
	return s
}

// Next blocks until the next event is available or ctx is done.
// Read failures are retried with backoff; Next returns an error only when
// ctx ends or the backoff policy gives up.
func (s *Subscription) Next(ctx context.Context) (event.Event, error) {
	failures := 0
	for {
		if len(s.buf) > 0 {
			e := s.buf[0]
			s.buf = s.buf[1:]
			return e, nil
		}

		var changed <-chan struct{}
		if s.opts.Signal != nil {
			// Taken before the read so a commit racing the read still wakes us.
			changed = s.opts.Signal.Changed()
		}

		n, err := s.fill(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return event.Event{}, ctx.Err()
			}
			failures++
			if !s.opts.Backoff.ShouldRetry(failures, err) {
				return event.Event{}, fmt.Errorf("subscription read after %d: %w", s.position, err)
			}
			s.opts.Logger.Warn("subscription read failed",
				"position", s.position,
				"attempt", failures,
				"error", err,
			)
			if werr := s.opts.Backoff.Wait(ctx, failures); werr != nil {
				return event.Event{}, werr
			}
			continue
		}
		failures = 0
		if len(s.buf) > 0 || n == s.opts.PageSize {
			continue
		}

		s.live = true
		if err := s.wait(ctx, changed); err != nil {
			return event.Event{}, err
		}
	}
}

// fill reads one page and buffers the deliverable events. It returns the
// number of events read, delivered or not.
func (s *Subscription) fill(ctx context.Context) (int, error) {
	events, err := s.reader.ReadAll(ctx, s.position, s.opts.PageSize)
	if err != nil {
		return 0, err
	}
	for _, e := range events {
		if e.GlobalSequence <= s.position {
			continue
		}
		s.position = e.GlobalSequence
		if s.types != nil {
			if _, ok := s.types[e.Type]; !ok {
				continue
			}
		}
		s.buf = append(s.buf, e)
	}
	return len(events), nil
}

func (s *Subscription) wait(ctx context.Context, changed <-chan struct{}) error {
	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
	case <-timer.C:
	}
	return nil
}

// Position returns the sequence of the last event read from the feed.
// Buffered events not yet returned by Next are included, so resume from the
// sequence of the last event you processed rather than from Position.
func (s *Subscription) Position() int64 {
	return s.position
}

// Live reports whether the subscription has caught up with the feed at
// least once.
func (s *Subscription) Live() bool {
	return s.live
}

// ErrStop can be returned by a CatchUp callback to stop early without error.
var ErrStop = errors.New("subscribe: stop")

// CatchUp is the finite form of a subscription: it calls fn for every event
// after fromSequence that exists now, in global order, and returns the
// sequence of the last event passed to fn.
func CatchUp(ctx context.Context, reader event.FeedReader, fromSequence int64, pageSize int, fn func(event.Event) error) (int64, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	position := fromSequence
	for {
		events, err := reader.ReadAll(ctx, position, pageSize)
		if err != nil {
			return position, fmt.Errorf("catch up after %d: %w", position, err)
		}
		for _, e := range events {
			if e.GlobalSequence <= position {
				continue
			}
			if err := fn(e); err != nil {
				if errors.Is(err, ErrStop) {
					return position, nil
				}
				return position, err
			}
			position = e.GlobalSequence
		}
		if len(events) < pageSize {
			return position, nil
		}
	}
}
