// Package rediscache caches stream versions in Redis in front of an
// event.EventStore.
//
// The wrapped store stays authoritative: appends always go through it and
// its optimistic concurrency check. Only CurrentVersion is served from the
// cache, so a stale cached value can at worst make a caller build an append
// that the store then rejects as a conflict.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/metrics"
)

// DefaultTTL is how long a cached version lives without being refreshed.
const DefaultTTL = 10 * time.Minute

// setIfGreaterScript stores a version only when it advances the cached one,
// so a slow reader can never move the cache backwards.
// KEYS[1] = version key
// ARGV[1] = version
// ARGV[2] = ttl in milliseconds
var setIfGreaterScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]))
local version = tonumber(ARGV[1])
if current == nil or version > current then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
    return 1
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 0
`)

// Client is the subset of the go-redis API the cache needs.
type Client interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Config configures a Store.
type Config struct {
	// Next is the authoritative store. Required.
	Next event.EventStore

	// Client is the Redis client. Required.
	Client Client

	// Prefix is prepended to stream IDs to form keys. Defaults to "evcore:version:".
	Prefix string

	// TTL bounds how long a cached version lives. Defaults to DefaultTTL.
	TTL time.Duration

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Next == nil {
		return errors.New("rediscache: Next is required")
	}
	if c.Client == nil {
		return errors.New("rediscache: Client is required")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Prefix == "" {
		cfg.Prefix = "evcore:version:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	return cfg
}

var _ event.EventStore = (*Store)(nil)

// Store is an event.EventStore with a Redis-backed CurrentVersion.
type Store struct {
	next    event.EventStore
	client  Client
	prefix  string
	ttl     time.Duration
	logger  logging.Logger
	metrics *metrics.Metrics
}

// New creates a caching store.
func New(config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()
	return &Store{
		next:    cfg.Next,
		client:  cfg.Client,
		prefix:  cfg.Prefix,
		ttl:     cfg.TTL,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

func (s *Store) key(streamID string) string {
	return s.prefix + streamID
}

// Append delegates to the wrapped store, then advances the cached version.
// On a concurrency conflict the cached version is dropped, since it was
// evidently behind. Cache failures are logged and never fail the append.
func (s *Store) Append(ctx context.Context, e event.Event, expectedVersion int64) (event.Event, error) {
	stored, err := s.next.Append(ctx, e, expectedVersion)
	if err != nil {
		if errors.Is(err, event.ErrConcurrencyConflict) {
			if derr := s.client.Del(ctx, s.key(e.StreamID)).Err(); derr != nil {
				s.logger.Warn("version cache invalidate failed", "stream_id", e.StreamID, "error", derr)
			}
		}
		return stored, err
	}

	if err := s.remember(ctx, stored.StreamID, stored.Version); err != nil {
		s.logger.Warn("version cache update failed", "stream_id", stored.StreamID, "error", err)
	}
	return stored, nil
}

// CurrentVersion returns the cached version, falling back to the wrapped
// store on a miss or a Redis error.
func (s *Store) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	raw, err := s.client.Get(ctx, s.key(streamID)).Result()
	switch {
	case err == nil:
		if v, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			s.metrics.VersionCache("hit")
			return v, nil
		}
		s.logger.Warn("version cache holds invalid value", "stream_id", streamID, "value", raw)
		s.metrics.VersionCache("error")
	case errors.Is(err, redis.Nil):
		s.metrics.VersionCache("miss")
	default:
		s.logger.Warn("version cache read failed", "stream_id", streamID, "error", err)
		s.metrics.VersionCache("error")
	}

	v, err := s.next.CurrentVersion(ctx, streamID)
	if err != nil {
		return 0, err
	}
	if v > 0 {
		if err := s.remember(ctx, streamID, v); err != nil {
			s.logger.Warn("version cache update failed", "stream_id", streamID, "error", err)
		}
	}
	return v, nil
}

func (s *Store) remember(ctx context.Context, streamID string, version int64) error {
	err := setIfGreaterScript.Run(ctx, s.client, []string{s.key(streamID)}, version, s.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("set version: %w", err)
	}
	return nil
}

func (s *Store) ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]event.Event, error) {
	return s.next.ReadStream(ctx, streamID, fromVersion)
}

func (s *Store) ReadAll(ctx context.Context, afterSequence int64, limit int) ([]event.Event, error) {
	return s.next.ReadAll(ctx, afterSequence, limit)
}
