package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lirancohen/evcore/archive"
	"github.com/lirancohen/evcore/archive/sqlitecold"
	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/event/memory"
	"github.com/lirancohen/evcore/event/otelstore"
	"github.com/lirancohen/evcore/event/pgstore"
	"github.com/lirancohen/evcore/event/rediscache"
	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/projection"
	"github.com/lirancohen/evcore/subscribe"
	"github.com/lirancohen/evcore/subscribe/redisnotify"
)

var errNeedDatabase = errors.New("DATABASE_URL is required")

// backend holds the storage stack for one process.
type backend struct {
	pool  *pgxpool.Pool // nil in memory mode
	redis *redis.Client // nil without REDIS_ADDR

	// base is the undecorated log; store is the decorated one every
	// component reads and appends through.
	base      event.EventStore
	store     event.EventStore
	snapshots event.SnapshotStore
	statuses  projection.StatusStore

	hot   archive.HotLog
	mover archive.Mover
	cold  archive.ColdStore

	notifier *redisnotify.Notifier // nil without REDIS_ADDR

	closers []func()
}

func openBackend(ctx context.Context, e *env) (*backend, error) {
	b := &backend{}
	var base event.EventStore

	if e.cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, e.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		pg := pgstore.New(pool)
		b.pool = pool
		base = pg
		b.snapshots = pg
		b.statuses = pgstore.NewStatusStore(pool)
		b.hot = pg
		b.mover = pg
		e.logger.Info("connected to postgres")
	} else {
		mem := memory.New()
		base = mem
		b.snapshots = mem
		b.statuses = projection.NewMemoryStatusStore()
		b.hot = mem
		b.cold = memory.NewColdStore()
		e.logger.Warn("DATABASE_URL not set, using an in-memory event log")
	}

	if e.cfg.SQLiteColdPath != "" {
		cold, err := sqlitecold.Open(ctx, e.cfg.SQLiteColdPath)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open cold store: %w", err)
		}
		b.closers = append(b.closers, func() { _ = cold.Close() })
		b.cold = cold
		// Cold storage lives outside the database, so batches go through
		// copy-then-remove instead of a single-statement move.
		b.mover = nil
	} else if b.pool != nil {
		b.cold = pgstore.NewColdStore(b.pool)
	}

	b.base = base
	traced, err := otelstore.New(base)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("instrument event store: %w", err)
	}
	b.store = traced

	if e.cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: e.cfg.RedisAddr})
		b.closers = append(b.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		b.redis = client

		cached, err := rediscache.New(rediscache.Config{
			Next:    traced,
			Client:  client,
			TTL:     e.cfg.VersionCacheTTL,
			Logger:  e.logger,
			Metrics: e.metrics,
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.store = cached

		b.notifier, err = redisnotify.New(redisnotify.Config{Client: client, Logger: e.logger})
		if err != nil {
			b.Close()
			return nil, err
		}
		e.logger.Info("connected to redis", "addr", e.cfg.RedisAddr)
	}

	return b, nil
}

// Close releases connections in reverse order of opening.
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

func (b *backend) archiver(e *env) (*archive.Archiver, error) {
	cfg := archive.Config{
		BatchSize: e.cfg.ArchiveBatchSize,
		Rate:      e.cfg.ArchiveRate,
		Logger:    e.logger,
		Metrics:   e.metrics,
	}
	if b.mover != nil {
		cfg.Mover = b.mover
	} else {
		cfg.Hot = b.hot
		cfg.Cold = b.cold
	}
	return archive.New(cfg)
}

// reader returns a stream reader that sees archived events too.
func (b *backend) reader() event.StreamReader {
	if b.cold == nil {
		return b.store
	}
	return archive.SpanningReader{Hot: b.store, Cold: b.cold}
}

// commitNotifier is what Engine tells about commits made by this process.
// Postgres appends notify through the database already; Redis reaches
// processes that do not listen to it.
func (b *backend) commitNotifier(local subscribe.Notifier) subscribe.Notifier {
	ns := subscribe.Notifiers{}
	if local != nil {
		ns = append(ns, local)
	}
	if b.notifier != nil {
		ns = append(ns, b.notifier)
	}
	return ns
}

// wake forwards every external "new events" signal to target until ctx is
// done. It returns the functions to run, one per source.
func (b *backend) wake(target subscribe.Notifier, logger logging.Logger) []func(context.Context) error {
	var runs []func(context.Context) error
	if b.pool != nil {
		l := pgstore.NewListener(b.pool, target, logger)
		runs = append(runs, l.Run)
	}
	if b.notifier != nil {
		n := b.notifier
		runs = append(runs, func(ctx context.Context) error { return n.Run(ctx, target) })
	}
	return runs
}
