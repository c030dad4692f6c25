package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/projection"
	"github.com/lirancohen/evcore/river"
	"github.com/lirancohen/evcore/subscribe"
)

const shutdownTimeout = 10 * time.Second

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	from := fs.Int64("from", -1, "global sequence to follow the feed from; -1 resumes at the oldest projection checkpoint")
	_ = fs.Parse(args)

	e, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, e)
	if err != nil {
		return err
	}
	defer b.Close()

	unified, err := projection.NewUnified(b.store, 0)
	if err != nil {
		return err
	}
	scheduler, err := projection.NewScheduler(projection.SchedulerConfig{
		Projections: unified.All(),
		Status:      b.statuses,
		Workers:     e.cfg.ProjectionWorkers,
		Logger:      e.logger,
		Metrics:     e.metrics,
	})
	if err != nil {
		return err
	}
	router, err := newRouter(e, scheduler)
	if err != nil {
		return err
	}
	archiver, err := b.archiver(e)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var enqueuer projection.Enqueuer = scheduler
	if e.cfg.QueueMode == "river" {
		runner, err := river.NewRunner(river.Config{
			Pool:             b.pool,
			Scheduler:        scheduler,
			Archiver:         archiver,
			Logger:           e.logger,
			Workers:          e.cfg.ProjectionWorkers,
			ArchiveSchedule:  e.cfg.ArchiveSchedule,
			ArchiveRetention: e.cfg.ArchiveRetention,
		})
		if err != nil {
			return err
		}
		if err := runner.Start(ctx); err != nil {
			return err
		}
		defer runner.Stop(context.Background())
		enqueuer = runner
	} else {
		g.Go(func() error { return scheduler.Run(gctx) })
		if e.cfg.ArchiveSchedule > 0 {
			g.Go(func() error { return archiver.Run(gctx, e.cfg.ArchiveRetention, e.cfg.ArchiveSchedule) })
		}
	}

	if err := rebuild(ctx, scheduler, enqueuer, e.logger); err != nil {
		return err
	}

	broadcaster := subscribe.NewBroadcaster()
	for _, run := range b.wake(broadcaster, e.logger) {
		g.Go(func() error { return run(gctx) })
	}

	start := *from
	if start < 0 {
		start, err = oldestCheckpoint(ctx, scheduler)
		if err != nil {
			return err
		}
	}
	sub := subscribe.Subscribe(b.store, start, subscribe.Options{
		Signal: broadcaster,
		Logger: e.logger,
	})
	g.Go(func() error { return follow(gctx, sub, router, enqueuer, e.logger) })

	srv := &http.Server{
		Addr:              e.cfg.MetricsAddr,
		Handler:           newMux(e),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		e.logger.Info("serving metrics", "addr", e.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	e.logger.Info("evcore started",
		"queue_mode", e.cfg.QueueMode,
		"projections", scheduler.Projections(),
		"from_sequence", start,
	)
	err = g.Wait()
	e.logger.Info("evcore stopped")
	return err
}

func newRouter(e *env, scheduler *projection.Scheduler) (*projection.Router, error) {
	policy, err := projection.ParseFallbackPolicy(e.cfg.FallbackPolicy)
	if err != nil {
		return nil, err
	}
	return projection.NewRouter(projection.RouterConfig{
		Routes:      projection.DefaultRoutes(),
		Projections: scheduler.Projections(),
		Fallback:    policy,
		Logger:      e.logger,
		Metrics:     e.metrics,
	})
}

// follow routes every event of the feed to the projections that depend on
// it. Events appended by other processes reach projections this way.
func follow(ctx context.Context, sub *subscribe.Subscription, router *projection.Router, enqueuer projection.Enqueuer, logger logging.Logger) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("follow feed: %w", err)
		}
		names := router.Route(ev)
		if len(names) == 0 {
			continue
		}
		if err := enqueuer.Enqueue(ctx, names, ev); err != nil {
			logger.Error("failed to enqueue projection refresh",
				"event_id", ev.ID,
				"global_sequence", ev.GlobalSequence,
				"error", err,
			)
		}
	}
}

// rebuild schedules a refresh of every projection. Views live in memory and
// start empty on every process start, so persisted statuses are marked stale
// until the rebuild lands. The rebuild folds the hot log only; events already
// moved to cold storage do not reach the views.
func rebuild(ctx context.Context, scheduler *projection.Scheduler, enqueuer projection.Enqueuer, logger logging.Logger) error {
	names := scheduler.Projections()
	if err := scheduler.MarkStale(ctx, names); err != nil {
		return err
	}
	if err := enqueuer.Enqueue(ctx, names, event.Event{}); err != nil {
		return fmt.Errorf("schedule projection rebuild: %w", err)
	}
	logger.Info("rebuilding projections from the hot log", "projections", names)
	return nil
}

// oldestCheckpoint returns the lowest sequence any projection has processed.
func oldestCheckpoint(ctx context.Context, scheduler *projection.Scheduler) (int64, error) {
	statuses, err := scheduler.Statuses(ctx)
	if err != nil {
		return 0, err
	}
	var oldest int64 = -1
	for _, st := range statuses {
		if oldest < 0 || st.LastProcessedSequence < oldest {
			oldest = st.LastProcessedSequence
		}
	}
	if oldest < 0 {
		return 0, nil
	}
	return oldest, nil
}

func newMux(e *env) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	return mux
}
