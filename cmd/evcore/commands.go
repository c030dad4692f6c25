package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/lirancohen/evcore/engine"
	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/event/pgstore"
	"github.com/lirancohen/evcore/projection"
	"github.com/lirancohen/evcore/query"
	"github.com/lirancohen/evcore/river"
	"github.com/lirancohen/evcore/subscribe"
)

func migrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	withRiver := fs.Bool("river", true, "also migrate the River job queue schema")
	_ = fs.Parse(args)

	e, err := setup()
	if err != nil {
		return err
	}
	if e.cfg.DatabaseURL == "" {
		return errNeedDatabase
	}
	ctx := context.Background()
	b, err := openBackend(ctx, e)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := pgstore.Migrate(ctx, b.pool); err != nil {
		return err
	}
	e.logger.Info("event store schema migrated")

	if !*withRiver {
		return nil
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(b.pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("migrate river: %w", err)
	}
	e.logger.Info("river schema migrated", "versions", len(res.Versions))
	return nil
}

func appendEvent(args []string) error {
	fs := flag.NewFlagSet("append", flag.ExitOnError)
	streamID := fs.String("stream", "", "stream ID (required)")
	streamType := fs.String("stream-type", "", "stream type")
	eventType := fs.String("type", "", "event type (required)")
	expected := fs.Int64("expected", -1, "expected current version; -1 skips the check")
	file := fs.String("f", "-", "payload file, - for stdin")
	_ = fs.Parse(args)

	if *streamID == "" || *eventType == "" {
		return fmt.Errorf("-stream and -type are required")
	}

	var in io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	e, err := setup()
	if err != nil {
		return err
	}
	if e.cfg.DatabaseURL == "" {
		return errNeedDatabase
	}
	ctx := context.Background()
	b, err := openBackend(ctx, e)
	if err != nil {
		return err
	}
	defer b.Close()

	schemas, err := event.NewDefaultSchemaRegistry()
	if err != nil {
		return err
	}
	cfg := engine.Config{
		Store:     b.store,
		Snapshots: b.snapshots,
		Schemas:   schemas,
		Notifier:  b.commitNotifier(nil),
		Logger:    e.logger,
		Metrics:   e.metrics,
	}
	if e.cfg.QueueMode == "river" {
		// Insert-only: a serve process works the jobs.
		runner, err := newInsertOnlyRunner(e, b)
		if err != nil {
			return err
		}
		router, err := newRouter(e, runner.scheduler)
		if err != nil {
			return err
		}
		cfg.Router = router
		cfg.Enqueuer = runner.Runner
	}
	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}

	req := engine.AppendRequest{
		StreamID:   *streamID,
		StreamType: event.StreamType(*streamType),
		EventType:  event.EventType(*eventType),
		Payload:    payload,
		Metadata:   map[string]string{"source": "evcore-cli"},
	}
	if *expected >= 0 {
		req.ExpectedVersion = engine.ExpectVersion(*expected)
	}
	stored, err := eng.Append(ctx, req)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(stored)
}

type insertOnlyRunner struct {
	*river.Runner
	scheduler *projection.Scheduler
}

func newInsertOnlyRunner(e *env, b *backend) (*insertOnlyRunner, error) {
	unified, err := projection.NewUnified(b.store, 0)
	if err != nil {
		return nil, err
	}
	scheduler, err := projection.NewScheduler(projection.SchedulerConfig{
		Projections: unified.All(),
		Status:      b.statuses,
		Logger:      e.logger,
	})
	if err != nil {
		return nil, err
	}
	runner, err := river.NewRunner(river.Config{
		Pool:      b.pool,
		Scheduler: scheduler,
		Logger:    e.logger,
		Workers:   0,
	})
	if err != nil {
		return nil, err
	}
	return &insertOnlyRunner{Runner: runner, scheduler: scheduler}, nil
}

func archiveOnce(args []string) error {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	retention := fs.Duration("retention", 0, "archive events older than this; defaults to ARCHIVE_RETENTION")
	_ = fs.Parse(args)

	e, err := setup()
	if err != nil {
		return err
	}
	if e.cfg.DatabaseURL == "" {
		return errNeedDatabase
	}
	if *retention <= 0 {
		*retention = e.cfg.ArchiveRetention
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	b, err := openBackend(ctx, e)
	if err != nil {
		return err
	}
	defer b.Close()

	archiver, err := b.archiver(e)
	if err != nil {
		return err
	}
	res, err := archiver.Archive(ctx, *retention)
	fmt.Printf("cutoff=%s moved=%d batches=%d leftover=%d\n",
		res.Cutoff.Format(time.RFC3339), res.Moved, res.Batches, len(res.Leftover))
	return err
}

func tail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	from := fs.Int64("from", 0, "print events after this global sequence")
	types := fs.String("types", "", "comma-separated event types to print; empty prints all")
	stream := fs.String("stream", "", "print one stream, including archived events, and exit")
	keepGoing := fs.Bool("follow", true, "keep waiting for new events")
	_ = fs.Parse(args)

	e, err := setup()
	if err != nil {
		return err
	}
	if e.cfg.DatabaseURL == "" {
		return errNeedDatabase
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	b, err := openBackend(ctx, e)
	if err != nil {
		return err
	}
	defer b.Close()

	out := json.NewEncoder(os.Stdout)
	if *stream != "" {
		events, err := b.reader().ReadStream(ctx, *stream, 1)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := out.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}

	var filter []event.EventType
	for _, t := range strings.Split(*types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter = append(filter, event.EventType(t))
		}
	}
	fn := func(ev event.Event) error {
		if len(filter) > 0 && !hasType(filter, ev.Type) {
			return nil
		}
		return out.Encode(ev)
	}

	if !*keepGoing {
		_, err := subscribe.CatchUp(ctx, b.store, *from, 0, fn)
		return err
	}

	broadcaster := subscribe.NewBroadcaster()
	for _, run := range b.wake(broadcaster, e.logger) {
		go run(ctx)
	}
	sub := subscribe.Subscribe(b.store, *from, subscribe.Options{
		Signal: broadcaster,
		Types:  filter,
		Logger: e.logger,
	})
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func hasType(types []event.EventType, t event.EventType) bool {
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

func status(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	_ = fs.Parse(args)

	e, err := setup()
	if err != nil {
		return err
	}
	if e.cfg.DatabaseURL == "" {
		return errNeedDatabase
	}
	ctx := context.Background()
	b, err := openBackend(ctx, e)
	if err != nil {
		return err
	}
	defer b.Close()

	statuses, err := pgstore.NewStatusStore(b.pool).List(ctx)
	if err != nil {
		return err
	}
	out := json.NewEncoder(os.Stdout)
	for _, st := range statuses {
		if err := out.Encode(st); err != nil {
			return err
		}
	}
	return nil
}

func streams(args []string) error {
	fs := flag.NewFlagSet("streams", flag.ExitOnError)
	streamType := fs.String("type", "", "only streams of this type")
	limit := fs.Int("limit", 100, "maximum streams to print")
	offset := fs.Int("offset", 0, "streams to skip")
	countType := fs.String("count-events", "", "print the number of hot events of this event type instead")
	_ = fs.Parse(args)

	e, err := setup()
	if err != nil {
		return err
	}
	if e.cfg.DatabaseURL == "" {
		return errNeedDatabase
	}
	ctx := context.Background()
	b, err := openBackend(ctx, e)
	if err != nil {
		return err
	}
	defer b.Close()

	if *countType != "" {
		counter, ok := b.base.(query.EventTypeCounter)
		if !ok {
			return fmt.Errorf("event store cannot count events by type")
		}
		n, err := counter.CountByType(ctx, event.EventType(*countType))
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	}

	lister, ok := b.base.(query.StreamLister)
	if !ok {
		return fmt.Errorf("event store cannot list streams")
	}
	filter := query.StreamFilter{StreamType: event.StreamType(*streamType), Limit: *limit, Offset: *offset}
	infos, err := lister.ListStreams(ctx, filter)
	if err != nil {
		return err
	}
	if counter, ok := b.base.(query.StreamCounter); ok {
		total, err := counter.CountStreams(ctx, filter)
		if err != nil {
			return err
		}
		e.logger.Info("listing streams", "total", total, "shown", len(infos))
	}
	out := json.NewEncoder(os.Stdout)
	for _, info := range infos {
		if err := out.Encode(info); err != nil {
			return err
		}
	}
	return nil
}
