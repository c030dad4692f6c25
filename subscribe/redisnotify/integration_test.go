//go:build integration

package redisnotify_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/event/memory"
	"github.com/lirancohen/evcore/subscribe"
	"github.com/lirancohen/evcore/subscribe/redisnotify"
)

func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	uri, err := container.ConnectionString(ctx)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to get connection string: %v", err)
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to parse redis url: %v", err)
	}
	client := redis.NewClient(opts)

	return client, func() {
		client.Close()
		container.Terminate(ctx)
	}
}

func TestNotifier_WakesRemoteSubscription(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	publisher, err := redisnotify.New(redisnotify.Config{Client: client})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	listener, err := redisnotify.New(redisnotify.Config{Client: client})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	local := subscribe.NewBroadcaster()
	connected := local.Changed()
	go listener.Run(ctx, local)

	select {
	case <-connected:
	case <-ctx.Done():
		t.Fatal("listener never connected")
	}

	store := memory.New()
	sub := subscribe.Subscribe(store, 0, subscribe.Options{Signal: local, PollInterval: time.Hour})

	got := make(chan event.Event, 1)
	go func() {
		if e, err := sub.Next(ctx); err == nil {
			got <- e
		}
	}()

	time.Sleep(50 * time.Millisecond)
	e, err := store.Append(ctx, event.Event{StreamID: "S1", Type: "a"}, event.AnyVersion)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	publisher.Notify()

	select {
	case delivered := <-got:
		if delivered.ID != e.ID {
			t.Errorf("delivered %s, want %s", delivered.ID, e.ID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("subscription not woken by redis notification")
	}
}
