// Package redisnotify carries commit notifications between processes over
// Redis pub/sub.
package redisnotify

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/retry"
	"github.com/lirancohen/evcore/subscribe"
)

// DefaultChannel is the pub/sub channel used when Config.Channel is empty.
const DefaultChannel = "evcore:events"

// Config configures a Notifier.
type Config struct {
	// Client is the Redis client. Required.
	Client redis.UniversalClient

	// Channel is the pub/sub channel name. Defaults to DefaultChannel.
	Channel string

	// PublishTimeout bounds each publish. Defaults to 2s.
	PublishTimeout time.Duration

	Logger logging.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Client == nil {
		return errors.New("redisnotify: Client is required")
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	c.Logger = logging.OrNop(c.Logger)
}

// Notifier publishes a message on every Notify and, through Run, forwards
// messages from other processes to a local notifier.
type Notifier struct {
	config Config
}

// New creates a notifier.
func New(config Config) (*Notifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.withDefaults()
	return &Notifier{config: config}, nil
}

// Notify publishes a commit notification. Failures are logged; subscribers
// still catch up on their poll interval.
func (n *Notifier) Notify() {
	ctx, cancel := context.WithTimeout(context.Background(), n.config.PublishTimeout)
	defer cancel()
	if err := n.config.Client.Publish(ctx, n.config.Channel, "1").Err(); err != nil {
		n.config.Logger.Warn("failed to publish commit notification",
			"channel", n.config.Channel,
			"error", err,
		)
	}
}

// Run subscribes to the channel and calls target.Notify for every message
// until ctx is done. The subscription is re-established with backoff after
// failures, and target is notified on every (re)connect since messages may
// have been missed.
func (n *Notifier) Run(ctx context.Context, target subscribe.Notifier) error {
	backoff := retry.Poll()
	for attempt := 1; ; attempt++ {
		err := n.listen(ctx, target)
		if ctx.Err() != nil {
			return nil
		}
		n.config.Logger.Warn("redis notification subscription lost",
			"channel", n.config.Channel,
			"error", err,
		)
		if werr := backoff.Wait(ctx, attempt); werr != nil {
			return nil
		}
	}
}

func (n *Notifier) listen(ctx context.Context, target subscribe.Notifier) error {
	pubsub := n.config.Client.Subscribe(ctx, n.config.Channel)
	defer pubsub.Close()

	// Wait for the subscription confirmation before reporting connected.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	n.config.Logger.Debug("subscribed to commit notifications", "channel", n.config.Channel)
	target.Notify()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return errors.New("redisnotify: subscription channel closed")
			}
			target.Notify()
		}
	}
}
