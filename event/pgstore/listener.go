package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lirancohen/evcore/logging"
)

// Notifiee receives a signal whenever new events may be readable.
type Notifiee interface {
	Notify()
}

// Listener turns PostgreSQL NOTIFY messages from Append into Notify calls, so
// subscribers in other processes wake up without polling.
type Listener struct {
	pool    *pgxpool.Pool
	target  Notifiee
	logger  logging.Logger
	backoff time.Duration
}

// NewListener creates a listener forwarding to target.
func NewListener(pool *pgxpool.Pool, target Notifiee, logger logging.Logger) *Listener {
	return &Listener{
		pool:    pool,
		target:  target,
		logger:  logging.OrNop(logger),
		backoff: time.Second,
	}
}

// Run listens until ctx is done. Connection failures are logged and retried.
// A Notify is issued after every (re)connect so readers recheck anything
// committed while the listener was down.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("listener disconnected", "channel", NotifyChannel, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.logger.Debug("listening", "channel", NotifyChannel)
	l.target.Notify()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			// pgx closes a connection interrupted mid-wait; the pool discards it on release.
			return fmt.Errorf("wait for notification: %w", err)
		}
		if n.Channel == NotifyChannel {
			l.target.Notify()
		}
	}
}
