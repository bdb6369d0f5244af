package wake

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Listener is the notify strategy: it holds a dedicated connection subscribed
// via LISTEN and wakes on the first notification or on timeout. If the
// subscription cannot be established (e.g. the pool goes through a pooler
// that drops LISTEN), Wait degrades to a plain sleep instead of failing —
// losing low-latency wake-ups must never take the worker down.
//
// Listener is not safe for concurrent use; the single worker loop owns it.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	log     *slog.Logger

	conn   *pgxpool.Conn // nil until subscribed, dropped on connection errors
	warned bool
}

// NewListener creates a Listener on the named notification channel.
func NewListener(pool *pgxpool.Pool, channel string) *Listener {
	return &Listener{
		pool:    pool,
		channel: channel,
		log:     slog.Default(),
	}
}

// Wait blocks until a notification arrives on the channel or the timeout
// (floored at one second) elapses. Subscription failures fall back to a
// short sleep so the caller still proceeds to its claim step.
func (l *Listener) Wait(ctx context.Context, timeout time.Duration) {
	if l.conn == nil {
		if err := l.subscribe(ctx); err != nil {
			if !l.warned {
				l.log.Warn("job notifications unavailable, polling instead",
					"channel", l.channel, "error", err)
				l.warned = true
			}
			sleep(ctx, max(timeout, fallbackFloor))
			return
		}
		l.warned = false
	}

	waitCtx, cancel := context.WithTimeout(ctx, max(timeout, pollFloor))
	defer cancel()

	// The notification payload is advisory; the caller re-claims either way.
	_, err := l.conn.Conn().WaitForNotification(waitCtx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		// Connection is unusable; drop it and resubscribe on the next wait.
		l.log.Warn("notification wait failed, resubscribing", "error", err)
		l.release()
	}
}

func (l *Listener) subscribe(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		conn.Release()
		return err
	}
	l.conn = conn
	return nil
}

func (l *Listener) release() {
	if l.conn != nil {
		// Best effort: don't hand a still-subscribed connection back to the pool.
		_, _ = l.conn.Exec(context.Background(), "UNLISTEN *")
		l.conn.Release()
		l.conn = nil
	}
}

// Close releases the subscribed connection back to the pool.
func (l *Listener) Close() {
	l.release()
}
