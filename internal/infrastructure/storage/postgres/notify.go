package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"metaforge/pkg/logger"
)

// ReloadChannel carries "definitions changed" notifications between
// processes sharing a database. The payload is a model name or empty.
const ReloadChannel = "metaforge_reload"

// NotifyListener is called for every notification received.
type NotifyListener func(ctx context.Context, payload string)

// Notifier listens on a channel via PostgreSQL LISTEN/NOTIFY and fans
// notifications out to registered listeners.
type Notifier struct {
	pool    *pgxpool.Pool
	channel string

	listeners   []NotifyListener
	listenersMu sync.RWMutex

	// Lifecycle
	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

// NewNotifier creates a notifier for channel.
func NewNotifier(pool *Pool, channel string) *Notifier {
	if channel == "" {
		channel = ReloadChannel
	}
	return &Notifier{pool: pool.Pool, channel: channel}
}

// OnNotify registers a listener. Listeners run sequentially on the listen
// goroutine.
func (n *Notifier) OnNotify(l NotifyListener) {
	n.listenersMu.Lock()
	defer n.listenersMu.Unlock()
	n.listeners = append(n.listeners, l)
}

// Notify sends payload on the channel. Inside a transaction the
// notification is delivered on commit.
func (n *Notifier) Notify(ctx context.Context, q Querier, payload string) error {
	if _, err := q.Exec(ctx, "SELECT pg_notify($1, $2)", n.channel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", n.channel, err)
	}
	return nil
}

// Start begins listening in the background.
func (n *Notifier) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()
	if n.started {
		return nil
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.started = true

	n.wg.Add(1)
	go n.listenLoop()
	logger.Info(n.ctx, "notifier started", "channel", n.channel)
	return nil
}

// Stop gracefully stops the listener.
func (n *Notifier) Stop() {
	n.lifecycleMu.Lock()
	if !n.started {
		n.lifecycleMu.Unlock()
		return
	}
	cancel := n.cancel
	n.started = false
	n.cancel = nil
	n.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	n.wg.Wait()
	logger.Info(context.Background(), "notifier stopped", "channel", n.channel)
}

func (n *Notifier) listenLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}

		// Acquire dedicated connection for LISTEN
		conn, err := n.pool.Acquire(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			logger.Error(n.ctx, "failed to acquire connection for LISTEN", "error", err)
			n.pause()
			continue
		}

		if _, err = conn.Exec(n.ctx, "LISTEN "+quote(n.channel)); err != nil {
			logger.Error(n.ctx, "failed to LISTEN", "channel", n.channel, "error", err)
			conn.Release()
			n.pause()
			continue
		}

		logger.Debug(n.ctx, "listening for notifications", "channel", n.channel)
		n.waitForNotifications(conn)
		conn.Release()
	}
}

func (n *Notifier) pause() {
	select {
	case <-n.ctx.Done():
	case <-time.After(time.Second):
	}
}

// waitForNotifications blocks until the connection breaks or the notifier
// stops.
func (n *Notifier) waitForNotifications(conn *pgxpool.Conn) {
	for {
		// Wait with a timeout so a dead connection is noticed
		ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		notification, err := conn.Conn().WaitForNotification(ctx)
		cancel()

		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			if pgconn.Timeout(err) {
				continue
			}
			logger.Warn(n.ctx, "notification wait failed, reconnecting", "error", err)
			return
		}

		logger.Debug(n.ctx, "received notification",
			"channel", notification.Channel,
			"payload", notification.Payload)
		n.handleNotification(notification.Payload)
	}
}

func (n *Notifier) handleNotification(payload string) {
	n.listenersMu.RLock()
	listeners := append([]NotifyListener(nil), n.listeners...)
	n.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error(n.ctx, "listener panic recovered", "channel", n.channel, "panic", r)
				}
			}()
			l(n.ctx, payload)
		}()
	}
}
