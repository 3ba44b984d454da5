package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// NotifyListener holds a dedicated LISTEN connection on the events channel
// and feeds each broadcast to the webhook dispatcher. The receive loop is the
// sole goroutine that touches the pgx connection, avoiding the "conn busy"
// race between WaitForNotification and Exec.
type NotifyListener struct {
	connString string
	store      *Store
	dispatcher *Dispatcher

	conn    *pgx.Conn
	connMu  sync.Mutex
	running atomic.Bool

	// cancelLoop and loopDone coordinate graceful shutdown of the receive loop.
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewNotifyListener creates a listener that resolves NOTIFY envelopes through
// store and dispatches full events through dispatcher.
func NewNotifyListener(connString string, store *Store, dispatcher *Dispatcher) *NotifyListener {
	return &NotifyListener{
		connString: connString,
		store:      store,
		dispatcher: dispatcher,
	}
}

// Start establishes the dedicated LISTEN connection and begins receiving.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{EventsChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN failed: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Event notify listener started", "channel", EventsChannel)
	return nil
}

func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.handle(ctx, []byte(notification.Payload))
	}
}

// handle resolves the compact NOTIFY envelope to the stored row and fans it
// out. The full row is re-read so subscribers always receive the persisted
// payload, not whatever fit in the 8000-byte NOTIFY limit.
func (l *NotifyListener) handle(ctx context.Context, payload []byte) {
	var env notifyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Error("Malformed NOTIFY payload", "error", err)
		return
	}

	evt, err := l.store.ByEventID(ctx, env.EventID)
	if err != nil {
		slog.Error("Failed to load event for dispatch",
			"event_id", env.EventID, "error", err)
		return
	}
	l.dispatcher.Dispatch(ctx, evt)
}

// reconnect re-establishes the LISTEN connection with exponential backoff.
func (l *NotifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{EventsChannel}.Sanitize()); err != nil {
			slog.Error("Re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		l.conn = conn
		slog.Info("Event notify listener reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it to finish, then closes
// the LISTEN connection.
func (l *NotifyListener) Stop(ctx context.Context) {
	l.running.Store(false)

	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
