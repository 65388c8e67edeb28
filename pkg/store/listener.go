package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// IngestHandler receives decoded ingest notifications. Handlers must not
// block; slow consumers should hand off to their own channel.
type IngestHandler func(IngestNotification)

// IngestListener holds a dedicated PostgreSQL connection LISTENing on
// NotifyChannel and fans decoded notifications out to registered handlers.
// Playback sessions in LIVE mode register here instead of polling the store.
type IngestListener struct {
	connString string
	conn       *pgx.Conn // dedicated connection, receive loop only
	connMu     sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[int]IngestHandler
	nextID     int

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewIngestListener creates a listener for the given connection string. The
// connection is dedicated; it must not come from the shared pool because
// LISTEN pins the session.
func NewIngestListener(connString string) *IngestListener {
	return &IngestListener{
		connString: connString,
		handlers:   make(map[int]IngestHandler),
	}
}

// Register adds a handler and returns an unregister function.
func (l *IngestListener) Register(h IngestHandler) func() {
	l.handlersMu.Lock()
	id := l.nextID
	l.nextID++
	l.handlers[id] = h
	l.handlersMu.Unlock()

	return func() {
		l.handlersMu.Lock()
		delete(l.handlers, id)
		l.handlersMu.Unlock()
	}
}

// Start establishes the LISTEN connection and begins the receive loop.
func (l *IngestListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s failed: %w", NotifyChannel, err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("IngestListener started", "channel", NotifyChannel)
	return nil
}

// receiveLoop is the sole goroutine touching the pgx connection. On receive
// errors it reconnects with exponential backoff; ingest wakes are advisory,
// so consumers that miss one catch up on the next read.
func (l *IngestListener) receiveLoop(ctx context.Context) {
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
				return
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		var n IngestNotification
		if err := json.Unmarshal([]byte(notification.Payload), &n); err != nil {
			slog.Warn("Discarding malformed ingest notification", "error", err)
			continue
		}
		l.dispatch(n)
	}
}

func (l *IngestListener) dispatch(n IngestNotification) {
	l.handlersMu.RLock()
	defer l.handlersMu.RUnlock()
	for _, h := range l.handlers {
		h(n)
	}
}

// reconnect re-establishes the LISTEN connection with exponential backoff.
func (l *IngestListener) reconnect(ctx context.Context) {
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
		if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
			slog.Error("Re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		l.conn = conn
		slog.Info("IngestListener reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it, then closes the
// LISTEN connection.
func (l *IngestListener) Stop(ctx context.Context) {
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
