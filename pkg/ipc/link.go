package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const (
	// DefaultRequestBuffer bounds the edge -> truth request channel.
	DefaultRequestBuffer = 64
	// DefaultResponseBuffer bounds each per-connection response channel.
	DefaultResponseBuffer = 256
)

// Link carries all edge <-> truth traffic. One request channel shared by
// every connection, one response channel per connection. Both directions
// are bounded; the edge blocks when the truth side is saturated, and a
// response send blocks until the edge drains or the connection closes.
type Link struct {
	requests chan Request

	mu    sync.RWMutex
	conns map[string]*Conn
}

// Conn is one connection's receive side of the link.
type Conn struct {
	ID        string
	Responses chan Response

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLink creates the seam with the given request buffer size.
func NewLink(requestBuffer int) *Link {
	if requestBuffer <= 0 {
		requestBuffer = DefaultRequestBuffer
	}
	return &Link{
		requests: make(chan Request, requestBuffer),
		conns:    make(map[string]*Conn),
	}
}

// Requests is the truth-side receive channel.
func (l *Link) Requests() <-chan Request {
	return l.requests
}

// Open registers a connection and returns its response channel handle.
// Opening an ID that is already open replaces the old registration; the
// old handle stops receiving.
func (l *Link) Open(connectionID string, responseBuffer int) *Conn {
	if responseBuffer <= 0 {
		responseBuffer = DefaultResponseBuffer
	}
	c := &Conn{
		ID:        connectionID,
		Responses: make(chan Response, responseBuffer),
		closed:    make(chan struct{}),
	}
	l.mu.Lock()
	if prior, ok := l.conns[connectionID]; ok {
		prior.close()
	}
	l.conns[connectionID] = c
	l.mu.Unlock()
	return c
}

// Close deregisters the connection. Responses already buffered remain
// readable; in-flight sends targeting it unblock and are dropped.
func (l *Link) Close(c *Conn) {
	l.mu.Lock()
	if l.conns[c.ID] == c {
		delete(l.conns, c.ID)
	}
	l.mu.Unlock()
	c.close()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Done is closed when the connection has been deregistered.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Submit sends a request to the truth side, blocking while the request
// channel is full until ctx is done.
func (l *Link) Submit(ctx context.Context, req Request) error {
	select {
	case l.requests <- req:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("request not accepted: %w", ctx.Err())
	}
}

// Respond delivers a response to the target connection. Returns false when
// the connection is gone or goes away while the send is blocked; late
// responses to departed connections are dropped.
func (l *Link) Respond(connectionID string, resp Response) bool {
	l.mu.RLock()
	c, ok := l.conns[connectionID]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case c.Responses <- resp:
		return true
	case <-c.closed:
		slog.Debug("Dropping response for closed connection",
			"connection_id", connectionID, "correlation_id", resp.Correlation())
		return false
	}
}
