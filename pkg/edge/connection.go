package edge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nova-io/nova/pkg/ipc"
	"github.com/nova-io/nova/pkg/models"
	"github.com/nova-io/nova/pkg/playback"
)

// teardownTimeout bounds the CancelStream submit during connection cleanup.
const teardownTimeout = 5 * time.Second

// ConnectionManager owns all WebSocket client connections. Each connection
// gets its own link registration, a writer goroutine draining responses,
// and a read loop processing client messages. All per-connection state is
// ephemeral and discarded on disconnect.
type ConnectionManager struct {
	link         *ipc.Link
	writeTimeout time.Duration

	mu          sync.RWMutex
	connections map[string]*Connection
}

// Connection is a single WebSocket client.
type Connection struct {
	ID   string
	ws   *websocket.Conn
	peer *ipc.Conn

	ctx    context.Context
	cancel context.CancelFunc

	// activePlayback is the fence token: only stream messages carrying it
	// are forwarded to the client. Written by the read loop, read by the
	// writer goroutine.
	fenceMu        sync.Mutex
	activePlayback string
}

func (c *Connection) setFence(playbackRequestID string) {
	c.fenceMu.Lock()
	c.activePlayback = playbackRequestID
	c.fenceMu.Unlock()
}

func (c *Connection) fence() string {
	c.fenceMu.Lock()
	defer c.fenceMu.Unlock()
	return c.activePlayback
}

// NewConnectionManager creates a connection manager over the link.
func NewConnectionManager(link *ipc.Link, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		link:         link,
		writeTimeout: writeTimeout,
		connections:  make(map[string]*Connection),
	}
}

// ActiveConnections returns the count of live WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, wsConn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:     connID,
		ws:     wsConn,
		peer:   m.link.Open(connID, ipc.DefaultResponseBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	m.register(c)
	defer m.unregister(c)

	go m.writeLoop(c)

	m.sendJSON(c, map[string]string{
		"type":         "connection.established",
		"connectionId": connID,
	})

	for {
		_, data, err := wsConn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

// writeLoop drains the connection's response channel onto the socket.
func (m *ConnectionManager) writeLoop(c *Connection) {
	for {
		select {
		case resp := <-c.peer.Responses:
			m.deliver(c, resp)
		case <-c.ctx.Done():
			return
		}
	}
}

// deliver translates one truth-side response into a client frame. Stream
// messages not carrying the connection's active fence token are discarded.
func (m *ConnectionManager) deliver(c *Connection, resp ipc.Response) {
	switch resp := resp.(type) {
	case ipc.StreamMessage:
		msg := resp.Message
		if msg.PlaybackRequestID != c.fence() {
			slog.Debug("Discarding stale stream message",
				"connection_id", c.ID,
				"playback_request_id", msg.PlaybackRequestID,
				"kind", msg.Kind)
			return
		}
		m.sendJSON(c, streamFrame{
			Type:              string(msg.Kind),
			PlaybackRequestID: msg.PlaybackRequestID,
			Chunk:             msg.Chunk,
			Error:             msg.Error,
		})
	case ipc.QueryResponse:
		m.sendJSON(c, queryFrame{
			Type:       "query.result",
			RequestID:  resp.CorrelationID,
			Events:     resp.Events,
			TotalCount: resp.TotalCount,
		})
	case ipc.Ack:
		m.sendJSON(c, map[string]string{
			"type":      "ack",
			"requestId": resp.CorrelationID,
			"commandId": resp.CommandID,
			"status":    resp.Status,
		})
	case ipc.ErrorResponse:
		m.sendJSON(c, map[string]string{
			"type":      "error",
			"requestId": resp.CorrelationID,
			"code":      resp.Code,
			"message":   resp.Message,
		})
	case ipc.UIStateResponse:
		m.sendJSON(c, uiStateFrame{
			Type:            "uiState.result",
			RequestID:       resp.CorrelationID,
			State:           resp.State,
			ManifestVersion: resp.ManifestVersion,
			Presentation:    resp.Presentation,
		})
	default:
		slog.Warn("Unhandled response type", "connection_id", c.ID)
	}
}

type streamFrame struct {
	Type              string          `json:"type"`
	PlaybackRequestID string          `json:"playbackRequestId"`
	Chunk             *playback.Chunk `json:"chunk,omitempty"`
	Error             string          `json:"error,omitempty"`
}

type queryFrame struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"requestId"`
	Events     []*models.Event `json:"events"`
	TotalCount int             `json:"totalCount"`
}

type uiStateFrame struct {
	Type            string         `json:"type"`
	RequestID       string         `json:"requestId"`
	State           map[string]any `json:"state"`
	ManifestVersion int            `json:"manifestVersion"`
	Presentation    map[string]any `json:"presentation,omitempty"`
}

// handleClientMessage dispatches a client message to the appropriate
// truth-side request.
func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "startStream":
		if msg.Stream == nil {
			m.sendError(c, msg.RequestID, "stream parameters are required")
			return
		}
		playbackRequestID := uuid.New().String()
		c.setFence(playbackRequestID)
		req := ipc.StartStreamRequest{Stream: playback.StreamRequest{
			PlaybackRequestID: playbackRequestID,
			ConnectionID:      c.ID,
			ScopeID:           msg.Stream.ScopeID,
			StartTime:         msg.Stream.StartTime,
			StopTime:          msg.Stream.StopTime,
			Rate:              msg.Stream.Rate,
			Timebase:          msg.Stream.Timebase,
			Mode:              msg.Stream.Mode,
			Filters:           msg.Stream.Filters,
		}}
		if !m.submit(ctx, c, msg.RequestID, req) {
			return
		}
		m.sendJSON(c, map[string]string{
			"type":              "stream.accepted",
			"requestId":         msg.RequestID,
			"playbackRequestId": playbackRequestID,
		})

	case "cancelStream":
		c.setFence("")
		m.submit(ctx, c, msg.RequestID, ipc.CancelStreamRequest{
			ConnectionID:  c.ID,
			CorrelationID: msg.RequestID,
		})

	case "query":
		if msg.Query == nil {
			m.sendError(c, msg.RequestID, "query parameters are required")
			return
		}
		m.submit(ctx, c, msg.RequestID, ipc.QueryRequest{
			ConnectionID:  c.ID,
			CorrelationID: msg.RequestID,
			ScopeID:       msg.Query.ScopeID,
			StartTime:     msg.Query.StartTime,
			StopTime:      msg.Query.StopTime,
			Timebase:      msg.Query.Timebase,
			Filters:       msg.Query.Filters,
			Limit:         msg.Query.Limit,
		})

	case "submitCommand":
		if msg.Command == nil || msg.Command.Envelope == nil {
			m.sendError(c, msg.RequestID, "command envelope is required")
			return
		}
		m.submit(ctx, c, msg.RequestID, ipc.SubmitCommandRequest{
			ConnectionID:  c.ID,
			CorrelationID: msg.RequestID,
			Envelope:      msg.Command.Envelope,
			Mode:          msg.Command.Mode,
		})

	case "ingestMetadata":
		if msg.Metadata == nil {
			m.sendError(c, msg.RequestID, "metadata parameters are required")
			return
		}
		m.submit(ctx, c, msg.RequestID, ipc.IngestMetadataRequest{
			ConnectionID:  c.ID,
			CorrelationID: msg.RequestID,
			Envelope: &models.Envelope{
				ScopeID:         msg.Metadata.ScopeID,
				Lane:            models.LaneMetadata,
				Identity:        msg.Metadata.Identity,
				SourceTruthTime: msg.Metadata.SourceTruthTime,
				MessageType:     msg.Metadata.MessageType,
				SchemaVersion:   msg.Metadata.SchemaVersion,
				Payload:         msg.Metadata.Payload,
			},
		})

	case "uiState":
		if msg.UIState == nil {
			m.sendError(c, msg.RequestID, "uiState parameters are required")
			return
		}
		m.submit(ctx, c, msg.RequestID, ipc.UIStateRequest{
			ConnectionID:  c.ID,
			CorrelationID: msg.RequestID,
			ScopeID:       msg.UIState.ScopeID,
			Identity:      msg.UIState.Identity,
			ViewID:        msg.UIState.ViewID,
			At:            msg.UIState.At,
			Timebase:      msg.UIState.Timebase,
		})

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})

	default:
		m.sendError(c, msg.RequestID, "unknown action")
	}
}

// submit forwards a request over the link, reporting failure to the client.
func (m *ConnectionManager) submit(ctx context.Context, c *Connection, requestID string, req ipc.Request) bool {
	if err := m.link.Submit(ctx, req); err != nil {
		slog.Warn("Failed to submit request", "connection_id", c.ID, "error", err)
		m.sendError(c, requestID, "request not accepted")
		return false
	}
	return true
}

func (m *ConnectionManager) sendError(c *Connection, requestID, message string) {
	m.sendJSON(c, map[string]string{
		"type":      "error",
		"requestId": requestID,
		"message":   message,
	})
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregister tears down a connection: the truth-side cursor is cancelled,
// the link registration is dropped, and all per-connection state goes with
// it.
func (m *ConnectionManager) unregister(c *Connection) {
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	cancelCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := m.link.Submit(cancelCtx, ipc.CancelStreamRequest{ConnectionID: c.ID}); err != nil {
		slog.Warn("Failed to cancel stream on disconnect", "connection_id", c.ID, "error", err)
	}

	m.link.Close(c.peer)
	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends a JSON frame to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket frame", "connection_id", c.ID, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send WebSocket frame", "connection_id", c.ID, "error", err)
	}
}
