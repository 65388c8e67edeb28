// Package edge is the client-facing surface: HTTP routes and WebSocket
// connections that forward typed requests over the link to the truth core.
// The edge holds no durable state; everything per-connection dies with the
// connection.
package edge

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nova-io/nova/pkg/ipc"
	"github.com/nova-io/nova/pkg/models"
)

// httpRequestTimeout bounds one HTTP round trip over the link.
const httpRequestTimeout = 30 * time.Second

// exportTimeout bounds a full export run; large windows take a while.
const exportTimeout = 10 * time.Minute

// HealthCheck reports readiness of the truth-side dependencies.
type HealthCheck func(ctx context.Context) (map[string]any, error)

// Server is the edge HTTP/WebSocket server.
type Server struct {
	link           *ipc.Link
	connManager    *ConnectionManager
	allowedOrigins []string
	health         HealthCheck

	engine     *gin.Engine
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer creates the edge server. allowedOrigins is the WebSocket origin
// allowlist; empty means accept any origin (development mode).
func NewServer(link *ipc.Link, connManager *ConnectionManager, allowedOrigins []string, health HealthCheck) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		link:           link,
		connManager:    connManager,
		allowedOrigins: allowedOrigins,
		health:         health,
		engine:         gin.New(),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/health", s.handleHealth)
	api := s.engine.Group("/api")
	api.POST("/query", s.handleQuery)
	api.POST("/commands", s.handleSubmitCommand)
	api.GET("/commands/:commandId", s.handleCommandHistory)
	api.POST("/metadata", s.handleIngestMetadata)
	api.POST("/uistate", s.handleUIState)
	api.POST("/exports", s.handleExport)

	// The WebSocket upgrade hijacks the connection, which needs the raw
	// ResponseWriter; gin's wrapped writer refuses the hijack. /ws therefore
	// sits beside the gin tree, not inside it.
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.Handle("/", s.engine)

	return s
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	detail, err := s.health(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"detail": detail,
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"detail":      detail,
		"connections": s.connManager.ActiveConnections(),
	})
}

// handleWS upgrades to WebSocket and hands the connection to the manager.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Warn("WebSocket accept failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s.connManager.HandleConnection(r.Context(), conn)
}

func (s *Server) handleQuery(c *gin.Context) {
	var params QueryParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.roundTrip(c.Request.Context(), func(connID string) ipc.Request {
		return ipc.QueryRequest{
			ConnectionID: connID,
			ScopeID:      params.ScopeID,
			StartTime:    params.StartTime,
			StopTime:     params.StopTime,
			Timebase:     params.Timebase,
			Filters:      params.Filters,
			Limit:        params.Limit,
		}
	})
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}

	switch resp := resp.(type) {
	case ipc.QueryResponse:
		c.JSON(http.StatusOK, gin.H{"events": resp.Events, "totalCount": resp.TotalCount})
	case ipc.ErrorResponse:
		c.JSON(httpStatus(resp.Code), gin.H{"error": resp.Message})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected response"})
	}
}

func (s *Server) handleSubmitCommand(c *gin.Context) {
	var params CommandParams
	if err := c.ShouldBindJSON(&params); err != nil || params.Envelope == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command envelope is required"})
		return
	}

	resp, err := s.roundTrip(c.Request.Context(), func(connID string) ipc.Request {
		return ipc.SubmitCommandRequest{
			ConnectionID: connID,
			Envelope:     params.Envelope,
			Mode:         params.Mode,
		}
	})
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}

	switch resp := resp.(type) {
	case ipc.Ack:
		c.JSON(http.StatusOK, gin.H{"commandId": resp.CommandID, "status": resp.Status})
	case ipc.ErrorResponse:
		c.JSON(httpStatus(resp.Code), gin.H{"error": resp.Message})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected response"})
	}
}

// handleCommandHistory returns every recorded event for a set of commands:
// each request plus the progress and result events correlated by its ID.
// The path parameter accepts a comma-separated list of command IDs.
func (s *Server) handleCommandHistory(c *gin.Context) {
	commandIDs := strings.Split(c.Param("commandId"), ",")
	scopeID := c.Query("scopeId")

	resp, err := s.roundTrip(c.Request.Context(), func(connID string) ipc.Request {
		return ipc.CommandHistoryRequest{
			ConnectionID: connID,
			ScopeID:      scopeID,
			CommandIDs:   commandIDs,
		}
	})
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}

	switch resp := resp.(type) {
	case ipc.QueryResponse:
		c.JSON(http.StatusOK, gin.H{"events": resp.Events, "totalCount": resp.TotalCount})
	case ipc.ErrorResponse:
		c.JSON(httpStatus(resp.Code), gin.H{"error": resp.Message})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected response"})
	}
}

func (s *Server) handleIngestMetadata(c *gin.Context) {
	var params MetadataParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.roundTrip(c.Request.Context(), func(connID string) ipc.Request {
		return ipc.IngestMetadataRequest{
			ConnectionID: connID,
			Envelope: &models.Envelope{
				ScopeID:         params.ScopeID,
				Lane:            models.LaneMetadata,
				Identity:        params.Identity,
				SourceTruthTime: params.SourceTruthTime,
				MessageType:     params.MessageType,
				SchemaVersion:   params.SchemaVersion,
				Payload:         params.Payload,
			},
		}
	})
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}

	switch resp := resp.(type) {
	case ipc.Ack:
		c.JSON(http.StatusOK, gin.H{"status": resp.Status})
	case ipc.ErrorResponse:
		c.JSON(httpStatus(resp.Code), gin.H{"error": resp.Message})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected response"})
	}
}

func (s *Server) handleUIState(c *gin.Context) {
	var params UIStateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.roundTrip(c.Request.Context(), func(connID string) ipc.Request {
		return ipc.UIStateRequest{
			ConnectionID: connID,
			ScopeID:      params.ScopeID,
			Identity:     params.Identity,
			ViewID:       params.ViewID,
			At:           params.At,
			Timebase:     params.Timebase,
		}
	})
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}

	switch resp := resp.(type) {
	case ipc.UIStateResponse:
		c.JSON(http.StatusOK, gin.H{
			"state":           resp.State,
			"manifestVersion": resp.ManifestVersion,
			"presentation":    resp.Presentation,
		})
	case ipc.ErrorResponse:
		c.JSON(httpStatus(resp.Code), gin.H{"error": resp.Message})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected response"})
	}
}

func (s *Server) handleExport(c *gin.Context) {
	var params ExportParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.roundTripTimeout(c.Request.Context(), exportTimeout, func(connID string) ipc.Request {
		return ipc.ExportRequest{
			ConnectionID: connID,
			ScopeID:      params.ScopeID,
			StartTime:    params.StartTime,
			StopTime:     params.StopTime,
		}
	})
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}

	switch resp := resp.(type) {
	case ipc.ExportResponse:
		c.JSON(http.StatusOK, gin.H{
			"exportId":    resp.ExportID,
			"archivePath": resp.ArchivePath,
			"eventCount":  resp.EventCount,
		})
	case ipc.ErrorResponse:
		c.JSON(httpStatus(resp.Code), gin.H{"error": resp.Message})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected response"})
	}
}

// roundTrip opens an ephemeral link registration for one request/response
// pair. WebSocket connections keep a long-lived registration instead; HTTP
// calls are one-shot.
func (s *Server) roundTrip(parentCtx context.Context, build func(connID string) ipc.Request) (ipc.Response, error) {
	return s.roundTripTimeout(parentCtx, httpRequestTimeout, build)
}

func (s *Server) roundTripTimeout(parentCtx context.Context, timeout time.Duration, build func(connID string) ipc.Request) (ipc.Response, error) {
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	connID := "http-" + uuid.New().String()
	conn := s.link.Open(connID, 8)
	defer s.link.Close(conn)

	if err := s.link.Submit(ctx, build(connID)); err != nil {
		return nil, err
	}
	select {
	case resp := <-conn.Responses:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func httpStatus(code string) int {
	switch code {
	case ipc.ErrCodeBadRequest:
		return http.StatusBadRequest
	case ipc.ErrCodeReplayBlocked:
		return http.StatusConflict
	case ipc.ErrCodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
