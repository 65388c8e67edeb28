// Package router dispatches typed edge requests to the truth-side
// components and writes typed responses back over the link. It is the only
// path by which the edge observes or mutates truth.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nova-io/nova/pkg/commands"
	"github.com/nova-io/nova/pkg/drivers"
	"github.com/nova-io/nova/pkg/ingest"
	"github.com/nova-io/nova/pkg/ipc"
	"github.com/nova-io/nova/pkg/models"
	"github.com/nova-io/nova/pkg/playback"
	"github.com/nova-io/nova/pkg/store"
)

// streamBuffer bounds the per-cursor message channel between the playback
// engine and the forwarder that copies onto the connection's response
// channel.
const streamBuffer = 64

// defaultQueryTimeout bounds synchronous reads when no timeout is
// configured. Streams have no deadline; queries always do.
const defaultQueryTimeout = 30 * time.Second

// ErrBadRequest covers malformed requests rejected before reaching any
// component.
var ErrBadRequest = errors.New("invalid request")

// Stream is the router's handle on a started cursor.
type Stream interface {
	Done() <-chan struct{}
}

// Playback is the cursor engine surface the router drives.
type Playback interface {
	StartStream(ctx context.Context, req playback.StreamRequest, out chan<- playback.Message) (Stream, error)
	CancelStream(connectionID string)
	Query(ctx context.Context, req playback.QueryRequest) ([]*models.Event, error)
}

// PlaybackManager adapts *playback.Manager to the Playback interface.
type PlaybackManager struct {
	*playback.Manager
}

func (p PlaybackManager) StartStream(ctx context.Context, req playback.StreamRequest, out chan<- playback.Message) (Stream, error) {
	s, err := p.Manager.StartStream(ctx, req, out)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Commands is the command-plane surface.
type Commands interface {
	Submit(ctx context.Context, env *models.Envelope, mode models.TimelineMode) (commands.Ack, error)
	History(ctx context.Context, scopeID string, commandIDs ...string) ([]*models.Event, error)
}

// Ingestor appends envelopes through the ingest pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, env *models.Envelope) (ingest.Result, error)
}

// UIState reconstructs view state and presentation overrides at an instant.
type UIState interface {
	StateAt(ctx context.Context, scopeID string, id models.Identity, viewID string, at time.Time, tb models.Timebase) (map[string]any, int, error)
	PresentationAt(ctx context.Context, scopeID string, id models.Identity, at time.Time) (map[string]any, error)
}

// Exporter replays a window through the driver plane into an archive.
// Satisfied by *drivers.Exporter.
type Exporter interface {
	Export(ctx context.Context, scopeID string, start, end time.Time) (*drivers.Result, error)
}

// Router owns the truth side of the link.
type Router struct {
	link     *ipc.Link
	playback Playback
	commands Commands
	ingestor Ingestor
	uistate  UIState
	exporter Exporter

	defaultTimebase models.Timebase
	queryTimeout    time.Duration
}

// New creates a router. defaultTimebase fills requests that do not pick a
// timebase; queryTimeout bounds synchronous reads (<= 0 uses the default).
func New(link *ipc.Link, pb Playback, cmds Commands, ing Ingestor, ui UIState, exp Exporter, defaultTimebase models.Timebase, queryTimeout time.Duration) *Router {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Router{
		link:            link,
		playback:        pb,
		commands:        cmds,
		ingestor:        ing,
		uistate:         ui,
		exporter:        exp,
		defaultTimebase: defaultTimebase,
		queryTimeout:    queryTimeout,
	}
}

// Run consumes requests until ctx is done. Each request is handled on its
// own goroutine so a slow store read never stalls the dispatch loop.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case req := <-r.link.Requests():
			go r.handle(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) handle(ctx context.Context, req ipc.Request) {
	switch req := req.(type) {
	case ipc.QueryRequest:
		r.handleQuery(ctx, req)
	case ipc.StartStreamRequest:
		r.handleStartStream(ctx, req)
	case ipc.CancelStreamRequest:
		r.playback.CancelStream(req.ConnectionID)
		r.link.Respond(req.ConnectionID, ipc.Ack{CorrelationID: req.CorrelationID})
	case ipc.SubmitCommandRequest:
		r.handleSubmitCommand(ctx, req)
	case ipc.CommandHistoryRequest:
		r.handleCommandHistory(ctx, req)
	case ipc.IngestMetadataRequest:
		r.handleIngestMetadata(ctx, req)
	case ipc.UIStateRequest:
		r.handleUIState(ctx, req)
	case ipc.ExportRequest:
		r.handleExport(ctx, req)
	default:
		slog.Warn("Unhandled request type", "connection_id", req.Connection())
	}
}

func (r *Router) handleQuery(ctx context.Context, req ipc.QueryRequest) {
	queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	events, err := r.playback.Query(queryCtx, playback.QueryRequest{
		ScopeID:   req.ScopeID,
		StartTime: req.StartTime,
		StopTime:  req.StopTime,
		Timebase:  r.timebase(req.Timebase),
		Filters:   req.Filters,
		Limit:     req.Limit,
	})
	if err != nil {
		r.respondError(req, err)
		return
	}
	r.link.Respond(req.ConnectionID, ipc.QueryResponse{
		CorrelationID: req.CorrelationID,
		Events:        events,
		TotalCount:    len(events),
	})
}

func (r *Router) handleStartStream(ctx context.Context, req ipc.StartStreamRequest) {
	streamReq := req.Stream
	streamReq.Timebase = r.timebase(streamReq.Timebase)

	msgs := make(chan playback.Message, streamBuffer)
	stream, err := r.playback.StartStream(ctx, streamReq, msgs)
	if err != nil {
		r.respondError(req, err)
		return
	}

	connID := req.Connection()
	go func() {
		for {
			select {
			case m := <-msgs:
				r.link.Respond(connID, ipc.StreamMessage{Message: m})
			case <-stream.Done():
				// Drain what the cursor emitted before exiting.
				for {
					select {
					case m := <-msgs:
						r.link.Respond(connID, ipc.StreamMessage{Message: m})
					default:
						return
					}
				}
			}
		}
	}()
}

func (r *Router) handleSubmitCommand(ctx context.Context, req ipc.SubmitCommandRequest) {
	ack, err := r.commands.Submit(ctx, req.Envelope, req.Mode)
	if err != nil {
		r.respondError(req, err)
		return
	}
	r.link.Respond(req.ConnectionID, ipc.Ack{
		CorrelationID: req.CorrelationID,
		CommandID:     ack.CommandID,
		Status:        string(ack.Status),
	})
}

func (r *Router) handleCommandHistory(ctx context.Context, req ipc.CommandHistoryRequest) {
	queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	events, err := r.commands.History(queryCtx, req.ScopeID, req.CommandIDs...)
	if err != nil {
		r.respondError(req, err)
		return
	}
	r.link.Respond(req.ConnectionID, ipc.QueryResponse{
		CorrelationID: req.CorrelationID,
		Events:        events,
		TotalCount:    len(events),
	})
}

func (r *Router) handleIngestMetadata(ctx context.Context, req ipc.IngestMetadataRequest) {
	env := req.Envelope
	if env.Lane == "" {
		env.Lane = models.LaneMetadata
	}
	if env.Lane != models.LaneMetadata {
		r.respondError(req, fmt.Errorf("%w: lane %q is not metadata", models.ErrValidation, env.Lane))
		return
	}

	res, err := r.ingestor.Ingest(ctx, env)
	if err != nil {
		r.respondError(req, err)
		return
	}
	status := "accepted"
	if res.Duplicate {
		status = "duplicate"
	}
	r.link.Respond(req.ConnectionID, ipc.Ack{CorrelationID: req.CorrelationID, Status: status})
}

func (r *Router) handleUIState(ctx context.Context, req ipc.UIStateRequest) {
	queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	state, manifestVersion, err := r.uistate.StateAt(queryCtx, req.ScopeID, req.Identity, req.ViewID, req.At, r.timebase(req.Timebase))
	if err != nil {
		r.respondError(req, err)
		return
	}
	presentation, err := r.uistate.PresentationAt(queryCtx, req.ScopeID, req.Identity, req.At)
	if err != nil {
		r.respondError(req, err)
		return
	}
	r.link.Respond(req.ConnectionID, ipc.UIStateResponse{
		CorrelationID:   req.CorrelationID,
		State:           state,
		ManifestVersion: manifestVersion,
		Presentation:    presentation,
	})
}

// handleExport runs with no deadline: exports walk arbitrarily large
// windows and finish when the last page is archived.
func (r *Router) handleExport(ctx context.Context, req ipc.ExportRequest) {
	if !req.StopTime.After(req.StartTime) {
		r.respondError(req, fmt.Errorf("%w: export stopTime must be after startTime", ErrBadRequest))
		return
	}
	res, err := r.exporter.Export(ctx, req.ScopeID, req.StartTime, req.StopTime)
	if err != nil {
		r.respondError(req, err)
		return
	}
	r.link.Respond(req.ConnectionID, ipc.ExportResponse{
		CorrelationID: req.CorrelationID,
		ExportID:      res.ExportID,
		ArchivePath:   res.ArchivePath,
		EventCount:    res.EventCount,
	})
}

func (r *Router) timebase(tb models.Timebase) models.Timebase {
	if tb == "" {
		return r.defaultTimebase
	}
	return tb
}

func (r *Router) respondError(req ipc.Request, err error) {
	code := errorCode(err)
	if code == ipc.ErrCodeInternal {
		slog.Error("Request failed", "connection_id", req.Connection(),
			"correlation_id", req.Correlation(), "error", err)
	}
	r.link.Respond(req.Connection(), ipc.ErrorResponse{
		CorrelationID: req.Correlation(),
		Code:          code,
		Message:       err.Error(),
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, commands.ErrReplayBlocked):
		return ipc.ErrCodeReplayBlocked
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, playback.ErrBadStreamRequest),
		errors.Is(err, ErrBadRequest):
		return ipc.ErrCodeBadRequest
	case errors.Is(err, store.ErrNotFound):
		return ipc.ErrCodeNotFound
	default:
		return ipc.ErrCodeInternal
	}
}
