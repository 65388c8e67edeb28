// Package ipc is the typed seam between the edge process surface and the
// truth core. The edge submits requests on one bounded channel; the truth
// side answers on a bounded per-connection response channel. Nothing else
// crosses the seam.
package ipc

import (
	"time"

	"github.com/nova-io/nova/pkg/models"
	"github.com/nova-io/nova/pkg/playback"
)

// Request is a message flowing edge -> truth. CorrelationID ties the
// response back to the originating client call; ConnectionID picks the
// response channel.
type Request interface {
	Connection() string
	Correlation() string
}

// Response is a message flowing truth -> edge.
type Response interface {
	Correlation() string
}

// QueryRequest asks for one bounded, ordered window read.
type QueryRequest struct {
	ConnectionID  string
	CorrelationID string

	ScopeID   string
	StartTime time.Time
	StopTime  time.Time
	Timebase  models.Timebase
	Filters   playback.Filters
	Limit     int
}

func (r QueryRequest) Connection() string  { return r.ConnectionID }
func (r QueryRequest) Correlation() string { return r.CorrelationID }

// StartStreamRequest starts (or supersedes) the connection's cursor.
// Stream.PlaybackRequestID doubles as the correlation ID: every chunk the
// cursor emits carries it.
type StartStreamRequest struct {
	Stream playback.StreamRequest
}

func (r StartStreamRequest) Connection() string  { return r.Stream.ConnectionID }
func (r StartStreamRequest) Correlation() string { return r.Stream.PlaybackRequestID }

// CancelStreamRequest tears down the connection's active cursor, if any.
type CancelStreamRequest struct {
	ConnectionID  string
	CorrelationID string
}

func (r CancelStreamRequest) Connection() string  { return r.ConnectionID }
func (r CancelStreamRequest) Correlation() string { return r.CorrelationID }

// SubmitCommandRequest submits a command envelope for recording and
// dispatch. Mode is the client's current timeline mode; replay mode is
// rejected before anything is recorded.
type SubmitCommandRequest struct {
	ConnectionID  string
	CorrelationID string

	Envelope *models.Envelope
	Mode     models.TimelineMode
}

func (r SubmitCommandRequest) Connection() string  { return r.ConnectionID }
func (r SubmitCommandRequest) Correlation() string { return r.CorrelationID }

// CommandHistoryRequest reads the recorded lifecycle of a set of commands:
// each request plus any progress and result events correlated by its ID.
// Answered with a QueryResponse.
type CommandHistoryRequest struct {
	ConnectionID  string
	CorrelationID string

	ScopeID    string
	CommandIDs []string
}

func (r CommandHistoryRequest) Connection() string  { return r.ConnectionID }
func (r CommandHistoryRequest) Correlation() string { return r.CorrelationID }

// IngestMetadataRequest appends a metadata event (chat, annotations,
// presentation overrides) through the normal ingest pipeline.
type IngestMetadataRequest struct {
	ConnectionID  string
	CorrelationID string

	Envelope *models.Envelope
}

func (r IngestMetadataRequest) Connection() string  { return r.ConnectionID }
func (r IngestMetadataRequest) Correlation() string { return r.CorrelationID }

// UIStateRequest reconstructs a view's UI state as of an instant.
type UIStateRequest struct {
	ConnectionID  string
	CorrelationID string

	ScopeID  string
	Identity models.Identity
	ViewID   string
	At       time.Time
	Timebase models.Timebase
}

func (r UIStateRequest) Connection() string  { return r.ConnectionID }
func (r UIStateRequest) Correlation() string { return r.CorrelationID }

// ExportRequest replays a canonical-time window through the driver plane
// into an archive.
type ExportRequest struct {
	ConnectionID  string
	CorrelationID string

	ScopeID   string
	StartTime time.Time
	StopTime  time.Time
}

func (r ExportRequest) Connection() string  { return r.ConnectionID }
func (r ExportRequest) Correlation() string { return r.CorrelationID }

// QueryResponse answers a QueryRequest.
type QueryResponse struct {
	CorrelationID string
	Events        []*models.Event
	TotalCount    int
}

func (r QueryResponse) Correlation() string { return r.CorrelationID }

// Ack is the generic success response. CommandID is set for command
// submissions; Status distinguishes fresh acceptance from an idempotent
// replay of a previously recorded request.
type Ack struct {
	CorrelationID string
	CommandID     string
	Status        string
}

func (r Ack) Correlation() string { return r.CorrelationID }

// Error codes carried on ErrorResponse.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeReplayBlocked = "replay_blocked"
	ErrCodeNotFound      = "not_found"
	ErrCodeInternal      = "internal"
)

// ErrorResponse reports a failed request.
type ErrorResponse struct {
	CorrelationID string
	Code          string
	Message       string
}

func (r ErrorResponse) Correlation() string { return r.CorrelationID }

// StreamMessage wraps one cursor lifecycle message (started, chunk,
// complete, error) for delivery on the response channel.
type StreamMessage struct {
	Message playback.Message
}

func (r StreamMessage) Correlation() string { return r.Message.PlaybackRequestID }

// ExportResponse answers an ExportRequest.
type ExportResponse struct {
	CorrelationID string
	ExportID      string
	ArchivePath   string
	EventCount    int
}

func (r ExportResponse) Correlation() string { return r.CorrelationID }

// UIStateResponse answers a UIStateRequest. Presentation carries the
// resolved override layers (user over admin over factory) in force at the
// requested instant.
type UIStateResponse struct {
	CorrelationID   string
	State           map[string]any
	ManifestVersion int
	Presentation    map[string]any
}

func (r UIStateResponse) Correlation() string { return r.CorrelationID }
