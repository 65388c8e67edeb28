package edge

import (
	"encoding/json"
	"time"

	"github.com/nova-io/nova/pkg/models"
	"github.com/nova-io/nova/pkg/playback"
)

// ClientMessage is one WebSocket message from a client. Action selects the
// operation; RequestID is the client's correlation token, echoed on the
// matching response.
type ClientMessage struct {
	Action    string `json:"action"`
	RequestID string `json:"requestId,omitempty"`

	Stream   *StreamParams   `json:"stream,omitempty"`
	Query    *QueryParams    `json:"query,omitempty"`
	Command  *CommandParams  `json:"command,omitempty"`
	Metadata *MetadataParams `json:"metadata,omitempty"`
	UIState  *UIStateParams  `json:"uiState,omitempty"`
}

// StreamParams starts or replaces the connection's stream. The edge
// generates the playbackRequestId; clients never pick their own fence
// token.
type StreamParams struct {
	ScopeID   string              `json:"scopeId"`
	StartTime time.Time           `json:"startTime"`
	StopTime  *time.Time          `json:"stopTime,omitempty"`
	Rate      float64             `json:"rate"`
	Timebase  models.Timebase     `json:"timebase,omitempty"`
	Mode      models.TimelineMode `json:"timelineMode"`
	Filters   playback.Filters    `json:"filters,omitempty"`
}

// QueryParams is a bounded window read.
type QueryParams struct {
	ScopeID   string           `json:"scopeId"`
	StartTime time.Time        `json:"startTime"`
	StopTime  time.Time        `json:"stopTime"`
	Timebase  models.Timebase  `json:"timebase,omitempty"`
	Filters   playback.Filters `json:"filters,omitempty"`
	Limit     int              `json:"limit,omitempty"`
}

// CommandParams submits a command envelope under the client's current
// timeline mode.
type CommandParams struct {
	Envelope *models.Envelope    `json:"envelope"`
	Mode     models.TimelineMode `json:"timelineMode"`
}

// MetadataParams appends one metadata event (chat, annotations,
// presentation overrides).
type MetadataParams struct {
	ScopeID         string          `json:"scopeId"`
	Identity        models.Identity `json:"identity"`
	MessageType     string          `json:"messageType"`
	SchemaVersion   int             `json:"schemaVersion"`
	Payload         json.RawMessage `json:"payload"`
	SourceTruthTime time.Time       `json:"sourceTruthTime"`
}

// ExportParams archives a canonical-time window through the driver plane.
type ExportParams struct {
	ScopeID   string    `json:"scopeId"`
	StartTime time.Time `json:"startTime"`
	StopTime  time.Time `json:"stopTime"`
}

// UIStateParams reconstructs a view's state at an instant.
type UIStateParams struct {
	ScopeID  string          `json:"scopeId"`
	Identity models.Identity `json:"identity"`
	ViewID   string          `json:"viewId"`
	At       time.Time       `json:"at"`
	Timebase models.Timebase `json:"timebase,omitempty"`
}
