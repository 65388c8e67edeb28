// Package playback implements server-paced streaming over the truth store:
// fenced cursors that advance by fixed timeline windows, LIVE tailing woken
// by ingest notifications, and follower outputs bound to a leader cursor.
package playback

import (
	"time"

	"github.com/nova-io/nova/pkg/models"
)

// Filters narrows a query or stream to a lane subset, one identity, and/or
// a set of message types. The type filter passes the raw lane through
// untouched; raw frames carry no message type.
type Filters struct {
	Lanes        []models.Lane   `json:"lanes,omitempty"`
	Identity     models.Identity `json:"identity,omitempty"`
	MessageTypes []string        `json:"messageTypes,omitempty"`
}

// StreamRequest starts a server-paced stream. A request on a connection
// that already has an active stream supersedes it; the prior cursor is
// cancelled and its remaining chunks are fenced out by the request ID.
type StreamRequest struct {
	PlaybackRequestID string
	ConnectionID      string

	ScopeID   string
	StartTime time.Time
	StopTime  *time.Time // nil = open-ended (LIVE tails)
	Rate      float64    // negative = reverse, zero = paused
	Timebase  models.Timebase
	Mode      models.TimelineMode
	Filters   Filters
}

// Chunk is one window's worth of ordered events. CursorEndpoint is the
// window edge the cursor advanced to; clients derive displayed time from it
// rather than free-running a local clock.
type Chunk struct {
	PlaybackRequestID string          `json:"playbackRequestId"`
	Events            []*models.Event `json:"events"`
	CursorEndpoint    time.Time       `json:"cursorEndpoint"`
}

// MessageKind discriminates stream messages on the response channel.
type MessageKind string

const (
	KindStarted  MessageKind = "streamStarted"
	KindChunk    MessageKind = "streamChunk"
	KindComplete MessageKind = "streamComplete"
	KindError    MessageKind = "streamError"
)

// Message is one typed stream message. Every message carries the fence
// token; the edge discards anything not matching its active stream.
type Message struct {
	Kind              MessageKind `json:"kind"`
	PlaybackRequestID string      `json:"playbackRequestId"`
	Chunk             *Chunk      `json:"chunk,omitempty"`
	Error             string      `json:"error,omitempty"`
}
