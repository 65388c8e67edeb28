package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// scopePattern is the public contract for scope identifiers.
var scopePattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// ErrValidation marks envelope contract violations detected before any write.
var ErrValidation = errors.New("envelope validation failed")

// Identity is the stable public identity triple of an entity that produces
// events. It never changes for a given entity.
type Identity struct {
	SystemID    string `json:"systemId"`
	ContainerID string `json:"containerId"`
	UniqueID    string `json:"uniqueId"`
}

// Key returns the identity rendered as "systemId|containerId|uniqueId",
// the exact byte layout hashed into the event ID.
func (id Identity) Key() string {
	return id.SystemID + "|" + id.ContainerID + "|" + id.UniqueID
}

// Empty reports whether any component of the triple is missing.
func (id Identity) Empty() bool {
	return id.SystemID == "" || id.ContainerID == "" || id.UniqueID == ""
}

// Envelope is the producer-authored wire record for all five lanes.
// Every field here belongs to the producer; the truth store never mutates any
// of them. CanonicalTruthTime lives on Event, not here, because it is the one
// field the receiving truth instance owns.
type Envelope struct {
	EventID string `json:"eventId,omitempty"` // content hash; computed at ingest when absent
	ScopeID string `json:"scopeId"`
	Lane    Lane   `json:"lane"`
	Identity

	// SourceTruthTime is the producer wall-clock at observation. Immutable.
	SourceTruthTime time.Time `json:"sourceTruthTime"`

	MessageType   string          `json:"messageType,omitempty"`   // required for non-raw lanes
	SchemaVersion int             `json:"schemaVersion,omitempty"` // positive for non-raw lanes
	Payload       json.RawMessage `json:"payload,omitempty"`       // non-raw lanes
	Bytes         []byte          `json:"bytes,omitempty"`         // raw lane frame (base64 on the wire)

	// Raw-lane-only debug fields.
	ConnectionID string `json:"connectionId,omitempty"`
	Sequence     *int64 `json:"sequence,omitempty"`
}

// Event is a committed envelope: the producer record plus the fields the
// truth store assigns exactly once at ingest.
type Event struct {
	Envelope

	// CanonicalTruthTime is the receiver wall-clock assigned at ingest.
	// Never recomputed during replay or replication.
	CanonicalTruthTime time.Time `json:"canonicalTruthTime"`

	// Seq is the global commit sequence. It exists solely for the export
	// parity contract (commit-order reads) and is not part of the wire model.
	Seq int64 `json:"-"`
}

// Time returns the event timestamp under the chosen timebase.
func (e *Event) Time(tb Timebase) time.Time {
	if tb == TimebaseCanonical {
		return e.CanonicalTruthTime
	}
	return e.SourceTruthTime
}

// Validate checks the lane-specific producer contract. It does not compute or
// verify the event ID; that is the ingest pipeline's job.
func (e *Envelope) Validate() error {
	if !scopePattern.MatchString(e.ScopeID) {
		return fmt.Errorf("%w: scopeId %q must match [A-Za-z0-9]+", ErrValidation, e.ScopeID)
	}
	if !e.Lane.Valid() {
		return fmt.Errorf("%w: unknown lane %q", ErrValidation, e.Lane)
	}
	if e.Identity.Empty() {
		return fmt.Errorf("%w: identity triple must be non-empty", ErrValidation)
	}
	if e.SourceTruthTime.IsZero() {
		return fmt.Errorf("%w: sourceTruthTime is required", ErrValidation)
	}

	if e.Lane == LaneRaw {
		if len(e.Bytes) == 0 {
			return fmt.Errorf("%w: raw lane requires frame bytes", ErrValidation)
		}
		if len(e.Payload) != 0 {
			return fmt.Errorf("%w: raw lane must not carry a structured payload", ErrValidation)
		}
		return nil
	}

	if e.MessageType == "" {
		return fmt.Errorf("%w: %s lane requires messageType", ErrValidation, e.Lane)
	}
	if e.SchemaVersion < 1 {
		return fmt.Errorf("%w: %s lane requires a positive schemaVersion", ErrValidation, e.Lane)
	}
	if len(e.Bytes) != 0 {
		return fmt.Errorf("%w: only the raw lane carries frame bytes", ErrValidation)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s lane requires a payload object", ErrValidation, e.Lane)
	}
	if e.ConnectionID != "" || e.Sequence != nil {
		return fmt.Errorf("%w: connectionId/sequence are raw-lane-only", ErrValidation)
	}
	return nil
}
