// Package models defines the NOVA event model: the five lanes, the envelope
// shared by all of them, the two timebases, canonical JSON serialization,
// content-derived event IDs, and the single deterministic order key used by
// queries, streams, and the raw-frame replay path.
package models

import "fmt"

// Lane identifies which of the five event classes an envelope belongs to.
// Each lane has its own payload semantics and its own table in the truth store.
type Lane string

const (
	LaneRaw      Lane = "raw"      // binary frame bytes, preserved without rechunking
	LaneParsed   Lane = "parsed"   // typed structured payload with message type + schema version
	LaneUI       Lane = "ui"       // partial upserts keyed by view, plus full-state checkpoints
	LaneCommand  Lane = "command"  // request / progress / result correlated by command ID
	LaneMetadata Lane = "metadata" // time-versioned descriptors (capability, binding, manifest, chat, presentation)
)

// lanePriorities is the tie-break priority between lanes sharing a timestamp.
// Lower wins: metadata < command < ui < parsed < raw.
var lanePriorities = map[Lane]int{
	LaneMetadata: 0,
	LaneCommand:  1,
	LaneUI:       2,
	LaneParsed:   3,
	LaneRaw:      4,
}

// Lanes lists all lanes in priority order.
var Lanes = []Lane{LaneMetadata, LaneCommand, LaneUI, LaneParsed, LaneRaw}

// Priority returns the lane's ordering priority (lower is emitted first on
// timestamp ties). Unknown lanes sort last.
func (l Lane) Priority() int {
	if p, ok := lanePriorities[l]; ok {
		return p
	}
	return len(lanePriorities)
}

// Valid reports whether the lane is one of the five known lanes.
func (l Lane) Valid() bool {
	_, ok := lanePriorities[l]
	return ok
}

// ParseLane converts a wire string into a Lane.
func ParseLane(s string) (Lane, error) {
	l := Lane(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown lane %q", s)
	}
	return l, nil
}
