package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// eventIDPrefix versions the hash input layout. Changing anything about the
// fields below requires a new prefix, or identical content would silently stop
// deduplicating against history.
const eventIDPrefix = "eidV1"

// HashTime renders a timestamp the way the event-ID hash consumes it.
// UTC RFC 3339 with nanoseconds trimmed, so equal instants hash equally
// regardless of how the producer spelled the zone offset.
func HashTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ComputeEventID derives the content-addressed event ID:
//
//	SHA-256( "eidV1" || scopeId || lane || systemId|containerId|uniqueId ||
//	         sourceTruthTime || canonicalPayload )
//
// hex-encoded. For the raw lane the canonical payload is the frame bytes; for
// every other lane it is the RFC 8785 serialization of the payload object.
// Same content therefore always yields the same ID, which is what makes the
// global ID index a dedupe index.
func ComputeEventID(env *Envelope) (string, error) {
	var payload []byte
	if env.Lane == LaneRaw {
		payload = env.Bytes
	} else {
		var err error
		payload, err = Canonicalize(env.Payload)
		if err != nil {
			return "", fmt.Errorf("compute event id: %w", err)
		}
	}

	h := sha256.New()
	h.Write([]byte(eventIDPrefix))
	h.Write([]byte(env.ScopeID))
	h.Write([]byte(env.Lane))
	h.Write([]byte(env.Identity.Key()))
	h.Write([]byte(HashTime(env.SourceTruthTime)))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}
