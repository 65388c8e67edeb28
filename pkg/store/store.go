// Package store implements the append-only truth store on PostgreSQL.
//
// Events land in per-lane tables plus a global event_ids table that provides
// dedupe and the commit sequence. Every write is one transaction: the
// event_ids insert, the lane insert, and a pg_notify all commit atomically,
// so a NOTIFY wake never precedes a visible row.
package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/nova-io/nova/pkg/models"
)

// NotifyChannel is the PostgreSQL NOTIFY channel fired on every committed
// ingest. Playback sessions in LIVE mode listen here instead of polling.
const NotifyChannel = "nova_ingest"

// ErrDuplicate is returned by Insert when the event ID already exists.
// Duplicate delivery is normal under at-least-once transports; callers
// treat it as success without side effects.
var ErrDuplicate = errors.New("event already committed")

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("event not found")

// ErrRequestConflict is returned when a command request's requestId has
// already been recorded by a concurrent writer. The caller re-reads the
// recorded request instead of dispatching again.
var ErrRequestConflict = errors.New("command request already recorded")

// ErrCheckpointExists is returned when a checkpoint for the same view,
// manifest version and hour bucket is already committed.
var ErrCheckpointExists = errors.New("checkpoint bucket already written")

// Store provides all reads and writes against the truth schema.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared connection pool from database.Client.DB().
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WindowQuery describes one bounded, ordered read: all events in
// [Start, End) under the chosen timebase, ordered by the single ordering
// tuple. Lanes and Identity narrow the read; Limit of 0 means no limit.
type WindowQuery struct {
	ScopeID  string
	Timebase models.Timebase
	Start    time.Time
	End      time.Time

	// Lanes restricts the read to the listed lanes. Empty means all five.
	Lanes []models.Lane

	// Identity, when non-zero, restricts the read to one entity.
	Identity models.Identity

	// MessageTypes restricts structured lanes to the listed types. The raw
	// lane carries no message type and is unaffected.
	MessageTypes []string

	Limit int
}

// IngestNotification is the JSON payload of each NOTIFY on NotifyChannel.
// It carries routing fields only; the full event is read back from the
// store (NOTIFY payloads are size-limited and advisory).
type IngestNotification struct {
	EventID            string    `json:"eventId"`
	ScopeID            string    `json:"scopeId"`
	Lane               string    `json:"lane"`
	SourceTruthTime    time.Time `json:"sourceTruthTime"`
	CanonicalTruthTime time.Time `json:"canonicalTruthTime"`
	Seq                int64     `json:"seq"`
}
