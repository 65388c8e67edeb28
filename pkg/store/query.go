package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nova-io/nova/pkg/models"
)

// QueryWindow returns all events in the half-open window [q.Start, q.End)
// under q.Timebase, ordered by the single ordering tuple. This is the read
// behind playback windows and history catchup.
func (s *Store) QueryWindow(ctx context.Context, q WindowQuery) ([]*models.Event, error) {
	query, args := buildWindowQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("window query failed: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows, false)
}

// QueryIngestOrder returns committed events whose canonical time falls in
// [start, end), in global commit order, resuming after afterSeq. Export
// reads use this so replayed bytes match the original ingest order.
func (s *Store) QueryIngestOrder(ctx context.Context, scopeID string, start, end time.Time, afterSeq int64, limit int) ([]*models.Event, error) {
	query := buildIngestOrderQuery(nil, limit)
	rows, err := s.db.QueryContext(ctx, query, scopeID, start, end, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("ingest-order query failed: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows, true)
}

// FindCommandByRequestID returns the recorded command request carrying the
// given idempotency key, or ErrNotFound.
func (s *Store) FindCommandByRequestID(ctx context.Context, scopeID, requestID string) (*models.Event, error) {
	query := "SELECT " + laneProjection(models.LaneCommand) +
		" FROM command_events WHERE scope_id = $1 AND request_id = $2"
	row := s.db.QueryRowContext(ctx, query, scopeID, requestID)
	ev, err := scanEventRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("request lookup failed: %w", err)
	}
	return ev, nil
}

// QueryCommandEvents returns the full request/progress/result trail of the
// given commands, ordered by source time. Trails interleave when several
// command IDs are passed; no IDs means no rows.
func (s *Store) QueryCommandEvents(ctx context.Context, scopeID string, commandIDs ...string) ([]*models.Event, error) {
	if len(commandIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(commandIDs)+1)
	args = append(args, scopeID)
	placeholders := make([]string, len(commandIDs))
	for i, id := range commandIDs {
		args = append(args, id)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}
	query := "SELECT " + laneProjection(models.LaneCommand) +
		" FROM command_events WHERE scope_id = $1 AND command_id IN (" + strings.Join(placeholders, ", ") + ")" +
		" ORDER BY source_time, event_id"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("command trail query failed: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows, false)
}

// LatestCheckpoint returns the most recent full-state checkpoint for a view
// at or before the given instant under the chosen timebase, or ErrNotFound
// when the view has never been checkpointed.
func (s *Store) LatestCheckpoint(ctx context.Context, scopeID string, id models.Identity, viewID string, at time.Time, tb models.Timebase) (*models.Event, error) {
	query := "SELECT " + laneProjection(models.LaneUI) +
		" FROM ui_events WHERE scope_id = $1 AND system_id = $2 AND container_id = $3 AND unique_id = $4" +
		" AND view_id = $5 AND message_type = $6 AND " + tb.Column() + " <= $7" +
		" ORDER BY " + tb.Column() + " DESC, event_id DESC LIMIT 1"
	row := s.db.QueryRowContext(ctx, query,
		scopeID, id.SystemID, id.ContainerID, id.UniqueID, viewID, MessageTypeCheckpoint, at)
	ev, err := scanEventRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoint lookup failed: %w", err)
	}
	return ev, nil
}

// QueryUIEvents returns UI-lane events for one view in [from, until] under
// the chosen timebase, in order. The lower bound is inclusive: an upsert can
// share its checkpoint's timestamp yet commit after it, and an exclusive
// bound would drop it from reconstruction.
func (s *Store) QueryUIEvents(ctx context.Context, scopeID string, id models.Identity, viewID string, from, until time.Time, tb models.Timebase) ([]*models.Event, error) {
	query := "SELECT " + laneProjection(models.LaneUI) +
		" FROM ui_events WHERE scope_id = $1 AND system_id = $2 AND container_id = $3 AND unique_id = $4" +
		" AND view_id = $5 AND " + tb.Column() + " >= $6 AND " + tb.Column() + " <= $7" +
		" ORDER BY " + models.OrderClause(tb)
	rows, err := s.db.QueryContext(ctx, query,
		scopeID, id.SystemID, id.ContainerID, id.UniqueID, viewID, from, until)
	if err != nil {
		return nil, fmt.Errorf("ui events query failed: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows, false)
}

// LatestMetadata returns the newest metadata event of the given message type
// for an identity at or before the given instant, or ErrNotFound. Driver
// bindings, capability descriptors and manifests all resolve through this.
func (s *Store) LatestMetadata(ctx context.Context, scopeID string, id models.Identity, messageType string, at time.Time) (*models.Event, error) {
	query := "SELECT " + laneProjection(models.LaneMetadata) +
		" FROM metadata_events WHERE scope_id = $1 AND system_id = $2 AND container_id = $3 AND unique_id = $4" +
		" AND message_type = $5 AND source_time <= $6" +
		" ORDER BY source_time DESC, event_id DESC LIMIT 1"
	row := s.db.QueryRowContext(ctx, query,
		scopeID, id.SystemID, id.ContainerID, id.UniqueID, messageType, at)
	ev, err := scanEventRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metadata lookup failed: %w", err)
	}
	return ev, nil
}

// HasEvent reports whether an event ID is already committed.
func (s *Store) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM event_ids WHERE event_id = $1)", eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("event id lookup failed: %w", err)
	}
	return exists, nil
}

// MaxSeq returns the highest commit sequence, or 0 for an empty store.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM event_ids").Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq query failed: %w", err)
	}
	return seq.Int64, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEvent reads one row in the uniform projection order, optionally
// prefixed by the commit sequence.
func scanEvent(row rowScanner, withSeq bool) (*models.Event, error) {
	var (
		ev      models.Event
		lane    string
		prio    int
		connID  string
		seqCol  sql.NullInt64
		msgType sql.NullString
		schema  sql.NullInt64
		payload []byte
		frame   []byte
	)

	dest := []any{
		&ev.EventID, &ev.ScopeID, &lane, &ev.SystemID, &ev.ContainerID, &ev.UniqueID,
		&ev.SourceTruthTime, &ev.CanonicalTruthTime, &prio, &connID, &seqCol,
		&msgType, &schema, &payload, &frame,
	}
	if withSeq {
		dest = append([]any{&ev.Seq}, dest...)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	ev.Lane = models.Lane(lane)
	ev.ConnectionID = connID
	if seqCol.Valid {
		v := seqCol.Int64
		ev.Sequence = &v
	}
	if ev.Lane == models.LaneRaw {
		ev.Bytes = frame
	} else {
		ev.MessageType = msgType.String
		ev.SchemaVersion = int(schema.Int64)
		ev.Payload = json.RawMessage(payload)
	}
	ev.SourceTruthTime = ev.SourceTruthTime.UTC()
	ev.CanonicalTruthTime = ev.CanonicalTruthTime.UTC()
	return &ev, nil
}

func scanEventRow(row *sql.Row) (*models.Event, error) {
	return scanEvent(row, false)
}

func scanEvents(rows *sql.Rows, withSeq bool) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows, withSeq)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows iteration failed: %w", err)
	}
	return events, nil
}
