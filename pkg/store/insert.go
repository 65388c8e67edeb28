package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nova-io/nova/pkg/models"
)

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Insert commits one event atomically: the event_ids row (dedupe plus commit
// sequence), the lane row, and a pg_notify wake in a single transaction.
// Returns ErrDuplicate without side effects when the event ID is already
// committed. On success the event's Seq is populated with the commit
// sequence.
func (s *Store) Insert(ctx context.Context, ev *models.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Dedupe gate. ON CONFLICT DO NOTHING returns no row for a duplicate,
	// which rolls the whole transaction back untouched.
	err = tx.QueryRowContext(ctx,
		`INSERT INTO event_ids (event_id, lane, committed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING RETURNING seq`,
		ev.EventID, string(ev.Lane), time.Now().UTC(),
	).Scan(&ev.Seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to register event id: %w", err)
	}

	if err := insertLaneRow(ctx, tx, ev); err != nil {
		return err
	}

	notifyPayload, err := json.Marshal(IngestNotification{
		EventID:            ev.EventID,
		ScopeID:            ev.ScopeID,
		Lane:               string(ev.Lane),
		SourceTruthTime:    ev.SourceTruthTime,
		CanonicalTruthTime: ev.CanonicalTruthTime,
		Seq:                ev.Seq,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal ingest notification: %w", err)
	}

	// pg_notify inside the transaction is held until COMMIT, so listeners
	// never wake before the rows are visible.
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(notifyPayload)); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// insertLaneRow writes the lane-specific row for a registered event.
func insertLaneRow(ctx context.Context, tx *sql.Tx, ev *models.Event) error {
	var seq sql.NullInt64
	if ev.Sequence != nil {
		seq = sql.NullInt64{Int64: *ev.Sequence, Valid: true}
	}

	switch ev.Lane {
	case models.LaneRaw:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO raw_events (event_id, scope_id, system_id, container_id, unique_id,
			   source_time, canonical_time, connection_id, sequence, frame)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			ev.EventID, ev.ScopeID, ev.SystemID, ev.ContainerID, ev.UniqueID,
			ev.SourceTruthTime, ev.CanonicalTruthTime, ev.ConnectionID, seq, ev.Bytes)
		if err != nil {
			return fmt.Errorf("failed to insert raw event: %w", err)
		}

	case models.LaneUI:
		fields, err := uiFields(ev)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ui_events (event_id, scope_id, system_id, container_id, unique_id,
			   source_time, canonical_time, message_type, schema_version, payload,
			   view_id, manifest_version, bucket_start)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			ev.EventID, ev.ScopeID, ev.SystemID, ev.ContainerID, ev.UniqueID,
			ev.SourceTruthTime, ev.CanonicalTruthTime, ev.MessageType, ev.SchemaVersion, []byte(ev.Payload),
			fields.ViewID, fields.ManifestVersion, fields.bucketStart)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrCheckpointExists
			}
			return fmt.Errorf("failed to insert ui event: %w", err)
		}

	case models.LaneCommand:
		fields, err := commandFields(ev)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO command_events (event_id, scope_id, system_id, container_id, unique_id,
			   source_time, canonical_time, message_type, schema_version, payload,
			   command_id, phase, request_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			ev.EventID, ev.ScopeID, ev.SystemID, ev.ContainerID, ev.UniqueID,
			ev.SourceTruthTime, ev.CanonicalTruthTime, ev.MessageType, ev.SchemaVersion, []byte(ev.Payload),
			fields.CommandID, fields.Phase, fields.requestID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrRequestConflict
			}
			return fmt.Errorf("failed to insert command event: %w", err)
		}

	case models.LaneParsed, models.LaneMetadata:
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (event_id, scope_id, system_id, container_id, unique_id,
			   source_time, canonical_time, message_type, schema_version, payload)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, laneTables[ev.Lane]),
			ev.EventID, ev.ScopeID, ev.SystemID, ev.ContainerID, ev.UniqueID,
			ev.SourceTruthTime, ev.CanonicalTruthTime, ev.MessageType, ev.SchemaVersion, []byte(ev.Payload))
		if err != nil {
			return fmt.Errorf("failed to insert %s event: %w", ev.Lane, err)
		}

	default:
		return fmt.Errorf("unknown lane %q", ev.Lane)
	}
	return nil
}

// UIEventFields are the routing columns extracted from a UI-lane payload.
// viewId is mandatory for the whole lane; checkpoints additionally carry
// the hour bucket they close.
type UIEventFields struct {
	ViewID          string     `json:"viewId"`
	ManifestVersion int        `json:"manifestVersion"`
	BucketStart     *time.Time `json:"bucketStart"`

	bucketStart sql.NullTime
}

// MessageTypeCheckpoint is the UI-lane message type for full-state
// checkpoint events.
const MessageTypeCheckpoint = "checkpoint"

func uiFields(ev *models.Event) (UIEventFields, error) {
	var f UIEventFields
	if err := json.Unmarshal(ev.Payload, &f); err != nil {
		return f, fmt.Errorf("failed to decode ui payload: %w", err)
	}
	if f.ViewID == "" {
		return f, fmt.Errorf("%w: ui lane payload requires viewId", models.ErrValidation)
	}
	if ev.MessageType == MessageTypeCheckpoint {
		bucket := ev.SourceTruthTime.UTC().Truncate(time.Hour)
		if f.BucketStart != nil {
			bucket = f.BucketStart.UTC()
		}
		f.bucketStart = sql.NullTime{Time: bucket, Valid: true}
	}
	return f, nil
}

// CommandEventFields are the correlation columns extracted from a
// command-lane payload. Phase is one of request, progress, result.
// RequestID is only present on request phases that need idempotency.
type CommandEventFields struct {
	CommandID string `json:"commandId"`
	Phase     string `json:"phase"`
	RequestID string `json:"requestId"`

	requestID sql.NullString
}

func commandFields(ev *models.Event) (CommandEventFields, error) {
	var f CommandEventFields
	if err := json.Unmarshal(ev.Payload, &f); err != nil {
		return f, fmt.Errorf("failed to decode command payload: %w", err)
	}
	if f.CommandID == "" || f.Phase == "" {
		return f, fmt.Errorf("%w: command lane payload requires commandId and phase", models.ErrValidation)
	}
	if f.RequestID != "" {
		f.requestID = sql.NullString{String: f.RequestID, Valid: true}
	}
	return f, nil
}
