// Package commands implements the command plane: replay-blocked submission,
// requestId idempotency, and the record-before-dispatch rule. A command can
// never exist as "dispatched but not recorded".
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nova-io/nova/pkg/clock"
	"github.com/nova-io/nova/pkg/ingest"
	"github.com/nova-io/nova/pkg/models"
	"github.com/nova-io/nova/pkg/store"
)

// ErrReplayBlocked rejects command submission under replay. The rejection
// happens before any write; replayed history must never re-trigger effects.
var ErrReplayBlocked = errors.New("command rejected: timeline is in replay")

// AckStatus tells the submitter whether this was a fresh accept or an
// idempotent replay of an already recorded request.
type AckStatus string

const (
	StatusAccepted         AckStatus = "accepted"
	StatusIdempotentReplay AckStatus = "idempotent_replay"
)

// Ack acknowledges a submitted command.
type Ack struct {
	CommandID string    `json:"commandId"`
	EventID   string    `json:"eventId"`
	Status    AckStatus `json:"status"`
}

// Ingestor records command events through the live ingest pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, env *models.Envelope) (ingest.Result, error)
}

// Finder looks up recorded command history. Satisfied by *store.Store.
type Finder interface {
	FindCommandByRequestID(ctx context.Context, scopeID, requestID string) (*models.Event, error)
	QueryCommandEvents(ctx context.Context, scopeID string, commandIDs ...string) ([]*models.Event, error)
}

// Dispatcher publishes the recorded request on the transport for live
// execution. Satisfied by *transport.Publisher.
type Dispatcher interface {
	Publish(ctx context.Context, env *models.Envelope) error
}

// Manager is the command plane entry point.
type Manager struct {
	ingestor   Ingestor
	finder     Finder
	dispatcher Dispatcher
	clk        clock.Clock
}

func NewManager(ingestor Ingestor, finder Finder, dispatcher Dispatcher, clk clock.Clock) *Manager {
	return &Manager{ingestor: ingestor, finder: finder, dispatcher: dispatcher, clk: clk}
}

// commandPayload is the correlation slice of a command-lane payload.
type commandPayload struct {
	CommandID string `json:"commandId"`
	Phase     string `json:"phase"`
	RequestID string `json:"requestId"`
}

const phaseRequest = "request"

// Submit records and dispatches one command request.
//
// Order of operations is the contract: replay gate, idempotency lookup,
// commit to the truth store, and only then dispatch. A dispatch failure is
// recorded as a failed CommandResult; the ack still reports accepted
// because the request itself is durable truth.
func (m *Manager) Submit(ctx context.Context, env *models.Envelope, mode models.TimelineMode) (Ack, error) {
	if mode == models.ModeReplay {
		return Ack{}, ErrReplayBlocked
	}
	if env.Lane != models.LaneCommand {
		return Ack{}, fmt.Errorf("%w: lane %q is not the command lane", models.ErrValidation, env.Lane)
	}

	var payload commandPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Ack{}, fmt.Errorf("%w: undecodable command payload: %v", models.ErrValidation, err)
	}
	if payload.Phase != phaseRequest {
		return Ack{}, fmt.Errorf("%w: submit requires phase %q, got %q", models.ErrValidation, phaseRequest, payload.Phase)
	}

	if payload.RequestID != "" {
		prior, err := m.finder.FindCommandByRequestID(ctx, env.ScopeID, payload.RequestID)
		switch {
		case err == nil:
			return m.priorAck(prior)
		case errors.Is(err, store.ErrNotFound):
			// Fresh request.
		default:
			return Ack{}, err
		}
	}

	res, err := m.ingestor.Ingest(ctx, env)
	if err != nil {
		// A concurrent submit with the same requestId can win the unique
		// index between our lookup and our insert.
		if errors.Is(err, store.ErrRequestConflict) && payload.RequestID != "" {
			prior, findErr := m.finder.FindCommandByRequestID(ctx, env.ScopeID, payload.RequestID)
			if findErr != nil {
				return Ack{}, fmt.Errorf("request conflict but prior not found: %w", findErr)
			}
			return m.priorAck(prior)
		}
		return Ack{}, fmt.Errorf("failed to record command request: %w", err)
	}

	if err := m.dispatcher.Publish(ctx, &res.Event.Envelope); err != nil {
		slog.Error("Command dispatch failed; recording failure result",
			"command_id", payload.CommandID, "error", err)
		m.recordDispatchFailure(ctx, res.Event, payload.CommandID, err)
	}

	return Ack{CommandID: payload.CommandID, EventID: res.Event.EventID, Status: StatusAccepted}, nil
}

// History returns every recorded event (request, progress, result) for the
// given commands in timeline order. Progress and results arrive through the
// normal subscriber path; this is the read that correlates them.
func (m *Manager) History(ctx context.Context, scopeID string, commandIDs ...string) ([]*models.Event, error) {
	if len(commandIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one commandId is required", models.ErrValidation)
	}
	for _, id := range commandIDs {
		if id == "" {
			return nil, fmt.Errorf("%w: commandId must not be empty", models.ErrValidation)
		}
	}
	return m.finder.QueryCommandEvents(ctx, scopeID, commandIDs...)
}

// priorAck rebuilds the original acknowledgement from a recorded request.
func (m *Manager) priorAck(prior *models.Event) (Ack, error) {
	var payload commandPayload
	if err := json.Unmarshal(prior.Payload, &payload); err != nil {
		return Ack{}, fmt.Errorf("failed to decode recorded request: %w", err)
	}
	return Ack{CommandID: payload.CommandID, EventID: prior.EventID, Status: StatusIdempotentReplay}, nil
}

// recordDispatchFailure appends a failed CommandResult correlated by the
// command ID. Best effort: a failure to record the failure is logged.
func (m *Manager) recordDispatchFailure(ctx context.Context, request *models.Event, commandID string, cause error) {
	payload, err := json.Marshal(map[string]any{
		"commandId": commandID,
		"phase":     "result",
		"status":    "failed",
		"error":     cause.Error(),
	})
	if err != nil {
		slog.Error("Failed to marshal dispatch failure result", "command_id", commandID, "error", err)
		return
	}
	env := &models.Envelope{
		ScopeID:         request.ScopeID,
		Lane:            models.LaneCommand,
		Identity:        request.Identity,
		SourceTruthTime: m.clk.Now(),
		MessageType:     "commandResult",
		SchemaVersion:   1,
		Payload:         payload,
	}
	if _, err := m.ingestor.Ingest(ctx, env); err != nil {
		slog.Error("Failed to record dispatch failure result", "command_id", commandID, "error", err)
	}
}
