// Package ingest implements the live ingest pipeline: validate the producer
// envelope, settle the event ID, assign canonical time, commit to the truth
// store, and fan the committed event out to live-path sinks.
//
// Replay never goes through this package. Side effects (file writing, UI
// state maintenance) hang off the live commit path only, so replaying
// history is structurally incapable of re-triggering them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nova-io/nova/pkg/clock"
	"github.com/nova-io/nova/pkg/models"
	"github.com/nova-io/nova/pkg/store"
)

// ErrScopeMismatch is returned when an envelope names a scope this instance
// does not own. Payload-role instances ingest exactly one scope.
var ErrScopeMismatch = errors.New("envelope scope does not match instance scope")

// Inserter is the slice of the truth store the pipeline writes through.
type Inserter interface {
	Insert(ctx context.Context, ev *models.Event) error
}

// Sink receives each newly committed event on the live path. Sink errors
// never fail the ingest; truth is already durable by the time sinks run.
type Sink interface {
	Name() string
	HandleCommitted(ctx context.Context, ev *models.Event) error
}

// Result reports the outcome of one ingest.
type Result struct {
	Event *models.Event

	// Duplicate is true when the event ID was already committed. The
	// redelivery was absorbed with no writes and no sink side effects.
	Duplicate bool
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	store   Inserter
	clock   clock.Clock
	scopeID string // empty on aggregating instances, which accept any scope
	sinks   []Sink
}

// NewPipeline creates an ingest pipeline. scopeID restricts accepted
// envelopes to one scope; pass "" to accept all scopes.
func NewPipeline(st Inserter, clk clock.Clock, scopeID string, sinks ...Sink) *Pipeline {
	return &Pipeline{store: st, clock: clk, scopeID: scopeID, sinks: sinks}
}

// Ingest validates and commits one envelope. The envelope's event ID is
// computed when absent; a producer-supplied ID is authoritative and commits
// as-is, with any mismatch against the content hash logged.
func (p *Pipeline) Ingest(ctx context.Context, env *models.Envelope) (Result, error) {
	if err := env.Validate(); err != nil {
		return Result{}, err
	}
	if p.scopeID != "" && env.ScopeID != p.scopeID {
		return Result{}, fmt.Errorf("%w: got %q, want %q", ErrScopeMismatch, env.ScopeID, p.scopeID)
	}

	computed, err := models.ComputeEventID(env)
	if err != nil {
		return Result{}, fmt.Errorf("failed to compute event id: %w", err)
	}
	if env.EventID == "" {
		env.EventID = computed
	} else if env.EventID != computed {
		slog.Warn("Producer event id does not match content hash; keeping producer id",
			"event_id", env.EventID, "computed", computed, "scope_id", env.ScopeID, "lane", env.Lane)
	}

	ev := &models.Event{
		Envelope:           *env,
		CanonicalTruthTime: p.clock.Now(),
	}

	if err := p.store.Insert(ctx, ev); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			slog.Debug("Absorbed duplicate event", "event_id", ev.EventID, "lane", ev.Lane)
			return Result{Event: ev, Duplicate: true}, nil
		}
		return Result{}, fmt.Errorf("failed to commit event: %w", err)
	}

	for _, sink := range p.sinks {
		if err := sink.HandleCommitted(ctx, ev); err != nil {
			slog.Error("Ingest sink failed", "sink", sink.Name(), "event_id", ev.EventID, "error", err)
		}
	}

	slog.Debug("Committed event",
		"event_id", ev.EventID, "scope_id", ev.ScopeID, "lane", ev.Lane, "seq", ev.Seq)
	return Result{Event: ev}, nil
}
