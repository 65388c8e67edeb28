package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nova-io/nova/pkg/ingest"
	"github.com/nova-io/nova/pkg/models"
)

// MessageTypeDriverBinding is the metadata message type recording which
// driver+version writes which target from which effective time.
const MessageTypeDriverBinding = "driverBinding"

// BindingPayload is the DriverBinding metadata payload.
type BindingPayload struct {
	DriverID      string      `json:"driverId"`
	DriverVersion int         `json:"driverVersion"`
	Lane          models.Lane `json:"lane"`
	Target        string      `json:"target"`
	EffectiveFrom time.Time   `json:"effectiveFrom"`
}

// Emitter feeds DriverBinding envelopes back through the ingest pipeline.
type Emitter interface {
	Ingest(ctx context.Context, env *models.Envelope) (ingest.Result, error)
}

type bindKey struct {
	id   models.Identity
	lane models.Lane
}

// Writer is the real-time file plane. It implements ingest.Sink: every
// committed live event that a driver matches is written under dataDir, and
// the first write for an identity+lane pair emits a DriverBinding metadata
// event. Replay never reaches this sink, so replay never writes files.
type Writer struct {
	registry *Registry
	dataDir  string

	mu      sync.Mutex
	bound   map[bindKey]bool
	emitter Emitter
}

func NewWriter(registry *Registry, dataDir string) *Writer {
	return &Writer{
		registry: registry,
		dataDir:  dataDir,
		bound:    make(map[bindKey]bool),
	}
}

// SetEmitter wires the ingest pipeline in after construction; the writer is
// one of the pipeline's sinks.
func (w *Writer) SetEmitter(e Emitter) {
	w.mu.Lock()
	w.emitter = e
	w.mu.Unlock()
}

func (w *Writer) Name() string { return "filewriter" }

// HandleCommitted writes one live event through its driver. Events no
// driver matches are skipped silently; write errors are returned for the
// pipeline to log, never blocking ingest.
func (w *Writer) HandleCommitted(ctx context.Context, ev *models.Event) error {
	driver, ok := w.registry.Select(ev.Lane, ev.MessageType, ev.SchemaVersion)
	if !ok {
		return nil
	}

	target := TargetDir(w.dataDir, ev)
	if err := driver.Write(target, ev); err != nil {
		return fmt.Errorf("driver %s write failed: %w", driver.ID(), err)
	}

	w.bindOnce(ctx, ev, driver, target)
	return nil
}

// bindOnce emits the DriverBinding for an identity+lane pair on its first
// write. Later writes on the same pair do not re-emit.
func (w *Writer) bindOnce(ctx context.Context, ev *models.Event, driver Driver, target string) {
	key := bindKey{id: ev.Identity, lane: ev.Lane}

	w.mu.Lock()
	already := w.bound[key]
	if !already {
		w.bound[key] = true
	}
	emitter := w.emitter
	w.mu.Unlock()

	if already {
		return
	}
	if emitter == nil {
		slog.Warn("Binding emitter not wired; DriverBinding not recorded",
			"driver", driver.ID(), "lane", ev.Lane)
		return
	}

	payload, err := json.Marshal(BindingPayload{
		DriverID:      driver.ID(),
		DriverVersion: driver.Version(),
		Lane:          ev.Lane,
		Target:        target,
		EffectiveFrom: ev.SourceTruthTime,
	})
	if err != nil {
		slog.Error("Failed to marshal DriverBinding payload", "error", err)
		return
	}

	env := &models.Envelope{
		ScopeID:         ev.ScopeID,
		Lane:            models.LaneMetadata,
		Identity:        ev.Identity,
		SourceTruthTime: ev.SourceTruthTime,
		MessageType:     MessageTypeDriverBinding,
		SchemaVersion:   1,
		Payload:         payload,
	}
	if _, err := emitter.Ingest(ctx, env); err != nil {
		slog.Error("Failed to record DriverBinding", "driver", driver.ID(), "error", err)
	}
}
