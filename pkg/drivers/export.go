package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nova-io/nova/pkg/models"
	"github.com/nova-io/nova/pkg/store"
)

// exportBatchSize is the page size for ingest-order reads.
const exportBatchSize = 1000

// ExportStore is the slice of the truth store the exporter reads through.
type ExportStore interface {
	QueryIngestOrder(ctx context.Context, scopeID string, start, end time.Time, afterSeq int64, limit int) ([]*models.Event, error)
	QueryWindow(ctx context.Context, q store.WindowQuery) ([]*models.Event, error)
}

// Exporter replays a canonical-time window of truth through the driver
// plane into an isolated directory, then archives it. Events are fed in
// ingest (commit) order, not timebase order: the live writer wrote them as
// they arrived, and parity means reproducing those bytes exactly.
type Exporter struct {
	store     ExportStore
	registry  *Registry
	exportDir string
}

func NewExporter(st ExportStore, registry *Registry, exportDir string) *Exporter {
	return &Exporter{store: st, registry: registry, exportDir: exportDir}
}

// Result describes one finished export.
type Result struct {
	ExportID    string
	ArchivePath string
	EventCount  int
}

// Export writes all events with canonical time in [start, end) and returns
// the archive path. The export directory keeps the same per-day,
// per-identity hierarchy as the live data dir.
func (e *Exporter) Export(ctx context.Context, scopeID string, start, end time.Time) (*Result, error) {
	exportID := uuid.New().String()
	root := filepath.Join(e.exportDir, exportID)

	bindings, err := e.loadBindings(ctx, scopeID, end)
	if err != nil {
		return nil, err
	}

	count := 0
	afterSeq := int64(0)
	for {
		events, err := e.store.QueryIngestOrder(ctx, scopeID, start, end, afterSeq, exportBatchSize)
		if err != nil {
			return nil, fmt.Errorf("export read failed: %w", err)
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			if err := e.writeOne(root, bindings, ev); err != nil {
				return nil, err
			}
			count++
			afterSeq = ev.Seq
		}
	}

	archive := filepath.Join(e.exportDir, exportID+".zip")
	if err := archiveDir(root, archive); err != nil {
		return nil, fmt.Errorf("failed to archive export: %w", err)
	}

	slog.Info("Export complete",
		"export_id", exportID, "scope_id", scopeID, "events", count, "archive", archive)
	return &Result{ExportID: exportID, ArchivePath: archive, EventCount: count}, nil
}

func (e *Exporter) writeOne(root string, bindings *bindingIndex, ev *models.Event) error {
	driver, ok := e.resolve(bindings, ev)
	if !ok {
		return nil
	}
	if err := driver.Write(TargetDir(root, ev), ev); err != nil {
		return fmt.Errorf("driver %s export write failed: %w", driver.ID(), err)
	}
	return nil
}

// resolve picks the driver recorded as bound at the event's time, falling
// back to the registry's selection rule when no binding exists.
func (e *Exporter) resolve(bindings *bindingIndex, ev *models.Event) (Driver, bool) {
	if b, ok := bindings.at(ev.Identity, ev.Lane, ev.SourceTruthTime); ok {
		if d, found := e.registry.Find(b.DriverID, b.DriverVersion); found {
			return d, true
		}
		slog.Warn("Bound driver not registered; falling back to selection",
			"driver", b.DriverID, "version", b.DriverVersion)
	}
	return e.registry.Select(ev.Lane, ev.MessageType, ev.SchemaVersion)
}

// bindingIndex answers "which driver was bound to this identity+lane at
// time T" from the pre-loaded DriverBinding events.
type bindingIndex struct {
	byKey map[bindKey][]BindingPayload // sorted by EffectiveFrom ascending
}

// loadBindings pre-loads every DriverBinding effective before the window
// end. Bindings can predate the window start, so the read goes from the
// beginning of history.
func (e *Exporter) loadBindings(ctx context.Context, scopeID string, until time.Time) (*bindingIndex, error) {
	events, err := e.store.QueryWindow(ctx, store.WindowQuery{
		ScopeID:  scopeID,
		Timebase: models.TimebaseSource,
		Start:    time.Time{},
		End:      until,
		Lanes:    []models.Lane{models.LaneMetadata},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load driver bindings: %w", err)
	}

	idx := &bindingIndex{byKey: make(map[bindKey][]BindingPayload)}
	for _, ev := range events {
		if ev.MessageType != MessageTypeDriverBinding {
			continue
		}
		var b BindingPayload
		if err := json.Unmarshal(ev.Payload, &b); err != nil {
			slog.Warn("Skipping undecodable DriverBinding", "event_id", ev.EventID, "error", err)
			continue
		}
		key := bindKey{id: ev.Identity, lane: b.Lane}
		idx.byKey[key] = append(idx.byKey[key], b)
	}
	for _, list := range idx.byKey {
		sort.Slice(list, func(i, j int) bool {
			return list[i].EffectiveFrom.Before(list[j].EffectiveFrom)
		})
	}
	return idx, nil
}

// at returns the binding in force at instant t, i.e. the latest binding
// with EffectiveFrom <= t.
func (x *bindingIndex) at(id models.Identity, lane models.Lane, t time.Time) (BindingPayload, bool) {
	list := x.byKey[bindKey{id: id, lane: lane}]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].EffectiveFrom.After(t) {
			return list[i], true
		}
	}
	return BindingPayload{}, false
}
