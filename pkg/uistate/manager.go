package uistate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nova-io/nova/pkg/ingest"
	"github.com/nova-io/nova/pkg/models"
	"github.com/nova-io/nova/pkg/store"
)

// UpsertPayload is the UI-lane partial state update.
type UpsertPayload struct {
	ViewID          string         `json:"viewId"`
	ManifestVersion int            `json:"manifestVersion"`
	State           map[string]any `json:"state"`
}

// CheckpointPayload is the full-state snapshot written on the bucket grid.
type CheckpointPayload struct {
	ViewID          string         `json:"viewId"`
	ManifestVersion int            `json:"manifestVersion"`
	State           map[string]any `json:"state"`
	BucketStart     time.Time      `json:"bucketStart"`
}

// Emitter feeds checkpoint envelopes back through the ingest pipeline so
// checkpoints are ordinary truth events with ordinary dedupe.
type Emitter interface {
	Ingest(ctx context.Context, env *models.Envelope) (ingest.Result, error)
}

// Reader is the slice of the truth store that state reconstruction needs.
type Reader interface {
	LatestCheckpoint(ctx context.Context, scopeID string, id models.Identity, viewID string, at time.Time, tb models.Timebase) (*models.Event, error)
	QueryUIEvents(ctx context.Context, scopeID string, id models.Identity, viewID string, from, until time.Time, tb models.Timebase) ([]*models.Event, error)
	LatestMetadata(ctx context.Context, scopeID string, id models.Identity, messageType string, at time.Time) (*models.Event, error)
}

type viewKey struct {
	scope string
	id    models.Identity
	view  string
}

type bucketKey struct {
	manifestVersion int
	bucketStart     time.Time
}

type snapshot struct {
	state           map[string]any
	manifestVersion int
	buckets         map[bucketKey]bool
}

// Manager is the live-path UI state accumulator. It implements ingest.Sink:
// every committed UI event advances the in-memory snapshot for its view,
// and the first event of each time bucket triggers a checkpoint emission.
type Manager struct {
	reader         Reader
	interval       time.Duration
	historyTimeout time.Duration

	mu      sync.Mutex
	views   map[viewKey]*snapshot
	emitter Emitter
}

// NewManager creates a manager checkpointing on the given bucket interval.
// historyTimeout bounds each reconstruction read; <= 0 leaves reads bounded
// only by the caller's context.
func NewManager(reader Reader, interval, historyTimeout time.Duration) *Manager {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Manager{
		reader:         reader,
		interval:       interval,
		historyTimeout: historyTimeout,
		views:          make(map[viewKey]*snapshot),
	}
}

// SetEmitter wires the ingest pipeline in after construction. The manager is
// itself one of the pipeline's sinks, so the two reference each other.
func (m *Manager) SetEmitter(e Emitter) {
	m.mu.Lock()
	m.emitter = e
	m.mu.Unlock()
}

func (m *Manager) Name() string { return "uistate" }

// HandleCommitted advances the snapshot for UI-lane events and ignores all
// other lanes. Checkpoint events only record their bucket; upserts merge and
// may trigger a new checkpoint.
func (m *Manager) HandleCommitted(ctx context.Context, ev *models.Event) error {
	if ev.Lane != models.LaneUI {
		return nil
	}

	if ev.MessageType == store.MessageTypeCheckpoint {
		var cp CheckpointPayload
		if err := json.Unmarshal(ev.Payload, &cp); err != nil {
			return fmt.Errorf("failed to decode checkpoint payload: %w", err)
		}
		m.recordBucket(ev, cp)
		return nil
	}

	var up UpsertPayload
	if err := json.Unmarshal(ev.Payload, &up); err != nil {
		return fmt.Errorf("failed to decode upsert payload: %w", err)
	}

	key := viewKey{scope: ev.ScopeID, id: ev.Identity, view: up.ViewID}
	bucket := ev.SourceTruthTime.UTC().Truncate(m.interval)

	m.mu.Lock()
	snap, ok := m.views[key]
	if !ok {
		snap = &snapshot{buckets: make(map[bucketKey]bool)}
		m.views[key] = snap
	}
	snap.state = DeepMerge(snap.state, up.State)
	if up.ManifestVersion > 0 {
		snap.manifestVersion = up.ManifestVersion
	}
	bk := bucketKey{manifestVersion: snap.manifestVersion, bucketStart: bucket}
	needCheckpoint := !snap.buckets[bk]
	payload := CheckpointPayload{
		ViewID:          up.ViewID,
		ManifestVersion: snap.manifestVersion,
		State:           CloneState(snap.state),
		BucketStart:     bucket,
	}
	emitter := m.emitter
	m.mu.Unlock()

	if !needCheckpoint {
		return nil
	}
	if emitter == nil {
		return fmt.Errorf("checkpoint emitter not wired")
	}
	return m.emitCheckpoint(ctx, emitter, ev, payload)
}

// recordBucket marks a checkpoint's bucket as covered so later upserts in
// the same bucket do not emit another one.
func (m *Manager) recordBucket(ev *models.Event, cp CheckpointPayload) {
	key := viewKey{scope: ev.ScopeID, id: ev.Identity, view: cp.ViewID}

	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.views[key]
	if !ok {
		snap = &snapshot{buckets: make(map[bucketKey]bool)}
		m.views[key] = snap
	}
	snap.buckets[bucketKey{manifestVersion: cp.ManifestVersion, bucketStart: cp.BucketStart.UTC()}] = true
}

// emitCheckpoint writes the full-state snapshot back through the pipeline.
// A concurrent instance winning the bucket's partial unique index is fine;
// the bucket is covered either way.
func (m *Manager) emitCheckpoint(ctx context.Context, emitter Emitter, trigger *models.Event, payload CheckpointPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint payload: %w", err)
	}
	env := &models.Envelope{
		ScopeID:         trigger.ScopeID,
		Lane:            models.LaneUI,
		Identity:        trigger.Identity,
		SourceTruthTime: trigger.SourceTruthTime,
		MessageType:     store.MessageTypeCheckpoint,
		SchemaVersion:   1,
		Payload:         data,
	}
	if _, err := emitter.Ingest(ctx, env); err != nil {
		if errors.Is(err, store.ErrCheckpointExists) {
			m.recordBucket(trigger, payload)
			return nil
		}
		return fmt.Errorf("failed to emit checkpoint: %w", err)
	}
	slog.Debug("Emitted UI checkpoint",
		"view_id", payload.ViewID, "bucket_start", payload.BucketStart, "manifest_version", payload.ManifestVersion)
	return nil
}

// StateAt reconstructs the view state at instant at: the newest checkpoint
// at or before at, plus every upsert from the checkpoint's timestamp up to
// and including at, folded in deterministic order. The tail read starts at
// the checkpoint's own timestamp rather than after it, so an upsert sharing
// that timestamp is never lost; re-merging an upsert the checkpoint already
// folded is idempotent.
func (m *Manager) StateAt(ctx context.Context, scopeID string, id models.Identity, viewID string, at time.Time, tb models.Timebase) (map[string]any, int, error) {
	if m.historyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.historyTimeout)
		defer cancel()
	}

	var (
		state           map[string]any
		manifestVersion int
		from            time.Time
	)

	cp, err := m.reader.LatestCheckpoint(ctx, scopeID, id, viewID, at, tb)
	switch {
	case err == nil:
		var payload CheckpointPayload
		if err := json.Unmarshal(cp.Payload, &payload); err != nil {
			return nil, 0, fmt.Errorf("failed to decode checkpoint payload: %w", err)
		}
		state = payload.State
		manifestVersion = payload.ManifestVersion
		from = cp.Time(tb)
	case errors.Is(err, store.ErrNotFound):
		// No checkpoint yet; fold from the beginning of history.
	default:
		return nil, 0, err
	}

	events, err := m.reader.QueryUIEvents(ctx, scopeID, id, viewID, from, at, tb)
	if err != nil {
		return nil, 0, err
	}
	for _, ev := range events {
		if ev.MessageType == store.MessageTypeCheckpoint {
			continue
		}
		var up UpsertPayload
		if err := json.Unmarshal(ev.Payload, &up); err != nil {
			return nil, 0, fmt.Errorf("failed to decode upsert payload: %w", err)
		}
		state = DeepMerge(state, up.State)
		if up.ManifestVersion > 0 {
			manifestVersion = up.ManifestVersion
		}
	}
	return state, manifestVersion, nil
}
