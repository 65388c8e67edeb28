// Package drivers maps truth events to files. Drivers are selected
// deterministically by a predicate over (lane, messageType, schemaVersion);
// the same declarations and configuration always pick the same driver, which
// is what makes live files and windowed exports byte-identical.
package drivers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/nova-io/nova/pkg/models"
)

// Driver writes events of the shapes it matches into a target directory.
// Write must be deterministic: identical events into an empty target must
// always produce identical bytes, regardless of wall-clock or process.
type Driver interface {
	ID() string
	Version() int
	Matches(lane models.Lane, messageType string, schemaVersion int) bool
	Write(targetDir string, ev *models.Event) error
}

// appendFile appends data to name under dir, creating the path as needed.
func appendFile(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create target dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	return nil
}

// RawFrameDriver appends raw-lane frames verbatim to frames.bin. Frames are
// written exactly as received; no rechunking, no framing added.
type RawFrameDriver struct{}

func (RawFrameDriver) ID() string   { return "rawframe" }
func (RawFrameDriver) Version() int { return 1 }

func (RawFrameDriver) Matches(lane models.Lane, _ string, _ int) bool {
	return lane == models.LaneRaw
}

func (RawFrameDriver) Write(targetDir string, ev *models.Event) error {
	return appendFile(targetDir, "frames.bin", ev.Bytes)
}

// JSONLinesDriver appends one JSON line per structured event to
// {lane}.jsonl. The line is the committed event record, so replaying the
// same events reproduces the same lines.
type JSONLinesDriver struct {
	// lanes this instance matches; defaults to all structured lanes.
	lanes []models.Lane
}

// NewJSONLinesDriver creates a driver for the given lanes, or for parsed,
// ui and command when none are given.
func NewJSONLinesDriver(lanes ...models.Lane) *JSONLinesDriver {
	if len(lanes) == 0 {
		lanes = []models.Lane{models.LaneParsed, models.LaneUI, models.LaneCommand}
	}
	return &JSONLinesDriver{lanes: lanes}
}

func (*JSONLinesDriver) ID() string   { return "jsonlines" }
func (*JSONLinesDriver) Version() int { return 1 }

func (d *JSONLinesDriver) Matches(lane models.Lane, _ string, _ int) bool {
	return slices.Contains(d.lanes, lane)
}

func (d *JSONLinesDriver) Write(targetDir string, ev *models.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event line: %w", err)
	}
	return appendFile(targetDir, string(ev.Lane)+".jsonl", append(line, '\n'))
}

// TargetDir computes the per-day, per-identity directory for an event under
// root: {root}/{YYYY-MM-DD}/{systemId}/{containerId}/{uniqueId}. The day
// comes from the event's source time in UTC.
func TargetDir(root string, ev *models.Event) string {
	return filepath.Join(root,
		ev.SourceTruthTime.UTC().Format("2006-01-02"),
		ev.SystemID, ev.ContainerID, ev.UniqueID)
}
