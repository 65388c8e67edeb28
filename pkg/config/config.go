// Package config loads and validates the NOVA truth-process configuration
// from nova.yaml, with {{.VAR}} environment expansion and built-in defaults.
// Configuration is immutable after startup; in particular the instance role
// is chosen once and never changed at runtime.
package config

import (
	"time"

	"github.com/nova-io/nova/pkg/models"
)

// Role controls the default timebase and the transport subscription breadth.
type Role string

const (
	// RolePayload instances subscribe to their own scope only and default to
	// the source timebase.
	RolePayload Role = "payload"
	// RoleAggregating instances subscribe to all scopes and default to the
	// canonical timebase.
	RoleAggregating Role = "aggregating"
)

// Config is the complete nova.yaml structure.
type Config struct {
	Role    Role   `yaml:"role"`
	ScopeID string `yaml:"scopeId"` // required for payload role

	Transport  TransportConfig  `yaml:"transport"`
	Store      StoreConfig      `yaml:"store"`
	FileWriter FileWriterConfig `yaml:"fileWriter"`
	Export     ExportConfig     `yaml:"export"`
	UI         UIConfig         `yaml:"ui"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Edge       EdgeConfig       `yaml:"edge"`
}

// TransportConfig configures the producer pub/sub layer.
type TransportConfig struct {
	URI               string `yaml:"uri"`
	ReconnectAttempts int    `yaml:"reconnectAttempts"`
	TimeoutSeconds    int    `yaml:"timeout"`
}

// Timeout returns the transport dial/publish timeout.
func (t TransportConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// StoreConfig configures the truth store.
type StoreConfig struct {
	// Path is the PostgreSQL DSN of the truth database.
	Path string `yaml:"path"`
}

// FileWriterConfig configures the real-time driver output.
type FileWriterConfig struct {
	DataDir string `yaml:"dataDir"`
}

// ExportConfig configures windowed exports.
type ExportConfig struct {
	ExportDir string `yaml:"exportDir"`
}

// UIConfig bounds UI-state reconstruction.
type UIConfig struct {
	HistoryTimeoutSeconds     int `yaml:"historyTimeoutSeconds"`
	CheckpointIntervalMinutes int `yaml:"checkpointIntervalMinutes"`
}

// PlaybackConfig paces the leader cursor and bounds follower drift.
type PlaybackConfig struct {
	WindowSpanMilliseconds    int   `yaml:"windowSpanMilliseconds"`
	SyncToleranceMicroseconds int64 `yaml:"syncToleranceMicroseconds"`
}

// EdgeConfig configures the client-facing edge server.
type EdgeConfig struct {
	ListenAddr       string   `yaml:"listenAddr"`
	AllowedWSOrigins []string `yaml:"allowedWsOrigins"`
}

// Defaults returns the built-in configuration that user YAML merges over.
func Defaults() *Config {
	return &Config{
		Role: RolePayload,
		Transport: TransportConfig{
			URI:               "redis://localhost:6379",
			ReconnectAttempts: 5,
			TimeoutSeconds:    10,
		},
		FileWriter: FileWriterConfig{DataDir: "./data"},
		Export:     ExportConfig{ExportDir: "./exports"},
		UI: UIConfig{
			HistoryTimeoutSeconds:     120,
			CheckpointIntervalMinutes: 60,
		},
		Playback: PlaybackConfig{
			WindowSpanMilliseconds:    1000,
			SyncToleranceMicroseconds: 2_000_000,
		},
		Edge: EdgeConfig{ListenAddr: ":8080"},
	}
}

// DefaultTimebase returns the timebase a request gets when it does not pick
// one: payload-role instances observe in producer time, aggregating-role
// instances in receive time.
func (c *Config) DefaultTimebase() models.Timebase {
	if c.Role == RoleAggregating {
		return models.TimebaseCanonical
	}
	return models.TimebaseSource
}

// WindowSpan returns the leader cursor tick span.
func (c *Config) WindowSpan() time.Duration {
	return time.Duration(c.Playback.WindowSpanMilliseconds) * time.Millisecond
}

// SyncTolerance returns the follower drift tolerance.
func (c *Config) SyncTolerance() time.Duration {
	return time.Duration(c.Playback.SyncToleranceMicroseconds) * time.Microsecond
}

// CheckpointInterval returns the UI checkpoint bucket width.
func (c *Config) CheckpointInterval() time.Duration {
	return time.Duration(c.UI.CheckpointIntervalMinutes) * time.Minute
}

// HistoryTimeout returns the bounded-seek window for UI reconstruction.
func (c *Config) HistoryTimeout() time.Duration {
	return time.Duration(c.UI.HistoryTimeoutSeconds) * time.Second
}
