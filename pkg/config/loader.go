package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when nova.yaml does not exist in the
// configured directory.
var ErrConfigNotFound = errors.New("configuration file not found")

// ErrInvalidYAML wraps YAML parse failures.
var ErrInvalidYAML = errors.New("invalid YAML")

const configFileName = "nova.yaml"

// Initialize loads, merges, and validates configuration from configDir.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read nova.yaml
//  2. Expand {{.VAR}} environment references
//  3. Parse YAML into the Config struct
//  4. Merge built-in defaults underneath user values
//  5. Validate the result
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"role", cfg.Role,
		"scope", cfg.ScopeID,
		"window_span_ms", cfg.Playback.WindowSpanMilliseconds)
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, configFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	// User values win; defaults fill everything left at its zero value.
	if err := mergo.Merge(&cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Role {
	case RolePayload:
		if c.ScopeID == "" {
			return fmt.Errorf("scopeId is required for the payload role")
		}
	case RoleAggregating:
		// Aggregating instances subscribe to every scope; scopeId is ignored.
	default:
		return fmt.Errorf("role must be %q or %q, got %q", RolePayload, RoleAggregating, c.Role)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path (PostgreSQL DSN) is required")
	}
	if c.Transport.URI == "" {
		return fmt.Errorf("transport.uri is required")
	}
	if c.Playback.WindowSpanMilliseconds <= 0 {
		return fmt.Errorf("playback.windowSpanMilliseconds must be positive")
	}
	if c.Playback.SyncToleranceMicroseconds <= 0 {
		return fmt.Errorf("playback.syncToleranceMicroseconds must be positive")
	}
	if c.UI.CheckpointIntervalMinutes <= 0 {
		return fmt.Errorf("ui.checkpointIntervalMinutes must be positive")
	}
	if c.UI.HistoryTimeoutSeconds <= 0 {
		return fmt.Errorf("ui.historyTimeoutSeconds must be positive")
	}
	if c.FileWriter.DataDir == "" {
		return fmt.Errorf("fileWriter.dataDir is required")
	}
	if c.Export.ExportDir == "" {
		return fmt.Errorf("export.exportDir is required")
	}
	return nil
}
