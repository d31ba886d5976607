// Package config provides configuration loading and management for the harness.
//
// A single global Config instance is maintained in memory, protected by a
// mutex, and accessed by value so callers cannot mutate shared state.
// Configuration lives in .harness/config.yml under the workspace root; all
// runtime state (session locks, process records) belongs to the session and
// persistence packages, never in config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Well-known workspace-relative paths.
const (
	HarnessDir          = ".harness"
	ConfigFilename      = "config.yml"
	PatternsFilename    = "cleanup_patterns.txt"
	OverrideLogFilename = "cleanup_overrides.log"
	DataDirName         = "data"
	DatabaseFilename    = "harness_state.db"

	SessionDirName  = ".agent/sessions"
	SessionLockName = "session.lock"
	SessionLogName  = "sessions.jsonl"
)

// Duration is a time.Duration that unmarshals from YAML strings like "8h"
// as well as raw nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, parseErr := time.ParseDuration(s)
		if parseErr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, parseErr)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config holds all user-tunable harness settings.
type Config struct {
	// Session controls the workspace session lock.
	Session SessionConfig `yaml:"session"`
	// Checklist controls rule-set loading.
	Checklist ChecklistConfig `yaml:"checklist"`
	// Worktree controls isolated working copy management.
	Worktree WorktreeConfig `yaml:"worktree"`
	// Engine controls the protocol state machine.
	Engine EngineConfig `yaml:"engine"`
}

// SessionConfig controls session lifecycle behavior.
type SessionConfig struct {
	// TTL is the maximum age of an active session before lazy expiry.
	TTL Duration `yaml:"ttl"`
	// PatternsFile is the workspace-relative path to the cleanup pattern list.
	PatternsFile string `yaml:"patterns_file"`
}

// ChecklistConfig controls rule-set document resolution.
type ChecklistConfig struct {
	// Dir is the workspace-relative directory holding one JSON document per phase.
	Dir string `yaml:"dir"`
}

// WorktreeConfig controls worktree cleanup validation.
type WorktreeConfig struct {
	// MaxFileSize is the per-file size ceiling enforced before removal.
	MaxFileSize int64 `yaml:"max_file_size"`
	// MaxAge is the idle window after which clean worktrees are age-evicted.
	MaxAge Duration `yaml:"max_age"`
}

// EngineConfig controls protocol engine policy.
type EngineConfig struct {
	// DatabasePath is the workspace-relative path of the process record store.
	DatabasePath string `yaml:"database_path"`
	// RetrospectiveGating makes retrospective checklist failures block
	// completion instead of surfacing as warnings.
	RetrospectiveGating bool `yaml:"retrospective_gating"`
}

//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config       *Config
	workspaceDir string // Immutable after Load - set once at startup
	mu           sync.RWMutex
)

// DefaultConfig returns a Config populated with the stock settings.
func DefaultConfig() Config {
	return Config{
		Session: SessionConfig{
			TTL:          Duration(8 * time.Hour),
			PatternsFile: filepath.Join(HarnessDir, PatternsFilename),
		},
		Checklist: ChecklistConfig{
			Dir: filepath.Join(HarnessDir, "checklists"),
		},
		Worktree: WorktreeConfig{
			MaxFileSize: 10 * 1000 * 1000,
			MaxAge:      Duration(24 * time.Hour),
		},
		Engine: EngineConfig{
			DatabasePath: filepath.Join(HarnessDir, DataDirName, DatabaseFilename),
		},
	}
}

// Load reads .harness/config.yml from the workspace, applying defaults for any
// missing fields. A missing file is not an error; defaults are used.
func Load(workspace string) error {
	mu.Lock()
	defer mu.Unlock()

	cfg := DefaultConfig()

	path := filepath.Join(workspace, HarnessDir, ConfigFilename)
	data, err := os.ReadFile(path)
	if err == nil {
		if unmarshalErr := yaml.Unmarshal(data, &cfg); unmarshalErr != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, unmarshalErr)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	config = &cfg
	workspaceDir = workspace
	return nil
}

// applyDefaults fills zero-valued fields so a sparse config file still works.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Session.TTL <= 0 {
		cfg.Session.TTL = def.Session.TTL
	}
	if cfg.Session.PatternsFile == "" {
		cfg.Session.PatternsFile = def.Session.PatternsFile
	}
	if cfg.Checklist.Dir == "" {
		cfg.Checklist.Dir = def.Checklist.Dir
	}
	if cfg.Worktree.MaxFileSize <= 0 {
		cfg.Worktree.MaxFileSize = def.Worktree.MaxFileSize
	}
	if cfg.Worktree.MaxAge <= 0 {
		cfg.Worktree.MaxAge = def.Worktree.MaxAge
	}
	if cfg.Engine.DatabasePath == "" {
		cfg.Engine.DatabasePath = def.Engine.DatabasePath
	}
}

// Get returns the loaded config by value. If Load has not been called the
// defaults are returned, so library consumers work without a config file.
func Get() Config {
	mu.RLock()
	defer mu.RUnlock()

	if config == nil {
		return DefaultConfig()
	}
	return *config
}

// WorkspaceDir returns the workspace root set at Load time, or the current
// directory when Load has not been called.
func WorkspaceDir() string {
	mu.RLock()
	defer mu.RUnlock()

	if workspaceDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			return cwd
		}
		return "."
	}
	return workspaceDir
}

// Save writes the current effective config to .harness/config.yml.
func Save() error {
	mu.RLock()
	cfg := config
	dir := workspaceDir
	mu.RUnlock()

	if cfg == nil {
		def := DefaultConfig()
		cfg = &def
	}
	if dir == "" {
		dir = "."
	}

	harnessDir := filepath.Join(dir, HarnessDir)
	if err := os.MkdirAll(harnessDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", harnessDir, err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := filepath.Join(harnessDir, ConfigFilename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Reset clears the singleton for testing.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	config = nil
	workspaceDir = ""
}
