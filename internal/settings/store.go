// Package settings persists the user's volume preferences
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-autovol/internal/volume"
)

const fileHeader = `# go-autovol settings
# Managed by the daemon; edits made while it runs may be overwritten.
# sensitivity: low, mid, high

`

// Listener is notified after settings change
type Listener func(volume.Settings)

// Store owns the settings file. It is the only place settings are loaded
// from or written to.
type Store struct {
	path     string
	defaults volume.Settings
	logger   *slog.Logger

	mu        sync.RWMutex
	current   volume.Settings
	listeners []Listener
}

// NewStore creates a store backed by path. Nothing is read until Load.
func NewStore(path string, defaults volume.Settings, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:     path,
		defaults: defaults,
		logger:   logger,
		current:  defaults,
	}
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.path
}

// Load reads the settings file. A missing file yields the defaults; fields
// absent from the file keep their default values.
func (s *Store) Load() (volume.Settings, error) {
	loaded := s.defaults

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Info("settings file not found, using defaults", "path", s.path)
	case err != nil:
		return volume.Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &loaded); err != nil {
			return volume.Settings{}, fmt.Errorf("failed to parse settings file: %w", err)
		}
	}

	if err := loaded.Validate(); err != nil {
		return volume.Settings{}, fmt.Errorf("settings file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()

	s.logger.Debug("settings loaded",
		"max_steps", loaded.Curve.MaxSteps,
		"exponent", loaded.Curve.Exponent,
		"sensitivity", loaded.Sensitivity,
		"auto_boost", loaded.AutoBoost,
	)

	return loaded, nil
}

// Get returns a snapshot of the current settings
func (s *Store) Get() volume.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies fn to a copy of the current settings, validates the
// result and persists it. On any error the stored settings and the file
// are left unchanged.
func (s *Store) Update(fn func(*volume.Settings)) (volume.Settings, error) {
	s.mu.Lock()

	next := s.current
	fn(&next)

	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return volume.Settings{}, err
	}

	if err := s.save(next); err != nil {
		s.mu.Unlock()
		return volume.Settings{}, err
	}

	s.current = next
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.logger.Info("settings updated",
		"max_steps", next.Curve.MaxSteps,
		"exponent", next.Curve.Exponent,
		"sensitivity", next.Sensitivity,
		"auto_boost", next.AutoBoost,
	)

	for _, l := range listeners {
		l(next)
	}

	return next, nil
}

// OnChange registers a listener called after every successful Update
func (s *Store) OnChange(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// save writes settings to a temp file in the same directory and renames
// it over the target
func (s *Store) save(settings volume.Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	data = append([]byte(fileHeader), data...)

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close settings: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}
