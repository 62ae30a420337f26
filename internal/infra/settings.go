package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/appfence/appfence/internal/domain"
)

const settingsFileName = "config.json"

// SettingsStoreImpl implements domain.SettingsStore over a plain JSON file.
type SettingsStoreImpl struct {
	path string
}

// NewSettingsStore creates a settings store under the given config directory.
func NewSettingsStore(configDir string) domain.SettingsStore {
	return &SettingsStoreImpl{
		path: filepath.Join(configDir, settingsFileName),
	}
}

// NewSettingsStoreWithPath creates a settings store at a specific file path (for testing).
func NewSettingsStoreWithPath(path string) domain.SettingsStore {
	return &SettingsStoreImpl{path: path}
}

// Load reads settings, returning defaults when no file exists.
func (s *SettingsStoreImpl) Load() (domain.Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.DefaultSettings(), nil
		}
		return domain.DefaultSettings(), &domain.PersistenceError{Path: s.path, Cause: err}
	}

	settings := domain.DefaultSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		return domain.DefaultSettings(), &domain.PersistenceError{Path: s.path, Cause: err}
	}
	return settings, nil
}

// Save persists settings atomically.
func (s *SettingsStoreImpl) Save(settings domain.Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return &domain.PersistenceError{Path: s.path, Cause: err}
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return &domain.PersistenceError{Path: s.path, Cause: err}
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return &domain.PersistenceError{Path: s.path, Cause: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return &domain.PersistenceError{Path: s.path, Cause: err}
	}
	return nil
}

// Ensure SettingsStoreImpl implements domain.SettingsStore.
var _ domain.SettingsStore = (*SettingsStoreImpl)(nil)
