package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/appfence/appfence/internal/domain"
)

const blockedSetFileName = "blocked_apps.json"

// BlockedSetRegistryImpl implements domain.BlockedSetRegistry over a JSON
// file of canonical paths. Writes are atomic (temp file + rename) and
// serialized against concurrent CLI or watcher instances with a file lock.
type BlockedSetRegistryImpl struct {
	path string
}

// NewBlockedSetRegistry creates a registry under the given config directory.
func NewBlockedSetRegistry(configDir string) domain.BlockedSetRegistry {
	return &BlockedSetRegistryImpl{
		path: filepath.Join(configDir, blockedSetFileName),
	}
}

// NewBlockedSetRegistryWithPath creates a registry at a specific file path (for testing).
func NewBlockedSetRegistryWithPath(path string) domain.BlockedSetRegistry {
	return &BlockedSetRegistryImpl{path: path}
}

// Load reads the persisted set. A missing file is an empty set, not an error.
func (r *BlockedSetRegistryImpl) Load() (*domain.BlockedSet, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.NewBlockedSet(), nil
		}
		return nil, &domain.PersistenceError{Path: r.path, Cause: err}
	}

	var paths []string
	if err := json.Unmarshal(data, &paths); err != nil {
		return nil, &domain.PersistenceError{Path: r.path, Cause: err}
	}

	return domain.NewBlockedSet(paths...), nil
}

// Save persists the set atomically under the file lock.
func (r *BlockedSetRegistryImpl) Save(set *domain.BlockedSet) error {
	return r.withLock(func() error {
		return r.write(set)
	})
}

// Update applies mutate to the persisted set and writes the result, holding
// the file lock across the whole read-modify-write so a concurrent CLI and
// watcher cannot interleave and drop each other's changes. Nothing is
// written when mutate reports no change.
func (r *BlockedSetRegistryImpl) Update(mutate func(set *domain.BlockedSet) bool) error {
	return r.withLock(func() error {
		set, err := r.Load()
		if err != nil {
			return err
		}
		if !mutate(set) {
			return nil
		}
		return r.write(set)
	})
}

// withLock runs fn while holding the registry's cross-process file lock.
func (r *BlockedSetRegistryImpl) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return &domain.PersistenceError{Path: r.path, Cause: err}
	}

	lockPath := r.path + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return &domain.PersistenceError{Path: r.path, Cause: fmt.Errorf("open lock file: %w", err)}
	}
	defer lock.Close()

	if err := lockFile(lock); err != nil {
		return &domain.PersistenceError{Path: r.path, Cause: fmt.Errorf("acquire lock: %w", err)}
	}
	defer func() { _ = unlockFile(lock) }()

	return fn()
}

// write replaces the registry file atomically. Callers hold the file lock.
func (r *BlockedSetRegistryImpl) write(set *domain.BlockedSet) error {
	data, err := json.MarshalIndent(set.Paths(), "", "  ")
	if err != nil {
		return &domain.PersistenceError{Path: r.path, Cause: err}
	}

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return &domain.PersistenceError{Path: r.path, Cause: err}
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return &domain.PersistenceError{Path: r.path, Cause: err}
	}
	return nil
}

// Ensure BlockedSetRegistryImpl implements domain.BlockedSetRegistry.
var _ domain.BlockedSetRegistry = (*BlockedSetRegistryImpl)(nil)
