// Package config manages operator configuration: the persisted
// config.json ({workspaceRoots, logging}) and the runtime.yaml holding
// operational knobs for the worker and oracle subprocesses.
package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"workfarm/internal/logging"
	"workfarm/internal/persist"
	"workfarm/internal/types"
)

// Manager holds the live configuration and persists mutations.
type Manager struct {
	mu    sync.RWMutex
	store persist.Store
	cfg   types.Config
}

// NewManager loads config.json from the store.
func NewManager(store persist.Store) (*Manager, error) {
	cfg, err := store.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &Manager{store: store, cfg: cfg}, nil
}

// WorkspaceRoots returns a copy of the configured workspace roots.
func (m *Manager) WorkspaceRoots() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roots := make([]string, len(m.cfg.WorkspaceRoots))
	copy(roots, m.cfg.WorkspaceRoots)
	return roots
}

// HasWorkspaceRoots reports whether at least one root is configured.
func (m *Manager) HasWorkspaceRoots() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cfg.WorkspaceRoots) > 0
}

// AddWorkspaceRoot appends a root (absolute path) and persists.
// Duplicate roots are ignored.
func (m *Manager) AddWorkspaceRoot(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid workspace path %q: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, root := range m.cfg.WorkspaceRoots {
		if root == abs {
			return nil
		}
	}
	m.cfg.WorkspaceRoots = append(m.cfg.WorkspaceRoots, abs)
	logging.Boot("workspace root added: %s", abs)
	return m.store.SaveConfig(m.cfg)
}

// RemoveWorkspaceRoot drops a root and persists.
func (m *Manager) RemoveWorkspaceRoot(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid workspace path %q: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, root := range m.cfg.WorkspaceRoots {
		if root == abs {
			m.cfg.WorkspaceRoots = append(m.cfg.WorkspaceRoots[:i:i], m.cfg.WorkspaceRoots[i+1:]...)
			return m.store.SaveConfig(m.cfg)
		}
	}
	return fmt.Errorf("workspace root %q not configured", abs)
}

// Logging returns the logging settings section.
func (m *Manager) Logging() logging.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cfg.Logging == nil {
		return logging.Settings{}
	}
	return logging.Settings{
		DebugMode:  m.cfg.Logging.DebugMode,
		Categories: m.cfg.Logging.Categories,
		Level:      m.cfg.Logging.Level,
	}
}

// reload replaces the in-memory config after an external file change.
func (m *Manager) reload() error {
	cfg, err := m.store.LoadConfig()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	logging.Boot("config reloaded: %d workspace roots", len(cfg.WorkspaceRoots))
	return nil
}
