package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChangeHandler is called when the on-disk config file changes.
type ChangeHandler func(cfg *Config) error

// Manager watches a config file for changes via polling and re-parses it on
// modification, handing callers a fresh Config without requiring a restart.
// Reload granularity stops at the file level: a single edited field
// reloads the whole Config.
type Manager struct {
	path     string
	interval time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	current  *Config
	lastMod  time.Time
	handlers []ChangeHandler
	stopCh   chan struct{}
	started  bool
}

// NewManager creates a config manager for the file at path. If path is
// empty, Current always returns defaults and no polling occurs.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}
	m := &Manager{
		path:     path,
		interval: 5 * time.Second,
		logger:   logger,
		current:  cfg,
		stopCh:   make(chan struct{}),
	}
	if path != "" {
		if info, statErr := os.Stat(path); statErr == nil {
			m.lastMod = info.ModTime()
		}
	}
	return m, nil
}

// Current returns the most recently loaded configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a handler invoked after a successful reload.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Start begins the polling loop. A no-op if no file path was supplied.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.path == "" {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.pollLoop(ctx)
}

// Stop halts the polling loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
}

func (m *Manager) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkReload()
		}
	}
}

func (m *Manager) checkReload() {
	info, err := os.Stat(m.path)
	if err != nil {
		m.logger.Warn("config file stat failed during poll", zap.String("path", m.path), zap.Error(err))
		return
	}

	m.mu.RLock()
	unchanged := !info.ModTime().After(m.lastMod)
	m.mu.RUnlock()
	if unchanged {
		return
	}

	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Error("config reload failed, keeping previous config", zap.String("path", m.path), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.current = cfg
	m.lastMod = info.ModTime()
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Info("configuration reloaded", zap.String("path", m.path))
	for _, h := range handlers {
		if err := h(cfg); err != nil {
			m.logger.Error("config change handler failed", zap.Error(err))
		}
	}
}
