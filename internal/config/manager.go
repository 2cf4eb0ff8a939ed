package config

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow coalesces bursts of filesystem events into one reload.
const debounceWindow = 500 * time.Millisecond

// Manager owns the current config snapshot and reloads it when the file
// changes. In-flight requests keep the snapshot they started with.
type Manager struct {
	path    string
	creds   CredentialSource
	logger  *zap.Logger
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewManager loads the initial snapshot from path. A load failure here
// is fatal; later reload failures keep the previous snapshot.
func NewManager(path string, creds CredentialSource, logger *zap.Logger) (*Manager, error) {
	cfg, err := Load(path, creds)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, creds: creds, logger: logger}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the snapshot in force. Never nil after NewManager.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// OnReload registers a callback invoked with each successfully applied
// snapshot. Callbacks run on the watcher goroutine.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Reload re-runs the full load pipeline and publishes the new snapshot
// atomically. On failure the previous snapshot stays in effect.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path, m.creds)
	if err != nil {
		m.logger.Error("config reload failed, keeping previous snapshot",
			zap.String("path", m.path),
			zap.Error(err))
		return err
	}
	m.current.Store(cfg)
	m.logger.Info("config reloaded",
		zap.String("path", m.path),
		zap.Int("providers", len(cfg.Providers)),
		zap.Int("enabled", len(cfg.EnabledProviders())))

	m.mu.Lock()
	listeners := make([]func(*Config), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Watch runs a filesystem watcher on the config path until ctx is
// cancelled. Change events are debounced before reloading.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(m.path); err != nil {
		return err
	}

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceWindow, func() {
			select {
			case pending <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	m.logger.Info("watching config file", zap.String("path", m.path))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				schedule()
				// Editors often replace the file; re-add the watch so
				// the next save is still observed.
				if ev.Op.Has(fsnotify.Rename) {
					_ = watcher.Add(m.path)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watcher error", zap.Error(err))
		case <-pending:
			_ = m.Reload()
		}
	}
}
