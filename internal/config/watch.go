package config

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager owns the live config document. Readers get a consistent snapshot
// pointer; reloads swap the pointer (copy-on-reload), so a caller holding a
// *Config sees one generation for the duration of its call.
type Manager struct {
	path    string
	current atomic.Pointer[Config]

	mu        sync.Mutex
	lastMtime time.Time
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// NewManager loads the document and starts the fsnotify watcher.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, done: make(chan struct{})}
	m.current.Store(cfg)
	if info, err := os.Stat(path); err == nil {
		m.lastMtime = info.ModTime()
	}

	w, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := w.Add(path); werr == nil {
			m.watcher = w
			go m.watchLoop()
		} else {
			w.Close()
		}
	}
	return m, nil
}

// Current returns the live snapshot, reloading first if the file mtime
// changed since the last load (the watcher usually beats this check; the
// mtime poll covers editors that replace the inode).
func (m *Manager) Current() *Config {
	m.maybeReload()
	return m.current.Load()
}

// Reload forces a reload from disk (SIGUSR1 path). Invalid documents are
// rejected and the previous snapshot stays live.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		slog.Warn("config reload rejected", "path", m.path, "error", err)
		return err
	}
	m.current.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.mu.Lock()
		m.lastMtime = info.ModTime()
		m.mu.Unlock()
	}
	slog.Info("config reloaded", "path", m.path)
	return nil
}

// Path returns the document path.
func (m *Manager) Path() string { return m.path }

// Close stops the watcher.
func (m *Manager) Close() {
	close(m.done)
	if m.watcher != nil {
		m.watcher.Close()
	}
}

func (m *Manager) maybeReload() {
	info, err := os.Stat(m.path)
	if err != nil {
		return
	}
	m.mu.Lock()
	changed := info.ModTime().After(m.lastMtime)
	m.mu.Unlock()
	if changed {
		m.Reload() //nolint:errcheck // previous snapshot stays live on failure
	}
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				// Editors often rename-swap; re-add the path so the watch
				// follows the new inode.
				m.watcher.Add(m.path) //nolint:errcheck
				m.Reload()            //nolint:errcheck
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Debug("config watcher error", "error", err)
		}
	}
}
