package sessions

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager coordinates all reads and writes to session logs. File-level
// consistency within the process is guarded by a per-key mutex; cross-turn
// exclusivity is the queue engine's session lock, which is held for the
// whole turn before the manager is touched.
type Manager struct {
	backing Backing

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a manager over the given backing.
func NewManager(backing Backing) *Manager {
	return &Manager{backing: backing, locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Append writes one entry, creating the header first if the log is new,
// and bumps updatedAt in the sidecar.
func (m *Manager) Append(key string, e Entry) error {
	l := m.keyLock(key)
	l.Lock()
	defer l.Unlock()

	size, err := m.backing.Size(key)
	if err != nil {
		return fmt.Errorf("stat session %s: %w", key, err)
	}
	if size == 0 {
		header := NewHeader()
		if err := m.backing.Append(key, header); err != nil {
			return fmt.Errorf("write session header %s: %w", key, err)
		}
		meta, _ := m.backing.LoadMeta(key)
		meta.SessionID = header.ID
		meta.UpdatedAt = header.TS
		if err := m.backing.SaveMeta(key, meta); err != nil {
			return fmt.Errorf("write session meta %s: %w", key, err)
		}
	}
	if err := m.backing.Append(key, e); err != nil {
		return fmt.Errorf("append session %s: %w", key, err)
	}
	meta, err := m.backing.LoadMeta(key)
	if err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UnixMilli()
	return m.backing.SaveMeta(key, meta)
}

// History returns the newest limit records (0 = all), header excluded.
func (m *Manager) History(key string, limit int) ([]Entry, error) {
	l := m.keyLock(key)
	l.Lock()
	defer l.Unlock()
	return m.historyLocked(key, limit)
}

func (m *Manager) historyLocked(key string, limit int) ([]Entry, error) {
	entries, err := m.backing.Read(key)
	if err != nil {
		return nil, err
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.Type == TypeSession {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// EstimatedTokens approximates the session's token count as chars/4. Only
// used to decide when to compact.
func (m *Manager) EstimatedTokens(key string) int {
	size, err := m.backing.Size(key)
	if err != nil {
		return 0
	}
	return int(size / 4)
}

// IdleResetIfStale clears the session when its last activity is older than
// idleMinutes. Reports whether a reset happened.
func (m *Manager) IdleResetIfStale(key string, idleMinutes int) (bool, error) {
	if idleMinutes <= 0 {
		return false, nil
	}
	l := m.keyLock(key)
	l.Lock()
	defer l.Unlock()

	entries, err := m.backing.Read(key)
	if err != nil || len(entries) == 0 {
		return false, err
	}
	last := entries[len(entries)-1].TS
	cutoff := time.Now().Add(-time.Duration(idleMinutes) * time.Minute).UnixMilli()
	if last >= cutoff {
		return false, nil
	}
	if err := m.clearLocked(key); err != nil {
		return false, err
	}
	slog.Info("session idle reset", "session", key, "idle_minutes", idleMinutes)
	return true, nil
}

// Clear truncates the log, keeping the sidecar's compaction counters.
func (m *Manager) Clear(key string) error {
	l := m.keyLock(key)
	l.Lock()
	defer l.Unlock()
	return m.clearLocked(key)
}

func (m *Manager) clearLocked(key string) error {
	if err := m.backing.Replace(key, nil); err != nil {
		return err
	}
	meta, err := m.backing.LoadMeta(key)
	if err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UnixMilli()
	return m.backing.SaveMeta(key, meta)
}

// Delete removes the session entirely.
func (m *Manager) Delete(key string) error {
	l := m.keyLock(key)
	l.Lock()
	defer l.Unlock()
	return m.backing.Delete(key)
}

// List returns all stored session keys in on-disk form.
func (m *Manager) List() ([]string, error) { return m.backing.List() }

// Meta returns the sidecar for a session.
func (m *Manager) Meta(key string) (Meta, error) { return m.backing.LoadMeta(key) }

// UpdateMeta applies fn to the sidecar under the key lock.
func (m *Manager) UpdateMeta(key string, fn func(*Meta)) error {
	l := m.keyLock(key)
	l.Lock()
	defer l.Unlock()
	meta, err := m.backing.LoadMeta(key)
	if err != nil {
		return err
	}
	fn(&meta)
	meta.UpdatedAt = time.Now().UnixMilli()
	return m.backing.SaveMeta(key, meta)
}

// AccumulateTokens adds a turn's usage to totalTokens.
func (m *Manager) AccumulateTokens(key string, input, output int) error {
	return m.UpdateMeta(key, func(meta *Meta) {
		meta.TotalTokens += int64(input) + int64(output)
	})
}

// PruneToMaxHistory rewrites the log keeping the header plus the newest
// maxHistory records.
func (m *Manager) PruneToMaxHistory(key string, maxHistory int) error {
	if maxHistory <= 0 {
		return nil
	}
	l := m.keyLock(key)
	l.Lock()
	defer l.Unlock()

	entries, err := m.backing.Read(key)
	if err != nil {
		return err
	}
	var header *Entry
	body := make([]Entry, 0, len(entries))
	for i := range entries {
		if entries[i].Type == TypeSession && header == nil {
			header = &entries[i]
			continue
		}
		body = append(body, entries[i])
	}
	if len(body) <= maxHistory {
		return nil
	}
	body = body[len(body)-maxHistory:]
	out := make([]Entry, 0, len(body)+1)
	if header != nil {
		out = append(out, *header)
	}
	out = append(out, body...)
	return m.backing.Replace(key, out)
}
