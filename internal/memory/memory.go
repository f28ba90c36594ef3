// Package memory is the agent's durable key/value store with TF-IDF
// retrieval. One JSON file per key under the state root; last writer wins
// per key.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bashclaw/bashclaw/internal/state"
)

// Entry is one stored memory.
type Entry struct {
	Key         string   `json:"key"`
	Value       string   `json:"value"`
	Tags        []string `json:"tags,omitempty"`
	Source      string   `json:"source,omitempty"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
	AccessCount int      `json:"access_count"`
}

// Store persists entries file-per-key.
type Store struct {
	root *state.Root
}

// NewStore creates the store.
func NewStore(root *state.Root) *Store {
	return &Store{root: root}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root.MemoryDir(), state.SafeKey(key)+".json")
}

// Set writes a value, preserving created_at and access_count on update.
func (s *Store) Set(key, value, source string, tags []string) error {
	now := time.Now().UnixMilli()
	e, err := s.load(key)
	if err != nil {
		e = Entry{Key: key, CreatedAt: now}
	}
	e.Value = value
	e.Tags = tags
	e.Source = source
	e.UpdatedAt = now
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	return state.WriteJSONAtomic(s.path(key), e, 0o600)
}

// Get returns an entry and bumps its access count.
func (s *Store) Get(key string) (Entry, error) {
	e, err := s.load(key)
	if err != nil {
		return Entry{}, err
	}
	e.AccessCount++
	// Access bookkeeping is best effort.
	_ = state.WriteJSONAtomic(s.path(key), e, 0o600)
	return e, nil
}

// Delete removes an entry. Deleting a missing key is a no-op.
func (s *Store) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns all entries sorted by key.
func (s *Store) List() ([]Entry, error) {
	paths, err := filepath.Glob(filepath.Join(s.root.MemoryDir(), "*.json"))
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		var e Entry
		if err := state.ReadJSON(p, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *Store) load(key string) (Entry, error) {
	var e Entry
	if err := state.ReadJSON(s.path(key), &e); err != nil {
		if os.IsNotExist(err) {
			return Entry{}, fmt.Errorf("memory: no entry for %q", key)
		}
		return Entry{}, err
	}
	return e, nil
}
