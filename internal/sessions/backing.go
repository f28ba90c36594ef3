package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bashclaw/bashclaw/internal/state"
)

// Backing is the storage seam under the manager. The default is the JSONL
// file backing; an embedded-sqlite backing lives in internal/store/sqlite.
type Backing interface {
	Append(key string, e Entry) error
	Read(key string) ([]Entry, error)
	Replace(key string, entries []Entry) error
	Delete(key string) error
	List() ([]string, error)
	// Size returns the stored byte size of the log, for token estimation.
	Size(key string) (int64, error)

	LoadMeta(key string) (Meta, error)
	SaveMeta(key string, m Meta) error
}

// FileBacking stores one <key>.jsonl log and one <key>.meta.json sidecar
// per session under the state root.
type FileBacking struct {
	root *state.Root
}

// NewFileBacking creates the file backing.
func NewFileBacking(root *state.Root) *FileBacking {
	return &FileBacking{root: root}
}

func (f *FileBacking) logPath(key string) string {
	return filepath.Join(f.root.SessionsDir(), state.SafeKey(key)+".jsonl")
}

func (f *FileBacking) metaPath(key string) string {
	return filepath.Join(f.root.SessionsDir(), state.SafeKey(key)+".meta.json")
}

// Append writes one record to the log.
func (f *FileBacking) Append(key string, e Entry) error {
	return state.AppendJSONLine(f.logPath(key), e)
}

// Read loads all records. A missing log yields an empty slice. Corrupt
// lines are skipped so one bad write cannot brick a session.
func (f *FileBacking) Read(key string) ([]Entry, error) {
	file, err := os.Open(f.logPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session log: %w", err)
	}
	return entries, nil
}

// Replace rewrites the whole log atomically (compaction, pruning).
func (f *FileBacking) Replace(key string, entries []Entry) error {
	var buf strings.Builder
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal session entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return state.WriteFileAtomic(f.logPath(key), []byte(buf.String()), 0o600)
}

// Delete removes the log and sidecar.
func (f *FileBacking) Delete(key string) error {
	if err := os.Remove(f.logPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(f.metaPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns all stored session keys (unsafed form is not recoverable;
// keys come back in their on-disk escaped form).
func (f *FileBacking) List() ([]string, error) {
	glob := filepath.Join(f.root.SessionsDir(), "*.jsonl")
	paths, err := filepath.Glob(glob)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		keys = append(keys, strings.TrimSuffix(filepath.Base(p), ".jsonl"))
	}
	return keys, nil
}

// Size returns the log file size in bytes.
func (f *FileBacking) Size(key string) (int64, error) {
	info, err := os.Stat(f.logPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// LoadMeta reads the sidecar; a missing sidecar yields a zero Meta.
func (f *FileBacking) LoadMeta(key string) (Meta, error) {
	var m Meta
	if err := state.ReadJSON(f.metaPath(key), &m); err != nil {
		if os.IsNotExist(err) {
			return Meta{}, nil
		}
		return Meta{}, err
	}
	return m, nil
}

// SaveMeta writes the sidecar atomically.
func (f *FileBacking) SaveMeta(key string, m Meta) error {
	return state.WriteJSONAtomic(f.metaPath(key), m, 0o600)
}
