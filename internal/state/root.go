// Package state owns the on-disk layout under the state root
// (~/.bashclaw by default) and the filesystem primitives the rest of the
// runtime builds on: atomic writes, JSONL appends, and PID-stamped locks.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultRoot is the default state directory.
const DefaultRoot = "~/.bashclaw"

// subdirs created by EnsureTree.
var subdirs = []string{
	"sessions",
	"memory",
	"queue/session_locks",
	"queue/global_lanes",
	"queue/pending",
	"queue/abort",
	"queue/meta",
	"cron",
	"cron/runs",
	"logs",
	"usage",
	"pairing",
	"pairing/verified",
	"ratelimit",
	"events",
	"spawn",
	"approvals",
	"dedup",
}

// Root addresses the state tree.
type Root struct {
	dir string
}

// NewRoot resolves dir (~ expanded) without touching the filesystem.
func NewRoot(dir string) *Root {
	if dir == "" {
		dir = DefaultRoot
	}
	return &Root{dir: ExpandHome(dir)}
}

// EnsureTree creates the root and all subdirectories.
func (r *Root) EnsureTree() error {
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(r.dir, sub), 0o700); err != nil {
			return fmt.Errorf("create state dir %s: %w", sub, err)
		}
	}
	return nil
}

// Dir returns the root directory.
func (r *Root) Dir() string { return r.dir }

func (r *Root) SessionsDir() string   { return filepath.Join(r.dir, "sessions") }
func (r *Root) MemoryDir() string     { return filepath.Join(r.dir, "memory") }
func (r *Root) SessionLocks() string  { return filepath.Join(r.dir, "queue", "session_locks") }
func (r *Root) PendingDir() string    { return filepath.Join(r.dir, "queue", "pending") }
func (r *Root) AbortDir() string      { return filepath.Join(r.dir, "queue", "abort") }
func (r *Root) QueueMetaDir() string  { return filepath.Join(r.dir, "queue", "meta") }
func (r *Root) CronDir() string       { return filepath.Join(r.dir, "cron") }
func (r *Root) CronRunsDir() string   { return filepath.Join(r.dir, "cron", "runs") }
func (r *Root) LogsDir() string       { return filepath.Join(r.dir, "logs") }
func (r *Root) UsageDir() string      { return filepath.Join(r.dir, "usage") }
func (r *Root) PairingDir() string    { return filepath.Join(r.dir, "pairing") }
func (r *Root) VerifiedDir() string   { return filepath.Join(r.dir, "pairing", "verified") }
func (r *Root) RateLimitDir() string  { return filepath.Join(r.dir, "ratelimit") }
func (r *Root) EventsDir() string     { return filepath.Join(r.dir, "events") }
func (r *Root) SpawnDir() string      { return filepath.Join(r.dir, "spawn") }
func (r *Root) ApprovalsDir() string  { return filepath.Join(r.dir, "approvals") }
func (r *Root) DedupDir() string      { return filepath.Join(r.dir, "dedup") }

// LanesDir returns the slot directory for one lane type.
func (r *Root) LanesDir(lane string) string {
	return filepath.Join(r.dir, "queue", "global_lanes", SafeKey(lane))
}

// AuditLog is the admission audit trail.
func (r *Root) AuditLog() string { return filepath.Join(r.dir, "logs", "audit.jsonl") }

// UsageLog is the per-turn token usage trail.
func (r *Root) UsageLog() string { return filepath.Join(r.dir, "usage", "usage.jsonl") }

// CronHistoryLog is the global cron run history.
func (r *Root) CronHistoryLog() string { return filepath.Join(r.dir, "cron", "history.jsonl") }

// SafeKey maps an arbitrary identifier to a filesystem-safe name.
// Alphanumerics plus "-", "_" and "." pass through; everything else
// becomes "_".
func SafeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
