// Package store selects the session backing: the JSONL file backing
// (default) or the embedded sqlite backing for deployments that want one
// queryable database file instead of a directory of logs.
package store

import (
	"fmt"

	"github.com/bashclaw/bashclaw/internal/sessions"
	"github.com/bashclaw/bashclaw/internal/state"
	"github.com/bashclaw/bashclaw/internal/store/sqlite"
)

// Open returns the backing named by kind ("file" or "sqlite"; empty means
// file).
func Open(kind string, root *state.Root) (sessions.Backing, error) {
	switch kind {
	case "", "file":
		return sessions.NewFileBacking(root), nil
	case "sqlite":
		return sqlite.Open(root)
	default:
		return nil, fmt.Errorf("store: unknown backing %q", kind)
	}
}
