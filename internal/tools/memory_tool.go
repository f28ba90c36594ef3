package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bashclaw/bashclaw/internal/memory"
)

const memorySearchLimit = 10

// MemoryTool exposes the agent's persistent key-value memory: get, set,
// delete, list, and ranked search over stored entries plus workspace
// markdown notes.
type MemoryTool struct {
	store     *memory.Store
	workspace string
}

func NewMemoryTool(store *memory.Store, workspace string) *MemoryTool {
	return &MemoryTool{store: store, workspace: workspace}
}

func (t *MemoryTool) Name() string { return "memory" }

func (t *MemoryTool) Description() string {
	return "Persistent memory. Actions: get, set, delete, list, search. Search ranks stored entries and workspace notes by relevance."
}

func (t *MemoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []any{"get", "set", "delete", "list", "search"},
			},
			"key":   map[string]any{"type": "string"},
			"value": map[string]any{"type": "string"},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"query": map[string]any{"type": "string"},
		},
		"required": []any{"action"},
	}
}

func (t *MemoryTool) Execute(ctx context.Context, args map[string]any) *Result {
	action, _ := args["action"].(string)
	key, _ := args["key"].(string)
	switch action {
	case "get":
		if key == "" {
			return ErrorResult(errJSON("key is required"))
		}
		entry, err := t.store.Get(key)
		if err != nil {
			return ErrorResult(errJSON(fmt.Sprintf("memory key not found: %s", key)))
		}
		out, _ := json.Marshal(entry)
		return NewResult(string(out))
	case "set":
		value, _ := args["value"].(string)
		if key == "" || value == "" {
			return ErrorResult(errJSON("key and value are required"))
		}
		if err := t.store.Set(key, value, "agent", stringSlice(args["tags"])); err != nil {
			return ErrorResult(errJSON(fmt.Sprintf("memory write failed: %v", err)))
		}
		return NewResult(fmt.Sprintf(`{"saved": %q}`, key))
	case "delete":
		if key == "" {
			return ErrorResult(errJSON("key is required"))
		}
		if err := t.store.Delete(key); err != nil {
			return ErrorResult(errJSON(fmt.Sprintf("memory delete failed: %v", err)))
		}
		return NewResult(fmt.Sprintf(`{"deleted": %q}`, key))
	case "list":
		entries, err := t.store.List()
		if err != nil {
			return ErrorResult(errJSON(fmt.Sprintf("memory list failed: %v", err)))
		}
		type item struct {
			Key  string   `json:"key"`
			Tags []string `json:"tags,omitempty"`
		}
		items := make([]item, 0, len(entries))
		for _, e := range entries {
			items = append(items, item{Key: e.Key, Tags: e.Tags})
		}
		out, _ := json.Marshal(map[string]any{"keys": items})
		return NewResult(string(out))
	case "search":
		query, _ := args["query"].(string)
		if query == "" {
			return ErrorResult(errJSON("query is required"))
		}
		matches, err := t.search(query)
		if err != nil {
			return ErrorResult(errJSON(fmt.Sprintf("memory search failed: %v", err)))
		}
		out, _ := json.Marshal(map[string]any{"matches": matches})
		return NewResult(string(out))
	default:
		return ErrorResult(errJSON(fmt.Sprintf("unknown action: %q", action)))
	}
}

type memoryMatch struct {
	Key   string  `json:"key"`
	Value string  `json:"value"`
	Score float64 `json:"score"`
}

// search ranks stored entries together with workspace markdown notes.
func (t *MemoryTool) search(query string) ([]memoryMatch, error) {
	entries, err := t.store.List()
	if err != nil {
		return nil, err
	}
	entries = append(entries, t.workspaceNotes()...)
	matches := memory.Rank(entries, query, memorySearchLimit)
	out := make([]memoryMatch, 0, len(matches))
	for _, m := range matches {
		value := m.Entry.Value
		if len(value) > 500 {
			value = value[:500]
		}
		out = append(out, memoryMatch{Key: m.Entry.Key, Value: value, Score: m.Score})
	}
	return out, nil
}

// workspaceNotes loads markdown files under the workspace as synthetic
// entries so notes rank alongside stored memory.
func (t *MemoryTool) workspaceNotes() []memory.Entry {
	if t.workspace == "" {
		return nil
	}
	var notes []memory.Entry
	filepath.WalkDir(t.workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(t.workspace, path)
		notes = append(notes, memory.Entry{Key: rel, Value: string(body)})
		return nil
	})
	return notes
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
