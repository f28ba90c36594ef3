package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	readDefaultLimit  = 2000
	searchMaxResults  = 50
	searchFileMaxSize = 2 * 1024 * 1024
)

// resolveWorkspacePath joins a relative path onto the workspace root and
// rejects escapes.
func resolveWorkspacePath(workspace, rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace")
	}
	return filepath.Join(workspace, clean), nil
}

// ReadFileTool reads a workspace file with line offset and limit.
type ReadFileTool struct {
	workspace string
}

func NewReadFileTool(workspace string) *ReadFileTool { return &ReadFileTool{workspace: workspace} }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the workspace. Returns numbered lines; offset is 1-based, limit defaults to 2000 lines."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":   map[string]any{"type": "string"},
			"offset": map[string]any{"type": "integer"},
			"limit":  map[string]any{"type": "integer"},
		},
		"required": []any{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	rel, _ := args["path"].(string)
	path, err := resolveWorkspacePath(t.workspace, rel)
	if err != nil {
		return ErrorResult(errJSON(err.Error()))
	}
	offset := 1
	if v, ok := args["offset"].(float64); ok && v > 0 {
		offset = int(v)
	}
	limit := readDefaultLimit
	if v, ok := args["limit"].(float64); ok && v > 0 && int(v) < readDefaultLimit {
		limit = int(v)
	}

	f, err := os.Open(path)
	if err != nil {
		return ErrorResult(errJSON(fmt.Sprintf("open %s: %v", rel, err)))
	}
	defer f.Close()

	var b strings.Builder
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	emitted := 0
	for sc.Scan() {
		lineNo++
		if lineNo < offset {
			continue
		}
		if emitted >= limit {
			break
		}
		fmt.Fprintf(&b, "%d\t%s\n", lineNo, sc.Text())
		emitted++
	}
	if err := sc.Err(); err != nil {
		return ErrorResult(errJSON(fmt.Sprintf("read %s: %v", rel, err)))
	}
	if emitted == 0 {
		return NewResult(fmt.Sprintf("%s is empty past line %d", rel, offset-1))
	}
	return NewResult(b.String())
}

// WriteFileTool writes or appends to a workspace file, creating parent
// directories. Optional: excluded from profiles unless explicitly allowed.
type WriteFileTool struct {
	workspace string
}

func NewWriteFileTool(workspace string) *WriteFileTool { return &WriteFileTool{workspace: workspace} }

func (t *WriteFileTool) Name() string   { return "write_file" }
func (t *WriteFileTool) Optional() bool { return true }

func (t *WriteFileTool) Description() string {
	return "Write content to a workspace file, creating parent directories. Set append to add to the end instead of overwriting."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
			"append":  map[string]any{"type": "boolean"},
		},
		"required": []any{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	rel, _ := args["path"].(string)
	content, _ := args["content"].(string)
	path, err := resolveWorkspacePath(t.workspace, rel)
	if err != nil {
		return ErrorResult(errJSON(err.Error()))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ErrorResult(errJSON(fmt.Sprintf("create directories: %v", err)))
	}
	appendMode, _ := args["append"].(bool)
	if appendMode {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return ErrorResult(errJSON(fmt.Sprintf("open %s: %v", rel, err)))
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return ErrorResult(errJSON(fmt.Sprintf("append %s: %v", rel, err)))
		}
	} else if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return ErrorResult(errJSON(fmt.Sprintf("write %s: %v", rel, err)))
	}
	return NewResult(fmt.Sprintf(`{"written": %q, "bytes": %d}`, rel, len(content)))
}

// ListFilesTool lists a workspace directory.
type ListFilesTool struct {
	workspace string
}

func NewListFilesTool(workspace string) *ListFilesTool { return &ListFilesTool{workspace: workspace} }

func (t *ListFilesTool) Name() string { return "list_files" }

func (t *ListFilesTool) Description() string {
	return "List files in a workspace directory. Directories are suffixed with /."
}

func (t *ListFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]any) *Result {
	rel, _ := args["path"].(string)
	path, err := resolveWorkspacePath(t.workspace, rel)
	if err != nil {
		return ErrorResult(errJSON(err.Error()))
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return ErrorResult(errJSON(fmt.Sprintf("list %s: %v", rel, err)))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	out, _ := json.Marshal(map[string]any{"entries": names})
	return NewResult(string(out))
}

// FileSearchTool greps workspace files for a substring.
type FileSearchTool struct {
	workspace string
}

func NewFileSearchTool(workspace string) *FileSearchTool {
	return &FileSearchTool{workspace: workspace}
}

func (t *FileSearchTool) Name() string { return "file_search" }

func (t *FileSearchTool) Description() string {
	return "Search workspace files for a text pattern. Returns up to 50 matching lines as path:line:text."
}

func (t *FileSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":      map[string]any{"type": "string"},
			"maxResults": map[string]any{"type": "integer"},
		},
		"required": []any{"query"},
	}
}

func (t *FileSearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult(errJSON("query is required"))
	}
	max := searchMaxResults
	if v, ok := args["maxResults"].(float64); ok && v > 0 && int(v) < searchMaxResults {
		max = int(v)
	}

	var hits []string
	filepath.WalkDir(t.workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil || len(hits) >= max {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != t.workspace {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > searchFileMaxSize {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()
		rel, _ := filepath.Rel(t.workspace, path)
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		lineNo := 0
		for sc.Scan() {
			lineNo++
			if strings.Contains(sc.Text(), query) {
				hits = append(hits, fmt.Sprintf("%s:%d:%s", rel, lineNo, strings.TrimSpace(sc.Text())))
				if len(hits) >= max {
					break
				}
			}
		}
		return nil
	})
	out, _ := json.Marshal(map[string]any{"matches": hits})
	return NewResult(string(out))
}
