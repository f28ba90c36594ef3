package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bashclaw/bashclaw/internal/events"
	"github.com/bashclaw/bashclaw/internal/queue"
	"github.com/bashclaw/bashclaw/internal/sessions"
	"github.com/bashclaw/bashclaw/internal/state"
)

// Spawn statuses.
const (
	SpawnRunning = "running"
	SpawnDone    = "done"
	SpawnError   = "error"
)

// SpawnRecord is the on-disk status of one background subagent run.
type SpawnRecord struct {
	ID         string `json:"id"`
	Label      string `json:"label,omitempty"`
	AgentID    string `json:"agentId"`
	ParentKey  string `json:"parentKey"`
	Task       string `json:"task"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  int64  `json:"startedAt"`
	FinishedAt int64  `json:"finishedAt,omitempty"`
}

// SpawnTool launches a background subagent on the subagent lane and
// returns immediately; completion is delivered to the parent session as a
// system event and recorded under spawn/<id>.json.
type SpawnTool struct {
	caller     AgentCaller
	engine     *queue.Engine
	events     *events.Queue
	root       *state.Root
	agentID    string
	parentKey  string
	spawnDepth int
}

func NewSpawnTool(caller AgentCaller, engine *queue.Engine, evq *events.Queue, root *state.Root, agentID, parentKey string, spawnDepth int) *SpawnTool {
	return &SpawnTool{
		caller:     caller,
		engine:     engine,
		events:     evq,
		root:       root,
		agentID:    agentID,
		parentKey:  parentKey,
		spawnDepth: spawnDepth,
	}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Run a task in a background subagent. Returns a spawn id immediately; the result arrives later as a system event. Check progress with spawn_status."
}

func (t *SpawnTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task":  map[string]any{"type": "string"},
			"label": map[string]any{"type": "string"},
		},
		"required": []any{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]any) *Result {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult(errJSON("task is required"))
	}
	label, _ := args["label"].(string)

	id := uuid.NewString()
	rec := SpawnRecord{
		ID:        id,
		Label:     label,
		AgentID:   t.agentID,
		ParentKey: t.parentKey,
		Task:      task,
		Status:    SpawnRunning,
		StartedAt: time.Now().UnixMilli(),
	}
	if err := writeSpawnRecord(t.root, rec); err != nil {
		return ErrorResult(errJSON(fmt.Sprintf("record spawn: %v", err)))
	}

	sessionLabel := label
	if sessionLabel == "" {
		sessionLabel = id
	}
	sessionKey := sessions.BuildSpawnKey(t.agentID, sessionLabel)
	lane := queue.LaneSubagent
	if t.spawnDepth > 0 {
		// Spawns from spawns run on the unbounded nested lane so a full
		// subagent lane cannot deadlock a waiting parent.
		lane = queue.LaneNested
	}

	go func() {
		bg := context.WithoutCancel(ctx)
		err := t.engine.DualEnqueue(bg, sessionKey, lane, func(runCtx context.Context) error {
			text, err := t.caller.Call(runCtx, t.agentID, sessionKey, task)
			rec.FinishedAt = time.Now().UnixMilli()
			if err != nil {
				rec.Status = SpawnError
				rec.Error = err.Error()
			} else {
				rec.Status = SpawnDone
				rec.Result = text
			}
			if werr := writeSpawnRecord(t.root, rec); werr != nil {
				slog.Warn("spawn: update record", "id", id, "error", werr)
			}
			t.notifyParent(rec)
			return nil
		})
		if err != nil {
			rec.Status = SpawnError
			rec.Error = err.Error()
			rec.FinishedAt = time.Now().UnixMilli()
			writeSpawnRecord(t.root, rec)
			t.notifyParent(rec)
		}
	}()

	return AsyncResult(fmt.Sprintf(`{"spawned": %q, "status": %q}`, id, SpawnRunning))
}

func (t *SpawnTool) notifyParent(rec SpawnRecord) {
	label := rec.Label
	if label == "" {
		label = rec.ID
	}
	var text string
	if rec.Status == SpawnDone {
		text = fmt.Sprintf("Subagent %s finished: %s", label, rec.Result)
	} else {
		text = fmt.Sprintf("Subagent %s failed: %s", label, rec.Error)
	}
	if err := t.events.Enqueue(t.parentKey, text, "spawn"); err != nil {
		slog.Warn("spawn: notify parent", "id", rec.ID, "error", err)
	}
}

// SpawnStatusTool reports one or all spawn records.
type SpawnStatusTool struct {
	root *state.Root
}

func NewSpawnStatusTool(root *state.Root) *SpawnStatusTool { return &SpawnStatusTool{root: root} }

func (t *SpawnStatusTool) Name() string { return "spawn_status" }

func (t *SpawnStatusTool) Description() string {
	return "Check the status of background subagents. Pass an id for one, or omit it for all."
}

func (t *SpawnStatusTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string"},
		},
	}
}

func (t *SpawnStatusTool) Execute(ctx context.Context, args map[string]any) *Result {
	if id, _ := args["id"].(string); id != "" {
		var rec SpawnRecord
		if err := state.ReadJSON(spawnPath(t.root, id), &rec); err != nil {
			return ErrorResult(errJSON(fmt.Sprintf("spawn not found: %s", id)))
		}
		out, _ := json.Marshal(rec)
		return NewResult(string(out))
	}

	entries, err := os.ReadDir(t.root.SpawnDir())
	if err != nil {
		return ErrorResult(errJSON(fmt.Sprintf("list spawns: %v", err)))
	}
	var recs []SpawnRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var rec SpawnRecord
		if err := state.ReadJSON(filepath.Join(t.root.SpawnDir(), e.Name()), &rec); err == nil {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt > recs[j].StartedAt })
	out, _ := json.Marshal(map[string]any{"spawns": recs})
	return NewResult(string(out))
}

func writeSpawnRecord(root *state.Root, rec SpawnRecord) error {
	return state.WriteJSONAtomic(spawnPath(root, rec.ID), rec, 0o600)
}

func spawnPath(root *state.Root, id string) string {
	return filepath.Join(root.SpawnDir(), state.SafeKey(id)+".json")
}
