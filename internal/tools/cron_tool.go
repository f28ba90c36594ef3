package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bashclaw/bashclaw/internal/cron"
)

// CronTool lets the agent manage its own scheduled jobs.
type CronTool struct {
	store   *cron.Store
	agentID string
}

func NewCronTool(store *cron.Store, agentID string) *CronTool {
	return &CronTool{store: store, agentID: agentID}
}

func (t *CronTool) Name() string { return "cron" }

func (t *CronTool) Description() string {
	return "Manage scheduled jobs. Actions: add, list, get, update, remove, enable, disable. Schedules: {kind:\"at\", atMs}, {kind:\"every\", everyMs}, {kind:\"cron\", expr}."
}

func (t *CronTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []any{"add", "list", "get", "update", "remove", "enable", "disable"},
			},
			"id":   map[string]any{"type": "string"},
			"name": map[string]any{"type": "string"},
			"schedule": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind":    map[string]any{"type": "string", "enum": []any{"at", "every", "cron"}},
					"atMs":    map[string]any{"type": "integer"},
					"everyMs": map[string]any{"type": "integer"},
					"expr":    map[string]any{"type": "string"},
					"tz":      map[string]any{"type": "string"},
				},
			},
			"prompt": map[string]any{"type": "string"},
			"sessionTarget": map[string]any{
				"type": "string",
				"enum": []any{"main", "isolated"},
			},
		},
		"required": []any{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]any) *Result {
	action, _ := args["action"].(string)
	id, _ := args["id"].(string)
	switch action {
	case "add":
		job, err := t.buildJob(args)
		if err != nil {
			return ErrorResult(errJSON(err.Error()))
		}
		added, err := t.store.Add(job)
		if err != nil {
			return ErrorResult(errJSON(fmt.Sprintf("add job: %v", err)))
		}
		return jobResult(added)
	case "list":
		jobs, err := t.store.List()
		if err != nil {
			return ErrorResult(errJSON(fmt.Sprintf("list jobs: %v", err)))
		}
		out, _ := json.Marshal(map[string]any{"jobs": jobs})
		return NewResult(string(out))
	case "get":
		if id == "" {
			return ErrorResult(errJSON("id is required"))
		}
		job, err := t.store.Get(id)
		if err != nil {
			return ErrorResult(errJSON(err.Error()))
		}
		return jobResult(job)
	case "update":
		if id == "" {
			return ErrorResult(errJSON("id is required"))
		}
		updated, err := t.store.Update(id, func(j *cron.Job) {
			if prompt, ok := args["prompt"].(string); ok && prompt != "" {
				j.Prompt = prompt
			}
			if name, ok := args["name"].(string); ok && name != "" {
				j.Name = name
			}
			if target, ok := args["sessionTarget"].(string); ok && target != "" {
				j.SessionTarget = target
			}
			if sched, err := scheduleFrom(args); err == nil && sched != nil {
				j.Schedule = *sched
			}
		})
		if err != nil {
			return ErrorResult(errJSON(err.Error()))
		}
		return jobResult(updated)
	case "remove":
		if id == "" {
			return ErrorResult(errJSON("id is required"))
		}
		if err := t.store.Remove(id); err != nil {
			return ErrorResult(errJSON(fmt.Sprintf("remove job: %v", err)))
		}
		return NewResult(fmt.Sprintf(`{"removed": %q}`, id))
	case "enable", "disable":
		if id == "" {
			return ErrorResult(errJSON("id is required"))
		}
		updated, err := t.store.Update(id, func(j *cron.Job) {
			j.Enabled = action == "enable"
		})
		if err != nil {
			return ErrorResult(errJSON(err.Error()))
		}
		return jobResult(updated)
	default:
		return ErrorResult(errJSON(fmt.Sprintf("unknown action: %q", action)))
	}
}

func (t *CronTool) buildJob(args map[string]any) (cron.Job, error) {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return cron.Job{}, fmt.Errorf("prompt is required")
	}
	sched, err := scheduleFrom(args)
	if err != nil {
		return cron.Job{}, err
	}
	if sched == nil {
		return cron.Job{}, fmt.Errorf("schedule is required")
	}
	name, _ := args["name"].(string)
	target, _ := args["sessionTarget"].(string)
	return cron.Job{
		Name:          name,
		AgentID:       t.agentID,
		Enabled:       true,
		Schedule:      *sched,
		Prompt:        prompt,
		SessionTarget: target,
	}, nil
}

func scheduleFrom(args map[string]any) (*cron.Schedule, error) {
	raw, ok := args["schedule"].(map[string]any)
	if !ok {
		return nil, nil
	}
	var sched cron.Schedule
	b, _ := json.Marshal(raw)
	if err := json.Unmarshal(b, &sched); err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	return &sched, nil
}

func jobResult(job cron.Job) *Result {
	out, _ := json.Marshal(job)
	return NewResult(string(out))
}
