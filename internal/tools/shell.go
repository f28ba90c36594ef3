package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

const (
	defaultShellTimeout = 30 * time.Second
	shellOutputLimit    = 100 * 1024
)

// dangerPatterns reject commands that destroy data, escalate privileges,
// open reverse shells, or pipe remote code into an interpreter. Matched
// commands are refused before execution.
var dangerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf]{2}`),
	regexp.MustCompile(`\brm\s+-[rf]+\s+/(\s|$)`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`),
	regexp.MustCompile(`\b(curl|wget)\b[^|;]*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bnc\b.*\s-e\s`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*777\s+/`),
	regexp.MustCompile(`\bchown\s+(-[a-zA-Z]+\s+)*\w+(:\w+)?\s+/(\s|$)`),
	regexp.MustCompile(`\bLD_PRELOAD=`),
	regexp.MustCompile(`docker\.sock`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`\bshutdown\b|\breboot\b|\bhalt\b|\bpoweroff\b`),
	regexp.MustCompile(`\bcrontab\s+-r\b`),
	regexp.MustCompile(`\bhistory\s+-c\b`),
	regexp.MustCompile(`\bshred\b`),
}

// ShellTool runs a command through /bin/sh inside the agent workspace.
// Optional: excluded from every profile unless explicitly allowed.
type ShellTool struct {
	workspace  string
	timeout    time.Duration
	audit      AuditSink
	sessionKey string
}

func NewShellTool(workspace string, timeoutSecs int, audit AuditSink, sessionKey string) *ShellTool {
	t := &ShellTool{
		workspace:  workspace,
		timeout:    defaultShellTimeout,
		audit:      audit,
		sessionKey: sessionKey,
	}
	if timeoutSecs > 0 {
		t.timeout = time.Duration(timeoutSecs) * time.Second
	}
	return t
}

func (t *ShellTool) Name() string      { return "shell" }
func (t *ShellTool) Optional() bool    { return true }
func (t *ShellTool) Elevation() string { return ElevationElevated }

func (t *ShellTool) Description() string {
	return "Run a shell command in the agent workspace. Output is truncated to 100KB."
}

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (default 30)",
			},
		},
		"required": []any{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult(errJSON("command is required"))
	}
	for _, pat := range dangerPatterns {
		if pat.MatchString(command) {
			if t.audit != nil {
				t.audit.Tool(t.sessionKey, t.Name(), "deny", "dangerous command blocked: "+pat.String())
			}
			return ErrorResult(errJSON(fmt.Sprintf("command blocked by safety filter: matches %q", pat.String())))
		}
	}

	timeout := t.timeout
	if secs, ok := args["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = t.workspace
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(errJSON(fmt.Sprintf("command timed out after %s", timeout)))
		} else {
			return ErrorResult(errJSON(fmt.Sprintf("command failed to start: %v", err)))
		}
	}

	output := buf.String()
	truncated := false
	if len(output) > shellOutputLimit {
		output = output[:shellOutputLimit]
		truncated = true
	}
	out, _ := json.Marshal(map[string]any{
		"output":    output,
		"exitCode":  exitCode,
		"truncated": truncated,
	})
	return NewResult(string(out))
}
