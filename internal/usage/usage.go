// Package usage tracks token consumption per turn in an append-only JSONL
// log and aggregates it for reporting.
package usage

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/bashclaw/bashclaw/internal/state"
)

// Record is one turn's token usage.
type Record struct {
	AgentID      string `json:"agent_id"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Timestamp    int64  `json:"timestamp"`
}

// Tracker appends and aggregates usage records.
type Tracker struct {
	root *state.Root
}

// NewTracker creates a tracker.
func NewTracker(root *state.Root) *Tracker {
	return &Tracker{root: root}
}

// Track appends one record, stamping the timestamp if unset.
func (t *Tracker) Track(r Record) error {
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
	return state.AppendJSONLine(t.root.UsageLog(), r)
}

// Rollup is aggregated usage for one (agent, model) pair.
type Rollup struct {
	AgentID      string `json:"agent_id"`
	Model        string `json:"model"`
	Turns        int    `json:"turns"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Report aggregates records newer than since (zero = all), sorted by total
// tokens descending.
func (t *Tracker) Report(since time.Time) ([]Rollup, error) {
	f, err := os.Open(t.root.UsageLog())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	cutoff := int64(0)
	if !since.IsZero() {
		cutoff = since.UnixMilli()
	}

	agg := map[string]*Rollup{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		if r.Timestamp < cutoff {
			continue
		}
		key := r.AgentID + "\x00" + r.Model
		roll, ok := agg[key]
		if !ok {
			roll = &Rollup{AgentID: r.AgentID, Model: r.Model}
			agg[key] = roll
		}
		roll.Turns++
		roll.InputTokens += int64(r.InputTokens)
		roll.OutputTokens += int64(r.OutputTokens)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out := make([]Rollup, 0, len(agg))
	for _, r := range agg {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InputTokens+out[i].OutputTokens > out[j].InputTokens+out[j].OutputTokens
	})
	return out, nil
}
