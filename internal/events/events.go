// Package events is the bounded per-session FIFO that background producers
// (cron runs, spawn completions) use to inject context into the next
// foreground agent turn.
package events

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bashclaw/bashclaw/internal/state"
)

// MaxPerSession bounds each session's queue; the oldest entry is dropped
// when a new one arrives at capacity.
const MaxPerSession = 20

// Event is one queued system event.
type Event struct {
	TS     int64  `json:"ts"`
	Text   string `json:"text"`
	Source string `json:"source,omitempty"` // cron | spawn | system
}

type queueFile struct {
	Events []Event `json:"events"`
}

// Queue persists per-session event FIFOs under the state root.
type Queue struct {
	root *state.Root
}

// NewQueue creates the queue.
func NewQueue(root *state.Root) *Queue {
	return &Queue{root: root}
}

func (q *Queue) path(sessionKey string) string {
	return filepath.Join(q.root.EventsDir(), state.SafeKey(sessionKey)+".json")
}

// Enqueue appends an event, dropping the oldest beyond MaxPerSession. An
// event whose text equals the newest queued text is dropped as a duplicate.
func (q *Queue) Enqueue(sessionKey, text, source string) error {
	var qf queueFile
	if err := state.ReadJSON(q.path(sessionKey), &qf); err != nil && !os.IsNotExist(err) {
		return err
	}
	if n := len(qf.Events); n > 0 && qf.Events[n-1].Text == text {
		return nil
	}
	qf.Events = append(qf.Events, Event{TS: time.Now().UnixMilli(), Text: text, Source: source})
	if len(qf.Events) > MaxPerSession {
		qf.Events = qf.Events[len(qf.Events)-MaxPerSession:]
	}
	return state.WriteJSONAtomic(q.path(sessionKey), qf, 0o600)
}

// Drain removes and returns all queued events in arrival order.
func (q *Queue) Drain(sessionKey string) ([]Event, error) {
	var qf queueFile
	if err := state.ReadJSON(q.path(sessionKey), &qf); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(qf.Events) == 0 {
		return nil, nil
	}
	if err := state.WriteJSONAtomic(q.path(sessionKey), queueFile{}, 0o600); err != nil {
		return nil, err
	}
	return qf.Events, nil
}

// RenderDrained formats drained events as the synthetic user message the
// agent loop prepends to the turn. Empty input yields "".
func RenderDrained(events []Event) string {
	if len(events) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[SYSTEM EVENT]\n")
	for _, e := range events {
		b.WriteString(e.Text)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
