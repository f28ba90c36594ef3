package queue

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bashclaw/bashclaw/internal/state"
)

// Queue modes: behavior when a message arrives for a busy session.
const (
	ModeFollowup     = "followup"
	ModeCollect      = "collect"
	ModeInterrupt    = "interrupt"
	ModeSteer        = "steer"         // treated as followup
	ModeSteerBacklog = "steer-backlog" // treated as followup
)

// Dispositions returned by HandleBusy.
const (
	DispQueued      = "queued"
	DispCollected   = "collected"
	DispInterrupted = "interrupted"
)

const minCollectDebounce = time.Second

// PendingMessage is one entry awaiting the next turn. Delivery coordinates
// travel with the text so the drained turn can reply on the right channel.
type PendingMessage struct {
	Message string `json:"message"`
	TS      int64  `json:"ts"`
	Mode    string `json:"mode,omitempty"`
	Channel string `json:"channel,omitempty"`
	ChatID  string `json:"chatId,omitempty"`
	Sender  string `json:"sender,omitempty"`
	AgentID string `json:"agentId,omitempty"`
}

// CollectFlush is invoked when a collect debounce window closes while the
// session is idle, with the drained backlog.
type CollectFlush func(sessionKey string, msgs []PendingMessage)

// PendingStore manages per-session pending lists, abort markers, and the
// collect-mode debounce timers.
type PendingStore struct {
	root    *state.Root
	onFlush CollectFlush

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewPendingStore creates the store. onFlush may be nil; collect mode then
// degrades to followup draining.
func NewPendingStore(root *state.Root, onFlush CollectFlush) *PendingStore {
	return &PendingStore{root: root, onFlush: onFlush, timers: make(map[string]*time.Timer)}
}

// SetFlush attaches the collect-window handler after construction. The
// dispatcher installs itself here so the store can be built before it.
func (p *PendingStore) SetFlush(fn CollectFlush) {
	p.mu.Lock()
	p.onFlush = fn
	p.mu.Unlock()
}

// HasCollectWindow reports whether a collect debounce timer is live for the
// session. Backlog draining defers to the timer while one is open.
func (p *PendingStore) HasCollectWindow(sessionKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.timers[sessionKey]
	return ok
}

func (p *PendingStore) pendingPath(sessionKey string) string {
	return filepath.Join(p.root.PendingDir(), state.SafeKey(sessionKey)+".jsonl")
}

func (p *PendingStore) abortPath(sessionKey string) string {
	return filepath.Join(p.root.AbortDir(), state.SafeKey(sessionKey)+".json")
}

// HandleBusy applies the queue mode for a message that arrived mid-turn and
// returns the disposition. Interrupt does not park the message: the caller
// runs it directly once the aborted turn releases the session lock.
func (p *PendingStore) HandleBusy(sessionKey string, msg PendingMessage, mode string, debounce time.Duration) (string, error) {
	msg.TS = time.Now().UnixMilli()
	switch mode {
	case ModeInterrupt:
		if err := p.signalAbort(sessionKey); err != nil {
			return "", err
		}
		if err := p.clearPending(sessionKey); err != nil {
			return "", err
		}
		return DispInterrupted, nil

	case ModeCollect:
		msg.Mode = mode
		if err := p.appendPending(sessionKey, msg); err != nil {
			return "", err
		}
		p.refreshCollectTimer(sessionKey, debounce)
		return DispCollected, nil

	default: // followup, steer, steer-backlog
		msg.Mode = ""
		if err := p.appendPending(sessionKey, msg); err != nil {
			return "", err
		}
		return DispQueued, nil
	}
}

// DrainPending removes and returns all pending messages in arrival order.
func (p *PendingStore) DrainPending(sessionKey string) ([]PendingMessage, error) {
	p.mu.Lock()
	if t, ok := p.timers[sessionKey]; ok {
		t.Stop()
		delete(p.timers, sessionKey)
	}
	p.mu.Unlock()

	path := p.pendingPath(sessionKey)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var msgs []PendingMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m PendingMessage
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return msgs, nil
}

// CheckAbort consumes the abort marker, reporting whether one was set.
func (p *PendingStore) CheckAbort(sessionKey string) bool {
	err := os.Remove(p.abortPath(sessionKey))
	return err == nil
}

// MergeCollected renders a backlog into the single merged message the agent
// receives after a collect window closes.
func MergeCollected(msgs []PendingMessage) string {
	var b strings.Builder
	b.WriteString("Messages received while you were busy:\n")
	for _, m := range msgs {
		b.WriteString("- ")
		b.WriteString(m.Message)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (p *PendingStore) appendPending(sessionKey string, m PendingMessage) error {
	return state.AppendJSONLine(p.pendingPath(sessionKey), m)
}

func (p *PendingStore) clearPending(sessionKey string) error {
	if err := os.Remove(p.pendingPath(sessionKey)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (p *PendingStore) signalAbort(sessionKey string) error {
	marker := map[string]any{"ts": time.Now().UnixMilli(), "pid": os.Getpid()}
	data, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	return state.WriteFileAtomic(p.abortPath(sessionKey), data, 0o600)
}

// refreshCollectTimer starts or extends the debounce window. A second
// message during the window joins the backlog and the whole batch is merged
// when the timer finally fires.
func (p *PendingStore) refreshCollectTimer(sessionKey string, debounce time.Duration) {
	if debounce < minCollectDebounce {
		debounce = minCollectDebounce
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[sessionKey]; ok {
		t.Reset(debounce)
		return
	}
	p.timers[sessionKey] = time.AfterFunc(debounce, func() {
		p.mu.Lock()
		delete(p.timers, sessionKey)
		fn := p.onFlush
		p.mu.Unlock()
		if fn == nil {
			return
		}
		msgs, err := p.DrainPending(sessionKey)
		if err != nil || len(msgs) == 0 {
			return
		}
		fn(sessionKey, msgs)
	})
}
