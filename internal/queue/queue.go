// Package queue serializes turns per session and bounds global parallelism
// per lane type. Layer 1 is a PID-stamped session lock; layer 2 is a typed
// lane with a concurrency cap. Both leave crash-visible files that are
// reaped when their holder PID dies.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/bashclaw/bashclaw/internal/state"
)

// Lane types.
const (
	LaneMain     = "main"
	LaneCron     = "cron"
	LaneSubagent = "subagent"
	LaneNested   = "nested"
)

// Default per-lane concurrency caps. Nested is unbounded.
var defaultLaneMax = map[string]int{
	LaneMain:     4,
	LaneCron:     1,
	LaneSubagent: 8,
}

// LaneMaxFunc resolves the configured cap for a lane (0 = use default).
type LaneMaxFunc func(lane string, def int) int

// Engine is the dual-layer queue.
type Engine struct {
	root    *state.Root
	laneMax LaneMaxFunc

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewEngine creates the engine. laneMax may be nil to use defaults.
func NewEngine(root *state.Root, laneMax LaneMaxFunc) *Engine {
	if laneMax == nil {
		laneMax = func(_ string, def int) int { return def }
	}
	return &Engine{root: root, laneMax: laneMax, sems: make(map[string]*semaphore.Weighted)}
}

// Reap removes stale session locks and lane slots left by dead processes.
// Called at startup.
func (e *Engine) Reap() int {
	n := state.ReapStaleIn(e.root.SessionLocks())
	for _, lane := range []string{LaneMain, LaneCron, LaneSubagent, LaneNested} {
		n += state.ReapStaleIn(e.root.LanesDir(lane))
	}
	if n > 0 {
		slog.Info("reaped stale queue files", "count", n)
	}
	return n
}

// DualEnqueue acquires the session lock, then a lane slot, runs fn, and
// releases both in reverse order. Blocks until both are held or ctx ends.
func (e *Engine) DualEnqueue(ctx context.Context, sessionKey, lane string, fn func(ctx context.Context) error) error {
	lock := e.sessionLock(sessionKey)
	if err := lock.Acquire(ctx); err != nil {
		return fmt.Errorf("session lock %s: %w", sessionKey, err)
	}
	defer lock.Release()

	release, err := e.acquireLaneSlot(ctx, lane)
	if err != nil {
		return fmt.Errorf("lane slot %s: %w", lane, err)
	}
	defer release()

	return fn(ctx)
}

// IsBusy reports whether a turn is active for the session key (lock held by
// a live process).
func (e *Engine) IsBusy(sessionKey string) bool {
	lock := e.sessionLock(sessionKey)
	pid := lock.HolderPID()
	return pid != 0 && state.PIDAlive(pid)
}

func (e *Engine) sessionLock(sessionKey string) *state.FileLock {
	return state.NewFileLock(filepath.Join(e.root.SessionLocks(), state.SafeKey(sessionKey)+".lock"))
}

func (e *Engine) laneSem(lane string) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sems[lane]; ok {
		return s
	}
	max := e.laneMax(lane, defaultLaneMax[lane])
	if max <= 0 {
		// Unbounded lanes (nested) still get a semaphore for uniformity.
		max = int(^uint(0) >> 2)
	}
	s := semaphore.NewWeighted(int64(max))
	e.sems[lane] = s
	return s
}

// acquireLaneSlot takes a semaphore unit and drops a PID-stamped slot file
// so dead holders can be identified across restarts.
func (e *Engine) acquireLaneSlot(ctx context.Context, lane string) (func(), error) {
	sem := e.laneSem(lane)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	dir := e.root.LanesDir(lane)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		sem.Release(1)
		return nil, err
	}
	slot := filepath.Join(dir, uuid.NewString()+".slot")
	if err := os.WriteFile(slot, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
		sem.Release(1)
		return nil, err
	}
	return func() {
		os.Remove(slot)
		sem.Release(1)
	}, nil
}

// ActiveSlots counts live slot files in a lane.
func (e *Engine) ActiveSlots(lane string) int {
	entries, err := os.ReadDir(e.root.LanesDir(lane))
	if err != nil {
		return 0
	}
	return len(entries)
}
