package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bashclaw/bashclaw/internal/state"
)

func newTestEngine(t *testing.T) (*Engine, *state.Root) {
	t.Helper()
	root := state.NewRoot(t.TempDir())
	if err := root.EnsureTree(); err != nil {
		t.Fatal(err)
	}
	return NewEngine(root, nil), root
}

func TestDualEnqueueRunsCallback(t *testing.T) {
	e, _ := newTestEngine(t)
	ran := false
	err := e.DualEnqueue(context.Background(), "agent:main:k", LaneMain, func(context.Context) error {
		ran = true
		if !e.IsBusy("agent:main:k") {
			t.Error("session not busy during turn")
		}
		if e.ActiveSlots(LaneMain) != 1 {
			t.Errorf("active slots = %d", e.ActiveSlots(LaneMain))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("callback did not run")
	}
	if e.IsBusy("agent:main:k") {
		t.Error("session still busy after turn")
	}
	if e.ActiveSlots(LaneMain) != 0 {
		t.Errorf("slots after release = %d", e.ActiveSlots(LaneMain))
	}
}

func TestSessionSerialization(t *testing.T) {
	e, _ := newTestEngine(t)
	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.DualEnqueue(context.Background(), "agent:main:same", LaneMain, func(context.Context) error {
				n := inFlight.Add(1)
				if m := maxInFlight.Load(); n > m {
					maxInFlight.Store(n)
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if maxInFlight.Load() != 1 {
		t.Errorf("same-session concurrency = %d", maxInFlight.Load())
	}
}

func TestCronLaneSingleFlight(t *testing.T) {
	e, _ := newTestEngine(t)
	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		key := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.DualEnqueue(context.Background(), "cron:"+key, LaneCron, func(context.Context) error {
				n := inFlight.Add(1)
				if m := maxInFlight.Load(); n > m {
					maxInFlight.Store(n)
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if maxInFlight.Load() != 1 {
		t.Errorf("cron lane concurrency = %d", maxInFlight.Load())
	}
}

func TestReapClearsDeadSlots(t *testing.T) {
	e, root := newTestEngine(t)
	// Fake a dead process's leftovers.
	if err := writeFile(root.SessionLocks()+"/ghost.lock", "999999999"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(root.LanesDir(LaneMain)+"/ghost.slot", "999999999"); err != nil {
		t.Fatal(err)
	}
	if n := e.Reap(); n != 2 {
		t.Errorf("reaped = %d", n)
	}
}

func writeFile(path, content string) error {
	return state.WriteFileAtomic(path, []byte(content), 0o600)
}

func TestHandleBusyFollowupAndDrain(t *testing.T) {
	_, root := newTestEngine(t)
	p := NewPendingStore(root, nil)
	key := "agent:main:f"

	disp, err := p.HandleBusy(key, PendingMessage{Message: "first", Channel: "telegram", ChatID: "42"}, ModeFollowup, 0)
	if err != nil || disp != DispQueued {
		t.Fatalf("disp = %q, err = %v", disp, err)
	}
	// steer aliases followup
	if disp, _ := p.HandleBusy(key, PendingMessage{Message: "second"}, ModeSteer, 0); disp != DispQueued {
		t.Errorf("steer disp = %q", disp)
	}

	msgs, err := p.DrainPending(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Message != "first" || msgs[1].Message != "second" {
		t.Errorf("drained = %+v", msgs)
	}
	// Delivery coordinates survive the round trip.
	if msgs[0].Channel != "telegram" || msgs[0].ChatID != "42" {
		t.Errorf("coordinates lost: %+v", msgs[0])
	}
	// Drain consumes.
	msgs, _ = p.DrainPending(key)
	if len(msgs) != 0 {
		t.Errorf("second drain = %+v", msgs)
	}
}

func TestHandleBusyInterrupt(t *testing.T) {
	_, root := newTestEngine(t)
	p := NewPendingStore(root, nil)
	key := "agent:main:i"

	p.HandleBusy(key, PendingMessage{Message: "stale"}, ModeFollowup, 0)
	disp, err := p.HandleBusy(key, PendingMessage{Message: "urgent"}, ModeInterrupt, 0)
	if err != nil || disp != DispInterrupted {
		t.Fatalf("disp = %q, err = %v", disp, err)
	}
	if !p.CheckAbort(key) {
		t.Error("abort marker not set")
	}
	// Marker is consumed.
	if p.CheckAbort(key) {
		t.Error("abort marker not consumed")
	}
	// The interrupting message is not parked: the dispatcher runs it
	// directly, and the stale backlog is gone.
	msgs, _ := p.DrainPending(key)
	if len(msgs) != 0 {
		t.Errorf("pending after interrupt = %+v", msgs)
	}
}

func TestCollectDebounceMerges(t *testing.T) {
	_, root := newTestEngine(t)
	var mu sync.Mutex
	var flushed string
	p := NewPendingStore(root, nil)
	p.SetFlush(func(_ string, msgs []PendingMessage) {
		mu.Lock()
		flushed = MergeCollected(msgs)
		mu.Unlock()
	})
	key := "agent:main:c"

	// The 1s minimum debounce makes sub-second windows impossible; two
	// messages inside the window join one backlog.
	disp, _ := p.HandleBusy(key, PendingMessage{Message: "part one"}, ModeCollect, 10*time.Millisecond)
	if disp != DispCollected {
		t.Fatalf("disp = %q", disp)
	}
	if !p.HasCollectWindow(key) {
		t.Error("collect window not open")
	}
	p.HandleBusy(key, PendingMessage{Message: "part two"}, ModeCollect, 10*time.Millisecond)

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		got := flushed
		mu.Unlock()
		if got != "" {
			if got != "Messages received while you were busy:\n- part one\n- part two" {
				t.Errorf("merged = %q", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("collect flush never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMergeCollected(t *testing.T) {
	got := MergeCollected([]PendingMessage{{Message: "a"}, {Message: "b"}})
	want := "Messages received while you were busy:\n- a\n- b"
	if got != want {
		t.Errorf("merged = %q", got)
	}
}
