package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bashclaw/bashclaw/internal/events"
	"github.com/bashclaw/bashclaw/internal/queue"
	"github.com/bashclaw/bashclaw/internal/sessions"
	"github.com/bashclaw/bashclaw/internal/state"
)

func TestAdvanceFailureBackoff(t *testing.T) {
	s := newTestStore(t)
	job, err := s.Add(Job{Enabled: true, Prompt: "p", Schedule: Schedule{Kind: "every", EveryMs: 60000}})
	if err != nil {
		t.Fatal(err)
	}
	sched := &Scheduler{store: s}

	sched.advance(job, errors.New("provider down"))
	got, _ := s.Get(job.ID)
	if got.FailureCount != 1 || got.LastStatus != "error" {
		t.Errorf("after failure: %+v", got)
	}
	until := time.UnixMilli(got.BackoffUntil)
	if d := time.Until(until); d < 25*time.Second || d > 35*time.Second {
		t.Errorf("backoffUntil %v from now", d)
	}

	sched.advance(got, nil)
	got, _ = s.Get(job.ID)
	if got.FailureCount != 0 || got.BackoffUntil != 0 || got.LastStatus != "ok" {
		t.Errorf("after success: %+v", got)
	}
	if got.NextRunAt == 0 {
		t.Error("next run not scheduled")
	}
}

func TestAdvanceDeletesOneShot(t *testing.T) {
	s := newTestStore(t)
	job, err := s.Add(Job{
		Enabled:  true,
		Prompt:   "once",
		Schedule: Schedule{Kind: "at", AtMs: time.Now().Add(time.Minute).UnixMilli()},
	})
	if err != nil {
		t.Fatal(err)
	}
	sched := &Scheduler{store: s}
	sched.advance(job, nil)
	if _, err := s.Get(job.ID); err == nil {
		t.Error("one-shot job survived its run")
	}
}

func TestTickRunsDueJobOnce(t *testing.T) {
	root := state.NewRoot(t.TempDir())
	if err := root.EnsureTree(); err != nil {
		t.Fatal(err)
	}
	store := NewStore(root)
	job, err := store.Add(Job{
		Enabled:       true,
		Prompt:        "slow job",
		AgentID:       "main",
		SessionTarget: TargetIsolated,
		Schedule:      Schedule{Kind: "every", EveryMs: 60 * 60 * 1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	store.Update(job.ID, func(j *Job) { j.NextRunAt = time.Now().Add(-time.Second).UnixMilli() })

	var runs atomic.Int32
	release := make(chan struct{})
	runner := RunnerFunc(func(context.Context, Job) (string, error) {
		runs.Add(1)
		<-release
		return "", nil
	})
	sched := NewScheduler(store, runner, events.NewQueue(root), queue.NewEngine(root, nil),
		sessions.NewManager(sessions.NewFileBacking(root)), root, SchedulerOptions{})

	ctx := context.Background()
	sched.Tick(ctx)

	// Wait for the claimed run to start, then tick again mid-flight.
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sched.Tick(ctx)
	sched.Tick(ctx)
	close(release)

	// Let the in-flight run finish and clear its claim.
	deadline = time.Now().Add(2 * time.Second)
	for {
		got, err := store.Get(job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.RunningAt == 0 {
			if got.NextRunAt <= time.Now().UnixMilli() {
				t.Errorf("next run not advanced: %+v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("claim never cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := runs.Load(); n != 1 {
		t.Errorf("one due instant executed %d times", n)
	}
}

func TestDueRespectsBackoffAndDisable(t *testing.T) {
	sched := &Scheduler{}
	now := time.Now()
	job := Job{Enabled: true, NextRunAt: now.Add(-time.Second).UnixMilli()}
	if !sched.due(job, now) {
		t.Error("due job not fired")
	}
	job.BackoffUntil = now.Add(time.Minute).UnixMilli()
	if sched.due(job, now) {
		t.Error("backed-off job fired")
	}
	job.BackoffUntil = 0
	job.Enabled = false
	if sched.due(job, now) {
		t.Error("disabled job fired")
	}
	job.Enabled = true
	job.NextRunAt = now.Add(time.Hour).UnixMilli()
	if sched.due(job, now) {
		t.Error("future job fired")
	}
}
