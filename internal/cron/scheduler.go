package cron

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bashclaw/bashclaw/internal/events"
	"github.com/bashclaw/bashclaw/internal/queue"
	"github.com/bashclaw/bashclaw/internal/sessions"
	"github.com/bashclaw/bashclaw/internal/state"
)

const (
	tickInterval       = 10 * time.Second
	sessionReapPeriod  = 300 * time.Second
	defaultStuckRun    = 2 * time.Hour
	defaultRetention   = 24 * time.Hour
	defaultJobTimeout  = 10 * time.Minute
	runLogMaxBytes     = 5 * 1024 * 1024
	runLogKeepTail     = 1000
)

// RunRecord is one line in a per-job run log and the global history.
type RunRecord struct {
	TS         int64  `json:"ts"`
	JobID      string `json:"jobId"`
	RunID      string `json:"runId"`
	Status     string `json:"status"` // ok | error
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// SchedulerOptions carries the cron.* config knobs.
type SchedulerOptions struct {
	StuckRunMs         int64
	SessionRetentionMs int64
	JobTimeoutMs       int64
}

// Scheduler drives due jobs through the cron lane.
type Scheduler struct {
	store    *Store
	runner   Runner
	events   *events.Queue
	engine   *queue.Engine
	sessions *sessions.Manager
	root     *state.Root
	opts     SchedulerOptions

	lastSessionReap time.Time
}

func NewScheduler(store *Store, runner Runner, evq *events.Queue, engine *queue.Engine, sess *sessions.Manager, root *state.Root, opts SchedulerOptions) *Scheduler {
	return &Scheduler{
		store:    store,
		runner:   runner,
		events:   evq,
		engine:   engine,
		sessions: sess,
		root:     root,
		opts:     opts,
	}
}

// Run ticks until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires due jobs and performs periodic reaping. Exposed for tests
// and the CLI's one-shot mode.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()
	s.reapStuckSlots(now)
	if now.Sub(s.lastSessionReap) >= sessionReapPeriod {
		s.lastSessionReap = now
		s.reapCronSessions(now)
	}

	jobs, err := s.store.List()
	if err != nil {
		slog.Error("cron: list jobs", "error", err)
		return
	}
	for _, job := range jobs {
		if !s.due(job, now) {
			continue
		}
		// Claim before spawning: a run slower than the tick interval must
		// not be re-enqueued on the next tick.
		claimed, err := s.store.Update(job.ID, func(j *Job) { j.RunningAt = now.UnixMilli() })
		if err != nil {
			slog.Warn("cron: claim job", "job", job.ID, "error", err)
			continue
		}
		go func() {
			if err := s.engine.DualEnqueue(ctx, s.runSessionKey(claimed), queue.LaneCron, func(ctx context.Context) error {
				s.execute(ctx, claimed)
				return nil
			}); err != nil {
				slog.Warn("cron: enqueue failed", "job", claimed.ID, "error", err)
				s.store.Update(claimed.ID, func(j *Job) { j.RunningAt = 0 })
			}
		}()
	}
}

func (s *Scheduler) due(job Job, now time.Time) bool {
	if !job.Enabled || job.NextRunAt == 0 {
		return false
	}
	// Claimed and still inside the stuck window: a run is in flight.
	if job.RunningAt > 0 && now.Sub(time.UnixMilli(job.RunningAt)) < s.stuckThreshold() {
		return false
	}
	if job.BackoffUntil > now.UnixMilli() {
		return false
	}
	return job.NextRunAt <= now.UnixMilli()
}

func (s *Scheduler) stuckThreshold() time.Duration {
	if s.opts.StuckRunMs > 0 {
		return time.Duration(s.opts.StuckRunMs) * time.Millisecond
	}
	return defaultStuckRun
}

func (s *Scheduler) runSessionKey(job Job) string {
	return sessions.BuildCronKey(job.ID, uuid.NewString())
}

// execute performs one run: main-target jobs enqueue a system event for
// the agent's main session; isolated jobs run the agent loop under a
// fresh cron session key with a hard timeout.
func (s *Scheduler) execute(ctx context.Context, job Job) {
	runID := uuid.NewString()
	start := time.Now()
	var runErr error

	switch job.SessionTarget {
	case TargetMain, "":
		mainKey := sessions.BuildMainKey(job.AgentID, "main")
		runErr = s.events.Enqueue(mainKey, job.Prompt, "cron")
	case TargetIsolated:
		timeout := defaultJobTimeout
		if s.opts.JobTimeoutMs > 0 {
			timeout = time.Duration(s.opts.JobTimeoutMs) * time.Millisecond
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		isolated := job
		isolated.SessionTarget = TargetIsolated
		text, err := s.runner.RunJob(runCtx, isolated)
		cancel()
		runErr = err
		if err == nil && text != "" {
			// Deliver the result into the main session on the next turn.
			mainKey := sessions.BuildMainKey(job.AgentID, "main")
			s.events.Enqueue(mainKey, fmt.Sprintf("Cron job %s finished: %s", jobLabel(job), text), "cron")
		}
	default:
		runErr = fmt.Errorf("unknown sessionTarget: %q", job.SessionTarget)
	}

	s.recordRun(job, runID, start, runErr)
	s.advance(job, runErr)
}

// advance updates failure bookkeeping and the next run time, deleting
// exhausted one-shot jobs.
func (s *Scheduler) advance(job Job, runErr error) {
	now := time.Now()
	if job.Schedule.Kind == "at" && job.DeleteAfter && runErr == nil {
		if err := s.store.Remove(job.ID); err != nil {
			slog.Warn("cron: remove one-shot job", "job", job.ID, "error", err)
		}
		return
	}
	_, err := s.store.Update(job.ID, func(j *Job) {
		j.RunningAt = 0
		j.LastRunAt = now.UnixMilli()
		if runErr != nil {
			j.FailureCount++
			j.LastStatus = "error"
			j.LastError = runErr.Error()
			j.BackoffUntil = now.Add(backoffDelay(j.FailureCount)).UnixMilli()
		} else {
			j.FailureCount = 0
			j.LastStatus = "ok"
			j.LastError = ""
			j.BackoffUntil = 0
		}
		if next, ok, nerr := j.Schedule.Next(now); nerr == nil && ok {
			j.NextRunAt = next.UnixMilli()
		} else {
			j.NextRunAt = 0
			if j.Schedule.Kind == "at" {
				// Failed one-shot in the past: keep for inspection, disabled.
				j.Enabled = false
			}
		}
	})
	if err != nil {
		slog.Warn("cron: update job after run", "job", job.ID, "error", err)
	}
}

func (s *Scheduler) recordRun(job Job, runID string, start time.Time, runErr error) {
	rec := RunRecord{
		TS:         start.UnixMilli(),
		JobID:      job.ID,
		RunID:      runID,
		Status:     "ok",
		DurationMs: time.Since(start).Milliseconds(),
	}
	if runErr != nil {
		rec.Status = "error"
		rec.Error = runErr.Error()
	}
	logPath := filepath.Join(s.root.CronRunsDir(), state.SafeKey(job.ID)+".jsonl")
	if err := state.AppendJSONLine(logPath, rec); err != nil {
		slog.Warn("cron: append run log", "job", job.ID, "error", err)
	}
	rotateRunLog(logPath)
	if err := state.AppendJSONLine(s.root.CronHistoryLog(), rec); err != nil {
		slog.Warn("cron: append history", "error", err)
	}
}

// rotateRunLog truncates a run log exceeding runLogMaxBytes to its last
// runLogKeepTail lines.
func rotateRunLog(path string) {
	info, err := os.Stat(path)
	if err != nil || info.Size() < runLogMaxBytes {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		return
	}
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > runLogKeepTail {
			lines = lines[1:]
		}
	}
	f.Close()
	body := strings.Join(lines, "\n")
	if body != "" {
		body += "\n"
	}
	if err := state.WriteFileAtomic(path, []byte(body), 0o600); err != nil {
		slog.Warn("cron: rotate run log", "path", path, "error", err)
	}
}

// reapStuckSlots releases cron lane slots older than cron.stuckRunMs.
func (s *Scheduler) reapStuckSlots(now time.Time) {
	stuck := s.stuckThreshold()
	dir := s.root.LanesDir(queue.LaneCron)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > stuck {
			os.Remove(filepath.Join(dir, e.Name()))
			slog.Warn("cron: reaped stuck lane slot", "slot", e.Name())
		}
	}
}

// reapCronSessions deletes isolated cron sessions idle past the retention
// window.
func (s *Scheduler) reapCronSessions(now time.Time) {
	retention := defaultRetention
	if s.opts.SessionRetentionMs > 0 {
		retention = time.Duration(s.opts.SessionRetentionMs) * time.Millisecond
	}
	keys, err := s.sessions.List()
	if err != nil {
		return
	}
	for _, key := range keys {
		// List yields on-disk escaped keys; the meta sidecar carries the
		// real one.
		meta, err := s.sessions.Meta(key)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(meta.SessionID, "cron:") && !strings.HasPrefix(key, "cron_") {
			continue
		}
		if meta.UpdatedAt > 0 && now.UnixMilli()-meta.UpdatedAt > retention.Milliseconds() {
			if err := s.sessions.Delete(key); err == nil {
				slog.Info("cron: reaped stale session", "session", key)
			}
		}
	}
}

func jobLabel(job Job) string {
	if job.Name != "" {
		return job.Name
	}
	return job.ID
}

// helper used by the CLI and gateway status surfaces
func (s *Scheduler) DueWithin(d time.Duration) ([]Job, error) {
	jobs, err := s.store.List()
	if err != nil {
		return nil, err
	}
	horizon := time.Now().Add(d).UnixMilli()
	var due []Job
	for _, j := range jobs {
		if j.Enabled && j.NextRunAt > 0 && j.NextRunAt <= horizon {
			due = append(due, j)
		}
	}
	return due, nil
}
