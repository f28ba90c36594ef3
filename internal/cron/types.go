// Package cron schedules recurring and one-shot agent jobs: a consolidated
// file-backed job store, schedule parsing for at/every/cron kinds, and a
// tick-driven scheduler with failure backoff and stuck-run reaping.
package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Session targets.
const (
	TargetMain     = "main"     // deliver prompt as a system event into the main session
	TargetIsolated = "isolated" // run the agent loop under a fresh cron session key
)

// backoffSteps is indexed by consecutive failure count (capped at the
// last step).
var backoffSteps = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
}

// Schedule is one of three kinds: a fixed timestamp, a fixed interval, or
// a 5-field cron expression.
type Schedule struct {
	Kind     string `json:"kind"` // at | every | cron
	AtMs     int64  `json:"atMs,omitempty"`
	EveryMs  int64  `json:"everyMs,omitempty"`
	Expr     string `json:"expr,omitempty"`
	Timezone string `json:"tz,omitempty"`
}

// Job is one scheduled unit of agent work.
type Job struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	AgentID       string   `json:"agentId,omitempty"`
	Enabled       bool     `json:"enabled"`
	Schedule      Schedule `json:"schedule"`
	Prompt        string   `json:"prompt"`
	SessionTarget string   `json:"sessionTarget,omitempty"` // main | isolated
	DeleteAfter   bool     `json:"deleteAfterRun,omitempty"`

	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	NextRunAt    int64  `json:"nextRunAt,omitempty"`
	RunningAt    int64  `json:"runningAt,omitempty"` // in-flight claim stamp
	LastRunAt    int64  `json:"lastRunAt,omitempty"`
	LastStatus   string `json:"lastStatus,omitempty"` // ok | error
	LastError    string `json:"lastError,omitempty"`
	FailureCount int    `json:"failureCount"`
	BackoffUntil int64  `json:"backoffUntil,omitempty"`
}

// Runner executes one job run. text is the agent's final reply for
// isolated runs (empty for main-session event delivery).
type Runner interface {
	RunJob(ctx context.Context, job Job) (text string, err error)
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, job Job) (string, error)

func (f RunnerFunc) RunJob(ctx context.Context, job Job) (string, error) {
	return f(ctx, job)
}

var cronChecker = gronx.New()

// Validate checks a schedule for well-formedness.
func (s Schedule) Validate() error {
	switch s.Kind {
	case "at":
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires atMs")
		}
	case "every":
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires everyMs")
		}
	case "cron":
		expr := strings.TrimSpace(s.Expr)
		if expr == "" {
			return fmt.Errorf("cron schedule requires expr")
		}
		if !cronChecker.IsValid(expr) {
			return fmt.Errorf("invalid cron expression: %s", expr)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
	return nil
}

// Next returns the next run time strictly after now, or ok=false when the
// schedule has no future firing (a past "at").
func (s Schedule) Next(now time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case "at":
		at := time.UnixMilli(s.AtMs)
		if !at.After(now) {
			return time.Time{}, false, nil
		}
		return at, true, nil
	case "every":
		if s.EveryMs <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule missing interval")
		}
		return now.Add(time.Duration(s.EveryMs) * time.Millisecond), true, nil
	case "cron":
		ref := now
		if s.Timezone != "" {
			if loc, err := time.LoadLocation(s.Timezone); err == nil {
				ref = ref.In(loc)
			}
		}
		next, err := gronx.NextTickAfter(strings.TrimSpace(s.Expr), ref, false)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		// Minute-granularity search is bounded to one year ahead.
		if next.Sub(now) > 366*24*time.Hour {
			return time.Time{}, false, nil
		}
		return next, true, nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
}

// backoffDelay returns the delay for the given consecutive failure count
// (1-based).
func backoffDelay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	idx := failures - 1
	if idx >= len(backoffSteps) {
		idx = len(backoffSteps) - 1
	}
	return backoffSteps[idx]
}
