package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bashclaw/bashclaw/internal/agent"
	"github.com/bashclaw/bashclaw/internal/channels"
	"github.com/bashclaw/bashclaw/internal/cron"
	"github.com/bashclaw/bashclaw/internal/gateway"
	"github.com/bashclaw/bashclaw/internal/hooks"
	"github.com/bashclaw/bashclaw/internal/logging"
	"github.com/bashclaw/bashclaw/internal/routing"
	"github.com/bashclaw/bashclaw/internal/sessions"

	"github.com/google/uuid"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the always-on gateway: channels, scheduler, REST API",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, _ []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	closeLog, err := logging.Setup(verbose, filepath.Join(rt.root.Dir(), "logs", "gateway.log"))
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg := rt.cfg.Current()

	// Reap locks and lane slots orphaned by a previous process.
	if n := rt.engine.Reap(); n > 0 {
		slog.Info("reaped stale queue entries", "count", n)
	}

	dedup := routing.NewDeduper(rt.root, cfg.Dedup.TTLSeconds)
	dispatcher := gateway.NewDispatcher(rt.cfg, rt.loop, rt.bus, rt.engine, rt.pending, rt.gate, dedup, rt.hooks)
	go dispatcher.Run(ctx)

	chMgr := channels.Build(cfg.Channels, rt.bus)
	if err := chMgr.StartAll(ctx); err != nil {
		return err
	}
	defer chMgr.StopAll(context.Background())

	// Cron: isolated jobs run the agent loop under a fresh cron session.
	runner := cron.RunnerFunc(func(ctx context.Context, job cron.Job) (string, error) {
		return rt.loop.Run(ctx, agent.Request{
			AgentID:    job.AgentID,
			SessionKey: sessions.BuildCronKey(job.ID, uuid.NewString()),
			Message:    job.Prompt,
			Channel:    "system",
		})
	})
	scheduler := cron.NewScheduler(rt.cron, runner, rt.events, rt.engine, rt.sessions, rt.root, cron.SchedulerOptions{
		StuckRunMs:         cfg.Cron.StuckRunMs,
		SessionRetentionMs: cfg.Cron.SessionRetentionMs,
		JobTimeoutMs:       cfg.Cron.JobTimeoutMs,
	})
	go scheduler.Run(ctx)

	heartbeat := gateway.NewHeartbeat(rt.cfg, rt.loop, rt.engine)
	go heartbeat.Run(ctx)

	// Periodic dedup sweep.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dedup.Sweep()
			}
		}
	}()

	server := gateway.NewServer(gateway.ServerDeps{
		Config:    rt.cfg,
		Catalog:   rt.catalog,
		Sessions:  rt.sessions,
		Channels:  chMgr,
		Loop:      rt.loop,
		Dispatch:  dispatcher,
		Publisher: rt.bus,
	})

	rt.hooks.Dispatch(ctx, hooks.EventGatewayStart, hooks.Payload{"version": Version})

	// SIGUSR1 reloads config; SIGINT/SIGTERM shut down.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for sig := range sigs {
			switch sig {
			case syscall.SIGUSR1:
				if err := rt.cfg.Reload(); err != nil {
					slog.Error("config reload failed", "error", err)
				} else {
					slog.Info("config reloaded")
				}
			default:
				slog.Info("shutting down", "signal", sig)
				cancel()
				return
			}
		}
	}()

	err = server.Start(ctx)
	rt.hooks.Dispatch(context.Background(), hooks.EventGatewayStop, hooks.Payload{})
	return err
}
