package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bashclaw/bashclaw/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronAddCmd(), cronListCmd(), cronRemoveCmd(), cronToggleCmd(true), cronToggleCmd(false))
	return cmd
}

func cronAddCmd() *cobra.Command {
	var (
		name    string
		agentID string
		prompt  string
		expr    string
		every   time.Duration
		at      string
		tz      string
		target  string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job (one of --cron, --every, --at)",
		RunE: func(*cobra.Command, []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			var sched cron.Schedule
			switch {
			case expr != "":
				sched = cron.Schedule{Kind: "cron", Expr: expr, Timezone: tz}
			case every > 0:
				sched = cron.Schedule{Kind: "every", EveryMs: every.Milliseconds()}
			case at != "":
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				sched = cron.Schedule{Kind: "at", AtMs: t.UnixMilli()}
			default:
				return fmt.Errorf("one of --cron, --every, --at is required")
			}

			if agentID == "" {
				agentID = rt.cfg.Current().ResolveDefaultAgentID()
			}
			job, err := rt.cron.Add(cron.Job{
				Name:          name,
				AgentID:       agentID,
				Enabled:       true,
				Prompt:        prompt,
				Schedule:      sched,
				SessionTarget: target,
			})
			if err != nil {
				return err
			}
			fmt.Println("added job", job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job label")
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "agent id")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt to run")
	cmd.Flags().StringVar(&expr, "cron", "", "5-field cron expression")
	cmd.Flags().DurationVar(&every, "every", 0, "fixed interval (e.g. 30m)")
	cmd.Flags().StringVar(&at, "at", "", "one-shot RFC3339 timestamp")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for --cron")
	cmd.Flags().StringVar(&target, "target", cron.TargetMain, "session target: main or isolated")
	cmd.MarkFlagRequired("prompt")
	return cmd
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs with next-run times",
		RunE: func(*cobra.Command, []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			jobs, err := rt.cron.List()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			for _, j := range jobs {
				next := "-"
				if j.NextRunAt > 0 {
					next = time.UnixMilli(j.NextRunAt).Format("2006-01-02 15:04")
				}
				status := "enabled"
				if !j.Enabled {
					status = "disabled"
				}
				label := j.Name
				if label == "" {
					label = j.ID
				}
				fmt.Printf("%-36s %-10s next=%-17s last=%s failures=%d\n",
					label, status, next, j.LastStatus, j.FailureCount)
			}
			return nil
		},
	}
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.cron.Remove(args[0])
		},
	}
}

func cronToggleCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable a job"
	if !enable {
		use, short = "disable <id>", "Disable a job"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			_, err = rt.cron.Update(args[0], func(j *cron.Job) {
				j.Enabled = enable
				if enable {
					j.FailureCount = 0
					j.BackoffUntil = 0
				}
			})
			return err
		},
	}
}
