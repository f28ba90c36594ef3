package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bashclaw/bashclaw/internal/hooks"
)

func hooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Inspect configured hooks",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered hooks in execution order",
			RunE: func(*cobra.Command, []string) error {
				rt, err := buildRuntime()
				if err != nil {
					return err
				}
				defer rt.close()
				list := rt.hooks.List("")
				if len(list) == 0 {
					fmt.Println("no hooks registered")
					return nil
				}
				for _, h := range list {
					state := "enabled"
					if !h.Enabled {
						state = "disabled"
					}
					strategy := h.Strategy
					if strategy == "" {
						strategy = hooks.DefaultStrategy(h.Event)
					}
					fmt.Printf("%-24s event=%-20s priority=%-4d strategy=%-10s %s (%s)\n",
						h.Name, h.Event, h.Priority, strategy, state, h.Source)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "events",
			Short: "List supported hook events",
			Run: func(*cobra.Command, []string) {
				for _, ev := range []string{
					hooks.EventPreMessage, hooks.EventPostMessage, hooks.EventMessageReceived,
					hooks.EventMessageSending, hooks.EventMessageSent,
					hooks.EventPreTool, hooks.EventPostTool, hooks.EventToolResultPersist,
					hooks.EventSessionStart, hooks.EventSessionEnd, hooks.EventOnSessionReset,
					hooks.EventBeforeCompaction, hooks.EventAfterCompaction,
					hooks.EventBeforeAgentStart, hooks.EventAgentEnd,
					hooks.EventGatewayStart, hooks.EventGatewayStop, hooks.EventOnError,
				} {
					fmt.Printf("%-22s %s\n", ev, hooks.DefaultStrategy(ev))
				}
			},
		},
	)
	return cmd
}
