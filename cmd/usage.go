package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func usageCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize token usage per agent and model",
		RunE: func(*cobra.Command, []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			var cutoff time.Time
			if since > 0 {
				cutoff = time.Now().Add(-since)
			}
			rollups, err := rt.usage.Report(cutoff)
			if err != nil {
				return err
			}
			if len(rollups) == 0 {
				fmt.Println("no usage recorded")
				return nil
			}
			fmt.Printf("%-12s %-28s %8s %12s %12s\n", "AGENT", "MODEL", "TURNS", "IN", "OUT")
			for _, r := range rollups {
				fmt.Printf("%-12s %-28s %8d %12d %12d\n",
					r.AgentID, r.Model, r.Turns, r.InputTokens, r.OutputTokens)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only count records newer than this (e.g. 24h)")
	return cmd
}
