package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bashclaw/bashclaw/internal/agent"
	"github.com/bashclaw/bashclaw/internal/logging"
	"github.com/bashclaw/bashclaw/internal/sessions"
)

func agentCmd() *cobra.Command {
	var (
		message     string
		interactive bool
		agentID     string
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Talk to an agent from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" && !interactive {
				return fmt.Errorf("pass -m <message> or -i for interactive mode")
			}
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			if _, err := logging.Setup(verbose, ""); err != nil {
				return err
			}

			cfg := rt.cfg.Current()
			if agentID == "" {
				agentID = cfg.ResolveDefaultAgentID()
			}
			key := sessions.BuildMainKey(agentID, cfg.Session.MainKey)

			ask := func(text string) error {
				reply, err := rt.loop.Run(cmd.Context(), agent.Request{
					AgentID:    agentID,
					SessionKey: key,
					Message:    text,
					Channel:    "cli",
					Sender:     "local",
				})
				if err != nil {
					return err
				}
				if reply != "" && !agent.IsSilent(reply) {
					fmt.Println(reply)
				}
				return nil
			}

			if message != "" {
				if err := ask(message); err != nil {
					return err
				}
			}
			if !interactive {
				return nil
			}

			fmt.Printf("interactive session with %s (blank line or ctrl-d to exit)\n", agentID)
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					return nil
				}
				if err := ask(line); err != nil {
					fmt.Fprintln(os.Stderr, "error:", err)
				}
			}
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "interactive REPL")
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "agent id (default: configured default agent)")
	return cmd
}
