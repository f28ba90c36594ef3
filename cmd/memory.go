package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bashclaw/bashclaw/internal/memory"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit the agent memory store",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all memory entries",
			RunE: func(*cobra.Command, []string) error {
				rt, err := buildRuntime()
				if err != nil {
					return err
				}
				defer rt.close()
				entries, err := rt.memory.List()
				if err != nil {
					return err
				}
				for _, e := range entries {
					printMemoryEntry(e)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Show one memory entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				rt, err := buildRuntime()
				if err != nil {
					return err
				}
				defer rt.close()
				e, err := rt.memory.Get(args[0])
				if err != nil {
					return err
				}
				printMemoryEntry(e)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store a memory entry",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				rt, err := buildRuntime()
				if err != nil {
					return err
				}
				defer rt.close()
				return rt.memory.Set(args[0], strings.Join(args[1:], " "), "cli", nil)
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Delete a memory entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				rt, err := buildRuntime()
				if err != nil {
					return err
				}
				defer rt.close()
				return rt.memory.Delete(args[0])
			},
		},
		&cobra.Command{
			Use:   "search <query>",
			Short: "Keyword-search memory entries",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				rt, err := buildRuntime()
				if err != nil {
					return err
				}
				defer rt.close()
				matches, err := rt.memory.Search(strings.Join(args, " "), 10)
				if err != nil {
					return err
				}
				if len(matches) == 0 {
					fmt.Println("no matches")
					return nil
				}
				for _, m := range matches {
					fmt.Printf("%.2f  ", m.Score)
					printMemoryEntry(m.Entry)
				}
				return nil
			},
		},
	)
	return cmd
}

func printMemoryEntry(e memory.Entry) {
	updated := time.UnixMilli(e.UpdatedAt).Format("2006-01-02")
	value := e.Value
	if len(value) > 120 {
		value = value[:120] + "…"
	}
	fmt.Printf("%-24s %s  (%s)\n", e.Key, value, updated)
}
