package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bashclaw/bashclaw/internal/state"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage session logs",
	}
	cmd.AddCommand(sessionListCmd(), sessionShowCmd(), sessionClearCmd(), sessionDeleteCmd(), sessionExportCmd())
	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions with token and compaction counters",
		RunE: func(*cobra.Command, []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			keys, err := rt.sessions.List()
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, k := range keys {
				meta, err := rt.sessions.Meta(k)
				if err != nil {
					fmt.Printf("%s\n", k)
					continue
				}
				key := meta.SessionID
				if key == "" {
					key = k
				}
				updated := "-"
				if meta.UpdatedAt > 0 {
					updated = time.UnixMilli(meta.UpdatedAt).Format("2006-01-02 15:04")
				}
				fmt.Printf("%-50s tokens=%-8d compactions=%-3d updated=%s\n",
					key, meta.TotalTokens, meta.CompactionCount, updated)
			}
			return nil
		},
	}
}

func sessionShowCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			history, err := rt.sessions.History(args[0], limit)
			if err != nil {
				return err
			}
			for _, e := range history {
				ts := time.UnixMilli(e.TS).Format("15:04:05")
				label := string(e.Role)
				if e.ToolName != "" {
					label = fmt.Sprintf("%s(%s)", e.Type, e.ToolName)
				}
				fmt.Printf("[%s] %-20s %s\n", ts, label, e.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the newest N entries")
	return cmd
}

func sessionClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <key>",
		Short: "Truncate a session's history, keeping the key",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.sessions.Clear(args[0]); err != nil {
				return err
			}
			fmt.Println("cleared", args[0])
			return nil
		},
	}
}

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a session log and its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.sessions.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}

func sessionExportCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export <key>",
		Short: "Export a session transcript and metadata to a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			key := args[0]
			history, err := rt.sessions.History(key, 0)
			if err != nil {
				return err
			}
			meta, err := rt.sessions.Meta(key)
			if err != nil {
				return err
			}

			dir := outDir
			if dir == "" {
				dir = "session-" + state.SafeKey(key)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}

			logFile, err := os.Create(filepath.Join(dir, "session.jsonl"))
			if err != nil {
				return err
			}
			defer logFile.Close()
			enc := json.NewEncoder(logFile)
			for _, e := range history {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}

			metaRaw, err := json.MarshalIndent(meta, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(dir, "meta.json"), metaRaw, 0o644); err != nil {
				return err
			}
			fmt.Printf("exported %d entries to %s\n", len(history), dir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default: session-<key>)")
	return cmd
}
