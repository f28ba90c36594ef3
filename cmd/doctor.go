package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/bashclaw/bashclaw/internal/config"
	"github.com/bashclaw/bashclaw/internal/state"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(*cobra.Command, []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("bashclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
	fmt.Printf("  Go:       %s\n", goruntime.Version())
	fmt.Println()

	root := state.NewRoot(resolveStateRoot())
	loadDotenv(root.Dir())

	fmt.Printf("  State root: %s", root.Dir())
	if err := root.EnsureTree(); err != nil {
		fmt.Printf(" (NOT WRITABLE: %v)\n", err)
		return
	}
	probe := filepath.Join(root.Dir(), ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		fmt.Printf(" (NOT WRITABLE: %v)\n", err)
	} else {
		os.Remove(probe)
		fmt.Println(" (OK)")
	}

	cfgPath := resolveConfigPath(root.Dir())
	fmt.Printf("  Config:     %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (missing, defaults in effect)")
	} else if cfg, err := config.Load(cfgPath); err != nil {
		fmt.Printf(" (INVALID: %v)\n", err)
		return
	} else if err := cfg.Validate(); err != nil {
		fmt.Printf(" (INVALID: %v)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Provider keys:")
	for _, env := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY", "BRAVE_API_KEY", "PERPLEXITY_API_KEY"} {
		status := "not set"
		if os.Getenv(env) != "" {
			status = "set"
		}
		fmt.Printf("    %-22s %s\n", env, status)
	}

	fmt.Println()
	stale := countStaleLocks(root, 2*time.Hour)
	if stale > 0 {
		fmt.Printf("  Stale locks: %d (a gateway restart will reap them)\n", stale)
	} else {
		fmt.Println("  Stale locks: none")
	}
}

// countStaleLocks reports lock and lane-slot files older than maxAge.
func countStaleLocks(root *state.Root, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	count := 0
	for _, dir := range []string{root.SessionLocks(), filepath.Join(root.Dir(), "queue", "global_lanes")} {
		filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if info, err := d.Info(); err == nil && info.ModTime().Before(cutoff) {
				count++
			}
			return nil
		})
	}
	return count
}
