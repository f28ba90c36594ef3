// Package cmd is the bashclaw CLI.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bashclaw/bashclaw/internal/gateway"
)

// Version is set at build time via
// -ldflags "-X github.com/bashclaw/bashclaw/cmd.Version=v1.2.3".
var Version = "dev"

var (
	cfgFile   string
	stateRoot string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "bashclaw",
	Short: "BashClaw, an always-on conversational agent runtime",
	Long: "BashClaw runs AI agents as a long-lived process: messages come in from\n" +
		"Telegram, Discord, Slack, the REST gateway, or the local CLI, get routed\n" +
		"to an agent, and drive a tool-calling conversation loop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: bashclaw.json under the state root)")
	rootCmd.PersistentFlags().StringVar(&stateRoot, "state-root", "", "writable state directory (default: ~/.bashclaw)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(hooksCmd())
	rootCmd.AddCommand(pairingCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("bashclaw %s\n", Version)
		},
	}
}

// loadDotenv pulls .env from the working directory and the state root;
// missing files are fine.
func loadDotenv(rootDir string) {
	godotenv.Load()
	if rootDir != "" {
		godotenv.Load(filepath.Join(rootDir, ".env"))
	}
}

func resolveConfigPath(rootDir string) string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("BASHCLAW_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(rootDir, "bashclaw.json")
}

// Execute runs the root command.
func Execute() {
	gateway.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
