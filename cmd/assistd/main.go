// Assistd is a local-first assistant retrieval daemon.
//
// It serves memory search, unified memory and web search, privacy controls,
// budget accounting and chat preparation over HTTP on the loopback
// interface. The same binary also acts as a client for a running daemon.
//
// Usage:
//
//	# Start the daemon
//	assistd serve
//
//	# Query a running daemon
//	assistd search "what did I say about oat milk" --web
//	assistd budget totals
//	assistd privacy set --level local_only
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// serverURL is the base URL of a running daemon.
	serverURL string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "assistd",
	Short: "Local-first assistant retrieval daemon",
	Long: `assistd keeps conversation memory on this machine and grounds chat
prompts in it. Web search and remote summarization are opt-in and always
see redacted text.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "assistd by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/assistd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8765", "assistd server URL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(privacyCmd)
	rootCmd.AddCommand(versionCmd)
}
