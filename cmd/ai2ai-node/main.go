package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ai2ai-node",
	Short: "ai2ai node CLI - run and operate a decentralized agent-to-agent messaging node",
	Long: `ai2ai-node runs and operates one node of the ai2ai protocol: key
management, starting the ingress/egress/delivery pipeline, and inspecting
the persistent queue and dead letter store.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (yaml or json); defaults applied when omitted")

	// Note: subcommands are registered in their respective files.
	// - serve.go: serveCmd
	// - keys.go: keysCmd (show, rotate)
	// - dlq.go: dlqCmd (list, retry)
	// - queue.go: queueCmd (inspect)
}
