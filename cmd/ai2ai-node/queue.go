package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ai2ai-project/ai2ai-node/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the persistent outbound delivery queue",
}

var queueInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List every entry currently tracked by the persistent queue",
	RunE:  runQueueInspect,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueInspectCmd)
}

func runQueueInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue"))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	entries := q.List()
	if len(entries) == 0 {
		fmt.Println("queue is empty")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  status=%s  to=%s  endpoint=%s  attempts=%d  priority=%d\n",
			e.ID, e.Status, e.Envelope.To.Agent, e.Endpoint, e.Attempts, e.Priority)
	}
	return nil
}
