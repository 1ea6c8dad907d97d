package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ai2ai-project/ai2ai-node/dlq"
	"github.com/ai2ai-project/ai2ai-node/envelope"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and retry deliveries the delivery engine has given up on",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered deliveries",
	RunE:  runDLQList,
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Attempt exactly one redelivery of every dead-lettered entry",
	RunE:  runDLQRetry,
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
}

func openDLQ() (*dlq.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return dlq.Open(filepath.Join(cfg.DataDir, "dlq"))
}

func runDLQList(cmd *cobra.Command, args []string) error {
	store, err := openDLQ()
	if err != nil {
		return err
	}

	entries, err := store.List()
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("no dead-lettered entries")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  to=%s  endpoint=%s  attempts=%d  failedAt=%s  error=%s\n",
			e.ID, e.Envelope.To.Agent, e.Endpoint, e.Attempts, e.FailedAt.Format(time.RFC3339), e.Error)
	}
	return nil
}

func runDLQRetry(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := dlq.Open(filepath.Join(cfg.DataDir, "dlq"))
	if err != nil {
		return err
	}

	sender := newCLISender(cfg.Timeout)
	result, err := store.RetryAll(func(env *envelope.Envelope, endpoint string) error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		return sender.Send(ctx, env, endpoint)
	})
	if err != nil {
		return fmt.Errorf("retry dead letters: %w", err)
	}

	fmt.Printf("retried: %d succeeded, %d failed\n", result.Succeeded, result.Failed)
	return nil
}
