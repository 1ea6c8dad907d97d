package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ai2ai-project/ai2ai-node/conversation"
	"github.com/ai2ai-project/ai2ai-node/envelope"
	"github.com/ai2ai-project/ai2ai-node/internal/logger"
	"github.com/ai2ai-project/ai2ai-node/orchestrator"
)

var (
	servePort     int
	serveEndpoint string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the node's ingress/egress pipeline and block until signalled",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config when non-zero)")
	serveCmd.Flags().StringVar(&serveEndpoint, "endpoint", "", "this node's publicly reachable submission URL")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewDefaultLogger()

	node, err := orchestrator.New(orchestrator.Config{
		Config:   cfg,
		Endpoint: serveEndpoint,
		Events: orchestrator.Events{
			OnMessage: func(env *envelope.Envelope) {
				log.Info("message received", logger.String("from", env.From.Agent), logger.String("type", string(env.Type)))
			},
			OnApprovalPending: func(a *conversation.Approval) {
				log.Info("approval pending", logger.String("id", a.ID), logger.String("intent", a.Envelope.Intent))
			},
		},
	})
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	if err := node.Start(servePort); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	log.Info("ai2ai node listening", logger.String("addr", node.Addr()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return node.Stop(shutdownCtx)
}
