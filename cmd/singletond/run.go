package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/singletonkit/config"
	"github.com/vinayprograms/singletonkit/logging"
	"github.com/vinayprograms/singletonkit/node"
)

const shutdownTimeout = 30 * time.Second

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a singleton node in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runNode(cmd, cfg)
		},
	}
}

func runNode(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New()
	logger.SetOutput(cmd.OutOrStdout())
	level, _ := logging.ParseLevel(cfg.Log.Level)
	logger.SetLevel(level)

	n, err := node.New(ctx, *cfg, node.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	adminCtx, cancelAdmin := context.WithCancel(context.Background())
	defer cancelAdmin()
	if cfg.Admin.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Admin.Listen)
		if err != nil {
			n.Shutdown(context.Background())
			return fmt.Errorf("admin listen: %w", err)
		}
		go func() {
			if err := n.ServeAdmin(adminCtx, ln); err != nil {
				logger.Warn("admin_server_failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err = <-runErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := n.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = fmt.Errorf("shutdown: %w", serr)
	}
	return err
}
