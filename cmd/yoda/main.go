// ABOUTME: Entry point for the yoda assistant runtime
// ABOUTME: Cobra commands to serve, chat with a running server, and probe the LLM

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/yoda/internal/config"
	"github.com/2389/yoda/internal/core"
	"github.com/2389/yoda/internal/llm"
)

// Version is set at build time.
var version = "dev"

const banner = `
                  _
  _   _  ___   __| | __ _
 | | | |/ _ \ / _' |/ _' |
 | |_| | (_) | (_| | (_| |
  \__, |\___/ \__,_|\__,_|
  |___/
`

var cfgFile string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "yoda",
		Short:         "Local assistant runtime with a TLS chat endpoint",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: $YODA_CONFIG or ~/.config/yoda/config.yaml)")

	root.AddCommand(newServeCmd(), newChatCmd(), newHealthCmd())
	return root
}

func loadConfig() (string, *config.Config, error) {
	path := config.ResolvePath(cfgFile)
	cfg, err := config.Load(path)
	if err != nil {
		return path, nil, fmt.Errorf("loading config: %w", err)
	}
	return path, cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the core runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, cfg, err := loadConfig()
			if err != nil {
				return err
			}

			printStartup(cmd.OutOrStdout(), path, cfg)
			logger := setupLogger(cfg.Logging)
			logger.Info("starting yoda", "config", path, "version", version)

			c, err := core.New(cfg, core.Deps{}, logger)
			if err != nil {
				return fmt.Errorf("creating core: %w", err)
			}
			return c.Run(cmd.Context())
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the LLM runtime health endpoint once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}

			h := llm.NewHealthCheck(llm.Config{
				BaseURL:        cfg.LLM.BaseURL,
				HealthPath:     cfg.LLM.HealthPath,
				RequestTimeout: cfg.LLM.RequestTimeout,
			}, nil, setupLogger(cfg.Logging))

			if err := h.Check(cmd.Context()); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}
