// Alexandriad is the Neo Alexandria daemon: a personal knowledge base
// with hybrid search, a knowledge graph, and background enrichment.
//
// Configuration comes from an optional YAML file plus ALEXANDRIA_*
// environment variables. See internal/config for the full surface.
//
// Usage:
//
//	# Start with defaults (embedded store, in-memory dense index)
//	alexandriad serve
//
//	# Configure via file and environment
//	ALEXANDRIA_SERVER_PORT=9400 alexandriad serve --config alexandria.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/app"
	"github.com/neo-alexandria/alexandria/internal/config"
	"github.com/neo-alexandria/alexandria/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "alexandriad",
	Short:   "Neo Alexandria knowledge base daemon",
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and background workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

// runServe builds the application and blocks until SIGINT or SIGTERM.
func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "starting server",
			zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
			zap.Int("workers", cfg.Queue.Workers))
		errCh <- a.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info(context.Background(), "shutdown complete")
	return nil
}
