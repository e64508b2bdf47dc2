// Package main is the CLI entry point for the Atrium tool servers.
//
// Each process hosts one domain's tools behind the shared tool-server
// framework:
//
//	atrium-tools serve --domain hr --config toolserver-hr.yaml
//
// The domains are hr (Postgres), finance (Postgres), sales (MongoDB), and
// support (SQLite with full-text search). Pass --seed to load sample data
// in development setups.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/observability"
	"github.com/atriumhq/atrium/internal/toolserver"
	"github.com/atriumhq/atrium/internal/toolserver/finance"
	"github.com/atriumhq/atrium/internal/toolserver/hr"
	"github.com/atriumhq/atrium/internal/toolserver/sales"
	"github.com/atriumhq/atrium/internal/toolserver/support"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "atrium-tools",
		Short:        "Atrium domain tool servers",
		Long:         "Hosts one domain's tools (hr, finance, sales, or support) behind the Atrium tool-server protocol.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		domain     string
		seed       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start one domain tool server",
		Example: `  # HR directory over Postgres
  atrium-tools serve --domain hr --config examples/toolserver-hr.yaml

  # Support tickets over SQLite, with sample data
  atrium-tools serve --domain support --config examples/toolserver-support.yaml --seed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, domain, seed)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "toolserver.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&domain, "domain", "", "Domain to host: hr, finance, sales, or support (defaults to server.name)")
	cmd.Flags().BoolVar(&seed, "seed", false, "Load sample data on startup (development only)")
	return cmd
}

func runServe(ctx context.Context, configPath, domain string, seed bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if domain == "" {
		domain = cfg.Server.Name
	}
	if domain == "" {
		return fmt.Errorf("no domain selected: pass --domain or set server.name")
	}
	// The server name doubles as the discovery identity, so the flag wins.
	cfg.Server.Name = domain

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	regs, closeStore, seedStore, err := buildDomain(ctx, domain, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", domain, err)
	}
	defer closeStore()

	if seed {
		if err := seedStore(ctx); err != nil {
			return fmt.Errorf("failed to seed %s store: %w", domain, err)
		}
		logger.Info(ctx, "sample data loaded", "domain", domain)
	}

	server, err := toolserver.New(cfg, regs, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize tool server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tool server: %w", err)
	}

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info(context.Background(), "tool server stopped")
	return nil
}

// buildDomain opens the selected domain's store and assembles its tool
// registrations. The returned closers outlive the server so in-flight
// requests keep their backend until the drain completes.
func buildDomain(ctx context.Context, domain string, cfg *config.Config) ([]toolserver.Registration, func(), func(context.Context) error, error) {
	switch domain {
	case "hr":
		store, err := hr.Open(cfg.Database)
		if err != nil {
			return nil, nil, nil, err
		}
		return hr.Tools(store, cfg.Pagination), func() { _ = store.Close() }, store.Seed, nil
	case "finance":
		store, err := finance.Open(cfg.Database)
		if err != nil {
			return nil, nil, nil, err
		}
		return finance.Tools(store, cfg.Pagination), func() { _ = store.Close() }, store.Seed, nil
	case "sales":
		store, err := sales.Open(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, nil, err
		}
		closer := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.Close(closeCtx)
		}
		return sales.Tools(store, cfg.Pagination), closer, store.Seed, nil
	case "support":
		store, err := support.Open(cfg.Sqlite)
		if err != nil {
			return nil, nil, nil, err
		}
		return support.Tools(store, cfg.Pagination), func() { _ = store.Close() }, store.Seed, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown domain %q (want hr, finance, sales, or support)", domain)
	}
}
