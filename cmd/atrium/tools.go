package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/dispatch"
	"github.com/atriumhq/atrium/internal/observability"
)

func buildToolsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the tool roster discovered from the configured servers",
		Long: `Discover tools from every configured tool server and print the roster.

This is the same discovery pass the gateway runs at startup, so it doubles
as a connectivity check for the tool servers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gateway.yaml", "Path to YAML configuration file")
	return cmd
}

func runTools(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Logs go to stderr so the roster on stdout stays parseable.
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	metrics := observability.NewMetrics()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := dispatch.NewRegistry(cfg.ToolServers, logger, metrics)
	if err := registry.Discover(ctx); err != nil {
		return fmt.Errorf("tool discovery failed: %w", err)
	}

	return printRoster(cmd.OutOrStdout(), registry)
}

func printRoster(out io.Writer, registry *dispatch.Registry) error {
	tools := registry.Tools()
	if len(tools) == 0 {
		_, err := fmt.Fprintln(out, "No tools discovered.")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSERVER\tACCESS\tROLES")
	for _, desc := range tools {
		access := "read-only"
		if desc.Destructive {
			access = "destructive"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", desc.Name, desc.Server, access, strings.Join(desc.RequiredRoles, ", "))
	}
	return tw.Flush()
}
