// Package main is the CLI entry point for the Atrium gateway.
//
// Atrium sits between enterprise users and their internal systems: it
// verifies bearer tokens, streams LLM answers over SSE, and brokers tool
// calls to the domain tool servers with role-based allow-lists and
// confirmation gates on destructive actions.
//
// # Basic Usage
//
// Start the gateway:
//
//	atrium serve --config gateway.yaml
//
// Print the tool roster discovered from the configured servers:
//
//	atrium tools --config gateway.yaml
//
// # Environment Variables
//
// Configuration values may reference environment variables; the usual ones
// are:
//
//   - ATRIUM_LLM_API_KEY: key for the configured LLM provider
//   - ATRIUM_IDP_SECRET: HMAC secret for static identity mode (dev only)
//   - ATRIUM_REDIS_PASSWORD: Redis password, when Redis requires one
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Bootstrap logging before config is read; serve swaps in the
	// configured logger once it has one.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "atrium",
		Short: "Atrium - role-aware LLM gateway for enterprise data",
		Long: `Atrium answers natural-language questions over internal systems.

It authenticates callers, computes their role-based tool allow-list,
streams LLM responses over SSE, and requires explicit confirmation
before any destructive tool runs.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "atrium %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}
