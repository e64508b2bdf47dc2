package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atriumhq/atrium/internal/agent"
	"github.com/atriumhq/atrium/internal/agent/providers"
	"github.com/atriumhq/atrium/internal/auth"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/dispatch"
	"github.com/atriumhq/atrium/internal/gateway"
	"github.com/atriumhq/atrium/internal/observability"
	"github.com/atriumhq/atrium/internal/pending"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Atrium gateway",
		Long: `Start the gateway with the configured identity provider, LLM provider,
and tool servers.

The gateway will:
1. Load configuration from the specified file
2. Start the revocation sync loop against Redis
3. Discover tools from every configured tool server
4. Serve /query, /confirm, /tools, /health and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with the dev config
  atrium serve --config examples/gateway.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gateway.yaml", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	verifier, err := buildVerifier(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	revocation := auth.NewSet(
		auth.NewRedisRevocationSource(redisClient, cfg.Revocation.KeyPrefix),
		cfg.Revocation.SyncInterval,
		*cfg.Revocation.FailOpen,
		logger,
		metrics,
	)
	syncCtx, syncCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := revocation.Sync(syncCtx); err != nil {
		// Check applies the fail-open policy to stale data; startup
		// proceeds either way so a Redis blip cannot keep the gateway down.
		logger.Warn(ctx, "initial revocation sync failed", "error", err)
	}
	syncCancel()
	go revocation.Run(ctx)

	store, err := buildPendingStore(cfg, redisClient)
	if err != nil {
		return err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize llm provider: %w", err)
	}

	registry := dispatch.NewRegistry(cfg.ToolServers, logger, metrics)
	if err := registry.Discover(ctx); err != nil {
		return fmt.Errorf("tool discovery failed: %w", err)
	}
	dispatcher := dispatch.NewClient(registry, cfg.Timeouts.ToolRead, cfg.Timeouts.ToolWrite, logger, metrics)

	server := gateway.New(cfg, verifier, revocation, registry, dispatcher, store, provider, logger, metrics)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info(context.Background(), "gateway stopped")
	return nil
}

// buildVerifier selects the token verifier from idp.mode: "jwks" for a
// real identity provider, "static" for the HS256 dev mode.
func buildVerifier(ctx context.Context, cfg *config.Config) (auth.Verifier, error) {
	switch cfg.IDP.Mode {
	case "jwks":
		return auth.NewJWKSVerifier(ctx, cfg.IDP.JWKSURL, cfg.IDP.Issuer, cfg.IDP.Audience, cfg.IDP.RefreshInterval)
	case "static":
		return auth.NewStaticVerifier(cfg.IDP.StaticSecret, cfg.IDP.Issuer, cfg.IDP.Audience)
	default:
		return nil, fmt.Errorf("unknown idp mode %q (want jwks or static)", cfg.IDP.Mode)
	}
}

func buildPendingStore(cfg *config.Config, client *redis.Client) (pending.Store, error) {
	switch cfg.Pending.Store {
	case "redis":
		return pending.NewRedisStore(client, cfg.Pending.TTL), nil
	case "memory":
		return pending.NewMemoryStore(cfg.Pending.TTL), nil
	default:
		return nil, fmt.Errorf("unknown pending store %q (want redis or memory)", cfg.Pending.Store)
	}
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			MaxRetries:   cfg.LLM.MaxRetries,
			RetryDelay:   cfg.LLM.RetryDelay,
			DefaultModel: cfg.LLM.Model,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			MaxRetries:   cfg.LLM.MaxRetries,
			RetryDelay:   cfg.LLM.RetryDelay,
			DefaultModel: cfg.LLM.Model,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q (want anthropic or openai)", cfg.LLM.Provider)
	}
}
