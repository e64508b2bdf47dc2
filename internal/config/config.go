package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Atrium. The gateway and
// the tool servers share one schema; each binary reads the sections it
// needs and ignores the rest.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Timeouts    TimeoutConfig    `yaml:"timeouts"`
	IDP         IDPConfig        `yaml:"idp"`
	LLM         LLMConfig        `yaml:"llm"`
	Redis       RedisConfig      `yaml:"redis"`
	Revocation  RevocationConfig `yaml:"revocation"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	CORS        CORSConfig       `yaml:"cors"`
	Pending     PendingConfig    `yaml:"pending"`
	ToolServers []ToolServerRef  `yaml:"tool_servers"`
	Database    DatabaseConfig   `yaml:"database"`
	Mongo       MongoConfig      `yaml:"mongo"`
	Sqlite      SqliteConfig     `yaml:"sqlite"`
	Pagination  PaginationConfig `yaml:"pagination"`
	Logging     LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Name         string        `yaml:"name"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TimeoutConfig holds the per-operation deadlines. ToolRead and ToolWrite
// bound a single tool-server round trip depending on whether the tool is
// destructive; RequestTotal bounds an entire /query stream including every
// LLM turn and tool call inside it.
type TimeoutConfig struct {
	ToolRead     time.Duration `yaml:"tool_read"`
	ToolWrite    time.Duration `yaml:"tool_write"`
	RequestTotal time.Duration `yaml:"request_total"`
}

// IDPConfig selects how bearer tokens are verified. Mode "jwks" fetches
// signing keys from the identity provider; mode "static" verifies against
// a shared HMAC secret and exists for development setups only.
type IDPConfig struct {
	Mode            string        `yaml:"mode"`
	Issuer          string        `yaml:"issuer"`
	Audience        string        `yaml:"audience"`
	JWKSURL         string        `yaml:"jwks_url"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	StaticSecret    string        `yaml:"static_secret"`
}

type LLMConfig struct {
	Provider   string        `yaml:"provider"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	MaxTokens  int           `yaml:"max_tokens"`
	MaxTurns   int           `yaml:"max_turns"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RevocationConfig controls the background sync of revoked session ids.
// FailOpen is a pointer so that an absent key defaults to true: a Redis
// outage degrades to trusting unexpired tokens rather than locking every
// caller out.
type RevocationConfig struct {
	SyncInterval time.Duration `yaml:"sync_interval"`
	FailOpen     *bool         `yaml:"fail_open"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

type RateLimitConfig struct {
	GeneralPerMinute int `yaml:"general_per_minute"`
	QueryPerMinute   int `yaml:"query_per_minute"`
}

type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// PendingConfig configures the pending-confirmation store. Store selects
// the backend: "redis" (default, required when more than one gateway
// instance runs) or "memory" for single-process development.
type PendingConfig struct {
	TTL   time.Duration `yaml:"ttl"`
	Store string        `yaml:"store"`
}

// ToolServerRef names one backend tool server the gateway discovers tools
// from at startup.
type ToolServerRef struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type SqliteConfig struct {
	Path string `yaml:"path"`
}

type PaginationConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. Environment variables are
// expanded before parsing, and unknown keys are rejected so typos fail at
// startup instead of silently falling back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	// Apply defaults
	applyDefaults(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8100
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 120 * time.Second
	}
	if cfg.Timeouts.ToolRead == 0 {
		cfg.Timeouts.ToolRead = 5 * time.Second
	}
	if cfg.Timeouts.ToolWrite == 0 {
		cfg.Timeouts.ToolWrite = 10 * time.Second
	}
	if cfg.Timeouts.RequestTotal == 0 {
		cfg.Timeouts.RequestTotal = 90 * time.Second
	}
	if cfg.IDP.Mode == "" {
		cfg.IDP.Mode = "jwks"
	}
	if cfg.IDP.RefreshInterval == 0 {
		cfg.IDP.RefreshInterval = 15 * time.Minute
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.MaxTurns == 0 {
		cfg.LLM.MaxTurns = 10
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.RetryDelay == 0 {
		cfg.LLM.RetryDelay = time.Second
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Revocation.SyncInterval == 0 {
		cfg.Revocation.SyncInterval = 2 * time.Second
	}
	if cfg.Revocation.FailOpen == nil {
		failOpen := true
		cfg.Revocation.FailOpen = &failOpen
	}
	if cfg.Revocation.KeyPrefix == "" {
		cfg.Revocation.KeyPrefix = "revoked:"
	}
	if cfg.RateLimit.GeneralPerMinute == 0 {
		cfg.RateLimit.GeneralPerMinute = 100
	}
	if cfg.RateLimit.QueryPerMinute == 0 {
		cfg.RateLimit.QueryPerMinute = 10
	}
	if cfg.Pending.TTL == 0 {
		cfg.Pending.TTL = 5 * time.Minute
	}
	if cfg.Pending.Store == "" {
		cfg.Pending.Store = "redis"
	}
	for i := range cfg.ToolServers {
		if cfg.ToolServers[i].Timeout == 0 {
			cfg.ToolServers[i].Timeout = 30 * time.Second
		}
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Pagination.DefaultLimit == 0 {
		cfg.Pagination.DefaultLimit = 50
	}
	if cfg.Pagination.MaxLimit == 0 {
		cfg.Pagination.MaxLimit = 50
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
