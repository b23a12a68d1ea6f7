package config

import (
	"context"
	"time"
)

// Package config provides configuration management for the farm advisor.
//
// Configuration Sources (priority order, high to low):
//  1. Environment variables (FARMADVISOR_* prefix, "." replaced by "_",
//     e.g. FARMADVISOR_PIPELINE_JUDGE_THRESHOLD)
//  2. Well-known secret variables (OPENAI_API_KEY, GEMINI_API_KEY,
//     OLLAMA_BASE_URL, REDIS_URL, FARMADVISOR_PORT)
//  3. YAML config file (optional, default ./config.yaml)
//  4. Built-in defaults (lowest priority)
//
// A .env file is loaded into the environment by the command before Load.
//
// Main Configuration Sections:
//
//  1. Server: HTTP and gRPC health listeners, CORS, API key, rate limit
//  2. LLM: provider selection, model, sampling and resilience settings
//  3. Pipeline: quality gate, per-call timeouts, overall deadline
//  4. Analytics: trend epsilon and domain rule thresholds
//  5. Database: SQLite path and conversation retention
//  6. Redis: optional latest-snapshot cache
//  7. Logging: application log and audit log
//  8. Tracing: OTLP endpoint and sampling

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host     string
		Port     int
		GRPCPort int // gRPC health service; 0 disables it
		// AllowedOrigins is the CORS and WebSocket origin allow list.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins  []string
		APIKey          string // when set, /api and /ws require X-API-Key
		RateLimitRPS    float64
		RateLimitBurst  int
		ShutdownTimeout time.Duration
	}

	// LLM provider configuration
	LLM struct {
		Provider          string // openai | ollama | gemini | custom | none
		APIKey            string
		Model             string
		BaseURL           string
		Temperature       float64
		MaxTokens         int
		MaxRetries        int
		BreakerFailures   int
		BreakerCooldown   time.Duration
		RequestsPerSecond float64
	}

	// Pipeline configuration
	Pipeline struct {
		JudgeThreshold  int // minimum score that approves an answer
		NeutralScore    int // score used when the judge is unavailable
		ClassifyTimeout time.Duration
		GenerateTimeout time.Duration
		JudgeTimeout    time.Duration
		PersistTimeout  time.Duration
		Deadline        time.Duration
	}

	// Analytics configuration
	Analytics struct {
		DirectionEpsilon float64
		MoistureMin      float64
		MoistureCritical float64
		PHMin            float64
		PHMax            float64
	}

	// Database configuration
	Database struct {
		SQLitePath    string
		RetentionDays int
		PurgeInterval time.Duration
	}

	// Redis snapshot cache configuration
	Redis struct {
		Enabled     bool
		URL         string
		SnapshotTTL time.Duration
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		AuditFile  string
	}

	// Tracing configuration
	Tracing struct {
		Endpoint     string // OTLP/HTTP host:port; empty disables tracing
		SamplingRate float64
		ServiceName  string
	}
}

// Retention returns how long conversation records are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Database.RetentionDays) * 24 * time.Hour
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and sends each successfully reloaded
	// configuration. Updates are dropped while the previous one is unread.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// DefaultConfigPath is used when no path is given.
const DefaultConfigPath = "config.yaml"

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}
