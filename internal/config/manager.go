package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FARMADVISOR"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	mu         sync.RWMutex
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	v := viper.New()
	v.SetConfigFile(m.configPath)
	v.SetConfigType("yaml")

	// Set environment variable prefix
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Try to read config file (optional)
	if err := readConfigFile(v); err != nil {
		return err
	}

	m.mu.Lock()
	m.viper = v
	m.mu.Unlock()

	return m.refresh()
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		// Combine all errors into a single error message
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads. A reloaded config
// that fails validation is not published.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.mu.RLock()
	v := m.viper
	m.mu.RUnlock()
	if v == nil {
		return m.watchChan
	}

	m.watchOnce.Do(func() {
		v.OnConfigChange(func(e fsnotify.Event) {
			if ctx.Err() != nil {
				return
			}
			if err := m.refresh(); err != nil {
				return
			}
			cfg := m.Get(ctx)
			if len(cfg.Validate()) > 0 {
				return
			}
			select {
			case m.watchChan <- *cfg:
			default:
				// Channel full, skip this update
			}
		})
		v.WatchConfig()
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	m.mu.RLock()
	v := m.viper
	m.mu.RUnlock()
	if v == nil {
		return m.Load(ctx)
	}
	if err := readConfigFile(v); err != nil {
		return err
	}
	return m.refresh()
}

func readConfigFile(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	// A missing file is fine; defaults and env vars still apply.
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// refresh rebuilds the Config from viper and swaps it in.
func (m *viperConfigManager) refresh() error {
	m.mu.RLock()
	v := m.viper
	m.mu.RUnlock()

	cfg, err := unmarshalConfig(v)
	if err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	applyEnvOverrides(cfg)

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// setDefaults sets default values in viper.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server defaults
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.grpc_port", d.Server.GRPCPort)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.api_key", d.Server.APIKey)
	v.SetDefault("server.rate_limit_rps", d.Server.RateLimitRPS)
	v.SetDefault("server.rate_limit_burst", d.Server.RateLimitBurst)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	// LLM defaults
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.max_retries", d.LLM.MaxRetries)
	v.SetDefault("llm.breaker_failures", d.LLM.BreakerFailures)
	v.SetDefault("llm.breaker_cooldown", d.LLM.BreakerCooldown)
	v.SetDefault("llm.requests_per_second", d.LLM.RequestsPerSecond)

	// Pipeline defaults
	v.SetDefault("pipeline.judge_threshold", d.Pipeline.JudgeThreshold)
	v.SetDefault("pipeline.neutral_score", d.Pipeline.NeutralScore)
	v.SetDefault("pipeline.classify_timeout", d.Pipeline.ClassifyTimeout)
	v.SetDefault("pipeline.generate_timeout", d.Pipeline.GenerateTimeout)
	v.SetDefault("pipeline.judge_timeout", d.Pipeline.JudgeTimeout)
	v.SetDefault("pipeline.persist_timeout", d.Pipeline.PersistTimeout)
	v.SetDefault("pipeline.deadline", d.Pipeline.Deadline)

	// Analytics defaults
	v.SetDefault("analytics.direction_epsilon", d.Analytics.DirectionEpsilon)
	v.SetDefault("analytics.moisture_min", d.Analytics.MoistureMin)
	v.SetDefault("analytics.moisture_critical", d.Analytics.MoistureCritical)
	v.SetDefault("analytics.ph_min", d.Analytics.PHMin)
	v.SetDefault("analytics.ph_max", d.Analytics.PHMax)

	// Database defaults
	v.SetDefault("database.sqlite_path", d.Database.SQLitePath)
	v.SetDefault("database.retention_days", d.Database.RetentionDays)
	v.SetDefault("database.purge_interval", d.Database.PurgeInterval)

	// Redis defaults
	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.url", d.Redis.URL)
	v.SetDefault("redis.snapshot_ttl", d.Redis.SnapshotTTL)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.audit_file", d.Logging.AuditFile)

	// Tracing defaults
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.sampling_rate", d.Tracing.SamplingRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// unmarshalConfig reads viper values into a Config struct.
func unmarshalConfig(v *viper.Viper) (*Config, error) {
	if v == nil {
		return nil, errors.New("config not loaded")
	}
	cfg := &Config{}

	// Server
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.GRPCPort = v.GetInt("server.grpc_port")
	cfg.Server.AllowedOrigins = splitList(v.GetStringSlice("server.allowed_origins"))
	cfg.Server.APIKey = v.GetString("server.api_key")
	cfg.Server.RateLimitRPS = v.GetFloat64("server.rate_limit_rps")
	cfg.Server.RateLimitBurst = v.GetInt("server.rate_limit_burst")
	cfg.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")

	// LLM
	cfg.LLM.Provider = strings.ToLower(v.GetString("llm.provider"))
	cfg.LLM.APIKey = v.GetString("llm.api_key")
	cfg.LLM.Model = v.GetString("llm.model")
	cfg.LLM.BaseURL = v.GetString("llm.base_url")
	cfg.LLM.Temperature = v.GetFloat64("llm.temperature")
	cfg.LLM.MaxTokens = v.GetInt("llm.max_tokens")
	cfg.LLM.MaxRetries = v.GetInt("llm.max_retries")
	cfg.LLM.BreakerFailures = v.GetInt("llm.breaker_failures")
	cfg.LLM.BreakerCooldown = v.GetDuration("llm.breaker_cooldown")
	cfg.LLM.RequestsPerSecond = v.GetFloat64("llm.requests_per_second")

	// Pipeline
	cfg.Pipeline.JudgeThreshold = v.GetInt("pipeline.judge_threshold")
	cfg.Pipeline.NeutralScore = v.GetInt("pipeline.neutral_score")
	cfg.Pipeline.ClassifyTimeout = v.GetDuration("pipeline.classify_timeout")
	cfg.Pipeline.GenerateTimeout = v.GetDuration("pipeline.generate_timeout")
	cfg.Pipeline.JudgeTimeout = v.GetDuration("pipeline.judge_timeout")
	cfg.Pipeline.PersistTimeout = v.GetDuration("pipeline.persist_timeout")
	cfg.Pipeline.Deadline = v.GetDuration("pipeline.deadline")

	// Analytics
	cfg.Analytics.DirectionEpsilon = v.GetFloat64("analytics.direction_epsilon")
	cfg.Analytics.MoistureMin = v.GetFloat64("analytics.moisture_min")
	cfg.Analytics.MoistureCritical = v.GetFloat64("analytics.moisture_critical")
	cfg.Analytics.PHMin = v.GetFloat64("analytics.ph_min")
	cfg.Analytics.PHMax = v.GetFloat64("analytics.ph_max")

	// Database
	cfg.Database.SQLitePath = v.GetString("database.sqlite_path")
	cfg.Database.RetentionDays = v.GetInt("database.retention_days")
	cfg.Database.PurgeInterval = v.GetDuration("database.purge_interval")

	// Redis
	cfg.Redis.Enabled = v.GetBool("redis.enabled")
	cfg.Redis.URL = v.GetString("redis.url")
	cfg.Redis.SnapshotTTL = v.GetDuration("redis.snapshot_ttl")

	// Logging
	cfg.Logging.Level = strings.ToLower(v.GetString("logging.level"))
	cfg.Logging.Format = strings.ToLower(v.GetString("logging.format"))
	cfg.Logging.File = v.GetString("logging.file")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = v.GetInt("logging.max_age_days")
	cfg.Logging.AuditFile = v.GetString("logging.audit_file")

	// Tracing
	cfg.Tracing.Endpoint = v.GetString("tracing.endpoint")
	cfg.Tracing.SamplingRate = v.GetFloat64("tracing.sampling_rate")
	cfg.Tracing.ServiceName = v.GetString("tracing.service_name")

	return cfg, nil
}

// applyEnvOverrides applies the well-known secret variables. They only fill
// the provider they belong to, so OPENAI_API_KEY never leaks to Gemini.
func applyEnvOverrides(cfg *Config) {
	switch cfg.LLM.Provider {
	case "openai", "custom":
		if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = apiKey
		}
	case "gemini":
		if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" && cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = apiKey
		}
	case "ollama":
		if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
			cfg.LLM.BaseURL = baseURL
		}
	}

	// REDIS_URL both points at and enables the cache.
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
		cfg.Redis.Enabled = true
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv(EnvPrefix + "_PORT"); portEnv != "" {
		if port, err := strconv.Atoi(portEnv); err == nil {
			cfg.Server.Port = port
		}
	}
}

// splitList accepts both YAML lists and a comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
