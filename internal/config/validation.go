package config

import (
	"fmt"
	"net/url"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
//
// Missing LLM credentials are not an error: the adapter starts unconfigured
// and /ready reports it.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		add("server.grpc_port", "port must be between 0 and 65535, got %d", c.Server.GRPCPort)
	} else if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		add("server.grpc_port", "grpc_port must differ from port %d", c.Server.Port)
	}
	if c.Server.RateLimitRPS < 0 {
		add("server.rate_limit_rps", "must not be negative, got %v", c.Server.RateLimitRPS)
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1 {
		add("server.rate_limit_burst", "burst must be at least 1 when rate limiting is enabled")
	}

	// Validate LLM configuration
	validProviders := map[string]bool{
		"openai": true,
		"ollama": true,
		"gemini": true,
		"custom": true,
		"none":   true,
	}
	if !validProviders[c.LLM.Provider] {
		add("llm.provider", "invalid provider '%s', must be one of: openai, ollama, gemini, custom, none", c.LLM.Provider)
	}
	if c.LLM.BaseURL != "" {
		if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("llm.base_url", "invalid URL %q", c.LLM.BaseURL)
		}
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature", "temperature must be between 0 and 2, got %v", c.LLM.Temperature)
	}
	if c.LLM.MaxTokens < 1 {
		add("llm.max_tokens", "max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}
	if c.LLM.MaxRetries < 0 || c.LLM.MaxRetries > 10 {
		add("llm.max_retries", "max_retries must be between 0 and 10, got %d", c.LLM.MaxRetries)
	}

	// Validate pipeline configuration
	if c.Pipeline.JudgeThreshold < 0 || c.Pipeline.JudgeThreshold > 100 {
		add("pipeline.judge_threshold", "must be between 0 and 100, got %d", c.Pipeline.JudgeThreshold)
	}
	if c.Pipeline.NeutralScore < 0 || c.Pipeline.NeutralScore > 100 {
		add("pipeline.neutral_score", "must be between 0 and 100, got %d", c.Pipeline.NeutralScore)
	}
	for field, d := range map[string]time.Duration{
		"pipeline.classify_timeout": c.Pipeline.ClassifyTimeout,
		"pipeline.generate_timeout": c.Pipeline.GenerateTimeout,
		"pipeline.judge_timeout":    c.Pipeline.JudgeTimeout,
		"pipeline.persist_timeout":  c.Pipeline.PersistTimeout,
		"pipeline.deadline":         c.Pipeline.Deadline,
	} {
		if d <= 0 {
			add(field, "must be a positive duration, got %s", d)
		}
	}
	if c.Pipeline.Deadline > 0 && c.Pipeline.Deadline < c.Pipeline.GenerateTimeout {
		add("pipeline.deadline", "deadline %s is shorter than generate_timeout %s", c.Pipeline.Deadline, c.Pipeline.GenerateTimeout)
	}

	// Validate analytics configuration
	if c.Analytics.DirectionEpsilon < 0 {
		add("analytics.direction_epsilon", "must not be negative, got %v", c.Analytics.DirectionEpsilon)
	}
	if c.Analytics.MoistureCritical >= c.Analytics.MoistureMin {
		add("analytics.moisture_critical", "must be below moisture_min (%v), got %v", c.Analytics.MoistureMin, c.Analytics.MoistureCritical)
	}
	if c.Analytics.PHMin < 0 || c.Analytics.PHMax > 14 || c.Analytics.PHMin >= c.Analytics.PHMax {
		add("analytics.ph_min", "need 0 <= ph_min < ph_max <= 14, got %v and %v", c.Analytics.PHMin, c.Analytics.PHMax)
	}

	// Validate database configuration
	if c.Database.SQLitePath == "" {
		add("database.sqlite_path", "sqlite_path is required")
	}
	if c.Database.RetentionDays < 1 {
		add("database.retention_days", "must be at least 1, got %d", c.Database.RetentionDays)
	}
	if c.Database.PurgeInterval < time.Minute {
		add("database.purge_interval", "must be at least 1m, got %s", c.Database.PurgeInterval)
	}

	// Validate redis configuration
	if c.Redis.Enabled {
		if u, err := url.Parse(c.Redis.URL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			add("redis.url", "expected a redis:// or rediss:// URL, got %q", c.Redis.URL)
		}
		if c.Redis.SnapshotTTL <= 0 {
			add("redis.snapshot_ttl", "must be a positive duration, got %s", c.Redis.SnapshotTTL)
		}
	}

	// Validate logging configuration
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[c.Logging.Format] {
		add("logging.format", "invalid format '%s', must be one of: json, text, console", c.Logging.Format)
	}
	if c.Logging.AuditFile == "" {
		add("logging.audit_file", "audit_file is required")
	}

	// Validate tracing configuration
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate", "must be between 0 and 1, got %v", c.Tracing.SamplingRate)
	}
	if c.Tracing.Endpoint != "" && c.Tracing.ServiceName == "" {
		add("tracing.service_name", "service_name is required when tracing is enabled")
	}

	return errs
}
