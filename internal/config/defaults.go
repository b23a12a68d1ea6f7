package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.GRPCPort = 9090
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.APIKey = ""
	cfg.Server.RateLimitRPS = 10
	cfg.Server.RateLimitBurst = 20
	cfg.Server.ShutdownTimeout = 15 * time.Second

	// LLM defaults
	cfg.LLM.Provider = "none"
	cfg.LLM.Model = ""
	cfg.LLM.BaseURL = ""
	cfg.LLM.Temperature = 0.3
	cfg.LLM.MaxTokens = 1024
	cfg.LLM.MaxRetries = 2
	cfg.LLM.BreakerFailures = 5
	cfg.LLM.BreakerCooldown = 30 * time.Second
	cfg.LLM.RequestsPerSecond = 5

	// Pipeline defaults
	cfg.Pipeline.JudgeThreshold = 85
	cfg.Pipeline.NeutralScore = 75
	cfg.Pipeline.ClassifyTimeout = 15 * time.Second
	cfg.Pipeline.GenerateTimeout = 45 * time.Second
	cfg.Pipeline.JudgeTimeout = 20 * time.Second
	cfg.Pipeline.PersistTimeout = 5 * time.Second
	cfg.Pipeline.Deadline = 2 * time.Minute

	// Analytics defaults
	cfg.Analytics.DirectionEpsilon = 0.01
	cfg.Analytics.MoistureMin = 40
	cfg.Analytics.MoistureCritical = 30
	cfg.Analytics.PHMin = 6.0
	cfg.Analytics.PHMax = 7.5

	// Database defaults
	cfg.Database.SQLitePath = "data/farm-advisor.db"
	cfg.Database.RetentionDays = 30
	cfg.Database.PurgeInterval = time.Hour

	// Redis defaults
	cfg.Redis.Enabled = false
	cfg.Redis.URL = "redis://localhost:6379/0"
	cfg.Redis.SnapshotTTL = 15 * time.Minute

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.AuditFile = "logs/audit.log"

	// Tracing defaults
	cfg.Tracing.Endpoint = ""
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.ServiceName = "farm-advisor"

	return cfg
}
