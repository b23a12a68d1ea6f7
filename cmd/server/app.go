package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/shivangiamit/hackathon/internal/analytics/anomaly"
	"github.com/shivangiamit/hackathon/internal/audit"
	"github.com/shivangiamit/hackathon/internal/cache"
	"github.com/shivangiamit/hackathon/internal/config"
	"github.com/shivangiamit/hackathon/internal/db"
	"github.com/shivangiamit/hackathon/internal/llm/adapter"
	"github.com/shivangiamit/hackathon/internal/logger"
	"github.com/shivangiamit/hackathon/internal/memory"
	"github.com/shivangiamit/hackathon/internal/reasoning/agents"
	ctxbuilder "github.com/shivangiamit/hackathon/internal/reasoning/context"
	"github.com/shivangiamit/hackathon/internal/reasoning/engine"
	"github.com/shivangiamit/hackathon/internal/reasoning/prompt"
)

// app holds every component built from one configuration.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	audit   audit.Logger
	store   db.Store
	cache   cache.SnapshotCache
	llm     adapter.LLMAdapter
	learner *memory.Learner
	engine  *engine.Engine
	janitor *memory.Janitor

	closers []func() error
}

// loadConfig loads and validates the configuration at path.
func loadConfig(ctx context.Context, path string) (config.ConfigManager, *config.Config, error) {
	mgr, err := config.NewConfigManager(path)
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, err
	}
	return mgr, mgr.Get(ctx), nil
}

// newApp wires the pipeline. Console logs go to logOut.
func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.log, err = a.buildLogger(logOut)
	if err != nil {
		return nil, err
	}

	a.audit, err = audit.NewLogger(&audit.Config{
		AuditLogPath: cfg.Logging.AuditFile,
		MaxSize:      cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAge:       cfg.Logging.MaxAgeDays,
		Compress:     true,
	}, a.log)
	if err != nil {
		return nil, fmt.Errorf("create audit logger: %w", err)
	}
	a.closers = append(a.closers, a.audit.Close)

	a.store, err = db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	a.cache, err = buildCache(cfg, a.log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.cache.Close)

	a.llm, err = adapter.NewLLMAdapter(ctx, adapterConfig(cfg), a.log)
	if err != nil {
		return nil, fmt.Errorf("create LLM adapter: %w", err)
	}
	if !a.llm.IsConfigured() {
		a.log.Warn("no LLM configured; queries will fail until credentials are provided",
			zap.String("provider", string(a.llm.Provider())))
	}

	prompts := prompt.NewManager()
	provider := string(a.llm.Provider())

	a.learner = memory.NewLearner(a.store, a.audit, a.log.Named("memory"))
	a.engine = engine.New(engine.Deps{
		Builder: ctxbuilder.NewBuilder(a.store, a.log.Named("context"),
			ctxbuilder.WithThresholds(thresholds(cfg)),
			ctxbuilder.WithEpsilon(cfg.Analytics.DirectionEpsilon),
		),
		Classifier: agents.NewClassifier(a.llm, prompts, provider),
		Generator:  agents.NewGenerator(a.llm, prompts, provider, cfg.LLM.Temperature),
		Judge:      agents.NewJudge(a.llm, prompts, provider),
		Persister:  a.learner,
		Logger:     a.log,
		Audit:      a.audit,
	}, engineConfig(cfg))
	a.janitor = memory.NewJanitor(a.store, cfg.Database.PurgeInterval, a.audit, a.log.Named("retention"))

	return a, nil
}

func (a *app) buildLogger(out io.Writer) (*zap.Logger, error) {
	lc := logger.Config{
		Level:      a.cfg.Logging.Level,
		Format:     a.cfg.Logging.Format,
		File:       a.cfg.Logging.File,
		MaxSizeMB:  a.cfg.Logging.MaxSizeMB,
		MaxBackups: a.cfg.Logging.MaxBackups,
		MaxAgeDays: a.cfg.Logging.MaxAgeDays,
	}
	log, closeFn, err := logger.NewWithWriter(lc, out)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	a.closers = append(a.closers, closeFn)
	return log, nil
}

// Close releases resources in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildCache(cfg *config.Config, log *zap.Logger) (cache.SnapshotCache, error) {
	if !cfg.Redis.Enabled {
		return cache.NewMemory(cfg.Redis.SnapshotTTL), nil
	}
	c, err := cache.NewRedis(cache.RedisConfig{
		URL: cfg.Redis.URL,
		TTL: cfg.Redis.SnapshotTTL,
	}, log.Named("cache"))
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return c, nil
}

func adapterConfig(cfg *config.Config) *adapter.Config {
	res := adapter.DefaultResilienceConfig()
	res.MaxRetries = cfg.LLM.MaxRetries
	if cfg.LLM.BreakerFailures > 0 {
		res.BreakerFailures = cfg.LLM.BreakerFailures
	}
	if cfg.LLM.BreakerCooldown > 0 {
		res.BreakerCooldown = cfg.LLM.BreakerCooldown
	}
	res.RequestsPerSecond = cfg.LLM.RequestsPerSecond

	return &adapter.Config{
		Provider:    adapter.ProviderType(cfg.LLM.Provider),
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Resilience:  res,
	}
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		JudgeThreshold:  cfg.Pipeline.JudgeThreshold,
		NeutralScore:    cfg.Pipeline.NeutralScore,
		ClassifyTimeout: cfg.Pipeline.ClassifyTimeout,
		GenerateTimeout: cfg.Pipeline.GenerateTimeout,
		JudgeTimeout:    cfg.Pipeline.JudgeTimeout,
		PersistTimeout:  cfg.Pipeline.PersistTimeout,
		Deadline:        cfg.Pipeline.Deadline,
		Retention:       cfg.Retention(),
	}
}

func thresholds(cfg *config.Config) anomaly.Thresholds {
	th := anomaly.DefaultThresholds()
	th.MoistureMin = cfg.Analytics.MoistureMin
	th.MoistureCritical = cfg.Analytics.MoistureCritical
	th.PHMin = cfg.Analytics.PHMin
	th.PHMax = cfg.Analytics.PHMax
	return th
}
