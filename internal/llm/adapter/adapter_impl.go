package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/shivangiamit/hackathon/internal/llm/provider/gemini"
	"github.com/shivangiamit/hackathon/internal/llm/provider/ollama"
	"github.com/shivangiamit/hackathon/internal/llm/provider/openai"
	"github.com/shivangiamit/hackathon/internal/llm/types"
	"github.com/shivangiamit/hackathon/internal/metrics"
)

// ProviderType identifies which LLM provider is configured
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderOllama ProviderType = "ollama"
	ProviderGemini ProviderType = "gemini"
	ProviderCustom ProviderType = "custom"
	ProviderNone   ProviderType = "none" // No LLM configured
)

// ErrProviderNotConfigured is returned when an LLM operation is attempted without a configured provider
var ErrProviderNotConfigured = errors.New("LLM provider not configured")

// Config holds LLM provider configuration
type Config struct {
	Provider    ProviderType `json:"provider"`
	APIKey      string       `json:"api_key"`  // For OpenAI/Gemini, optional for Custom
	BaseURL     string       `json:"base_url"` // For Ollama/Custom
	Model       string       `json:"model"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens"`

	Resilience ResilienceConfig `json:"resilience"`
}

// llmAdapterImpl is the unified adapter implementation
type llmAdapterImpl struct {
	provider ProviderType
	model    string
	client   Client
}

// NewLLMAdapter creates the adapter for cfg.
//
// A missing provider or missing credentials yield an unconfigured adapter, not
// an error: the service starts and Complete returns ErrProviderNotConfigured.
func NewLLMAdapter(ctx context.Context, cfg *Config, logger *zap.Logger) (LLMAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil || cfg.Provider == "" || cfg.Provider == ProviderNone {
		logger.Warn("no LLM provider configured; answers will fail until one is set")
		return &llmAdapterImpl{provider: ProviderNone}, nil
	}

	var (
		client Client
		model  string
	)
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			logger.Warn("openai selected without an API key; LLM disabled")
			return &llmAdapterImpl{provider: ProviderNone}, nil
		}
		c, err := openai.NewOpenAIClient(cfg.APIKey, cfg.Model,
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithTemperature(cfg.Temperature),
			openai.WithMaxTokens(cfg.MaxTokens))
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		client, model = c, c.Model()

	case ProviderOllama:
		c, err := ollama.NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.Temperature, cfg.MaxTokens)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		client, model = c, c.Model()

	case ProviderGemini:
		if cfg.APIKey == "" {
			logger.Warn("gemini selected without an API key; LLM disabled")
			return &llmAdapterImpl{provider: ProviderNone}, nil
		}
		c, err := gemini.NewClient(ctx, gemini.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			BaseURL:     cfg.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		client, model = c, c.Model()

	case ProviderCustom:
		if cfg.BaseURL == "" {
			logger.Warn("custom provider selected without a base URL; LLM disabled")
			return &llmAdapterImpl{provider: ProviderNone}, nil
		}
		c, err := openai.NewCompatibleClient(cfg.BaseURL, cfg.APIKey, cfg.Model,
			openai.WithTemperature(cfg.Temperature),
			openai.WithMaxTokens(cfg.MaxTokens))
		if err != nil {
			return nil, fmt.Errorf("failed to create Custom client: %w", err)
		}
		client, model = c, c.Model()

	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	logger.Info("LLM adapter configured",
		zap.String("provider", string(cfg.Provider)),
		zap.String("model", model))

	return &llmAdapterImpl{
		provider: cfg.Provider,
		model:    model,
		client:   NewResilient(string(cfg.Provider), client, cfg.Resilience, logger),
	}, nil
}

// Complete delegates to the provider client and records metrics.
func (a *llmAdapterImpl) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	if a.provider == ProviderNone {
		return nil, ErrProviderNotConfigured
	}

	start := time.Now()
	resp, err := a.client.Complete(ctx, req)
	metrics.LLMRequestDuration.WithLabelValues(string(a.provider), a.model).Observe(time.Since(start).Seconds())

	status := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		status = "circuit_open"
	case err != nil:
		status = "error"
	}
	metrics.LLMRequestsTotal.WithLabelValues(string(a.provider), a.model, status).Inc()

	return resp, err
}

func (a *llmAdapterImpl) Provider() ProviderType { return a.provider }

func (a *llmAdapterImpl) Model() string { return a.model }

func (a *llmAdapterImpl) IsConfigured() bool { return a.provider != ProviderNone }
