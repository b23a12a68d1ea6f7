package adapter

import (
	"context"

	"github.com/shivangiamit/hackathon/internal/llm/types"
)

// Package adapter provides one completion interface over every supported
// LLM provider.
//
// Supported Providers:
//  1. OpenAI: hosted chat completions
//  2. Ollama: local models over /api/chat
//  3. Gemini: Google genai SDK
//  4. Custom: any OpenAI-compatible endpoint (vLLM, LocalAI, LM Studio)
//
// Every provider client is wrapped in the same resilience stack: a token
// bucket limiter, a circuit breaker and bounded exponential retries for
// transient errors (HTTP 429, 5xx, network failures).
//
// Fallback Behavior (No LLM Configured):
//   - Complete returns ErrProviderNotConfigured
//   - The pipeline still runs: the context builder and analytics need no
//     LLM, and a failed generation is reported with the apology text
//   - /ready reports llm: not_configured

// LLMAdapter is the completion client the agents use.
type LLMAdapter interface {
	// Complete sends one completion request.
	Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error)

	// Provider returns the configured provider, or ProviderNone.
	Provider() ProviderType

	// Model returns the configured model name.
	Model() string

	// IsConfigured reports whether a provider is available.
	IsConfigured() bool
}

// Client is a provider client.
type Client interface {
	Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error)
}
