package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shivangiamit/hackathon/internal/llm/types"
)

// Package openai implements the chat completions API. It also serves any
// OpenAI-compatible endpoint (vLLM, LocalAI, LM Studio) through a custom base
// URL, in which case the API key is optional.

const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultModel     = "gpt-4o-mini"
	DefaultMaxTokens = 1024
	DefaultTimeout   = 60 * time.Second
)

// OpenAIClientImpl is a chat completions client.
type OpenAIClientImpl struct {
	name        string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	baseURL     string
	httpClient  *http.Client
}

// Option configures a client.
type Option func(*OpenAIClientImpl)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(c *OpenAIClientImpl) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithMaxTokens sets the default completion limit.
func WithMaxTokens(n int) Option {
	return func(c *OpenAIClientImpl) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *OpenAIClientImpl) { c.temperature = t }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *OpenAIClientImpl) { c.httpClient = hc }
}

// WithName sets the provider name used in errors.
func WithName(name string) Option {
	return func(c *OpenAIClientImpl) { c.name = name }
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIChatRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      int                   `json:"max_tokens"`
	Temperature    float64               `json:"temperature"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewOpenAIClient creates a client for the hosted OpenAI API.
func NewOpenAIClient(apiKey, model string, opts ...Option) (*OpenAIClientImpl, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	return newClient("openai", apiKey, model, opts...), nil
}

// NewCompatibleClient creates a client for an OpenAI-compatible endpoint.
func NewCompatibleClient(baseURL, apiKey, model string, opts ...Option) (*OpenAIClientImpl, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required for a custom endpoint")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	opts = append([]Option{WithBaseURL(baseURL)}, opts...)
	return newClient("custom", apiKey, model, opts...), nil
}

func newClient(name, apiKey, model string, opts ...Option) *OpenAIClientImpl {
	if model == "" {
		model = DefaultModel
	}
	c := &OpenAIClientImpl{
		name:        name,
		apiKey:      apiKey,
		model:       model,
		maxTokens:   DefaultMaxTokens,
		temperature: 0.3,
		baseURL:     DefaultBaseURL,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model name.
func (c *OpenAIClientImpl) Model() string { return c.model }

// Complete sends one chat completion request.
func (c *OpenAIClientImpl) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	messages := make([]openAIMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openAIMessage{Role: msg.Role, Content: msg.Content}
	}

	request := openAIChatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		request.Temperature = *req.Temperature
	}
	if req.JSON {
		request.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}

	var chatResponse openAIChatResponse
	if err := c.makeRequest(ctx, "/chat/completions", request, &chatResponse); err != nil {
		return nil, err
	}
	if len(chatResponse.Choices) == 0 {
		return nil, fmt.Errorf("no choices in %s response", c.name)
	}

	model := chatResponse.Model
	if model == "" {
		model = c.model
	}
	return &types.CompletionResponse{
		Content: chatResponse.Choices[0].Message.Content,
		Model:   model,
		Usage: types.TokenUsage{
			PromptTokens:     chatResponse.Usage.PromptTokens,
			CompletionTokens: chatResponse.Usage.CompletionTokens,
			TotalTokens:      chatResponse.Usage.TotalTokens,
		},
	}, nil
}

// makeRequest POSTs payload to endpoint and decodes the JSON response into out.
func (c *OpenAIClientImpl) makeRequest(ctx context.Context, endpoint string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	requestURL, err := url.JoinPath(c.baseURL, endpoint)
	if err != nil {
		return fmt.Errorf("failed to join url path: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.NewStatusError(c.name, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", c.name, err)
	}
	return nil
}
