package ollama

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

// Package ollama implements the Ollama /api/chat endpoint for locally hosted
// models. Ollama reports eval counts rather than tokens, which map onto
// TokenUsage directly.

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3"
	DefaultTimeout = 120 * time.Second
)

// OllamaClientImpl is an Ollama chat client.
type OllamaClientImpl struct {
	baseURL     string
	model       string
	temperature float64
	numPredict  int
	httpClient  *http.Client
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// NewOllamaClient creates a client. Empty values use the defaults.
func NewOllamaClient(baseURL, model string, temperature float64, maxTokens int) (*OllamaClientImpl, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid Ollama base URL %q: %w", baseURL, err)
	}
	if model == "" {
		model = DefaultModel
	}
	return &OllamaClientImpl{
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		numPredict:  maxTokens,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
	}, nil
}

// Model returns the configured model name.
func (c *OllamaClientImpl) Model() string { return c.model }

// Complete sends one non-streaming chat request.
func (c *OllamaClientImpl) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	messages := make([]ollamaMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = ollamaMessage{Role: m.Role, Content: m.Content}
	}

	chatReq := ollamaChatRequest{
		Model:    c.model,
		Messages: messages,
		Options: ollamaOptions{
			Temperature: c.temperature,
			NumPredict:  c.numPredict,
		},
	}
	if req.Temperature != nil {
		chatReq.Options.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		chatReq.Options.NumPredict = req.MaxTokens
	}
	if req.JSON {
		chatReq.Format = "json"
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	endpoint, err := url.JoinPath(c.baseURL, "/api/chat")
	if err != nil {
		return nil, fmt.Errorf("failed to join url path: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewStatusError("ollama", resp)
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse ollama response: %w", err)
	}
	if chatResp.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", chatResp.Error)
	}

	return &types.CompletionResponse{
		Content: chatResp.Message.Content,
		Model:   c.model,
		Usage: types.TokenUsage{
			PromptTokens:     chatResp.PromptEvalCount,
			CompletionTokens: chatResp.EvalCount,
			TotalTokens:      chatResp.PromptEvalCount + chatResp.EvalCount,
		},
	}, nil
}
