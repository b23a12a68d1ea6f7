package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/shivangiamit/hackathon/internal/llm/types"
)

// Package gemini implements the Gemini API through the google genai SDK.
// System messages become the system instruction; assistant turns are sent
// with the model role.

const (
	DefaultModel     = "gemini-2.0-flash"
	DefaultMaxTokens = 1024
)

// Client is a Gemini completion client.
type Client struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
}

// Config configures a Client. BaseURL is only needed for proxies and tests.
type Config struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	BaseURL     string
}

// NewClient creates a Gemini client. No request is made until Complete.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Gemini API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Client{
		client:      client,
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
		maxTokens:   int32(cfg.MaxTokens),
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Complete sends one generate content request.
func (c *Client) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	system, contents := toContents(req.Messages)
	if len(contents) == 0 {
		return nil, errors.New("gemini request has no user content")
	}

	config := &genai.GenerateContentConfig{
		Temperature:     &c.temperature,
		MaxOutputTokens: c.maxTokens,
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	if len(result.Candidates) == 0 {
		return nil, errors.New("no candidates in gemini response")
	}

	var text strings.Builder
	if content := result.Candidates[0].Content; content != nil {
		for _, part := range content.Parts {
			text.WriteString(part.Text)
		}
	}

	resp := &types.CompletionResponse{Content: text.String(), Model: c.model}
	if u := result.UsageMetadata; u != nil {
		resp.Usage = types.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return resp, nil
}

// toContents splits messages into the system instruction and the turn list.
func toContents(messages []types.Message) (string, []*genai.Content) {
	var system []string
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			system = append(system, m.Content)
		case types.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return strings.Join(system, "\n\n"), contents
}
