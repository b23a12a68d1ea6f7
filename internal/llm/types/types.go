package types

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`    // user, assistant, system
	Content string `json:"content"` // message text
}

// Role names.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest represents a request to complete text
type CompletionRequest struct {
	Messages    []Message `json:"messages"`              // conversation history
	Temperature *float64  `json:"temperature,omitempty"` // nil uses the provider default
	MaxTokens   int       `json:"max_tokens,omitempty"`  // 0 uses the client default
	JSON        bool      `json:"json,omitempty"`        // ask for a JSON object response
}

// CompletionResponse represents a completion response
type CompletionResponse struct {
	Content string     `json:"content"` // generated text
	Model   string     `json:"model"`   // model that produced it
	Usage   TokenUsage `json:"usage"`   // token usage
}

// TokenUsage tracks token usage
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`     // input tokens
	CompletionTokens int `json:"completion_tokens"` // output tokens
	TotalTokens      int `json:"total_tokens"`      // total tokens
}

// Temperature returns a pointer to t, for CompletionRequest.Temperature.
func Temperature(t float64) *float64 { return &t }

// System and User build single messages.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// StatusError is a non-2xx response from a provider API.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
	RetryAfter int // seconds, from the Retry-After header when present
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if sent again.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewStatusError builds a StatusError from resp. The body is truncated.
func NewStatusError(provider string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
	return &StatusError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: retryAfter,
	}
}

// EstimateTokens approximates a token count as one token per four characters.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
