package gemini

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/shivangiamit/hackathon/internal/llm/types"
)

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	assert.Error(t, err)

	c, err := NewClient(context.Background(), Config{APIKey: "key"})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, c.Model())
}

func TestToContents(t *testing.T) {
	system, contents := toContents([]types.Message{
		types.System("You are an agronomist."),
		types.User("Is pH 5.2 a problem?"),
		{Role: types.RoleAssistant, Content: "Yes, it is acidic."},
		types.System("Answer briefly."),
	})

	assert.Equal(t, "You are an agronomist.\n\nAnswer briefly.", system)
	require.Len(t, contents, 2)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, "Yes, it is acidic.", contents[1].Parts[0].Text)
}

func TestCompleteRequiresUserContent(t *testing.T) {
	c, err := NewClient(context.Background(), Config{APIKey: "key"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), types.CompletionRequest{
		Messages: []types.Message{types.System("only a system prompt")},
	})
	assert.Error(t, err)
}

func TestCompleteAgainstServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Apply "}, {"text": "lime."}]}}],
			"usageMetadata": {"promptTokenCount": 20, "candidatesTokenCount": 3, "totalTokenCount": 23}
		}`))
	}))
	defer server.Close()

	c, err := NewClient(context.Background(), Config{APIKey: "key", BaseURL: server.URL})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), types.CompletionRequest{
		Messages: []types.Message{types.System("agronomist"), types.User("pH is 5.2")},
		JSON:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Apply lime.", resp.Content)
	assert.Equal(t, 23, resp.Usage.TotalTokens)
}
