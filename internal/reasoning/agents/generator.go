package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/shivangiamit/hackathon/internal/llm/types"
	"github.com/shivangiamit/hackathon/internal/models"
	"github.com/shivangiamit/hackathon/internal/reasoning/prompt"
)

// Generator produces advisory answers.
type Generator struct {
	llm         Completer
	prompts     prompt.Manager
	provider    string
	temperature float64
}

// NewGenerator creates a Generator sampling at temperature.
func NewGenerator(llm Completer, prompts prompt.Manager, provider string, temperature float64) *Generator {
	return &Generator{llm: llm, prompts: prompts, provider: provider, temperature: temperature}
}

// Generate answers query using the simple or complex prompt depending on cls.
func (g *Generator) Generate(ctx context.Context, query, contextText string, cls models.Classification) (string, error) {
	answer, err := g.complete(ctx, g.prompts.AnswerPrompt(query, contextText, cls))
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return answer, nil
}

// Regenerate produces an improved answer from the judge's feedback.
func (g *Generator) Regenerate(ctx context.Context, query, contextText, previous string, cls models.Classification, j models.Judgement) (string, error) {
	answer, err := g.complete(ctx, g.prompts.RetryPrompt(query, contextText, previous, cls, j))
	if err != nil {
		return "", fmt.Errorf("regenerate: %w", err)
	}
	return answer, nil
}

func (g *Generator) complete(ctx context.Context, userPrompt string) (string, error) {
	resp, err := g.llm.Complete(ctx, types.CompletionRequest{
		Messages: []types.Message{
			types.System(g.prompts.SystemPrompt(g.provider)),
			types.User(userPrompt),
		},
		Temperature: types.Temperature(g.temperature),
	})
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "", ErrEmptyAnswer
	}
	return answer, nil
}
