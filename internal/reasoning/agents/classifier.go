package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shivangiamit/hackathon/internal/llm/types"
	"github.com/shivangiamit/hackathon/internal/models"
	"github.com/shivangiamit/hackathon/internal/reasoning/prompt"
)

// maxSubQueries caps the sub-queries taken from a classification.
const maxSubQueries = 4

// Classifier asks the model for a structured classification.
type Classifier struct {
	llm      Completer
	prompts  prompt.Manager
	provider string
}

// NewClassifier creates a Classifier. provider selects the system prompt.
func NewClassifier(llm Completer, prompts prompt.Manager, provider string) *Classifier {
	return &Classifier{llm: llm, prompts: prompts, provider: provider}
}

type rawClassification struct {
	Type               string   `json:"type"`
	Complexity         string   `json:"complexity"`
	Intent             string   `json:"intent"`
	RequiresSubQueries bool     `json:"requires_sub_queries"`
	SubQueries         []string `json:"sub_queries"`
}

// Classify returns the classification of query. Errors wrap ErrUnparseable
// when the model answered but not with a usable JSON object.
func (c *Classifier) Classify(ctx context.Context, query string, hint models.QueryType, contextText string) (models.Classification, error) {
	resp, err := c.llm.Complete(ctx, types.CompletionRequest{
		Messages: []types.Message{
			types.System(c.prompts.SystemPrompt(c.provider)),
			types.User(c.prompts.ClassificationPrompt(query, hint, contextText)),
		},
		Temperature: types.Temperature(0),
		JSON:        true,
	})
	if err != nil {
		return models.Classification{}, fmt.Errorf("classify: %w", err)
	}
	return ParseClassification(resp.Content, hint)
}

// ParseClassification parses a model classification. An unknown type falls
// back to hint, then to general; an unknown complexity is simple.
func ParseClassification(content string, hint models.QueryType) (models.Classification, error) {
	block, ok := extractJSONBlock(content)
	if !ok {
		return models.Classification{}, fmt.Errorf("classify: %w: no JSON object", ErrUnparseable)
	}
	var raw rawClassification
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return models.Classification{}, fmt.Errorf("classify: %w: %v", ErrUnparseable, err)
	}

	qt, ok := models.ParseQueryType(strings.ToLower(strings.TrimSpace(raw.Type)))
	if !ok {
		qt = DefaultClassification(hint).Type
	}

	cls := models.Classification{
		Type:       qt,
		Complexity: models.ComplexitySimple,
		Intent:     strings.TrimSpace(raw.Intent),
	}
	if strings.EqualFold(strings.TrimSpace(raw.Complexity), string(models.ComplexityComplex)) {
		cls.Complexity = models.ComplexityComplex
	}
	for _, q := range raw.SubQueries {
		if q = strings.TrimSpace(q); q != "" && len(cls.SubQueries) < maxSubQueries {
			cls.SubQueries = append(cls.SubQueries, q)
		}
	}
	cls.RequiresSubQueries = len(cls.SubQueries) > 0 && (raw.RequiresSubQueries || cls.Complexity == models.ComplexityComplex)
	if !cls.RequiresSubQueries {
		cls.SubQueries = nil
	}
	return cls, nil
}

// DefaultClassification is used when classification fails.
func DefaultClassification(hint models.QueryType) models.Classification {
	qt, ok := models.ParseQueryType(string(hint))
	if !ok {
		qt = models.QueryGeneral
	}
	return models.Classification{Type: qt, Complexity: models.ComplexitySimple}
}
