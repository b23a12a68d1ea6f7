package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivangiamit/hackathon/internal/llm/types"
	"github.com/shivangiamit/hackathon/internal/models"
	"github.com/shivangiamit/hackathon/internal/reasoning/prompt"
)

type fakeLLM struct {
	content string
	err     error
	last    types.CompletionRequest
}

func (f *fakeLLM) Complete(_ context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &types.CompletionResponse{Content: f.content}, nil
}

func TestExtractJSONBlock(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"prose around", "Sure! {\"a\":{\"b\":2}} hope that helps", `{"a":{"b":2}}`, true},
		{"none", "no json here", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractJSONBlock(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseClassification(t *testing.T) {
	cls, err := ParseClassification(`{"type":"Watering","complexity":"complex","intent":"plan irrigation","requires_sub_queries":true,"sub_queries":["when"," how much ",""]}`, "")
	require.NoError(t, err)
	assert.Equal(t, models.QueryWatering, cls.Type)
	assert.Equal(t, models.ComplexityComplex, cls.Complexity)
	assert.True(t, cls.RequiresSubQueries)
	assert.Equal(t, []string{"when", "how much"}, cls.SubQueries)

	cls, err = ParseClassification(`{"type":"astrology","complexity":"odd"}`, models.QueryPest)
	require.NoError(t, err)
	assert.Equal(t, models.QueryPest, cls.Type)
	assert.Equal(t, models.ComplexitySimple, cls.Complexity)
	assert.Nil(t, cls.SubQueries)

	_, err = ParseClassification("I think it is about watering", "")
	assert.ErrorIs(t, err, ErrUnparseable)

	_, err = ParseClassification(`{"type": }`, "")
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestDefaultClassification(t *testing.T) {
	assert.Equal(t, models.Classification{Type: models.QueryWatering, Complexity: models.ComplexitySimple}, DefaultClassification(models.QueryWatering))
	assert.Equal(t, models.QueryGeneral, DefaultClassification("").Type)
	assert.Equal(t, models.QueryGeneral, DefaultClassification("nonsense").Type)
}

func TestClassifierUsesJSONMode(t *testing.T) {
	llm := &fakeLLM{content: `{"type":"ph","complexity":"simple"}`}
	cls, err := NewClassifier(llm, prompt.NewManager(), "openai").Classify(context.Background(), "Is my soil acidic?", "", "ctx")
	require.NoError(t, err)
	assert.Equal(t, models.QueryPH, cls.Type)
	assert.True(t, llm.last.JSON)
	require.NotNil(t, llm.last.Temperature)
	assert.Equal(t, 0.0, *llm.last.Temperature)
	require.Len(t, llm.last.Messages, 2)
	assert.Equal(t, types.RoleSystem, llm.last.Messages[0].Role)
}

func TestClassifierPropagatesError(t *testing.T) {
	llm := &fakeLLM{err: errors.New("connection refused")}
	_, err := NewClassifier(llm, prompt.NewManager(), "").Classify(context.Background(), "q", "", "")
	assert.ErrorContains(t, err, "connection refused")
}

func TestParseJudgement(t *testing.T) {
	j, err := ParseJudgement("```json\n{\"score\": 91, \"breakdown\": {\"accuracy\": 19, \"relevance\": 18, \"actionability\": 18, \"clarity\": 18, \"safety\": 18}, \"strengths\": [\"specific\"], \"weaknesses\": [], \"suggestions\": [], \"reasoning\": \"good\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, 91, j.Score)
	assert.Equal(t, 19, j.Breakdown.Accuracy)
	assert.Equal(t, []string{"specific"}, j.Strengths)
	assert.False(t, j.Fallback)

	j, err = ParseJudgement(`{"score": 140, "breakdown": {"accuracy": 35, "safety": -3}}`)
	require.NoError(t, err)
	assert.Equal(t, 100, j.Score)
	assert.Equal(t, 20, j.Breakdown.Accuracy)
	assert.Equal(t, 0, j.Breakdown.Safety)

	j, err = ParseJudgement(`{"breakdown": {"accuracy": 15, "relevance": 15, "actionability": 10, "clarity": 15, "safety": 15}}`)
	require.NoError(t, err)
	assert.Equal(t, 70, j.Score)

	_, err = ParseJudgement(`{"reasoning": "fine"}`)
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestNeutralJudgement(t *testing.T) {
	j := NeutralJudgement(75, "judge unavailable")
	assert.Equal(t, 75, j.Score)
	assert.True(t, j.Fallback)
}

func TestGenerator(t *testing.T) {
	llm := &fakeLLM{content: "  Water 10 liters per row.\n1. Water today  "}
	g := NewGenerator(llm, prompt.NewManager(), "ollama", 0.4)

	answer, err := g.Generate(context.Background(), "Water?", "ctx", models.Classification{Type: models.QueryWatering})
	require.NoError(t, err)
	assert.Equal(t, "Water 10 liters per row.\n1. Water today", answer)
	assert.False(t, llm.last.JSON)
	assert.Equal(t, 0.4, *llm.last.Temperature)

	_, err = g.Regenerate(context.Background(), "Water?", "ctx", "old", models.Classification{}, models.Judgement{Weaknesses: []string{"vague"}})
	require.NoError(t, err)
	assert.Contains(t, llm.last.Messages[1].Content, "- vague")

	llm.content = "   "
	_, err = g.Generate(context.Background(), "Water?", "ctx", models.Classification{})
	assert.ErrorIs(t, err, ErrEmptyAnswer)
}

func TestGuessQueryType(t *testing.T) {
	tests := map[string]models.QueryType{
		"Should I water now?":                    models.QueryWatering,
		"Is my soil too acidic for tomatoes?":    models.QueryPH,
		"How much urea per acre?":                models.QueryFertilizer,
		"Leaves show brown spots and wilting":    models.QueryDisease,
		"Aphids are all over the beans":          models.QueryPest,
		"Is there a nitrogen deficiency?":        models.QueryNutrients,
		"Will the heatwave hurt my crop?":        models.QueryWeather,
		"What should I plant after the harvest?": models.QueryGeneral,
	}
	for q, want := range tests {
		assert.Equal(t, want, GuessQueryType(q), q)
	}
}
