package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shivangiamit/hackathon/internal/models"
)

func TestSystemPromptPerProvider(t *testing.T) {
	m := NewManager()
	assert.Contains(t, m.SystemPrompt("OpenAI"), "Plain text only")
	assert.Contains(t, m.SystemPrompt("gemini"), "Do not use tables")
	assert.Equal(t, advisorSystemPrompt, m.SystemPrompt("custom"))
}

func TestClassificationPromptListsTypes(t *testing.T) {
	p := NewManager().ClassificationPrompt("My leaves are yellow", "", "CURRENT SENSOR READINGS:\n- pH: 6.5")
	assert.Contains(t, p, `"watering", "disease"`)
	assert.Contains(t, p, "HINT: none")
	assert.Contains(t, p, "My leaves are yellow")
	assert.NotContains(t, p, "{{.")
}

func TestAnswerPromptSimpleVsComplex(t *testing.T) {
	m := NewManager()
	simple := m.AnswerPrompt("Water today?", "ctx", models.Classification{Type: models.QueryWatering, Complexity: models.ComplexitySimple})
	assert.Contains(t, simple, "Focus on irrigation")
	assert.NotContains(t, simple, "step by step")

	complex := m.AnswerPrompt("Plan my week", "ctx", models.Classification{
		Type:       models.QueryFertilizer,
		Complexity: models.ComplexityComplex,
		SubQueries: []string{"When should I water?", "Which fertilizer?"},
	})
	assert.Contains(t, complex, "step by step")
	assert.Contains(t, complex, "1. When should I water?\n2. Which fertilizer?")
	assert.NotContains(t, complex, "{{.")
}

func TestRetryPromptCarriesFeedback(t *testing.T) {
	p := NewManager().RetryPrompt("q", "ctx", "old answer", models.Classification{Type: models.QueryPH}, models.Judgement{
		Score:       62,
		Weaknesses:  []string{"no quantities"},
		Suggestions: []string{"state lime rate per square meter"},
	})
	assert.Contains(t, p, "scored 62/100")
	assert.Contains(t, p, "- no quantities")
	assert.Contains(t, p, "- state lime rate per square meter")
	assert.Contains(t, p, "Focus on soil pH")
	assert.True(t, strings.Contains(p, "old answer"))
}

func TestJudgePromptIsStrictJSON(t *testing.T) {
	p := NewManager().JudgePrompt("q", "ctx", "the answer")
	assert.Contains(t, p, "Respond with ONLY a JSON object")
	assert.Contains(t, p, "the answer")
}
