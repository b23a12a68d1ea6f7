package prompt

// Package prompt: concrete Manager implementation with farm advisory templates.

import (
	"fmt"
	"strings"

	"github.com/shivangiamit/hackathon/internal/models"
)

// managerImpl is the concrete implementation of Manager.
type managerImpl struct{}

// NewManager creates a new prompt manager.
func NewManager() Manager {
	return &managerImpl{}
}

// ─── System prompts ───────────────────────────────────────────────────────────

const advisorSystemPrompt = `You are an agricultural advisor helping small-holder farmers manage their fields using live soil sensor data.

ROLE:
- Answer the farmer's question using the sensor readings, trends and history provided
- Give practical steps the farmer can carry out today with common tools and inputs
- State quantities, timings and units explicitly (liters, grams per plant, days)
- Explain your reasoning briefly in plain language

SAFETY RULES (NON-NEGOTIABLE):
1. Never recommend banned or restricted pesticides
2. Always state protective equipment when recommending chemicals
3. Never recommend doses above label rates
4. When the data is insufficient, say so and suggest what to measure next

OUTPUT FORMAT:
- Start with a one or two sentence direct answer
- Then list recommended actions as a numbered list, one action per line
- Mark time-critical actions with words like "immediately" or "today"
- Keep the whole answer under 250 words`

const openaiSystemPrompt = advisorSystemPrompt + `

FORMAT:
- Plain text only, no markdown headers
- Numbered actions as "1. ...", "2. ..."`

const geminiSystemPrompt = advisorSystemPrompt + `

FORMAT:
- Do not use tables
- Numbered actions as "1. ...", "2. ..."`

const ollamaSystemPrompt = advisorSystemPrompt + `

Keep sentences short. Do not repeat the sensor readings back.`

// ─── Per-type guidance ────────────────────────────────────────────────────────

var typeGuidance = map[models.QueryType]string{
	models.QueryWatering: `Focus on irrigation: whether to water now, how much, and when to check again.
Use the moisture trend and irrigation pattern to estimate when moisture reaches the critical level.`,

	models.QueryFertilizer: `Focus on fertilizer choice and dose. Relate nitrogen, phosphorus and potassium levels to the crop's needs.
Account for soil pH when it affects nutrient uptake.`,

	models.QueryDisease: `Focus on likely diseases given humidity, temperature and moisture. Describe visible symptoms to confirm,
and prefer cultural and organic controls before chemical ones.`,

	models.QueryPH: `Focus on soil pH. Recommend amendments (lime for acidic soil, sulfur or organic matter for alkaline soil)
with application rates, and how long before retesting.`,

	models.QueryNutrients: `Focus on nutrient balance. Identify the limiting nutrient and how to correct it without over-application.`,

	models.QueryPest: `Focus on pests likely under the current temperature and humidity. Prefer integrated pest management.`,

	models.QueryWeather: `Focus on how current and expected weather conditions should change irrigation and field work.`,

	models.QueryGeneral: `Answer the question directly using whatever sensor context is relevant.`,
}

func guidanceFor(qt models.QueryType) string {
	if g, ok := typeGuidance[qt]; ok {
		return g
	}
	return typeGuidance[models.QueryGeneral]
}

// ─── Templates ────────────────────────────────────────────────────────────────

const classificationTemplate = `Classify the farmer's question.

QUESTION:
{{.Query}}

HINT: {{.Hint}}

FIELD CONTEXT:
{{.Context}}

Respond with ONLY a JSON object, no prose:
{
  "type": one of [{{.Types}}],
  "complexity": "simple" or "complex",
  "intent": short description of what the farmer wants,
  "requires_sub_queries": true or false,
  "sub_queries": list of sub-questions when complexity is "complex", otherwise []
}

A question is complex when it combines several concerns (for example watering and fertilizer)
or asks for a plan over several days.`

const simpleTemplate = `FARMER QUESTION:
{{.Query}}

FIELD CONTEXT:
{{.Context}}

GUIDANCE:
{{.Guidance}}

Answer the question for this field.`

const complexTemplate = `FARMER QUESTION:
{{.Query}}

FIELD CONTEXT:
{{.Context}}

GUIDANCE:
{{.Guidance}}

This question has several parts. Work through them step by step:
{{.SubQueries}}

For each part, reason from the data above, then combine the parts into one plan.
End with the numbered list of actions in the order the farmer should do them.`

const judgeTemplate = `You are reviewing an agricultural advisor's answer.

FARMER QUESTION:
{{.Query}}

FIELD CONTEXT:
{{.Context}}

ANSWER UNDER REVIEW:
{{.Answer}}

Score the answer in five categories, each from 0 to 20:
- accuracy: consistent with the sensor data and sound agronomy
- relevance: answers the question that was asked
- actionability: concrete steps with quantities and timing
- clarity: easy for a farmer to follow
- safety: no harmful doses or practices, protective measures stated

Respond with ONLY a JSON object, no prose:
{
  "score": sum of the five categories (0-100),
  "breakdown": {"accuracy": n, "relevance": n, "actionability": n, "clarity": n, "safety": n},
  "strengths": [..],
  "weaknesses": [..],
  "suggestions": [..],
  "reasoning": one or two sentences
}`

const retryTemplate = `FARMER QUESTION:
{{.Query}}

FIELD CONTEXT:
{{.Context}}

GUIDANCE:
{{.Guidance}}

A previous answer scored {{.Score}}/100 in review.

PREVIOUS ANSWER:
{{.Previous}}

WEAKNESSES:
{{.Weaknesses}}

SUGGESTIONS:
{{.Suggestions}}

Write an improved answer that fixes these weaknesses. Keep what was correct.`

// ─── managerImpl methods ──────────────────────────────────────────────────────

func (m *managerImpl) SystemPrompt(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return openaiSystemPrompt
	case "gemini":
		return geminiSystemPrompt
	case "ollama":
		return ollamaSystemPrompt
	default:
		return advisorSystemPrompt
	}
}

func (m *managerImpl) ClassificationPrompt(query string, hint models.QueryType, contextText string) string {
	types := make([]string, len(models.KnownQueryTypes))
	for i, t := range models.KnownQueryTypes {
		types[i] = fmt.Sprintf("%q", t)
	}
	h := string(hint)
	if h == "" {
		h = "none"
	}
	return render(classificationTemplate, map[string]string{
		"Query":   query,
		"Hint":    h,
		"Context": contextText,
		"Types":   strings.Join(types, ", "),
	})
}

func (m *managerImpl) AnswerPrompt(query, contextText string, cls models.Classification) string {
	vars := map[string]string{
		"Query":    query,
		"Context":  contextText,
		"Guidance": guidanceFor(cls.Type),
	}
	if cls.Complexity != models.ComplexityComplex {
		return render(simpleTemplate, vars)
	}
	subs := cls.SubQueries
	if len(subs) == 0 {
		subs = []string{query}
	}
	vars["SubQueries"] = numbered(subs)
	return render(complexTemplate, vars)
}

func (m *managerImpl) JudgePrompt(query, contextText, answer string) string {
	return render(judgeTemplate, map[string]string{
		"Query":   query,
		"Context": contextText,
		"Answer":  answer,
	})
}

func (m *managerImpl) RetryPrompt(query, contextText, previous string, cls models.Classification, j models.Judgement) string {
	return render(retryTemplate, map[string]string{
		"Query":       query,
		"Context":     contextText,
		"Guidance":    guidanceFor(cls.Type),
		"Score":       fmt.Sprintf("%d", j.Score),
		"Previous":    previous,
		"Weaknesses":  bullets(j.Weaknesses),
		"Suggestions": bullets(j.Suggestions),
	})
}

// render substitutes {{.Key}} placeholders.
func render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{."+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func numbered(items []string) string {
	var sb strings.Builder
	for i, it := range items {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, it)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func bullets(items []string) string {
	if len(items) == 0 {
		return "- (none given)"
	}
	var sb strings.Builder
	for _, it := range items {
		sb.WriteString("- " + it + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
