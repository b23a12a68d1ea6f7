package prompt

import "github.com/shivangiamit/hackathon/internal/models"

// Package prompt renders the prompts of the query pipeline.
//
// Prompt Types:
//
//   1. System Prompt
//      - Defines the advisor's role and safety constraints
//      - Provider-specific additions (OpenAI, Gemini, Ollama)
//
//   2. Classification Prompt
//      - Asks for a strict JSON classification of the farmer query
//      - Lists the allowed query types
//
//   3. Answer Prompts
//      - Simple: direct answer grounded in the context section
//      - Complex: lists the sub-queries and asks for step-by-step reasoning
//      - Both ask for numbered actions so the Format stage can extract them
//
//   4. Judge Prompt
//      - Scores an answer in five 0-20 categories, strict JSON
//
//   5. Retry Prompt
//      - Regenerates an answer using the judge's weaknesses and suggestions
//
// All rendering is pure string substitution; nothing here talks to an LLM.

// Manager renders pipeline prompts.
type Manager interface {
	// SystemPrompt returns the system prompt for the given LLM provider.
	SystemPrompt(provider string) string

	// ClassificationPrompt asks for the JSON classification of query.
	ClassificationPrompt(query string, hint models.QueryType, contextText string) string

	// AnswerPrompt renders the simple or complex answer prompt depending on
	// the classification.
	AnswerPrompt(query, contextText string, cls models.Classification) string

	// JudgePrompt asks for a JSON judgement of answer.
	JudgePrompt(query, contextText, answer string) string

	// RetryPrompt asks for an improved answer given the judge's feedback.
	RetryPrompt(query, contextText, previous string, cls models.Classification, judgement models.Judgement) string
}
