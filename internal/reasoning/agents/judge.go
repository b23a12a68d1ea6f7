package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shivangiamit/hackathon/internal/llm/types"
	"github.com/shivangiamit/hackathon/internal/models"
	"github.com/shivangiamit/hackathon/internal/reasoning/prompt"
)

// Judge scores answers.
type Judge struct {
	llm      Completer
	prompts  prompt.Manager
	provider string
}

// NewJudge creates a Judge.
func NewJudge(llm Completer, prompts prompt.Manager, provider string) *Judge {
	return &Judge{llm: llm, prompts: prompts, provider: provider}
}

type rawJudgement struct {
	Score     *int `json:"score"`
	Breakdown struct {
		Accuracy      int `json:"accuracy"`
		Relevance     int `json:"relevance"`
		Actionability int `json:"actionability"`
		Clarity       int `json:"clarity"`
		Safety        int `json:"safety"`
	} `json:"breakdown"`
	Strengths   []string `json:"strengths"`
	Weaknesses  []string `json:"weaknesses"`
	Suggestions []string `json:"suggestions"`
	Reasoning   string   `json:"reasoning"`
}

// Evaluate scores answer for query.
func (j *Judge) Evaluate(ctx context.Context, query, contextText, answer string) (models.Judgement, error) {
	resp, err := j.llm.Complete(ctx, types.CompletionRequest{
		Messages: []types.Message{
			types.System(j.prompts.SystemPrompt(j.provider)),
			types.User(j.prompts.JudgePrompt(query, contextText, answer)),
		},
		Temperature: types.Temperature(0),
		JSON:        true,
	})
	if err != nil {
		return models.Judgement{}, fmt.Errorf("judge: %w", err)
	}
	return ParseJudgement(resp.Content)
}

// ParseJudgement parses a judge response. Category scores are clamped to
// 0-20 and the total to 0-100; a missing total is the sum of the categories.
func ParseJudgement(content string) (models.Judgement, error) {
	block, ok := extractJSONBlock(content)
	if !ok {
		return models.Judgement{}, fmt.Errorf("judge: %w: no JSON object", ErrUnparseable)
	}
	var raw rawJudgement
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return models.Judgement{}, fmt.Errorf("judge: %w: %v", ErrUnparseable, err)
	}

	b := models.JudgeBreakdown{
		Accuracy:      clamp(raw.Breakdown.Accuracy, 0, 20),
		Relevance:     clamp(raw.Breakdown.Relevance, 0, 20),
		Actionability: clamp(raw.Breakdown.Actionability, 0, 20),
		Clarity:       clamp(raw.Breakdown.Clarity, 0, 20),
		Safety:        clamp(raw.Breakdown.Safety, 0, 20),
	}
	sum := b.Accuracy + b.Relevance + b.Actionability + b.Clarity + b.Safety

	var score int
	switch {
	case raw.Score != nil:
		score = *raw.Score
	case sum > 0:
		score = sum
	default:
		return models.Judgement{}, fmt.Errorf("judge: %w: no score", ErrUnparseable)
	}

	return models.Judgement{
		Score:       clamp(score, 0, 100),
		Breakdown:   b,
		Strengths:   raw.Strengths,
		Weaknesses:  raw.Weaknesses,
		Suggestions: raw.Suggestions,
		Reasoning:   raw.Reasoning,
	}, nil
}

// NeutralJudgement is used when the judge cannot be reached.
func NeutralJudgement(score int, reason string) models.Judgement {
	return models.Judgement{Score: score, Reasoning: reason, Fallback: true}
}
