// Package agents implements the LLM-backed pipeline roles: the query
// classifier, the answer generator and the quality judge.
//
// Each agent renders its prompt through prompt.Manager, performs one
// completion and parses the result strictly. Parsing failures are reported
// as ErrUnparseable so the engine can fall back to its defaults.
package agents

import (
	"context"
	"errors"
	"strings"

	"github.com/shivangiamit/hackathon/internal/llm/types"
)

// ErrUnparseable is returned when a model response does not contain the
// expected structure.
var ErrUnparseable = errors.New("unparseable model output")

// ErrEmptyAnswer is returned when the generator produced no text.
var ErrEmptyAnswer = errors.New("model returned an empty answer")

// Completer is the LLM call the agents need.
type Completer interface {
	Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error)
}

// extractJSONBlock strips optional markdown fences and returns the outermost
// JSON object found in the LLM response.  Handles:
//   - Bare JSON:       { ... }
//   - Code-fenced:     ```json\n{ ... }\n```  or  ```\n{ ... }\n```
func extractJSONBlock(response string) (string, bool) {
	stripped := response
	for _, fence := range []string{"```json", "```JSON", "```"} {
		if idx := strings.Index(stripped, fence); idx != -1 {
			stripped = stripped[idx+len(fence):]
			if end := strings.Index(stripped, "```"); end != -1 {
				stripped = stripped[:end]
			}
			break
		}
	}

	jsonStart := strings.Index(stripped, "{")
	jsonEnd := strings.LastIndex(stripped, "}")
	if jsonStart != -1 && jsonEnd != -1 && jsonEnd > jsonStart {
		return stripped[jsonStart : jsonEnd+1], true
	}
	return "", false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
