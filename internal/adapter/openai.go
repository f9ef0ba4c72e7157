package adapter

import (
	"strings"

	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// openAIBudgetThresholds and openAIEffortLabels implement the
// four-level reasoning_effort mapping: {4000, 16000, 32000}.
var (
	openAIBudgetThresholds = []int{4000, 16000, 32000}
	openAIEffortLabels     = []string{"minimal", "low", "medium", "high"}
)

// OpenAI handles direct OpenAI and OpenAI-compatible reasoning models
// (o1/o3/o4-family and friends). It must be checked after Grok and
// Gemini in the adapter chain, since its ShouldHandle is intentionally
// broad.
type OpenAI struct{}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) ShouldHandle(modelID string) bool {
	lower := strings.ToLower(modelID)
	return strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") ||
		strings.HasPrefix(lower, "o4") || strings.HasPrefix(lower, "gpt-5") ||
		strings.Contains(lower, "gpt-oss")
}

func (o *OpenAI) Reset() {}

func (o *OpenAI) PrepareRequest(payload map[string]any, original *types.Req) {
	delete(payload, "thinking")
	if original.Thinking == nil {
		payload["reasoning_effort"] = "medium"
		return
	}
	payload["reasoning_effort"] = budgetToEffort(original.Thinking.BudgetTokens, openAIBudgetThresholds, openAIEffortLabels)
}

func (o *OpenAI) ProcessTextContent(chunk string) TextResult {
	return TextResult{CleanedText: chunk}
}
