package adapter

import (
	"strings"

	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// MiniMax handles MiniMax's Anthropic-compatible aggregator endpoint,
// whose only request-prep quirk is requesting reasoning_split so its
// thinking content arrives as distinct reasoning_details entries rather
// than being inlined into ordinary text.
type MiniMax struct{}

func (m *MiniMax) Name() string { return "minimax" }

func (m *MiniMax) ShouldHandle(modelID string) bool {
	lower := strings.ToLower(modelID)
	return strings.Contains(lower, "minimax")
}

func (m *MiniMax) Reset() {}

func (m *MiniMax) PrepareRequest(payload map[string]any, original *types.Req) {
	payload["reasoning_split"] = true
}

func (m *MiniMax) ProcessTextContent(chunk string) TextResult {
	return TextResult{CleanedText: chunk}
}

// DeepSeek handles DeepSeek models, which don't support the thinking
// parameter at all — it's stripped rather than translated.
type DeepSeek struct{}

func (d *DeepSeek) Name() string { return "deepseek" }

func (d *DeepSeek) ShouldHandle(modelID string) bool {
	lower := strings.ToLower(modelID)
	return strings.Contains(lower, "deepseek")
}

func (d *DeepSeek) Reset() {}

func (d *DeepSeek) PrepareRequest(payload map[string]any, original *types.Req) {
	delete(payload, "thinking")
}

func (d *DeepSeek) ProcessTextContent(chunk string) TextResult {
	return TextResult{CleanedText: chunk}
}
