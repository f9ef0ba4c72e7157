package adapter

import (
	"strings"

	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// qwenSpecialTokens are chat-template control tokens that some local
// Qwen deployments leak into the raw completion stream verbatim when
// the server doesn't strip its own template markers.
var qwenSpecialTokens = []string{
	"<|im_start|>", "<|im_end|>", "<|endoftext|>", "<|end|>",
	"<|system|>", "<|user|>", "<|assistant|>",
}

// qwenPartialTokenPrefixes are prefixes of the above tokens that might
// be split across a chunk boundary; we hold them back rather than
// emitting a half-token to the client.
var qwenPartialTokenPrefixes = []string{"<", "<|", "<|i", "<|im", "<|im_", "<|im_s", "<|im_st", "<|im_sta", "<|im_star", "<|im_start", "<|im_e", "<|im_en", "<|im_end"}

// Qwen handles Alibaba's Qwen family: stripping leaked chat-template
// tokens and partial-token boundary trimming, plus the enable_thinking
// request-prep dialect.
type Qwen struct {
	holdback string
}

func (q *Qwen) Name() string { return "qwen" }

func (q *Qwen) ShouldHandle(modelID string) bool {
	lower := strings.ToLower(modelID)
	return strings.Contains(lower, "qwen")
}

func (q *Qwen) Reset() { q.holdback = "" }

func (q *Qwen) PrepareRequest(payload map[string]any, original *types.Req) {
	delete(payload, "thinking")
	if original.Thinking == nil {
		return
	}
	payload["enable_thinking"] = true
	payload["thinking_budget"] = original.Thinking.BudgetTokens
}

func (q *Qwen) ProcessTextContent(chunk string) TextResult {
	combined := q.holdback + chunk
	q.holdback = ""

	cleaned := stripChatTemplateTokens(combined, qwenSpecialTokens)
	transformed := cleaned != combined

	for _, prefix := range qwenPartialTokenPrefixes {
		if strings.HasSuffix(cleaned, prefix) && prefix != "" {
			q.holdback = prefix
			cleaned = strings.TrimSuffix(cleaned, prefix)
			transformed = true
			break
		}
	}

	return TextResult{CleanedText: cleaned, WasTransformed: transformed}
}
