package streaming

import (
	"encoding/json"

	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// DecodeOpenAIChunk parses one OpenAI-compatible chat/completions SSE
// data payload into a ProviderChunk. raw is the already-unmarshalled JSON object, passed
// through verbatim so middleware can see dialect-specific extensions
// like OpenRouter's reasoning_details.
func DecodeOpenAIChunk(raw map[string]any) ProviderChunk {
	chunk := ProviderChunk{Raw: raw}

	choices, _ := raw["choices"].([]any)
	if len(choices) == 0 {
		chunk.Usage = decodeOpenAIUsage(raw)
		return chunk
	}

	choice, _ := choices[0].(map[string]any)
	delta, _ := choice["delta"].(map[string]any)

	if text, ok := delta["content"].(string); ok && text != "" {
		chunk.TextDelta = text
	}
	if reasoning, ok := delta["reasoning_content"].(string); ok && reasoning != "" {
		chunk.ReasoningDeltas = append(chunk.ReasoningDeltas, ReasoningDelta{Kind: ReasoningText, Text: reasoning})
	}
	if details, ok := delta["reasoning_details"].([]any); ok {
		chunk.ReasoningDeltas = append(chunk.ReasoningDeltas, decodeReasoningDetails(details)...)
	}

	if toolCalls, ok := delta["tool_calls"].([]any); ok {
		for _, raw := range toolCalls {
			tc, _ := raw.(map[string]any)
			if tc == nil {
				continue
			}
			idx := 0
			if f, ok := tc["index"].(float64); ok {
				idx = int(f)
			}
			id, _ := tc["id"].(string)
			fn, _ := tc["function"].(map[string]any)
			name, _ := fn["name"].(string)
			args, _ := fn["arguments"].(string)
			chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, ToolCallDelta{
				UpstreamIndex: idx, ID: id, Name: name, ArgsDelta: args,
			})
		}
	}

	if reason, ok := choice["finish_reason"].(string); ok && reason != "" {
		chunk.FinishReason = reason
	}

	if usage := decodeOpenAIUsage(raw); usage != nil {
		chunk.Usage = usage
	}
	return chunk
}

func decodeOpenAIUsage(raw map[string]any) *types.Usage {
	u, ok := raw["usage"].(map[string]any)
	if !ok {
		return nil
	}
	prompt, _ := u["prompt_tokens"].(float64)
	completion, _ := u["completion_tokens"].(float64)
	if prompt == 0 && completion == 0 {
		return nil
	}
	return &types.Usage{InputTokens: int(prompt), OutputTokens: int(completion)}
}

// decodeReasoningDetails handles the OpenRouter-style reasoning_details
// array, whose entries are typed by a "type" field: "reasoning.text",
// "reasoning.summary", or "reasoning.encrypted".
func decodeReasoningDetails(details []any) []ReasoningDelta {
	var out []ReasoningDelta
	for _, raw := range details {
		d, _ := raw.(map[string]any)
		if d == nil {
			continue
		}
		kind := ReasoningText
		switch d["type"] {
		case "reasoning.summary":
			kind = ReasoningSummary
		case "reasoning.encrypted":
			kind = ReasoningEncrypted
		}
		text, _ := d["text"].(string)
		out = append(out, ReasoningDelta{Kind: kind, Text: text})
	}
	return out
}

// DecodeGeminiChunk parses one streamGenerateContent SSE data payload
// into a ProviderChunk. Gemini has no concept of a tool-call index —
// calls are addressed by position within the current candidate's parts
// list, so ToolCallDelta.UpstreamIndex is synthesised as the part's
// position among functionCall parts seen so far across the whole
// stream (tracked by the caller via partCounter).
func DecodeGeminiChunk(raw map[string]any, partCounter *int) ProviderChunk {
	chunk := ProviderChunk{Raw: raw}

	candidates, _ := raw["candidates"].([]any)
	if len(candidates) == 0 {
		chunk.Usage = decodeGeminiUsage(raw)
		return chunk
	}
	candidate, _ := candidates[0].(map[string]any)
	content, _ := candidate["content"].(map[string]any)
	parts, _ := content["parts"].([]any)

	for _, rawPart := range parts {
		part, _ := rawPart.(map[string]any)
		if part == nil {
			continue
		}
		text, hasText := part["text"].(string)
		isThought, _ := part["thought"].(bool)

		switch {
		case isThought && hasText:
			chunk.ReasoningDeltas = append(chunk.ReasoningDeltas, ReasoningDelta{Kind: ReasoningText, Text: text})
		case hasText:
			chunk.TextDelta += text
		case part["functionCall"] != nil:
			fc, _ := part["functionCall"].(map[string]any)
			name, _ := fc["name"].(string)
			args, _ := fc["args"].(map[string]any)
			argsJSON, _ := json.Marshal(args)
			idx := *partCounter
			*partCounter++
			chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, ToolCallDelta{
				UpstreamIndex: idx, Name: name, ArgsDelta: string(argsJSON),
			})
		}
	}

	if reason, ok := candidate["finishReason"].(string); ok && reason != "" {
		chunk.FinishReason = mapGeminiFinishReason(reason, len(chunk.ToolCallDeltas) > 0)
	}
	if usage := decodeGeminiUsage(raw); usage != nil {
		chunk.Usage = usage
	}
	return chunk
}

func mapGeminiFinishReason(reason string, hadToolCalls bool) string {
	if hadToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

func decodeGeminiUsage(raw map[string]any) *types.Usage {
	u, ok := raw["usageMetadata"].(map[string]any)
	if !ok {
		return nil
	}
	prompt, _ := u["promptTokenCount"].(float64)
	completion, _ := u["candidatesTokenCount"].(float64)
	if prompt == 0 && completion == 0 {
		return nil
	}
	return &types.Usage{InputTokens: int(prompt), OutputTokens: int(completion)}
}
