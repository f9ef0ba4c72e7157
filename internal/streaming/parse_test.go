package streaming

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unmarshalChunk(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestDecodeOpenAITextDelta(t *testing.T) {
	chunk := DecodeOpenAIChunk(unmarshalChunk(t, `{"choices":[{"delta":{"content":"hi"}}]}`))
	assert.Equal(t, "hi", chunk.TextDelta)
	assert.Empty(t, chunk.FinishReason)
}

func TestDecodeOpenAIToolCallDelta(t *testing.T) {
	chunk := DecodeOpenAIChunk(unmarshalChunk(t, `{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"Bash","arguments":"{\"com"}}]},"finish_reason":null}]}`))
	require.Len(t, chunk.ToolCallDeltas, 1)
	assert.Equal(t, 0, chunk.ToolCallDeltas[0].UpstreamIndex)
	assert.Equal(t, "call_1", chunk.ToolCallDeltas[0].ID)
	assert.Equal(t, "Bash", chunk.ToolCallDeltas[0].Name)
	assert.Equal(t, `{"com`, chunk.ToolCallDeltas[0].ArgsDelta)
}

func TestDecodeOpenAIReasoningContentAndDetails(t *testing.T) {
	chunk := DecodeOpenAIChunk(unmarshalChunk(t, `{"choices":[{"delta":{"reasoning_content":"mull","reasoning_details":[{"type":"reasoning.encrypted","data":"xyz"},{"type":"reasoning.summary","text":"tldr"}]}}]}`))
	require.Len(t, chunk.ReasoningDeltas, 3)
	assert.Equal(t, ReasoningText, chunk.ReasoningDeltas[0].Kind)
	assert.Equal(t, "mull", chunk.ReasoningDeltas[0].Text)
	assert.Equal(t, ReasoningEncrypted, chunk.ReasoningDeltas[1].Kind)
	assert.Equal(t, ReasoningSummary, chunk.ReasoningDeltas[2].Kind)
}

func TestDecodeOpenAIUsageOnlyChunk(t *testing.T) {
	chunk := DecodeOpenAIChunk(unmarshalChunk(t, `{"choices":[],"usage":{"prompt_tokens":100,"completion_tokens":25}}`))
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 100, chunk.Usage.InputTokens)
	assert.Equal(t, 25, chunk.Usage.OutputTokens)
}

func TestDecodeGeminiTextAndThoughtParts(t *testing.T) {
	counter := 0
	chunk := DecodeGeminiChunk(unmarshalChunk(t, `{"candidates":[{"content":{"parts":[{"text":"pondering","thought":true},{"text":"answer"}]}}]}`), &counter)
	require.Len(t, chunk.ReasoningDeltas, 1)
	assert.Equal(t, "pondering", chunk.ReasoningDeltas[0].Text)
	assert.Equal(t, "answer", chunk.TextDelta)
}

func TestDecodeGeminiFunctionCallsGetSequentialIndexes(t *testing.T) {
	counter := 0
	first := DecodeGeminiChunk(unmarshalChunk(t, `{"candidates":[{"content":{"parts":[{"functionCall":{"name":"Read","args":{"file_path":"/tmp/a"}}}]}}]}`), &counter)
	second := DecodeGeminiChunk(unmarshalChunk(t, `{"candidates":[{"content":{"parts":[{"functionCall":{"name":"Bash","args":{"command":"ls"}}}]},"finishReason":"STOP"}]}`), &counter)

	require.Len(t, first.ToolCallDeltas, 1)
	require.Len(t, second.ToolCallDeltas, 1)
	assert.Equal(t, 0, first.ToolCallDeltas[0].UpstreamIndex)
	assert.Equal(t, 1, second.ToolCallDeltas[0].UpstreamIndex)
	assert.Contains(t, first.ToolCallDeltas[0].ArgsDelta, `"file_path":"/tmp/a"`)

	// A finish with an in-chunk functionCall maps to tool_calls, not stop.
	assert.Equal(t, "tool_calls", second.FinishReason)
}

func TestDecodeGeminiFinishReasons(t *testing.T) {
	counter := 0
	chunk := DecodeGeminiChunk(unmarshalChunk(t, `{"candidates":[{"content":{"parts":[{"text":"x"}]},"finishReason":"MAX_TOKENS"}]}`), &counter)
	assert.Equal(t, "length", chunk.FinishReason)

	chunk = DecodeGeminiChunk(unmarshalChunk(t, `{"candidates":[{"content":{"parts":[{"text":"x"}]},"finishReason":"SAFETY"}]}`), &counter)
	assert.Equal(t, "content_filter", chunk.FinishReason)

	chunk = DecodeGeminiChunk(unmarshalChunk(t, `{"candidates":[{"content":{"parts":[{"text":"x"}]},"finishReason":"STOP"}]}`), &counter)
	assert.Equal(t, "stop", chunk.FinishReason)
}

func TestDecodeGeminiUsageMetadata(t *testing.T) {
	counter := 0
	chunk := DecodeGeminiChunk(unmarshalChunk(t, `{"usageMetadata":{"promptTokenCount":50,"candidatesTokenCount":10}}`), &counter)
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 50, chunk.Usage.InputTokens)
	assert.Equal(t, 10, chunk.Usage.OutputTokens)
}
