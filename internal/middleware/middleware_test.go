package middleware

import (
	"testing"

	"github.com/howard-nolan/claudish-gateway/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestGeminiReplayStoresDetailsOnlyWithToolCalls(t *testing.T) {
	cache := NewReplayCache()
	mw := NewGeminiReasoningReplay(cache, func() string { return "msg_1" })
	sc := NewStreamContext()

	mw.AfterStreamChunk(sc, map[string]any{
		"reasoning_details": []any{map[string]any{"sig": "abc"}},
	})
	mw.AfterStreamComplete(sc, CompletionMetadata{})

	_, found := cache.lookupByToolCallIDs(map[string]struct{}{"anything": {}})
	assert.False(t, found, "no tool call ids observed, nothing should be cached")
}

func TestGeminiReplayRoundTrip(t *testing.T) {
	cache := NewReplayCache()
	mw := NewGeminiReasoningReplay(cache, func() string { return "msg_1" })
	sc := NewStreamContext()

	mw.AfterStreamChunk(sc, map[string]any{
		"reasoning_details": []any{map[string]any{"sig": "abc"}},
		"tool_calls":        []any{map[string]any{"id": "call_1"}},
	})
	mw.AfterStreamComplete(sc, CompletionMetadata{MessageID: "msg_1"})

	payload := map[string]any{
		"messages": []map[string]any{
			{
				"role": "assistant",
				"tool_calls": []map[string]any{
					{"id": "call_1"},
				},
			},
		},
	}
	mw.BeforeRequest(&types.Req{}, payload)

	messages := payload["messages"].([]map[string]any)
	details, ok := messages[0]["reasoning_details"].([]any)
	assert.True(t, ok)
	assert.Len(t, details, 1)
}

func TestGeminiReplayUnwrapsWholeOpenAIChunks(t *testing.T) {
	cache := NewReplayCache()
	mw := NewGeminiReasoningReplay(cache, func() string { return "msg_1" })
	sc := NewStreamContext()

	// The streaming machine hands middleware the full parsed SSE chunk,
	// not the bare delta.
	mw.AfterStreamChunk(sc, map[string]any{
		"choices": []any{map[string]any{
			"delta": map[string]any{
				"reasoning_details": []any{map[string]any{"sig": "abc"}},
				"tool_calls":        []any{map[string]any{"id": "call_9"}},
			},
		}},
	})
	mw.AfterStreamComplete(sc, CompletionMetadata{MessageID: "msg_1"})

	details, found := cache.lookupByToolCallIDs(map[string]struct{}{"call_9": {}})
	assert.True(t, found)
	assert.Len(t, details, 1)
}

func TestChainRunsMiddlewareInOrder(t *testing.T) {
	var order []string
	chain := NewChain(
		recordingMiddleware{label: "first", order: &order},
		recordingMiddleware{label: "second", order: &order},
	)
	chain.BeforeRequest(&types.Req{}, map[string]any{})
	assert.Equal(t, []string{"first", "second"}, order)
}

type recordingMiddleware struct {
	label string
	order *[]string
}

func (r recordingMiddleware) BeforeRequest(*types.Req, map[string]any) {
	*r.order = append(*r.order, r.label)
}
func (r recordingMiddleware) AfterStreamChunk(*StreamContext, map[string]any)     {}
func (r recordingMiddleware) AfterStreamComplete(*StreamContext, CompletionMetadata) {}
