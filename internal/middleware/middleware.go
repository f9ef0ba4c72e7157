// Package middleware implements the gateway's cross-cutting per-request
// hooks. The sole concrete middleware replays Gemini's encrypted
// reasoning-details ("thought signatures") across turns so the
// aggregator can validate a multi-turn tool-using conversation without
// 400ing on a missing signature.
package middleware

import (
	"strconv"
	"sync"

	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// StreamContext is threaded through the streaming state machine so
// middleware can observe and mutate shared per-stream metadata without
// the machine itself knowing what any particular middleware does with
// it.
type StreamContext struct {
	mu              sync.Mutex
	ReasoningDetails []any
	ToolCallIDs      map[string]struct{}
}

// NewStreamContext returns an empty, ready-to-use StreamContext.
func NewStreamContext() *StreamContext {
	return &StreamContext{ToolCallIDs: map[string]struct{}{}}
}

// AddReasoningDetail appends one opaque reasoning_details entry
// observed in the current delta.
func (sc *StreamContext) AddReasoningDetail(detail any) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.ReasoningDetails = append(sc.ReasoningDetails, detail)
}

// AddToolCallID records a tool-call id seen in the current stream.
func (sc *StreamContext) AddToolCallID(id string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.ToolCallIDs[id] = struct{}{}
}

// Snapshot returns a copy of the accumulated details and tool-call ids.
func (sc *StreamContext) Snapshot() ([]any, map[string]struct{}) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	details := make([]any, len(sc.ReasoningDetails))
	copy(details, sc.ReasoningDetails)
	ids := make(map[string]struct{}, len(sc.ToolCallIDs))
	for id := range sc.ToolCallIDs {
		ids[id] = struct{}{}
	}
	return details, ids
}

// CompletionMetadata is passed to AfterStreamComplete.
type CompletionMetadata struct {
	MessageID string
}

// Middleware is the three-hook contract every middleware implements.
type Middleware interface {
	BeforeRequest(req *types.Req, payload map[string]any)
	AfterStreamChunk(sc *StreamContext, rawDelta map[string]any)
	AfterStreamComplete(sc *StreamContext, meta CompletionMetadata)
}

// cachedReplay is what gets stored per assistant message id in the
// process-wide ReplayCache.
type cachedReplay struct {
	details    []any
	toolCallIDs map[string]struct{}
}

// ReplayCache is the process-wide (message id -> reasoning replay)
// cache. It is an explicitly injected collaborator, not package-level
// global state, so tests can supply a fresh instance per case.
type ReplayCache struct {
	mu      sync.Mutex
	entries map[string]cachedReplay
}

// NewReplayCache returns an empty cache.
func NewReplayCache() *ReplayCache {
	return &ReplayCache{entries: map[string]cachedReplay{}}
}

func (c *ReplayCache) store(messageID string, details []any, ids map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[messageID] = cachedReplay{details: details, toolCallIDs: ids}
}

// lookupByToolCallIDs returns the reasoning details cached for any
// message whose tool-call id set intersects ids, and whether anything
// was found.
func (c *ReplayCache) lookupByToolCallIDs(ids map[string]struct{}) ([]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		for id := range ids {
			if _, ok := entry.toolCallIDs[id]; ok {
				return entry.details, true
			}
		}
	}
	return nil, false
}

// GeminiReasoningReplay replays Gemini thought signatures across turns.
type GeminiReasoningReplay struct {
	cache *ReplayCache
	newID func() string
}

// NewGeminiReasoningReplay constructs the middleware against the given
// cache. newID generates message ids for newly-observed assistant
// turns; pass nil to use a simple counter-based generator.
func NewGeminiReasoningReplay(cache *ReplayCache, newID func() string) *GeminiReasoningReplay {
	if newID == nil {
		var n int
		var mu sync.Mutex
		newID = func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return "gemini-replay-msg-" + strconv.Itoa(n)
		}
	}
	return &GeminiReasoningReplay{cache: cache, newID: newID}
}

// BeforeRequest attaches cached reasoning_details onto any outbound
// assistant message whose tool_calls intersect a cached tool-call id
// set, so the upstream can verify the encrypted signature on replay.
func (g *GeminiReasoningReplay) BeforeRequest(req *types.Req, payload map[string]any) {
	messages, ok := payload["messages"].([]map[string]any)
	if !ok {
		return
	}
	for _, msg := range messages {
		role, _ := msg["role"].(string)
		if role != "assistant" {
			continue
		}
		toolCalls, ok := msg["tool_calls"].([]map[string]any)
		if !ok || len(toolCalls) == 0 {
			continue
		}

		ids := map[string]struct{}{}
		for _, tc := range toolCalls {
			if id, ok := tc["id"].(string); ok {
				ids[id] = struct{}{}
			}
		}

		if details, found := g.cache.lookupByToolCallIDs(ids); found {
			msg["reasoning_details"] = details
		}
	}
}

// AfterStreamChunk appends any reasoning_details entries found in the
// raw delta to the stream's accumulator, and records every tool-call id
// observed so AfterStreamComplete knows which future assistant turns
// this replay belongs to.
func (g *GeminiReasoningReplay) AfterStreamChunk(sc *StreamContext, rawDelta map[string]any) {
	rawDelta = unwrapChoiceDelta(rawDelta)
	if details, ok := rawDelta["reasoning_details"].([]any); ok {
		for _, d := range details {
			sc.AddReasoningDetail(d)
		}
	}
	if toolCalls, ok := rawDelta["tool_calls"].([]any); ok {
		for _, tc := range toolCalls {
			if m, ok := tc.(map[string]any); ok {
				if id, ok := m["id"].(string); ok && id != "" {
					sc.AddToolCallID(id)
				}
			}
		}
	}
}

// unwrapChoiceDelta digs choices[0].delta out of a whole OpenAI-dialect
// SSE chunk. The streaming machine hands middleware the full parsed
// chunk; reasoning_details and tool_calls live inside the delta there,
// but callers may also pass a bare delta object directly.
func unwrapChoiceDelta(raw map[string]any) map[string]any {
	choices, ok := raw["choices"].([]any)
	if !ok || len(choices) == 0 {
		return raw
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return raw
	}
	if delta, ok := choice["delta"].(map[string]any); ok {
		return delta
	}
	return raw
}

// AfterStreamComplete stores the accumulated reasoning_details under a
// generated message id, but only when both a detail and a tool-call id
// were observed — an assistant turn with no tool calls has nothing to
// replay.
func (g *GeminiReasoningReplay) AfterStreamComplete(sc *StreamContext, meta CompletionMetadata) {
	details, ids := sc.Snapshot()
	if len(details) == 0 || len(ids) == 0 {
		return
	}
	messageID := meta.MessageID
	if messageID == "" {
		messageID = g.newID()
	}
	g.cache.store(messageID, details, ids)
}

// Chain runs a list of middleware, invoking each hook in registration
// order.
type Chain struct {
	mws []Middleware
}

// NewChain returns a Chain wrapping mws in registration order.
func NewChain(mws ...Middleware) *Chain {
	return &Chain{mws: mws}
}

func (c *Chain) BeforeRequest(req *types.Req, payload map[string]any) {
	for _, m := range c.mws {
		m.BeforeRequest(req, payload)
	}
}

func (c *Chain) AfterStreamChunk(sc *StreamContext, rawDelta map[string]any) {
	for _, m := range c.mws {
		m.AfterStreamChunk(sc, rawDelta)
	}
}

func (c *Chain) AfterStreamComplete(sc *StreamContext, meta CompletionMetadata) {
	for _, m := range c.mws {
		m.AfterStreamComplete(sc, meta)
	}
}
