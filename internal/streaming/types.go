// Package streaming implements the Anthropic-shaped SSE state machine:
// it parses each upstream dialect's raw SSE chunks into a neutral
// ProviderChunk, drives the content-block machine
// (the three-slot text/reasoning/tool interlock), runs tool-call
// recovery at finish time, and serialises the result back out as an
// Anthropic Messages API event stream.
package streaming

import "github.com/howard-nolan/claudish-gateway/internal/types"

// ReasoningKind tags the three reasoning_details variants the machine
// distinguishes.
type ReasoningKind string

const (
	ReasoningText      ReasoningKind = "text"
	ReasoningSummary   ReasoningKind = "summary"
	ReasoningEncrypted ReasoningKind = "encrypted"
)

// ReasoningDelta is one chunk of reasoning content observed in an
// upstream delta.
type ReasoningDelta struct {
	Kind ReasoningKind
	Text string
}

// ToolCallDelta is one chunk of a tool/function call observed in an
// upstream delta, keyed by the upstream's own per-call index (OpenAI)
// or, for Gemini, which has no index, by a running count of the
// functionCall parts seen so far in the stream.
type ToolCallDelta struct {
	UpstreamIndex int
	ID            string
	Name          string
	ArgsDelta     string
}

// ProviderChunk is the dialect-neutral shape every upstream SSE/pseudo-SSE
// payload is parsed into before reaching the Machine. Raw carries the
// parsed-but-untyped JSON object so middleware can inspect
// dialect-specific fields (e.g. OpenRouter's reasoning_details) without
// the Machine itself needing to know about them.
type ProviderChunk struct {
	TextDelta       string
	ReasoningDeltas []ReasoningDelta
	ToolCallDeltas  []ToolCallDelta
	FinishReason    string // "", "stop", "tool_calls", "length", "content_filter"
	Usage           *types.Usage
	Raw             map[string]any
}

// FinalizeReason names why Finalize was invoked.
type FinalizeReason string

const (
	FinalizeNormal       FinalizeReason = "normal"
	FinalizeToolCalls    FinalizeReason = "tool_calls"
	FinalizeCancellation FinalizeReason = "cancelled"
	FinalizeError        FinalizeReason = "error"
)
