// Package adapter implements the per-model-family request/response
// rewriting: mapping the neutral "thinking
// budget" into whatever reasoning-parameter dialect a provider speaks,
// and cleaning provider-specific noise (leaked chat-template tokens,
// XML tool-call envelopes, externalised chain-of-thought) out of
// streamed text.
package adapter

import (
	"strings"

	"github.com/howard-nolan/claudish-gateway/internal/toolcall"
	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// TextResult is what processing one chunk of streamed text produces.
type TextResult struct {
	CleanedText     string
	ExtractedCalls  []toolcall.ExtractedCall
	WasTransformed  bool
	Suppressed      bool // true if the adapter withheld output entirely (e.g. a partial XML tag)
}

// RequestPrep receives the outbound request-in-progress (as a generic
// map so every dialect's encoder can mutate its own shape) plus the
// original neutral request, and mutates payload in place.
type RequestPrep func(payload map[string]any, original *types.Req)

// Adapter is the per-model-family plug-in contract.
type Adapter interface {
	// Name identifies the adapter for logging.
	Name() string
	// ShouldHandle reports whether this adapter applies to modelID.
	// Order matters: the first adapter (in registration order) whose
	// ShouldHandle returns true wins.
	ShouldHandle(modelID string) bool
	// Reset clears any per-request accumulator state. Called at the
	// start of every request.
	Reset()
	// PrepareRequest rewrites the outbound request payload.
	PrepareRequest(payload map[string]any, original *types.Req)
	// ProcessTextContent cleans one streamed chunk of text and may
	// extract tool calls embedded in provider-specific syntax (Grok's
	// XML). Any cross-chunk buffering is kept inside the adapter and
	// cleared by Reset.
	ProcessTextContent(chunk string) TextResult
}

// Chain returns the first adapter in adapters whose ShouldHandle(modelID)
// is true, or the identity Default adapter if none match. Ordering is
// significant: Grok and Gemini are checked before OpenAI, since OpenAI's
// ShouldHandle would otherwise also match "o1"/"o3"-style ids under a
// looser match.
func Chain(adapters []Adapter, modelID string) Adapter {
	for _, a := range adapters {
		if a.ShouldHandle(modelID) {
			return a
		}
	}
	return &Default{}
}

// DefaultChain returns a fresh set of adapter instances in matching
// order: Grok and Gemini (which match narrow, distinct
// substrings) must be tried before OpenAI (whose ShouldHandle would
// otherwise also match "o1"/"o3"-prefixed local model ids).
func DefaultChain() []Adapter {
	return []Adapter{
		&Grok{},
		&Gemini{},
		&Qwen{},
		&MiniMax{},
		&DeepSeek{},
		&OpenAI{},
	}
}

// Default implements the identity adapter for model families with no
// special handling.
type Default struct{}

func (d *Default) Name() string                 { return "default" }
func (d *Default) ShouldHandle(string) bool     { return true }
func (d *Default) Reset()                       {}
func (d *Default) PrepareRequest(map[string]any, *types.Req) {}
func (d *Default) ProcessTextContent(chunk string) TextResult {
	return TextResult{CleanedText: chunk}
}

// budgetToEffort maps a thinking budget to one of a small set of named
// effort levels using ascending thresholds, the pattern shared by the
// OpenAI and Grok adapters below.
func budgetToEffort(budget int, thresholds []int, labels []string) string {
	for i, t := range thresholds {
		if budget < t {
			return labels[i]
		}
	}
	return labels[len(labels)-1]
}

// stripChatTemplateTokens removes raw special tokens that some local
// OpenAI-compatible servers leak into the stream verbatim when their
// chat template isn't applied server-side.
func stripChatTemplateTokens(s string, tokens []string) string {
	out := s
	for _, tok := range tokens {
		out = strings.ReplaceAll(out, tok, "")
	}
	return out
}
