// Package pruner implements the conversation pruner:
// when estimated context usage crosses 80% of the detected window,
// mid-conversation turns are dropped while the system prompt, the first
// user turn, a recent window, and a sample of tool-call/tool-result
// pairs survive.
//
// The neutral Req (internal/types) already carries the system prompt in
// its own field rather than as element zero of Messages, so unlike the
// original spec's flat message array, Prune only ever operates on
// Messages — the system prompt's preservation is automatic by
// construction, never something this package needs to special-case.
package pruner

import "github.com/howard-nolan/claudish-gateway/internal/types"

// ThresholdPercent is the context-usage fraction above
// which pruning triggers.
const ThresholdPercent = 80.0

// minMessagesToPrune is the message-count floor below which pruning
// never triggers.
const minMessagesToPrune = 5

// tailWindow is how many of the most recent messages are always kept
// verbatim.
const tailWindow = 12

// sampleEvery keeps one in every three tool pairs sampled from the
// middle section.
const sampleEvery = 3

// ShouldPrune reports whether pruning should run before this request is
// sent upstream.
func ShouldPrune(estimatedInputTokens, contextWindow, messageCount int) bool {
	if messageCount <= minMessagesToPrune || contextWindow <= 0 {
		return false
	}
	usage := float64(estimatedInputTokens) / float64(contextWindow) * 100
	return usage > ThresholdPercent
}

// Result is the outcome of one prune pass.
type Result struct {
	Messages     []types.Msg
	Pruned       bool
	DroppedCount int
}

// Prune drops mid-conversation turns according to the retention rules.
func Prune(messages []types.Msg) Result {
	if len(messages) <= minMessagesToPrune {
		return Result{Messages: messages}
	}

	firstUserIdx := -1
	for i, m := range messages {
		if m.Role == types.RoleUser {
			firstUserIdx = i
			break
		}
	}

	tailStart := len(messages) - tailWindow
	if tailStart < 0 {
		tailStart = 0
	}

	keep := make([]bool, len(messages))
	if firstUserIdx >= 0 {
		keep[firstUserIdx] = true
	}
	for i := tailStart; i < len(messages); i++ {
		keep[i] = true
	}

	middleStart := firstUserIdx + 1
	if middleStart < 0 {
		middleStart = 0
	}
	for i, pair := range findToolPairs(messages, middleStart, tailStart) {
		if i%sampleEvery != 0 {
			continue
		}
		keep[pair.assistantIdx] = true
		for _, idx := range pair.toolResultIdxs {
			keep[idx] = true
		}
	}

	out := make([]types.Msg, 0, len(messages))
	dropped := 0
	for i, m := range messages {
		if keep[i] {
			out = append(out, m)
		} else {
			dropped++
		}
	}
	return Result{Messages: out, Pruned: dropped > 0, DroppedCount: dropped}
}

// DisclosureNote is the one-shot system-prompt note appended after a
// prune actually drops messages.
func DisclosureNote(droppedCount int) string {
	return "Note: earlier turns in this conversation were pruned to fit the model's context window. " +
		"Some intermediate messages are no longer visible."
}

type toolPair struct {
	assistantIdx   int
	toolResultIdxs []int
}

// findToolPairs scans messages[start:end) for assistant turns carrying
// tool-use blocks, pairing each with the immediately following
// user-role messages that carry a matching tool-result.
func findToolPairs(messages []types.Msg, start, end int) []toolPair {
	var pairs []toolPair
	if start < 0 {
		start = 0
	}
	if end > len(messages) {
		end = len(messages)
	}
	for i := start; i < end; i++ {
		msg := messages[i]
		if msg.Role != types.RoleAssistant {
			continue
		}
		ids := toolUseIDs(msg)
		if len(ids) == 0 {
			continue
		}
		pair := toolPair{assistantIdx: i}
		for j := i + 1; j < len(messages); j++ {
			if !referencesAny(messages[j], ids) {
				break
			}
			pair.toolResultIdxs = append(pair.toolResultIdxs, j)
		}
		pairs = append(pairs, pair)
	}
	return pairs
}

func toolUseIDs(msg types.Msg) map[string]struct{} {
	ids := map[string]struct{}{}
	for _, b := range msg.Content {
		if b.Type == types.BlockToolUse {
			ids[b.ToolUseID] = struct{}{}
		}
	}
	return ids
}

func referencesAny(msg types.Msg, ids map[string]struct{}) bool {
	if msg.Role != types.RoleUser {
		return false
	}
	for _, b := range msg.Content {
		if b.Type == types.BlockToolResult {
			if _, ok := ids[b.ToolUseID]; ok {
				return true
			}
		}
	}
	return false
}
