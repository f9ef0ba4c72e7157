package pruner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/claudish-gateway/internal/types"
)

func textMsg(role types.Role, text string) types.Msg {
	return types.Msg{Role: role, Content: []types.ContentBlock{{Type: types.BlockText, Text: text}}}
}

func toolUseMsg(id string) types.Msg {
	return types.Msg{Role: types.RoleAssistant, Content: []types.ContentBlock{{Type: types.BlockToolUse, ToolUseID: id, ToolName: "bash"}}}
}

func toolResultMsg(id string) types.Msg {
	return types.Msg{Role: types.RoleUser, Content: []types.ContentBlock{{Type: types.BlockToolResult, ToolUseID: id}}}
}

func TestShouldPruneRequiresBothUsageAndLength(t *testing.T) {
	assert.True(t, ShouldPrune(81_000, 100_000, 6), "81% usage with more than 5 messages triggers")
	assert.False(t, ShouldPrune(81_000, 100_000, 5), "exactly 5 messages must not trigger")
	assert.False(t, ShouldPrune(80_000, 100_000, 20), "exactly 80% must not trigger, only strictly above")
	assert.False(t, ShouldPrune(10_000, 0, 20), "unknown context window never triggers")
}

// buildConversation builds a 20-message conversation: index 0 is the
// first user turn, indices 2/6 are assistant tool-use turns paired
// with tool-results at 3/7, and the rest are filler text turns.
func buildConversation() []types.Msg {
	msgs := make([]types.Msg, 20)
	msgs[0] = textMsg(types.RoleUser, "first user turn")
	msgs[1] = textMsg(types.RoleAssistant, "ack")
	msgs[2] = toolUseMsg("call-1")
	msgs[3] = toolResultMsg("call-1")
	msgs[4] = textMsg(types.RoleAssistant, "filler-4")
	msgs[5] = textMsg(types.RoleUser, "filler-5")
	msgs[6] = toolUseMsg("call-2")
	msgs[7] = toolResultMsg("call-2")
	for i := 8; i < 20; i++ {
		role := types.RoleUser
		if i%2 == 0 {
			role = types.RoleAssistant
		}
		msgs[i] = textMsg(role, "tail")
	}
	return msgs
}

func TestPruneKeepsFirstUserTailWindowAndSampledPairs(t *testing.T) {
	msgs := buildConversation()
	res := Prune(msgs)

	require.True(t, res.Pruned)
	assert.Equal(t, msgs[0], res.Messages[0], "first user message survives")

	// The first sampled tool pair (indices 2,3) must survive, the second
	// (indices 6,7) must not — one in three pairs sampled from the middle.
	foundPair1 := false
	foundPair2 := false
	for _, m := range res.Messages {
		if m.Role == types.RoleAssistant {
			for _, b := range m.Content {
				if b.Type == types.BlockToolUse && b.ToolUseID == "call-1" {
					foundPair1 = true
				}
				if b.Type == types.BlockToolUse && b.ToolUseID == "call-2" {
					foundPair2 = true
				}
			}
		}
	}
	assert.True(t, foundPair1, "first sampled pair (call-1) must survive")
	assert.False(t, foundPair2, "unsampled pair (call-2) must be dropped")

	// The last 12 messages (indices 8..19) must all survive.
	tailCount := 0
	for _, m := range res.Messages {
		if m.Role == types.RoleUser || m.Role == types.RoleAssistant {
			if len(m.Content) == 1 && m.Content[0].Type == types.BlockText && m.Content[0].Text == "tail" {
				tailCount++
			}
		}
	}
	assert.Equal(t, 12, tailCount, "all 12 tail messages survive")

	assert.Equal(t, 5, res.DroppedCount, "the ack turn, both fillers, and the call-2 pair are dropped")
}

func TestPruneLeavesShortConversationsUntouched(t *testing.T) {
	msgs := []types.Msg{
		textMsg(types.RoleUser, "hi"),
		textMsg(types.RoleAssistant, "hello"),
	}
	res := Prune(msgs)
	assert.False(t, res.Pruned)
	assert.Equal(t, msgs, res.Messages)
}

func TestPruneHandlesNoToolPairsGracefully(t *testing.T) {
	msgs := make([]types.Msg, 18)
	for i := range msgs {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		msgs[i] = textMsg(role, "plain")
	}
	res := Prune(msgs)
	require.True(t, res.Pruned)
	assert.Equal(t, msgs[0], res.Messages[0])
	assert.Equal(t, 13, len(res.Messages), "first message plus the 12-message tail window")
}
