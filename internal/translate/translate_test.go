package translate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/howard-nolan/claudish-gateway/internal/registry"
	"github.com/howard-nolan/claudish-gateway/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToOpenAIPayloadIncludesIdentityScrub(t *testing.T) {
	req := &types.Req{
		Model:     "oai/gpt-4o",
		MaxTokens: 100,
		Messages: []types.Msg{
			{Role: types.RoleUser, Content: []types.ContentBlock{{Type: types.BlockText, Text: "hi"}}},
		},
	}
	payload := ToOpenAIPayload(req, registry.Capabilities{Tools: true, Vision: true}, false)
	messages := payload["messages"].([]map[string]any)
	require.NotEmpty(t, messages)
	sysMsg := messages[0]
	assert.Equal(t, "system", sysMsg["role"])
	assert.Contains(t, sysMsg["content"], identityScrub)
}

func TestToOpenAIPayloadSimpleOnlyFlattensContent(t *testing.T) {
	req := &types.Req{
		Model: "lmstudio/llama",
		Messages: []types.Msg{
			{Role: types.RoleUser, Content: []types.ContentBlock{
				{Type: types.BlockText, Text: "describe this"},
				{Type: types.BlockImage, MediaType: "image/png", Data: "AAAA"},
			}},
		},
	}
	payload := ToOpenAIPayload(req, registry.Capabilities{SimpleOnly: true}, false)
	messages := payload["messages"].([]map[string]any)
	last := messages[len(messages)-1]
	_, isString := last["content"].(string)
	assert.True(t, isString, "SimpleOnly backends must get flat string content")
}

func TestAssistantToolUseRoundTripsToOpenAIToolCalls(t *testing.T) {
	req := &types.Req{
		Model: "oai/gpt-4o",
		Messages: []types.Msg{
			{Role: types.RoleAssistant, Content: []types.ContentBlock{
				{Type: types.BlockToolUse, ToolUseID: "toolu_1", ToolName: "get_weather", ToolInput: json.RawMessage(`{"city":"nyc"}`)},
			}},
			{Role: types.RoleUser, Content: []types.ContentBlock{
				{Type: types.BlockToolResult, ToolUseID: "toolu_1", ToolResultContent: json.RawMessage(`"72F"`)},
			}},
		},
	}
	payload := ToOpenAIPayload(req, registry.Capabilities{Tools: true}, false)
	messages := payload["messages"].([]map[string]any)

	var sawToolCall, sawToolResult bool
	for _, m := range messages {
		if m["role"] == "assistant" {
			if calls, ok := m["tool_calls"].([]map[string]any); ok && len(calls) == 1 {
				sawToolCall = true
			}
		}
		if m["role"] == "tool" && m["tool_call_id"] == "toolu_1" {
			sawToolResult = true
			assert.Equal(t, "72F", m["content"])
		}
	}
	assert.True(t, sawToolCall)
	assert.True(t, sawToolResult)
}

func TestToGeminiPayloadStripsURIFormatFromTools(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"link":{"type":"string","format":"uri"}}}`)
	req := &types.Req{
		Model: "g/gemini-2.5-pro",
		Tools: []types.Tool{{Name: "fetch", Description: "fetch a url", InputSchema: schema}},
		Messages: []types.Msg{
			{Role: types.RoleUser, Content: []types.ContentBlock{{Type: types.BlockText, Text: "go"}}},
		},
	}
	payload := ToGeminiPayload(req, NewToolCallIDMap())
	tools := payload["tools"].([]map[string]any)[0]["functionDeclarations"].([]map[string]any)
	params := tools[0]["parameters"].(map[string]any)
	props := params["properties"].(map[string]any)
	link := props["link"].(map[string]any)
	_, hasFormat := link["format"]
	assert.False(t, hasFormat)
}

func TestToGeminiPayloadMapsToolUseAndResultByName(t *testing.T) {
	idMap := NewToolCallIDMap()
	req := &types.Req{
		Model: "g/gemini-2.5-pro",
		Messages: []types.Msg{
			{Role: types.RoleAssistant, Content: []types.ContentBlock{
				{Type: types.BlockToolUse, ToolUseID: "toolu_9", ToolName: "search", ToolInput: json.RawMessage(`{"q":"go"}`)},
			}},
			{Role: types.RoleUser, Content: []types.ContentBlock{
				{Type: types.BlockToolResult, ToolUseID: "toolu_9", ToolResultContent: json.RawMessage(`"result"`)},
			}},
		},
	}
	payload := ToGeminiPayload(req, idMap)
	contents := payload["contents"].([]map[string]any)

	modelParts := contents[0]["parts"].([]map[string]any)
	fc := modelParts[0]["functionCall"].(map[string]any)
	assert.Equal(t, "search", fc["name"])

	userParts := contents[1]["parts"].([]map[string]any)
	fr := userParts[0]["functionResponse"].(map[string]any)
	assert.Equal(t, "search", fr["name"])
}

func TestSanitizeSchemaCapsEnumUnderSummarize(t *testing.T) {
	enum := make([]any, 30)
	for i := range enum {
		enum[i] = i
	}
	raw, _ := json.Marshal(map[string]any{"type": "string", "enum": enum})

	out := SanitizeSchema(raw, true)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(out, &parsed))
	assert.Len(t, parsed["enum"], 5)
}

func TestSanitizeSchemaTrimsPropertyDescriptionsToEightyChars(t *testing.T) {
	long := strings.Repeat("y", 200)
	raw, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"field": map[string]any{"type": "string", "description": "<b>" + long + "</b>"},
		},
	})

	out := SanitizeSchema(raw, true)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(out, &parsed))
	desc := parsed["properties"].(map[string]any)["field"].(map[string]any)["description"].(string)
	assert.NotContains(t, desc, "<b>")
	assert.LessOrEqual(t, len(desc), 83) // 80 chars plus the "..." marker
}

func TestSummarizeDescriptionFirstSentenceAndMarkupStripping(t *testing.T) {
	desc := "<p>Runs a shell command.</p> Extended notes follow with much more detail about flags and behavior."
	assert.Equal(t, "Runs a shell command.", summarizeDescription(desc))

	// No sentence terminator: cap at 150 chars.
	long := strings.Repeat("z", 300)
	assert.Equal(t, long[:150]+"...", summarizeDescription(long))
}

func TestToOpenAIToolsSummarizesDescriptions(t *testing.T) {
	req := []types.Tool{{
		Name:        "Bash",
		Description: "Execute a command. Everything after the first sentence is dropped in summarisation mode.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}
	tools := toOpenAITools(req, true)
	fn := tools[0]["function"].(map[string]any)
	assert.Equal(t, "Execute a command.", fn["description"])
}

func TestToAnthropicCompatPayloadPreservesToolResultIsError(t *testing.T) {
	req := &types.Req{
		Model:     "mmax/abab",
		MaxTokens: 50,
		Messages: []types.Msg{
			{Role: types.RoleUser, Content: []types.ContentBlock{
				{Type: types.BlockToolResult, ToolUseID: "t1", ToolResultContent: json.RawMessage(`"boom"`), ToolResultIsError: true},
			}},
		},
	}
	payload := ToAnthropicCompatPayload(req)
	messages := payload["messages"].([]map[string]any)
	blocks := messages[0]["content"].([]map[string]any)
	assert.Equal(t, true, blocks[0]["is_error"])
}
