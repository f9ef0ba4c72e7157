// Package translate converts the neutral types.Req/types.Msg shapes
// into each upstream dialect's wire payload, and
// sanitises tool schemas for backends with weaker JSON-schema support.
// The reverse direction — provider response deltas back into neutral
// types.Evt events — lives in internal/streaming, since it is
// inseparable from the SSE state machine.
package translate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/howard-nolan/claudish-gateway/internal/registry"
	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// identityScrub is injected as a system-prompt prefix for every
// non-Anthropic-native upstream so that a model trained to announce
// itself as some other assistant doesn't leak that identity to a
// client that only ever speaks to "Claude".
const identityScrub = "Respond as the assistant in this conversation. Do not mention which underlying model or company you are, and never identify yourself by any name other than what the user calls you."

// familyPreamble returns an extra system-prompt line for model
// families known to otherwise ignore tool-use instructions or leak
// chain-of-thought into visible text.
func familyPreamble(modelID string) string {
	lower := strings.ToLower(modelID)
	switch {
	case strings.Contains(lower, "grok"):
		return "When calling a tool, use the function-call mechanism provided; do not describe the call in prose."
	case strings.Contains(lower, "gemini"):
		return "Keep any internal reasoning out of the visible response text."
	default:
		return ""
	}
}

// systemText flattens a Req's system blocks into one string, the shape
// every non-Anthropic-native dialect wants.
func systemText(req *types.Req) string {
	var parts []string
	for _, b := range req.System {
		if b.Type == types.BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// buildSystemPrompt assembles the final system string sent upstream:
// identity scrub, then family preamble, then the caller's own system
// blocks, in that order.
func buildSystemPrompt(req *types.Req) string {
	segments := []string{identityScrub}
	if p := familyPreamble(req.Model); p != "" {
		segments = append(segments, p)
	}
	if s := systemText(req); s != "" {
		segments = append(segments, s)
	}
	return strings.Join(segments, "\n\n")
}

// ToolCallIDMap remembers, for a single request's lifetime, which
// synthetic tool-call id was minted for which tool name — Gemini's
// functionCall/functionResponse pairing is positional, not by id, so
// the gateway must invent and track ids itself on both the request and
// response side.
type ToolCallIDMap struct {
	idToName map[string]string
}

// NewToolCallIDMap returns an empty map.
func NewToolCallIDMap() *ToolCallIDMap {
	return &ToolCallIDMap{idToName: map[string]string{}}
}

// Put records id -> name.
func (m *ToolCallIDMap) Put(id, name string) { m.idToName[id] = name }

// NameFor returns the tool name previously stored under id.
func (m *ToolCallIDMap) NameFor(id string) (string, bool) {
	name, ok := m.idToName[id]
	return name, ok
}

// NewToolUseID mints a fresh synthetic tool-use id (used whenever an
// upstream dialect doesn't supply one itself, e.g. Gemini).
func NewToolUseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// --- OpenAI-compatible dialect ----------------------------------------

// ToOpenAIPayload builds the JSON body for an OpenAI-compatible
// chat/completions request.
func ToOpenAIPayload(req *types.Req, caps registry.Capabilities, summarizeTools bool) map[string]any {
	payload := map[string]any{
		"model":    req.Model,
		"messages": toOpenAIMessages(req, caps),
		"stream":   req.Stream,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if len(req.Tools) > 0 && caps.Tools {
		payload["tools"] = toOpenAITools(req.Tools, summarizeTools)
		payload["tool_choice"] = toOpenAIToolChoice(req.ToolChoice)
	}
	return payload
}

func toOpenAIMessages(req *types.Req, caps registry.Capabilities) []map[string]any {
	var out []map[string]any

	if sys := buildSystemPrompt(req); sys != "" {
		out = append(out, map[string]any{"role": "system", "content": sys})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case types.RoleUser:
			out = append(out, userMessageToOpenAI(msg, caps)...)
		case types.RoleAssistant:
			out = append(out, assistantMessageToOpenAI(msg, caps))
		}
	}
	return out
}

// userMessageToOpenAI may expand into multiple OpenAI messages: a
// user's content blocks can mix tool_result blocks (each of which
// becomes its own role:"tool" message) with text/image blocks (which
// collapse into a single role:"user" message).
func userMessageToOpenAI(msg types.Msg, caps registry.Capabilities) []map[string]any {
	var out []map[string]any
	var parts []map[string]any
	var flatText []string

	for _, b := range msg.Content {
		switch b.Type {
		case types.BlockToolResult:
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": b.ToolUseID,
				"content":      toolResultToString(b),
			})
		case types.BlockText:
			flatText = append(flatText, b.Text)
			parts = append(parts, map[string]any{"type": "text", "text": b.Text})
		case types.BlockImage:
			if caps.Vision && !caps.SimpleOnly {
				parts = append(parts, map[string]any{
					"type": "image_url",
					"image_url": map[string]any{
						"url": fmt.Sprintf("data:%s;base64,%s", b.MediaType, b.Data),
					},
				})
			}
		}
	}

	if len(parts) > 0 {
		if caps.SimpleOnly {
			out = append(out, map[string]any{"role": "user", "content": strings.Join(flatText, "\n")})
		} else {
			out = append(out, map[string]any{"role": "user", "content": parts})
		}
	}
	return out
}

func assistantMessageToOpenAI(msg types.Msg, caps registry.Capabilities) map[string]any {
	result := map[string]any{"role": "assistant"}
	var text []string
	var toolCalls []map[string]any

	for _, b := range msg.Content {
		switch b.Type {
		case types.BlockText:
			text = append(text, b.Text)
		case types.BlockToolUse:
			toolCalls = append(toolCalls, map[string]any{
				"id":   b.ToolUseID,
				"type": "function",
				"function": map[string]any{
					"name":      b.ToolName,
					"arguments": string(b.ToolInput),
				},
			})
		}
	}

	if len(text) > 0 {
		result["content"] = strings.Join(text, "")
	} else {
		result["content"] = nil
	}
	if len(toolCalls) > 0 {
		result["tool_calls"] = toolCalls
	}
	return result
}

func toolResultToString(b types.ContentBlock) string {
	if len(b.ToolResultContent) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(b.ToolResultContent, &s) == nil {
		return s
	}
	return string(b.ToolResultContent)
}

func toOpenAIToolChoice(tc types.ToolChoice) any {
	switch tc.Kind {
	case types.ToolChoiceNone:
		return "none"
	case types.ToolChoiceNamed:
		return map[string]any{"type": "function", "function": map[string]any{"name": tc.Name}}
	default:
		return "auto"
	}
}

func toOpenAITools(tools []types.Tool, summarize bool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(SanitizeSchema(t.InputSchema, summarize), &schema)
		desc := t.Description
		if summarize {
			desc = summarizeDescription(desc)
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": desc,
				"parameters":  schema,
			},
		})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// markupTagRe matches HTML/XML tags embedded in tool descriptions.
var markupTagRe = regexp.MustCompile(`<[^<>]*>`)

// stripMarkup removes HTML/XML tags from a description.
func stripMarkup(s string) string {
	return strings.TrimSpace(markupTagRe.ReplaceAllString(s, ""))
}

// summarizeDescription compresses a tool description for summarisation
// mode: markup stripped, then the first sentence, capped at 150 chars.
func summarizeDescription(s string) string {
	s = stripMarkup(s)
	if idx := strings.IndexAny(s, ".!?"); idx >= 0 {
		s = s[:idx+1]
	}
	return truncate(s, 150)
}

// --- Gemini dialect -----------------------------------------------------

// ToGeminiPayload builds the JSON body for Gemini's generateContent /
// streamGenerateContent endpoints. idMap records the
// synthetic ids minted for each functionCall so the matching
// functionResponse can be translated back to the right tool name.
func ToGeminiPayload(req *types.Req, idMap *ToolCallIDMap) map[string]any {
	payload := map[string]any{
		"contents": toGeminiContents(req, idMap),
	}
	if sys := buildSystemPrompt(req); sys != "" {
		payload["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": sys}},
		}
	}

	genConfig := map[string]any{}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.Thinking != nil {
		genConfig["thinkingConfig"] = map[string]any{
			"thinkingBudget": req.Thinking.BudgetTokens,
			"includeThoughts": true,
		}
	}
	if len(genConfig) > 0 {
		payload["generationConfig"] = genConfig
	}

	if len(req.Tools) > 0 {
		payload["tools"] = []map[string]any{{"functionDeclarations": toGeminiTools(req.Tools)}}
	}
	return payload
}

func toGeminiContents(req *types.Req, idMap *ToolCallIDMap) []map[string]any {
	var out []map[string]any
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == types.RoleAssistant {
			role = "model"
		}

		var parts []map[string]any
		for _, b := range msg.Content {
			switch b.Type {
			case types.BlockText:
				if b.Text != "" {
					parts = append(parts, map[string]any{"text": b.Text})
				}
			case types.BlockImage:
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{"mimeType": b.MediaType, "data": b.Data},
				})
			case types.BlockToolUse:
				var args map[string]any
				_ = json.Unmarshal(b.ToolInput, &args)
				idMap.Put(b.ToolUseID, b.ToolName)
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": b.ToolName, "args": args},
				})
			case types.BlockToolResult:
				name, _ := idMap.NameFor(b.ToolUseID)
				parts = append(parts, map[string]any{
					"functionResponse": map[string]any{
						"name":     name,
						"response": map[string]any{"content": toolResultToString(b)},
					},
				})
			}
		}
		if len(parts) > 0 {
			out = append(out, map[string]any{"role": role, "parts": parts})
		}
	}
	return out
}

func toGeminiTools(tools []types.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(SanitizeSchema(t.InputSchema, false), &schema)
		stripUnsupportedKeywords(schema)
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  schema,
		})
	}
	return out
}

// stripUnsupportedKeywords removes JSON-schema keywords Gemini's
// function-declaration parser rejects: "format":"uri" and "additionalProperties".
func stripUnsupportedKeywords(schema map[string]any) {
	if schema == nil {
		return
	}
	if format, ok := schema["format"].(string); ok && format == "uri" {
		delete(schema, "format")
	}
	delete(schema, "additionalProperties")
	if props, ok := schema["properties"].(map[string]any); ok {
		for _, v := range props {
			if nested, ok := v.(map[string]any); ok {
				stripUnsupportedKeywords(nested)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		stripUnsupportedKeywords(items)
	}
}

// --- Anthropic-compatible dialect ---------------------------------------

// ToAnthropicCompatPayload builds the payload for aggregators that
// speak Anthropic's own /v1/messages shape (MiniMax, Moonshot): almost
// a pass-through, but still runs identity scrubbing and family
// preambles through the system field.
func ToAnthropicCompatPayload(req *types.Req) map[string]any {
	payload := map[string]any{
		"model":      req.Model,
		"messages":   toAnthropicMessages(req),
		"max_tokens": req.MaxTokens,
		"stream":     req.Stream,
	}
	if sys := buildSystemPrompt(req); sys != "" {
		payload["system"] = sys
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if len(req.Tools) > 0 {
		payload["tools"] = toAnthropicTools(req.Tools)
	}
	if req.Thinking != nil {
		payload["thinking"] = map[string]any{"type": "enabled", "budget_tokens": req.Thinking.BudgetTokens}
	}
	return payload
}

func toAnthropicMessages(req *types.Req) []map[string]any {
	out := make([]map[string]any, 0, len(req.Messages))
	for _, msg := range req.Messages {
		var blocks []map[string]any
		for _, b := range msg.Content {
			blocks = append(blocks, contentBlockToAnthropic(b))
		}
		out = append(out, map[string]any{"role": string(msg.Role), "content": blocks})
	}
	return out
}

func contentBlockToAnthropic(b types.ContentBlock) map[string]any {
	switch b.Type {
	case types.BlockText:
		return map[string]any{"type": "text", "text": b.Text}
	case types.BlockImage:
		return map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": b.MediaType,
				"data":       b.Data,
			},
		}
	case types.BlockToolUse:
		var input map[string]any
		_ = json.Unmarshal(b.ToolInput, &input)
		return map[string]any{"type": "tool_use", "id": b.ToolUseID, "name": b.ToolName, "input": input}
	case types.BlockToolResult:
		var content any
		if json.Unmarshal(b.ToolResultContent, &content) != nil {
			content = string(b.ToolResultContent)
		}
		return map[string]any{
			"type":        "tool_result",
			"tool_use_id": b.ToolUseID,
			"content":     content,
			"is_error":    b.ToolResultIsError,
		}
	default:
		return map[string]any{"type": "text", "text": ""}
	}
}

func toAnthropicTools(tools []types.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.InputSchema, &schema)
		out = append(out, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": schema,
		})
	}
	return out
}

// --- tool schema sanitisation --------------------------------------------

// Summarisation-mode limits: enum lists keep their first five entries,
// property descriptions are trimmed to 80 chars.
const (
	maxEnumEntries     = 5
	maxPropertyDescLen = 80
)

// SanitizeSchema removes or caps JSON-schema features that weaker
// backends choke on: "format":"uri" is dropped entirely, and under
// tool-summarisation mode enum lists are capped and nested descriptions
// stripped of markup and truncated.
func SanitizeSchema(raw json.RawMessage, summarize bool) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var schema map[string]any
	if json.Unmarshal(raw, &schema) != nil {
		return raw
	}
	sanitizeNode(schema, summarize)
	out, err := json.Marshal(schema)
	if err != nil {
		return raw
	}
	return out
}

func sanitizeNode(node map[string]any, summarize bool) {
	if format, ok := node["format"].(string); ok && format == "uri" {
		delete(node, "format")
	}
	if summarize {
		if desc, ok := node["description"].(string); ok {
			node["description"] = truncate(stripMarkup(desc), maxPropertyDescLen)
		}
		if enum, ok := node["enum"].([]any); ok && len(enum) > maxEnumEntries {
			node["enum"] = enum[:maxEnumEntries]
		}
	}
	if props, ok := node["properties"].(map[string]any); ok {
		for _, v := range props {
			if nested, ok := v.(map[string]any); ok {
				sanitizeNode(nested, summarize)
			}
		}
	}
	if items, ok := node["items"].(map[string]any); ok {
		sanitizeNode(items, summarize)
	}
}
