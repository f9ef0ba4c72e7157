package translate

import (
	"encoding/json"
	"fmt"

	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// wireReq mirrors the incoming POST /v1/messages JSON body.
// system is decoded separately since Anthropic accepts it as either a
// bare string or a content-block array.
type wireReq struct {
	Model       string          `json:"model"`
	System      json.RawMessage `json:"system"`
	Messages    []wireMsg       `json:"messages"`
	Tools       []wireTool      `json:"tools"`
	ToolChoice  json.RawMessage `json:"tool_choice"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature"`
	Thinking    *wireThinking   `json:"thinking"`
	Stream      bool            `json:"stream"`
}

type wireMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // either a bare string or a block array
}

type wireBlock struct {
	Type string `json:"type"`

	Text string `json:"text"`

	Source *wireImageSource `json:"source"`

	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`

	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type wireImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireThinking struct {
	BudgetTokens int `json:"budget_tokens"`
}

// ParseAnthropicRequest decodes a POST /v1/messages body into the
// neutral Req model.
func ParseAnthropicRequest(body []byte) (*types.Req, error) {
	var wire wireReq
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("translate: decode request: %w", err)
	}

	req := &types.Req{
		Model:       wire.Model,
		MaxTokens:   wire.MaxTokens,
		Temperature: wire.Temperature,
		Stream:      wire.Stream,
	}

	system, err := parseSystem(wire.System)
	if err != nil {
		return nil, err
	}
	req.System = system

	for _, m := range wire.Messages {
		msg, err := parseMessage(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, types.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	req.ToolChoice = parseToolChoice(wire.ToolChoice)

	if wire.Thinking != nil {
		req.Thinking = &types.Thinking{BudgetTokens: wire.Thinking.BudgetTokens}
	}

	return req, nil
}

// parseSystem normalises Anthropic's "either a bare string or a
// content-block array" system field to the array shape used internally.
func parseSystem(raw json.RawMessage) ([]types.ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asString string
	if json.Unmarshal(raw, &asString) == nil {
		if asString == "" {
			return nil, nil
		}
		return []types.ContentBlock{{Type: types.BlockText, Text: asString}}, nil
	}

	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("translate: decode system field: %w", err)
	}
	out := make([]types.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" || b.Type == "" {
			out = append(out, types.ContentBlock{Type: types.BlockText, Text: b.Text})
		}
	}
	return out, nil
}

func parseMessage(m wireMsg) (types.Msg, error) {
	role := types.Role(m.Role)

	var asString string
	if json.Unmarshal(m.Content, &asString) == nil {
		return types.Msg{Role: role, Content: []types.ContentBlock{{Type: types.BlockText, Text: asString}}}, nil
	}

	var blocks []wireBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return types.Msg{}, fmt.Errorf("translate: decode message content: %w", err)
	}

	content := make([]types.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		block, ok := parseBlock(b)
		if ok {
			content = append(content, block)
		}
	}
	return types.Msg{Role: role, Content: content}, nil
}

func parseBlock(b wireBlock) (types.ContentBlock, bool) {
	switch b.Type {
	case "text":
		return types.ContentBlock{Type: types.BlockText, Text: b.Text}, true
	case "image":
		if b.Source == nil {
			return types.ContentBlock{}, false
		}
		return types.ContentBlock{Type: types.BlockImage, MediaType: b.Source.MediaType, Data: b.Source.Data}, true
	case "tool_use":
		return types.ContentBlock{Type: types.BlockToolUse, ToolUseID: b.ID, ToolName: b.Name, ToolInput: b.Input}, true
	case "tool_result":
		return types.ContentBlock{
			Type:              types.BlockToolResult,
			ToolUseID:         b.ToolUseID,
			ToolResultContent: normalizeToolResultContent(b.Content),
			ToolResultIsError: b.IsError,
		}, true
	case "thinking":
		return types.ContentBlock{Type: types.BlockThinking, Text: b.Text}, true
	default:
		return types.ContentBlock{}, false
	}
}

// normalizeToolResultContent re-encodes a tool_result's content field,
// which Anthropic accepts as either a bare string or a block array, into
// raw JSON bytes the rest of the pipeline can sniff without caring which
// shape it started as.
func normalizeToolResultContent(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}

	var asString string
	if json.Unmarshal(raw, &asString) == nil {
		encoded, _ := json.Marshal(asString)
		return encoded
	}

	var blocks []wireBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var text string
		for _, b := range blocks {
			if b.Type == "text" {
				text += b.Text
			}
		}
		encoded, _ := json.Marshal(text)
		return encoded
	}

	return raw
}

func parseToolChoice(raw json.RawMessage) types.ToolChoice {
	if len(raw) == 0 {
		return types.ToolChoice{Kind: types.ToolChoiceAuto}
	}
	var parsed struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if json.Unmarshal(raw, &parsed) != nil {
		return types.ToolChoice{Kind: types.ToolChoiceAuto}
	}
	switch parsed.Type {
	case "none":
		return types.ToolChoice{Kind: types.ToolChoiceNone}
	case "tool":
		return types.ToolChoice{Kind: types.ToolChoiceNamed, Name: parsed.Name}
	default:
		return types.ToolChoice{Kind: types.ToolChoiceAuto}
	}
}

// EstimateTokenCount approximates the token count of an Anthropic
// request body for the count_tokens endpoint's non-Anthropic-native
// fallback: roughly 4 bytes per token.
func EstimateTokenCount(body []byte) int {
	return (len(body) + 3) / 4
}
