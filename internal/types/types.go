// Package types defines the neutral representation of the Anthropic
// Messages wire format that the rest of the gateway works with. Every
// provider adapter and the streaming state machine read and write these
// types instead of any single upstream's JSON shape — translation happens
// at the edges (internal/translate, internal/provider), never in the
// middle of the pipeline.
package types

import "encoding/json"

// Role is the speaker of a single conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType tags the variant a ContentBlock carries. Go has no native
// sum type, so we tag a struct with every possible field and leave the
// irrelevant ones at their zero value.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// ContentBlock is one tagged-variant piece of a message. Only the fields
// relevant to Type are populated.
//
// Invariants (enforced by internal/translate and internal/streaming, not
// by this type itself):
//   - ToolUse IDs are unique within a single assistant turn.
//   - Every ToolResult.ToolUseID refers to a ToolUse block earlier in the
//     conversation.
//   - Only assistant-role messages carry ToolUse/Thinking blocks.
//   - Only user-role messages carry ToolResult blocks.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text / Thinking
	Text string `json:"text,omitempty"`

	// Image
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64

	// ToolUse
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`

	// ToolResult — Content is either a plain string or a JSON value,
	// carried as raw bytes so callers can sniff which it is.
	ToolResultContent json.RawMessage `json:"tool_result_content,omitempty"`
	ToolResultIsError bool            `json:"tool_result_is_error,omitempty"`
}

// Msg is one turn in the conversation: a role plus an ordered sequence
// of content blocks.
type Msg struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Tool is a single tool/function schema offered to the model.
// InputSchema.Required is consulted by the tool-call recovery pipeline
// (internal/toolcall) to decide which parameters are mandatory.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// RequiredParams extracts the "required" array from InputSchema, if any.
func (t Tool) RequiredParams() []string {
	if len(t.InputSchema) == 0 {
		return nil
	}
	var parsed struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(t.InputSchema, &parsed); err != nil {
		return nil
	}
	return parsed.Required
}

// ToolChoiceKind selects how the model should use the offered tools.
type ToolChoiceKind string

const (
	ToolChoiceAuto  ToolChoiceKind = "auto"
	ToolChoiceNone  ToolChoiceKind = "none"
	ToolChoiceNamed ToolChoiceKind = "named"
)

// ToolChoice carries the kind plus, for ToolChoiceNamed, the tool name.
type ToolChoice struct {
	Kind ToolChoiceKind
	Name string
}

// Thinking carries the extended-thinking budget requested by the client.
type Thinking struct {
	BudgetTokens int
}

// Req is the neutral request envelope parsed from an incoming
// `POST /v1/messages` body, before any provider-specific translation.
type Req struct {
	Model       string
	System      []ContentBlock
	Messages    []Msg
	Tools       []Tool
	ToolChoice  ToolChoice
	MaxTokens   int
	Temperature *float64
	Thinking    *Thinking
	Stream      bool
}

// EvtType tags a streaming event's variant, mirroring Anthropic's SSE
// event names.
type EvtType string

const (
	EvtMessageStart      EvtType = "message_start"
	EvtPing              EvtType = "ping"
	EvtContentBlockStart EvtType = "content_block_start"
	EvtContentBlockDelta EvtType = "content_block_delta"
	EvtContentBlockStop  EvtType = "content_block_stop"
	EvtMessageDelta      EvtType = "message_delta"
	EvtMessageStop       EvtType = "message_stop"
	EvtError             EvtType = "error"
)

// DeltaType tags which field of an Evt's delta is populated.
type DeltaType string

const (
	DeltaText       DeltaType = "text_delta"
	DeltaThinking   DeltaType = "thinking_delta"
	DeltaInputJSON  DeltaType = "input_json_delta"
)

// Usage carries accumulated token counts, reported or estimated.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Evt is one Anthropic-shaped streaming event. Only the fields relevant
// to Type are populated. Invariants: indexes are monotonic per message,
// every start has a matching stop, and at most one block is open at a
// time (the text/thinking/tool interlock).
type Evt struct {
	Type EvtType

	// MessageStart
	MessageID    string
	MessageModel string

	// ContentBlockStart / Stop / Delta all share Index.
	Index int

	// ContentBlockStart
	StartBlockType BlockType // text | thinking | tool_use
	ToolUseID      string
	ToolUseName    string

	// ContentBlockDelta
	DeltaType   DeltaType
	TextDelta   string
	PartialJSON string

	// MessageDelta
	StopReason   string
	StopSequence string
	Usage        *Usage

	// Error
	ErrorType string
	ErrorMsg  string
}
