package streaming

import (
	"encoding/json"
	"strings"

	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// Aggregator assembles a non-streaming Anthropic Messages API response
// from the same Evt sequence the Writer would otherwise serialise as
// SSE, so a single Machine drives both "stream": true and "stream":
// false requests — the caller just swaps the emit sink.
type Aggregator struct {
	id, model  string
	open       map[int]*blockBuf
	order      []int
	stopReason string
	usage      types.Usage
}

type blockBuf struct {
	kind                 types.BlockType
	text                 strings.Builder
	json                 strings.Builder
	toolUseID, toolName string
}

// NewAggregator returns an empty Aggregator ready to receive events.
func NewAggregator() *Aggregator {
	return &Aggregator{open: map[int]*blockBuf{}}
}

// HandleEvt folds one Evt into the aggregator's running state. Pass this
// as a Machine's Config.Emit to collect a non-streaming response.
func (a *Aggregator) HandleEvt(evt types.Evt) {
	switch evt.Type {
	case types.EvtMessageStart:
		a.id = evt.MessageID
		a.model = evt.MessageModel
	case types.EvtContentBlockStart:
		a.open[evt.Index] = &blockBuf{kind: evt.StartBlockType, toolUseID: evt.ToolUseID, toolName: evt.ToolUseName}
		a.order = append(a.order, evt.Index)
	case types.EvtContentBlockDelta:
		buf, ok := a.open[evt.Index]
		if !ok {
			return
		}
		switch evt.DeltaType {
		case types.DeltaInputJSON:
			buf.json.WriteString(evt.PartialJSON)
		default:
			buf.text.WriteString(evt.TextDelta)
		}
	case types.EvtMessageDelta:
		a.stopReason = evt.StopReason
		if evt.Usage != nil {
			a.usage = *evt.Usage
		}
	}
}

// Result builds the final Anthropic Messages API JSON object — the same
// shape evtToWirePayload's message_start carries, but fully populated.
func (a *Aggregator) Result() map[string]any {
	content := make([]map[string]any, 0, len(a.order))
	for _, idx := range a.order {
		buf := a.open[idx]
		switch buf.kind {
		case types.BlockToolUse:
			var input map[string]any
			_ = json.Unmarshal([]byte(buf.json.String()), &input)
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, map[string]any{
				"type": "tool_use", "id": buf.toolUseID, "name": buf.toolName, "input": input,
			})
		case types.BlockThinking:
			content = append(content, map[string]any{"type": "thinking", "thinking": buf.text.String()})
		default:
			content = append(content, map[string]any{"type": "text", "text": buf.text.String()})
		}
	}
	return map[string]any{
		"id":            a.id,
		"type":          "message",
		"role":          "assistant",
		"content":       content,
		"model":         a.model,
		"stop_reason":   a.stopReason,
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  a.usage.InputTokens,
			"output_tokens": a.usage.OutputTokens,
		},
	}
}
