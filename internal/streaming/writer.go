package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// Writer serialises types.Evt values as Anthropic Messages API SSE
// events onto an http.ResponseWriter, flushing after every event so
// the client sees tokens as they arrive.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter sets the SSE response headers and returns a ready Writer,
// or an error if w doesn't support flushing.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteEvt serialises one Evt to "event: <type>\ndata: <json>\n\n" and
// flushes immediately.
func (sw *Writer) WriteEvt(evt types.Evt) error {
	payload := evtToWirePayload(evt)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("streaming: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", evt.Type, body); err != nil {
		return fmt.Errorf("streaming: write event: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// WriteDone writes the "data: [DONE]" sentinel that terminates every
// SSE stream written through a Writer. The native Anthropic relay in
// internal/provider copies the upstream body verbatim and does not use
// a Writer.
func (sw *Writer) WriteDone() error {
	if _, err := fmt.Fprint(sw.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("streaming: write done sentinel: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// writeRaw writes an already-serialised event body verbatim, for the
// Anthropic-compatible pass-through path which has no types.Evt to
// build from.
func (sw *Writer) writeRaw(eventType string, body []byte) error {
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", eventType, body); err != nil {
		return fmt.Errorf("streaming: write raw event: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// evtToWirePayload builds the real Anthropic Messages API JSON shape
// for one event, populating only the fields relevant to its type.
func evtToWirePayload(evt types.Evt) map[string]any {
	switch evt.Type {
	case types.EvtMessageStart:
		return map[string]any{
			"type": evt.Type,
			"message": map[string]any{
				"id":            evt.MessageID,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         evt.MessageModel,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		}
	case types.EvtPing:
		return map[string]any{"type": evt.Type}
	case types.EvtContentBlockStart:
		return map[string]any{
			"type":  evt.Type,
			"index": evt.Index,
			"content_block": contentBlockStartPayload(evt),
		}
	case types.EvtContentBlockDelta:
		return map[string]any{
			"type":  evt.Type,
			"index": evt.Index,
			"delta": contentBlockDeltaPayload(evt),
		}
	case types.EvtContentBlockStop:
		return map[string]any{"type": evt.Type, "index": evt.Index}
	case types.EvtMessageDelta:
		delta := map[string]any{"stop_reason": evt.StopReason}
		if evt.StopSequence != "" {
			delta["stop_sequence"] = evt.StopSequence
		}
		payload := map[string]any{"type": evt.Type, "delta": delta}
		if evt.Usage != nil {
			payload["usage"] = map[string]any{
				"input_tokens":  evt.Usage.InputTokens,
				"output_tokens": evt.Usage.OutputTokens,
			}
		}
		return payload
	case types.EvtMessageStop:
		return map[string]any{"type": evt.Type}
	case types.EvtError:
		return map[string]any{
			"type": evt.Type,
			"error": map[string]any{
				"type":    evt.ErrorType,
				"message": evt.ErrorMsg,
			},
		}
	default:
		return map[string]any{"type": evt.Type}
	}
}

func contentBlockStartPayload(evt types.Evt) map[string]any {
	switch evt.StartBlockType {
	case types.BlockToolUse:
		return map[string]any{
			"type":  "tool_use",
			"id":    evt.ToolUseID,
			"name":  evt.ToolUseName,
			"input": map[string]any{},
		}
	case types.BlockThinking:
		return map[string]any{"type": "thinking", "thinking": ""}
	default:
		return map[string]any{"type": "text", "text": ""}
	}
}

func contentBlockDeltaPayload(evt types.Evt) map[string]any {
	switch evt.DeltaType {
	case types.DeltaThinking:
		return map[string]any{"type": "thinking_delta", "thinking": evt.TextDelta}
	case types.DeltaInputJSON:
		return map[string]any{"type": "input_json_delta", "partial_json": evt.PartialJSON}
	default:
		return map[string]any{"type": "text_delta", "text": evt.TextDelta}
	}
}
