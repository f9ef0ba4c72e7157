package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/howard-nolan/claudish-gateway/internal/adapter"
)

// PassThrough forwards an already-Anthropic-shaped SSE body (from a
// native Anthropic or Anthropic-compatible aggregator upstream)
// straight to the client, running only adapter text cleanup on
// text_delta/thinking_delta payloads — there is no content-block
// machine to drive because the upstream already emits well-formed
// Anthropic events.
//
// Cancellation just stops reading and returns ctx.Err(); there is no
// separate finalize path to run since the upstream owns event shape.
// When the body ends, the data: [DONE] sentinel is written whether or
// not the upstream sent one.
func PassThrough(ctx context.Context, body io.ReadCloser, w *Writer, textAdapter adapter.Adapter) error {
	defer body.Close()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return w.WriteDone()
		}

		var evt map[string]any
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			continue
		}
		cleanPassThroughEvent(evt, textAdapter)
		if err := writeRawEvent(w, evt); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return w.WriteDone()
}

// cleanPassThroughEvent runs the selected adapter's text cleanup over
// a content_block_delta's text_delta/thinking_delta field in place.
func cleanPassThroughEvent(evt map[string]any, textAdapter adapter.Adapter) {
	if evt["type"] != "content_block_delta" {
		return
	}
	delta, ok := evt["delta"].(map[string]any)
	if !ok {
		return
	}
	field := "text"
	if delta["type"] == "thinking_delta" {
		field = "thinking"
	}
	text, ok := delta[field].(string)
	if !ok || text == "" {
		return
	}
	result := textAdapter.ProcessTextContent(text)
	if result.Suppressed {
		delta[field] = ""
		return
	}
	delta[field] = result.CleanedText
}

func writeRawEvent(w *Writer, evt map[string]any) error {
	eventType, _ := evt["type"].(string)
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return w.writeRaw(eventType, body)
}
