package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/howard-nolan/claudish-gateway/internal/registry"
)

// keepAliveInterval is the idle cadence for client keep-alive pings.
const keepAliveInterval = 1 * time.Second

// Run drives a Machine to completion against an upstream SSE body: a
// reader goroutine turns upstream bytes into parsed chunks on a
// channel, and a single select loop here is the sole writer, enforcing
// the three-slot interlock and firing the keep-alive ticker.
//
// dialect selects how each "data: " line is decoded into a
// ProviderChunk. Anthropic-compatible bodies are not accepted here —
// see PassThrough for that dialect, which needs no machine at all.
func Run(ctx context.Context, body io.ReadCloser, dialect registry.Dialect, m *Machine) error {
	defer body.Close()

	type lineResult struct {
		chunk ProviderChunk
		done  bool
		err   error
	}
	lines := make(chan lineResult, 8)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		geminiPartCounter := 0

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				lines <- lineResult{done: true}
				return
			}

			var raw map[string]any
			if err := json.Unmarshal([]byte(data), &raw); err != nil {
				// A malformed chunk must not tear down the stream.
				continue
			}

			var chunk ProviderChunk
			switch dialect {
			case registry.DialectGemini:
				chunk = DecodeGeminiChunk(raw, &geminiPartCounter)
			default:
				chunk = DecodeOpenAIChunk(raw)
			}
			lines <- lineResult{chunk: chunk}
		}
		if err := scanner.Err(); err != nil {
			lines <- lineResult{err: err}
		}
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Finalize(FinalizeCancellation, "error")
			return ctx.Err()
		case t := <-ticker.C:
			m.Tick(t)
		case res, ok := <-lines:
			if !ok {
				m.Finalize(FinalizeNormal, "")
				return nil
			}
			if res.err != nil {
				m.Finalize(FinalizeError, res.err.Error())
				return res.err
			}
			if res.done {
				m.Finalize(FinalizeNormal, "")
				return nil
			}
			m.HandleChunk(res.chunk)
		}
	}
}
