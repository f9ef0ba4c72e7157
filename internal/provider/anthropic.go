package provider

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/howard-nolan/claudish-gateway/internal/telemetry"
	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// anthropicVersion is the API version header every Anthropic-shaped
// upstream requires.
const anthropicVersion = "2023-06-01"

// AnthropicHandler is the native pass-through: the incoming body is
// already in the upstream's wire format, so it is forwarded byte-exact
// and the response relayed verbatim — no translation,
// no state machine. This is also the forced target in observer mode.
type AnthropicHandler struct {
	*session
}

func (h *AnthropicHandler) ServeMessages(w http.ResponseWriter, r *http.Request, req *types.Req, rawBody []byte) {
	h.proxy(w, r, h.desc.BaseURL+h.desc.APIPath, rawBody, req.Stream)
}

// CountTokens passes through to the upstream count_tokens endpoint —
// the one dialect where an exact count is available.
func (h *AnthropicHandler) CountTokens(w http.ResponseWriter, r *http.Request, rawBody []byte) {
	h.proxy(w, r, h.desc.BaseURL+"/v1/messages/count_tokens", rawBody, false)
}

func (h *AnthropicHandler) proxy(w http.ResponseWriter, r *http.Request, url string, rawBody []byte, stream bool) {
	if h.credErr != nil {
		WriteError(w, h.credErr)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), hardTimeout)
	defer cancel()

	headers := map[string]string{
		"x-api-key":         h.apiKey,
		"anthropic-version": anthropicVersion,
	}

	dispatchCtx, finish := telemetry.RecordDispatch(ctx, h.opts.Tracer, h.desc.Name, h.model)
	started := time.Now()
	resp, err := h.post(dispatchCtx, url, rawBody, headers)
	if err != nil {
		finish(err)
		h.opts.Metrics.ObserveRequest(h.desc.Name, h.model, "error")
		WriteError(w, err)
		return
	}
	defer resp.Body.Close()

	if stream {
		relaySSE(w, resp.Body)
	} else {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.Copy(w, resp.Body)
	}
	finish(nil)
	h.opts.Metrics.ObserveRequest(h.desc.Name, h.model, "ok")
	h.opts.Metrics.ObserveStreamDuration(h.desc.Name, time.Since(started))
}

// relaySSE copies an upstream SSE body to the client line by line,
// flushing after each event boundary so tokens aren't held in a buffer.
func relaySSE(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if _, err := io.WriteString(w, scanner.Text()+"\n"); err != nil {
			return
		}
		if scanner.Text() == "" && flusher != nil {
			flusher.Flush()
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
}
