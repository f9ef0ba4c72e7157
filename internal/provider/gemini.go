package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/howard-nolan/claudish-gateway/internal/adapter"
	"github.com/howard-nolan/claudish-gateway/internal/registry"
	"github.com/howard-nolan/claudish-gateway/internal/telemetry"
	"github.com/howard-nolan/claudish-gateway/internal/translate"
	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// GeminiHandler serves Google's native generateContent API. It owns the
// tool-call-id → name map for its conversation: Gemini's
// functionResponse must carry the tool's name, which Anthropic's
// tool_result block doesn't, so every functionCall translated outbound
// registers its id here for the reverse lookup.
type GeminiHandler struct {
	*session
	idMap *translate.ToolCallIDMap
}

// NewGeminiHandler wraps a session with the per-conversation id map.
func NewGeminiHandler(s *session) *GeminiHandler {
	return &GeminiHandler{session: s, idMap: translate.NewToolCallIDMap()}
}

func (h *GeminiHandler) ServeMessages(w http.ResponseWriter, r *http.Request, req *types.Req, _ []byte) {
	if h.credErr != nil {
		WriteError(w, h.credErr)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), hardTimeout)
	defer cancel()

	h.ensureWindow(ctx)
	h.pruneIfNeeded(req)

	ad := adapter.Chain(h.adapters, h.model)
	ad.Reset()

	upstream := *req
	upstream.Model = h.model
	upstream.Stream = true

	payload := translate.ToGeminiPayload(&upstream, h.idMap)
	ad.PrepareRequest(payload, &upstream)
	h.mw.BeforeRequest(&upstream, payload)

	body, err := json.Marshal(payload)
	if err != nil {
		WriteError(w, &Error{Kind: KindServer, Message: err.Error()})
		return
	}

	url := fmt.Sprintf("%s%s/%s:streamGenerateContent?alt=sse", h.desc.BaseURL, h.desc.APIPath, h.model)
	headers := map[string]string{"x-goog-api-key": h.apiKey}

	dispatchCtx, finish := telemetry.RecordDispatch(ctx, h.opts.Tracer, h.desc.Name, h.model)
	started := time.Now()
	resp, err := h.post(dispatchCtx, url, body, headers)
	if err != nil {
		finish(err)
		h.opts.Metrics.ObserveRequest(h.desc.Name, h.model, "error")
		WriteError(w, err)
		return
	}

	h.streamResponse(dispatchCtx, w, req, resp.Body, registry.DialectGemini, ad)
	finish(nil)
	h.opts.Metrics.ObserveRequest(h.desc.Name, h.model, "ok")
	h.opts.Metrics.ObserveStreamDuration(h.desc.Name, time.Since(started))
}

func (h *GeminiHandler) CountTokens(w http.ResponseWriter, _ *http.Request, rawBody []byte) {
	writeTokenEstimate(w, rawBody)
}
