package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/howard-nolan/claudish-gateway/internal/adapter"
	"github.com/howard-nolan/claudish-gateway/internal/streaming"
	"github.com/howard-nolan/claudish-gateway/internal/telemetry"
	"github.com/howard-nolan/claudish-gateway/internal/translate"
	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// CompatHandler serves Anthropic-compatible aggregators (MiniMax,
// Moonshot): the upstream already emits well-formed Anthropic SSE, so
// there is no state machine to drive — the request is re-encoded
// through the identity-scrub/preamble path and the response passed
// through with only adapter text cleanup.
type CompatHandler struct {
	*session
}

func (h *CompatHandler) ServeMessages(w http.ResponseWriter, r *http.Request, req *types.Req, _ []byte) {
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

	payload := translate.ToAnthropicCompatPayload(&upstream)
	ad.PrepareRequest(payload, &upstream)
	h.mw.BeforeRequest(&upstream, payload)

	body, err := json.Marshal(payload)
	if err != nil {
		WriteError(w, &Error{Kind: KindServer, Message: err.Error()})
		return
	}

	headers := map[string]string{
		"x-api-key":         h.apiKey,
		"anthropic-version": anthropicVersion,
	}

	dispatchCtx, finish := telemetry.RecordDispatch(ctx, h.opts.Tracer, h.desc.Name, h.model)
	started := time.Now()
	resp, err := h.post(dispatchCtx, h.desc.BaseURL+h.desc.APIPath, body, headers)
	if err != nil {
		finish(err)
		h.opts.Metrics.ObserveRequest(h.desc.Name, h.model, "error")
		WriteError(w, err)
		return
	}

	if req.Stream {
		sw, werr := streaming.NewWriter(w)
		if werr != nil {
			resp.Body.Close()
			finish(werr)
			WriteError(w, &Error{Kind: KindServer, Message: werr.Error()})
			return
		}
		if err := streaming.PassThrough(dispatchCtx, resp.Body, sw, ad); err != nil {
			h.log.Printf("pass-through ended with error: %v", err)
		}
	} else {
		defer resp.Body.Close()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.Copy(w, resp.Body)
	}
	finish(nil)
	h.opts.Metrics.ObserveRequest(h.desc.Name, h.model, "ok")
	h.opts.Metrics.ObserveStreamDuration(h.desc.Name, time.Since(started))
}

func (h *CompatHandler) CountTokens(w http.ResponseWriter, _ *http.Request, rawBody []byte) {
	writeTokenEstimate(w, rawBody)
}
