package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/howard-nolan/claudish-gateway/internal/adapter"
	"github.com/howard-nolan/claudish-gateway/internal/pruner"
	"github.com/howard-nolan/claudish-gateway/internal/registry"
	"github.com/howard-nolan/claudish-gateway/internal/streaming"
	"github.com/howard-nolan/claudish-gateway/internal/telemetry"
	"github.com/howard-nolan/claudish-gateway/internal/translate"
	"github.com/howard-nolan/claudish-gateway/internal/types"
)

// minOllamaNumCtx is the floor for the num_ctx hint sent to Ollama.
const minOllamaNumCtx = 32_768

// defaultOllamaKeepAlive keeps a local model loaded between turns so
// multi-turn conversations don't pay the load cost every request.
const defaultOllamaKeepAlive = "30m"

// OpenAIHandler serves every OpenAI-compatible upstream: direct OpenAI,
// the OpenRouter aggregator, Zhipu, and all local backends including
// URL-pinned ad-hoc ones.
type OpenAIHandler struct {
	*session
}

func (h *OpenAIHandler) ServeMessages(w http.ResponseWriter, r *http.Request, req *types.Req, _ []byte) {
	if h.credErr != nil {
		WriteError(w, h.credErr)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), hardTimeout)
	defer cancel()

	if h.desc.Local && !h.checkHealth(ctx) {
		WriteError(w, &Error{
			Kind:    KindConnection,
			Message: "local backend " + h.desc.BaseURL + " is not responding — start it and retry",
		})
		return
	}
	h.ensureWindow(ctx)
	h.pruneIfNeeded(req)

	ad := adapter.Chain(h.adapters, h.model)
	ad.Reset()

	upstream := *req
	upstream.Model = h.model
	upstream.Stream = true

	payload := translate.ToOpenAIPayload(&upstream, h.desc.Capabilities, h.desc.Capabilities.SimpleOnly)
	payload["stream_options"] = map[string]any{"include_usage": true}
	h.applySampling(payload)
	h.applyOllamaOptions(payload)
	if h.opts.Cfg.QwenNoThink && ad.Name() == "qwen" {
		prependToSystemMessage(payload, "/no_think\n")
	}
	ad.PrepareRequest(payload, &upstream)
	h.mw.BeforeRequest(&upstream, payload)

	body, err := json.Marshal(payload)
	if err != nil {
		WriteError(w, &Error{Kind: KindServer, Message: err.Error()})
		return
	}

	headers := map[string]string{}
	if h.apiKey != "" {
		headers["Authorization"] = "Bearer " + h.apiKey
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

	h.streamResponse(dispatchCtx, w, req, resp.Body, registry.DialectOpenAI, ad)
	finish(nil)
	h.opts.Metrics.ObserveRequest(h.desc.Name, h.model, "ok")
	h.opts.Metrics.ObserveStreamDuration(h.desc.Name, time.Since(started))
}

// CountTokens estimates for every non-Anthropic-native backend.
func (h *OpenAIHandler) CountTokens(w http.ResponseWriter, _ *http.Request, rawBody []byte) {
	writeTokenEstimate(w, rawBody)
}

// pruneIfNeeded runs the conversation pruner when context usage crosses
// the threshold, disclosing the prune via a one-shot
// system note.
func (s *session) pruneIfNeeded(req *types.Req) {
	window, _ := s.tracker.ContextWindow()
	if !pruner.ShouldPrune(s.tracker.EstimatedInputTokens(), window, len(req.Messages)) {
		return
	}
	result := pruner.Prune(req.Messages)
	if !result.Pruned {
		return
	}
	s.log.Printf("pruned %d mid-conversation messages (%d remain)", result.DroppedCount, len(result.Messages))
	req.Messages = result.Messages
	req.System = append(req.System, types.ContentBlock{
		Type: types.BlockText,
		Text: pruner.DisclosureNote(result.DroppedCount),
	})
}

// streamResponse drives the state machine against an upstream body,
// fanning its events into either the client SSE writer or, for
// "stream": false requests, a whole-response aggregator. The machine is
// identical either way — only the emit sink differs.
func (s *session) streamResponse(ctx context.Context, w http.ResponseWriter, req *types.Req, body io.ReadCloser, dialect registry.Dialect, ad adapter.Adapter) {
	onTokens := func(u types.Usage) {
		if err := s.tracker.Update(u.InputTokens, u.OutputTokens); err != nil {
			s.log.Printf("token status write failed: %v", err)
		}
		s.opts.Metrics.ObserveTokens(s.desc.Name, u.InputTokens, u.OutputTokens)
	}

	if req.Stream {
		sw, err := streaming.NewWriter(w)
		if err != nil {
			WriteError(w, &Error{Kind: KindServer, Message: err.Error()})
			body.Close()
			return
		}
		m := streaming.New(streaming.Config{
			Adapter:       ad,
			Tools:         req.Tools,
			Middleware:    s.mw,
			Model:         req.Model,
			Emit:          func(evt types.Evt) { _ = sw.WriteEvt(evt) },
			OnTokenUpdate: onTokens,
		})
		m.Start()
		if err := streaming.Run(ctx, body, dialect, m); err != nil {
			s.log.Printf("stream ended with error: %v", err)
		}
		_ = sw.WriteDone()
		return
	}

	agg := streaming.NewAggregator()
	m := streaming.New(streaming.Config{
		Adapter:       ad,
		Tools:         req.Tools,
		Middleware:    s.mw,
		Model:         req.Model,
		Emit:          agg.HandleEvt,
		OnTokenUpdate: onTokens,
	})
	m.Start()
	if err := streaming.Run(ctx, body, dialect, m); err != nil {
		s.log.Printf("aggregated stream ended with error: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(agg.Result())
}

// applySampling forwards the configured sampling overrides
// (CLAUDISH_TEMPERATURE and friends) to an OpenAI-compatible payload.
func (s *session) applySampling(payload map[string]any) {
	sampling := s.opts.Cfg.Sampling
	if sampling.Temperature != nil {
		payload["temperature"] = *sampling.Temperature
	}
	if sampling.TopP != nil {
		payload["top_p"] = *sampling.TopP
	}
	if sampling.TopK != nil {
		payload["top_k"] = *sampling.TopK
	}
	if sampling.MinP != nil {
		payload["min_p"] = *sampling.MinP
	}
	if sampling.RepetitionPenalty != nil {
		payload["repetition_penalty"] = *sampling.RepetitionPenalty
	}
}

// applyOllamaOptions adds the options block Ollama-dialect servers
// understand: a num_ctx hint so the server doesn't silently truncate
// the conversation, and keep_alive so the model stays resident between
// turns.
func (s *session) applyOllamaOptions(payload map[string]any) {
	if !s.desc.Ollama {
		return
	}
	numCtx := minOllamaNumCtx
	if window, _ := s.tracker.ContextWindow(); window > numCtx {
		numCtx = window
	}
	keepAlive := s.opts.Cfg.OllamaKeepAlive
	if keepAlive == "" {
		keepAlive = defaultOllamaKeepAlive
	}
	payload["options"] = map[string]any{
		"num_ctx":    numCtx,
		"keep_alive": keepAlive,
	}
}

// prependToSystemMessage prefixes the payload's system message content,
// used for Qwen's /no_think switch.
func prependToSystemMessage(payload map[string]any, prefix string) {
	messages, ok := payload["messages"].([]map[string]any)
	if !ok || len(messages) == 0 {
		return
	}
	for _, msg := range messages {
		if msg["role"] != "system" {
			continue
		}
		if content, ok := msg["content"].(string); ok {
			msg["content"] = prefix + content
		}
		return
	}
}

// writeTokenEstimate responds to count_tokens with the ~4-bytes-per-token
// estimate used whenever the target isn't Anthropic-native.
func writeTokenEstimate(w http.ResponseWriter, rawBody []byte) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"input_tokens": translate.EstimateTokenCount(rawBody),
	})
}
