package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/howard-nolan/claudish-gateway/internal/provider"
	"github.com/howard-nolan/claudish-gateway/internal/registry"
	"github.com/howard-nolan/claudish-gateway/internal/translate"
)

// maxBodyBytes bounds incoming request bodies; a coding agent's
// conversation with large tool results can legitimately run to many
// megabytes, so the cap is generous.
const maxBodyBytes = 64 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStatus serves the GET / snapshot: uptime and the provider table.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	providers := make([]map[string]any, 0)
	for _, d := range s.reg.Descriptors() {
		providers = append(providers, map[string]any{
			"name":     d.Name,
			"dialect":  string(d.Dialect),
			"prefixes": d.Prefixes,
			"local":    d.Local,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"port":      s.port,
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"providers": providers,
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		provider.WriteError(w, &provider.Error{Kind: provider.KindServer, Message: "reading request body: " + err.Error()})
		return
	}

	req, err := translate.ParseAnthropicRequest(body)
	if err != nil {
		provider.WriteError(w, &provider.Error{Kind: provider.KindAPI, Message: err.Error(), UpstreamStatus: http.StatusBadRequest})
		return
	}

	h, target, err := s.rt.Select(req.Model)
	if err != nil {
		provider.WriteError(w, &provider.Error{Kind: provider.KindServer, Message: err.Error()})
		return
	}

	// Tools required but unsupported by the chosen model is a client
	// error, caught before any upstream call.
	if len(req.Tools) > 0 && !target.Resolved.Descriptor.Capabilities.Tools {
		provider.WriteError(w, &provider.Error{
			Kind:    provider.KindCapability,
			Message: "model " + target.TargetModel + " does not support tools, but the request declares them",
		})
		return
	}

	handler, ok := h.(provider.Handler)
	if !ok {
		provider.WriteError(w, &provider.Error{Kind: provider.KindServer, Message: "router returned an unusable handler"})
		return
	}

	s.log.Printf("%s -> %s (%s)", req.Model, target.TargetModel, target.Resolved.Descriptor.Name)
	handler.ServeMessages(w, r, req, body)
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		provider.WriteError(w, &provider.Error{Kind: provider.KindServer, Message: "reading request body: " + err.Error()})
		return
	}

	var probe struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &probe)

	target, err := s.rt.SelectTarget(probe.Model)
	if err == nil && target.Resolved.Descriptor.Dialect == registry.DialectAnthropicNative {
		if h, _, serr := s.rt.Select(probe.Model); serr == nil {
			if handler, ok := h.(provider.Handler); ok {
				handler.CountTokens(w, r, body)
				return
			}
		}
	}

	// Everything else: the ~4-bytes-per-token estimate.
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"input_tokens": translate.EstimateTokenCount(body),
	})
}
