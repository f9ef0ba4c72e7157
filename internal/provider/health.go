package provider

import (
	"context"
	"net/http"
	"time"
)

// healthTTL is how long a probe result is trusted per base URL.
const healthTTL = 60 * time.Second

// healthProbePaths are tried in order; the first 2xx declares the
// backend healthy. /api/tags covers Ollama, /v1/models everything else
// OpenAI-compatible.
var healthProbePaths = []string{"/api/tags", "/v1/models"}

// checkHealth probes a local backend on first request, caching the
// verdict per base URL so several handlers against the same server
// don't each re-probe.
func (s *session) checkHealth(ctx context.Context) bool {
	key := "health:" + s.desc.BaseURL
	if val, ok, _ := s.opts.HealthCache.Get(ctx, key); ok {
		return string(val) == "ok"
	}

	healthy := s.probe(ctx)
	verdict := "bad"
	if healthy {
		verdict = "ok"
	}
	_ = s.opts.HealthCache.Set(ctx, key, []byte(verdict), healthTTL)
	return healthy
}

func (s *session) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, path := range healthProbePaths {
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, s.desc.BaseURL+path, nil)
		if err != nil {
			continue
		}
		resp, err := s.opts.LocalClient.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}
	return false
}
