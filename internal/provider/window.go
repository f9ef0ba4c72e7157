package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/howard-nolan/claudish-gateway/internal/tokens"
)

// windowCacheTTL is the default lifetime of a cached probed context
// window.
const windowCacheTTL = 7 * 24 * time.Hour

// windowEntry is one record in the model-metadata disk cache.
type windowEntry struct {
	ContextWindow int           `json:"contextWindow"`
	Timestamp     time.Time     `json:"timestamp"`
	TTL           time.Duration `json:"ttl"`
}

// WindowCache is the model-metadata disk cache remembering probed
// context windows across gateway restarts. The file is written
// atomically with owner-only permissions.
type WindowCache struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewWindowCache returns a cache persisting to path. now is injected
// for tests; pass nil for time.Now.
func NewWindowCache(path string, now func() time.Time) *WindowCache {
	if now == nil {
		now = time.Now
	}
	return &WindowCache{path: path, now: now}
}

// Lookup returns the cached context window for provider:model, if a
// fresh entry exists.
func (c *WindowCache) Lookup(provider, model string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.readLocked()
	entry, ok := entries[provider+":"+model]
	if !ok || entry.ContextWindow <= 0 {
		return 0, false
	}
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = windowCacheTTL
	}
	if c.now().After(entry.Timestamp.Add(ttl)) {
		return 0, false
	}
	return entry.ContextWindow, true
}

// Store records a probed context window for provider:model.
func (c *WindowCache) Store(provider, model string, window int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.readLocked()
	entries[provider+":"+model] = windowEntry{
		ContextWindow: window,
		Timestamp:     c.now(),
		TTL:           windowCacheTTL,
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}
	body, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

func (c *WindowCache) readLocked() map[string]windowEntry {
	entries := map[string]windowEntry{}
	body, err := os.ReadFile(c.path)
	if err != nil {
		return entries
	}
	_ = json.Unmarshal(body, &entries)
	return entries
}

// ensureWindow resolves the handler's context window once per session,
// in precedence order: env override, disk cache, live
// probe, built-in default.
func (s *session) ensureWindow(ctx context.Context) {
	if _, src := s.tracker.ContextWindow(); src != tokens.SourceDefault {
		return
	}

	if s.opts.Cfg.ContextWindow > 0 {
		s.tracker.SetContextWindow(s.opts.Cfg.ContextWindow, tokens.SourceEnv)
		return
	}
	if w, ok := s.opts.WindowCache.Lookup(s.desc.Name, s.model); ok {
		s.tracker.SetContextWindow(w, tokens.SourceCache)
		return
	}
	if s.desc.Ollama {
		if w := s.probeOllamaWindow(ctx); w > 0 {
			s.tracker.SetContextWindow(w, tokens.SourceProbed)
			if err := s.opts.WindowCache.Store(s.desc.Name, s.model, w); err != nil {
				s.log.Printf("window cache write failed: %v", err)
			}
			return
		}
	}
	// Leave the tracker on its built-in default.
}

// probeOllamaWindow asks Ollama's /api/show for the model's metadata and
// scans model_info for its *.context_length field — the key is prefixed
// by model architecture ("llama.context_length", "qwen2.context_length"),
// so it's matched by suffix.
func (s *session) probeOllamaWindow(ctx context.Context) int {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"name": s.model})
	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, s.desc.BaseURL+"/api/show", strings.NewReader(string(body)))
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.opts.LocalClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}

	var parsed struct {
		ModelInfo map[string]any `json:"model_info"`
	}
	if json.NewDecoder(resp.Body).Decode(&parsed) != nil {
		return 0
	}
	for key, val := range parsed.ModelInfo {
		if !strings.HasSuffix(key, ".context_length") {
			continue
		}
		if f, ok := val.(float64); ok && f > 0 {
			return int(f)
		}
	}
	return 0
}
