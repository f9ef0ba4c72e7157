package provider

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/howard-nolan/claudish-gateway/internal/config"
	"github.com/howard-nolan/claudish-gateway/internal/registry"
	"github.com/howard-nolan/claudish-gateway/internal/translate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Cfg:  &config.Config{},
		Env:  func(key string) string { return map[string]string{"TEST_API_KEY": "sekrit"}[key] },
		Home: t.TempDir(),
		Port: 9999,
	}
}

func buildHandler(t *testing.T, opts Options, desc registry.Descriptor, model string) Handler {
	t.Helper()
	factory := NewFactory(opts)
	h, err := factory(registry.Resolved{Descriptor: desc, ModelName: model})
	require.NoError(t, err)
	handler, ok := h.(Handler)
	require.True(t, ok)
	return handler
}

func anthropicBody(t *testing.T, stream bool) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"model":      "whatever",
		"max_tokens": 128,
		"stream":     stream,
		"messages": []map[string]any{
			{"role": "user", "content": "hi"},
		},
	})
	require.NoError(t, err)
	return body
}

func openAISSE() string {
	return "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" world\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":2}}\n\n" +
		"data: [DONE]\n\n"
}

func localOpenAIDescriptor(baseURL string) registry.Descriptor {
	return registry.Descriptor{
		Name:         "localtest",
		BaseURL:      baseURL,
		APIPath:      "/v1/chat/completions",
		CredEnv:      "TEST_API_KEY",
		Dialect:      registry.DialectOpenAI,
		Local:        true,
		Capabilities: registry.Capabilities{Tools: true, Streaming: true},
	}
}

func TestOpenAIHandlerStreamsAnthropicShapedSSE(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(openAISSE()))
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	opts := testOptions(t)
	handler := buildHandler(t, opts, localOpenAIDescriptor(upstream.URL), "test-model")

	body := anthropicBody(t, true)
	req, err := translate.ParseAnthropicRequest(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeMessages(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body)), req, body)

	out := rec.Body.String()
	assert.Contains(t, out, "event: message_start")
	assert.Contains(t, out, "event: ping")
	assert.Contains(t, out, "Hello")
	assert.Contains(t, out, "event: message_stop")
	assert.Contains(t, out, "data: [DONE]")

	assert.Equal(t, "Bearer sekrit", gotAuth)
	assert.Equal(t, "test-model", gotPayload["model"])
	assert.Equal(t, true, gotPayload["stream"])
	streamOpts, _ := gotPayload["stream_options"].(map[string]any)
	assert.Equal(t, true, streamOpts["include_usage"])

	// One request's usage lands in the status file.
	statusBody, err := os.ReadFile(filepath.Join(opts.Home, ".claudish", "tokens-9999.json"))
	require.NoError(t, err)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(statusBody, &snap))
	assert.Equal(t, float64(10), snap["input_tokens"])
	assert.Equal(t, float64(2), snap["output_tokens"])
}

func TestOpenAIHandlerAggregatesNonStreamingResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(openAISSE()))
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	handler := buildHandler(t, testOptions(t), localOpenAIDescriptor(upstream.URL), "test-model")

	body := anthropicBody(t, false)
	req, err := translate.ParseAnthropicRequest(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeMessages(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body)), req, body)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "message", resp["type"])
	assert.Equal(t, "end_turn", resp["stop_reason"])
	content, _ := resp["content"].([]any)
	require.Len(t, content, 1)
	block, _ := content[0].(map[string]any)
	assert.Equal(t, "Hello world", block["text"])
}

func TestMissingCredentialFailsServeNotConstruction(t *testing.T) {
	desc := localOpenAIDescriptor("http://127.0.0.1:1")
	desc.CredEnv = "NEVER_SET_KEY"
	desc.Local = false

	handler := buildHandler(t, testOptions(t), desc, "test-model")

	body := anthropicBody(t, true)
	req, err := translate.ParseAnthropicRequest(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeMessages(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body)), req, body)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "NEVER_SET_KEY")
}

func TestUpstream404BecomesModelNotFoundWithPullHint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	desc := localOpenAIDescriptor(upstream.URL)
	desc.Ollama = true
	handler := buildHandler(t, testOptions(t), desc, "missing-model")

	body := anthropicBody(t, true)
	req, err := translate.ParseAnthropicRequest(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeMessages(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body)), req, body)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "model_not_found")
	assert.Contains(t, rec.Body.String(), "ollama pull missing-model")
}

func TestUnreachableLocalBackendIsConnectionError(t *testing.T) {
	desc := localOpenAIDescriptor("http://127.0.0.1:1")
	handler := buildHandler(t, testOptions(t), desc, "test-model")

	body := anthropicBody(t, true)
	req, err := translate.ParseAnthropicRequest(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeMessages(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body)), req, body)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection_error")
}

func TestGeminiHandlerStreamsAndSendsAPIKeyHeader(t *testing.T) {
	var gotKey, gotPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"answer\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":5,\"candidatesTokenCount\":1}}\n\n"))
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	desc := registry.Descriptor{
		Name:         "gemini",
		BaseURL:      upstream.URL,
		APIPath:      "/v1beta/models",
		CredEnv:      "TEST_API_KEY",
		Dialect:      registry.DialectGemini,
		Capabilities: registry.Capabilities{Tools: true, Streaming: true},
	}
	handler := buildHandler(t, testOptions(t), desc, "gemini-2.5-flash")

	body := anthropicBody(t, true)
	req, err := translate.ParseAnthropicRequest(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeMessages(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body)), req, body)

	assert.Equal(t, "sekrit", gotKey)
	assert.Equal(t, "/v1beta/models/gemini-2.5-flash:streamGenerateContent", gotPath)
	assert.Contains(t, rec.Body.String(), "answer")
	assert.Contains(t, rec.Body.String(), "data: [DONE]")
}

func TestAnthropicHandlerForwardsBodyByteExact(t *testing.T) {
	var gotBody []byte
	var gotKey, gotVersion string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = readAll(r)
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message"}`))
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	desc := registry.Descriptor{
		Name:         "anthropic",
		BaseURL:      upstream.URL,
		APIPath:      "/v1/messages",
		CredEnv:      "TEST_API_KEY",
		Dialect:      registry.DialectAnthropicNative,
		Capabilities: registry.Capabilities{Tools: true, Vision: true, Streaming: true},
	}
	handler := buildHandler(t, testOptions(t), desc, "claude-sonnet-4")

	body := anthropicBody(t, false)
	req, err := translate.ParseAnthropicRequest(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeMessages(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body)), req, body)

	assert.Equal(t, body, gotBody, "the native pass-through must forward the client body byte-exact")
	assert.Equal(t, "sekrit", gotKey)
	assert.Equal(t, anthropicVersion, gotVersion)
	assert.JSONEq(t, `{"id":"msg_1","type":"message"}`, rec.Body.String())
}

func TestCompatHandlerPassesThroughAnthropicSSE(t *testing.T) {
	upstreamSSE := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_up\"}}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n" +
		"data: [DONE]\n\n"
	mux := http.NewServeMux()
	mux.HandleFunc("POST /anthropic/v1/messages", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(upstreamSSE))
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	desc := registry.Descriptor{
		Name:         "minimax",
		BaseURL:      upstream.URL,
		APIPath:      "/anthropic/v1/messages",
		CredEnv:      "TEST_API_KEY",
		Dialect:      registry.DialectAnthropicCompat,
		Capabilities: registry.Capabilities{Tools: true, Streaming: true},
	}
	handler := buildHandler(t, testOptions(t), desc, "minimax-m1")

	body := anthropicBody(t, true)
	req, err := translate.ParseAnthropicRequest(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeMessages(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body)), req, body)

	out := rec.Body.String()
	assert.Contains(t, out, "message_start")
	assert.Contains(t, out, `"text":"hi"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]"))
}

func TestWindowCacheRoundTripAndExpiry(t *testing.T) {
	dir := t.TempDir()
	c := NewWindowCache(filepath.Join(dir, "model-cache.json"), nil)

	_, ok := c.Lookup("ollama", "llama3.3")
	assert.False(t, ok)

	require.NoError(t, c.Store("ollama", "llama3.3", 131072))
	w, ok := c.Lookup("ollama", "llama3.3")
	require.True(t, ok)
	assert.Equal(t, 131072, w)

	// A second cache on the same file sees the persisted entry.
	c2 := NewWindowCache(filepath.Join(dir, "model-cache.json"), nil)
	w, ok = c2.Lookup("ollama", "llama3.3")
	require.True(t, ok)
	assert.Equal(t, 131072, w)
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}
