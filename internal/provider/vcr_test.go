package provider

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/howard-nolan/claudish-gateway/internal/registry"
	"github.com/howard-nolan/claudish-gateway/internal/translate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"
)

// TestOpenAIHandlerAgainstRecordedCloudExchange replays a recorded
// aggregator interaction instead of standing up a live HTTP server, so
// the cloud retry path (which the httptest-based tests bypass via
// Local descriptors) is exercised against a realistic wire exchange.
func TestOpenAIHandlerAgainstRecordedCloudExchange(t *testing.T) {
	rec, err := recorder.New("testdata/openrouter_completion", recorder.WithMode(recorder.ModeReplayOnly))
	require.NoError(t, err)
	defer func() { _ = rec.Stop() }()

	opts := testOptions(t)
	opts.CloudClient = rec.GetDefaultClient()

	desc := registry.Descriptor{
		Name:         "openrouter",
		BaseURL:      "https://openrouter.test",
		APIPath:      "/v1/chat/completions",
		CredEnv:      "TEST_API_KEY",
		Dialect:      registry.DialectOpenAI,
		Capabilities: registry.Capabilities{Tools: true, Streaming: true, Reasoning: true},
	}
	handler := buildHandler(t, opts, desc, "some/model")

	body := anthropicBody(t, true)
	req, err := translate.ParseAnthropicRequest(body)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	handler.ServeMessages(w, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body)), req, body)

	out := w.Body.String()
	assert.Contains(t, out, "event: message_start")
	assert.Contains(t, out, "recorded")
	assert.Contains(t, out, "data: [DONE]")
}
