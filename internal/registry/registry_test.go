package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return New(func(string) string { return "" })
}

func TestPrefixRoutingCoversEveryDocumentedPrefix(t *testing.T) {
	r := newTestRegistry()
	cases := []struct {
		requested string
		provider  string
		model     string
	}{
		{"ollama/llama3.3", "ollama", "llama3.3"},
		{"ollama:llama3.3", "ollama", "llama3.3"},
		{"lmstudio/qwen3-30b", "lmstudio", "qwen3-30b"},
		{"mlstudio/qwen3-30b", "lmstudio", "qwen3-30b"},
		{"vllm/meta-llama/Llama-3.3-70B", "vllm", "meta-llama/Llama-3.3-70B"},
		{"mlx/mistral-7b", "mlx", "mistral-7b"},
		{"g/gemini-2.5-pro", "gemini", "gemini-2.5-pro"},
		{"gemini/gemini-2.5-flash", "gemini", "gemini-2.5-flash"},
		{"oai/gpt-4o", "openai", "gpt-4o"},
		{"or/meta-llama/llama-3.3-70b", "openrouter", "meta-llama/llama-3.3-70b"},
		{"mmax/minimax-m1", "minimax", "minimax-m1"},
		{"mm/minimax-m1", "minimax", "minimax-m1"},
		{"kimi/kimi-k2", "moonshot", "kimi-k2"},
		{"moonshot/kimi-k2", "moonshot", "kimi-k2"},
		{"glm/glm-4.5", "zhipu", "glm-4.5"},
		{"zhipu/glm-4.5", "zhipu", "glm-4.5"},
	}

	for _, tc := range cases {
		resolved, err := r.Resolve(tc.requested)
		require.NoError(t, err, tc.requested)
		assert.Equal(t, tc.provider, resolved.Descriptor.Name, tc.requested)
		assert.Equal(t, tc.model, resolved.ModelName, tc.requested)
	}
}

func TestOaiPrefixIsDistinctFromAggregatorOpenAISlash(t *testing.T) {
	r := newTestRegistry()

	direct, err := r.Resolve("oai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai", direct.Descriptor.Name)

	// "openai/..." has no registered prefix; the bare-slash rule sends it
	// to the aggregator with the full string intact.
	agg, err := r.Resolve("openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", agg.Descriptor.Name)
	assert.Equal(t, "openai/gpt-4o", agg.ModelName)
}

func TestBareModelFallsThroughToAnthropicNative(t *testing.T) {
	r := newTestRegistry()
	resolved, err := r.Resolve("claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resolved.Descriptor.Name)
	assert.Equal(t, DialectAnthropicNative, resolved.Descriptor.Dialect)
	assert.Equal(t, "claude-sonnet-4", resolved.ModelName)
}

func TestURLPinnedModelSynthesisesLocalProvider(t *testing.T) {
	r := newTestRegistry()
	resolved, err := r.Resolve("http://192.168.1.10:8080/v1/my-model")
	require.NoError(t, err)
	assert.True(t, resolved.Descriptor.Local)
	assert.Equal(t, DialectOpenAI, resolved.Descriptor.Dialect)
	assert.Equal(t, "my-model", resolved.ModelName)
	assert.Equal(t, "http://192.168.1.10:8080", resolved.Descriptor.BaseURL)
}

func TestEnvOverridesLocalBaseURLs(t *testing.T) {
	env := map[string]string{
		"OLLAMA_BASE_URL":   "http://10.0.0.1:11434",
		"LMSTUDIO_BASE_URL": "http://10.0.0.2:1234",
	}
	r := New(func(key string) string { return env[key] })

	resolved, err := r.Resolve("ollama/llama3.3")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.1:11434", resolved.Descriptor.BaseURL)

	resolved, err = r.Resolve("lmstudio/qwen3")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:1234", resolved.Descriptor.BaseURL)
}

func TestRoutingIsIndependentOfCredentials(t *testing.T) {
	withKeys := New(func(string) string { return "some-key" })
	withoutKeys := newTestRegistry()

	for _, model := range []string{"oai/gpt-4o", "g/gemini-2.5-pro", "claude-sonnet-4", "or/x/y"} {
		a, err := withKeys.Resolve(model)
		require.NoError(t, err)
		b, err := withoutKeys.Resolve(model)
		require.NoError(t, err)
		assert.Equal(t, a.Descriptor.Name, b.Descriptor.Name, model)
	}
}

func TestMissingCredentialErrorNamesEnvVarAndHint(t *testing.T) {
	err := &MissingCredentialError{Provider: "openrouter", EnvVar: "OPENROUTER_API_KEY", HintURL: HintURL("openrouter")}
	assert.Contains(t, err.Error(), "OPENROUTER_API_KEY")
	assert.Contains(t, err.Error(), "openrouter.ai/keys")
}
