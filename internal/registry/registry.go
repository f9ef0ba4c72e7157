// Package registry enumerates the upstream providers this gateway can
// dispatch to, and resolves a requested model name to one of them.
//
// The registry itself never does I/O and never reads credentials — it
// is a static, shared-read table built once at startup. internal/router consults it on every request.
package registry

import (
	"fmt"
	"net/url"
	"strings"
)

// Dialect is the wire format a provider speaks.
type Dialect string

const (
	DialectAnthropicNative Dialect = "anthropic-native"
	DialectOpenAI          Dialect = "openai"
	DialectGemini          Dialect = "gemini"
	DialectAnthropicCompat Dialect = "anthropic-compat"
)

// Capabilities describes what a provider supports, consulted by
// internal/translate and internal/server when deciding whether a
// request is even satisfiable (e.g. tools required but unsupported).
type Capabilities struct {
	Tools      bool
	Vision     bool
	Streaming  bool
	JSONMode   bool
	Reasoning  bool
	SimpleOnly bool // degrade multi-part user content to a single flat string
}

// Descriptor is the static definition of one upstream provider.
type Descriptor struct {
	Name         string
	BaseURL      string
	APIPath      string
	Prefixes     []string
	CredEnv      string // empty for providers that need no credential (local backends)
	Dialect      Dialect
	Capabilities Capabilities
	ExtraHeaders map[string]string
	Local        bool // local backends get generous timeouts, no credential requirement
	Ollama       bool // Ollama dialect servers get options.num_ctx / keep_alive hints
}

// Registry is the immutable, shared-read table of known providers plus
// the environment overrides for local backend base URLs.
type Registry struct {
	descriptors []Descriptor
	// envOverrides is not populated: New applies the local-backend
	// base-URL env vars (OLLAMA_BASE_URL, LMSTUDIO_BASE_URL,
	// VLLM_BASE_URL, MLX_BASE_URL) directly to the descriptor table.
	envOverrides map[string]string
}

// New builds the default registry. envLookup is injected (rather than
// calling os.Getenv directly) so tests can supply a fake environment.
func New(envLookup func(string) string) *Registry {
	if envLookup == nil {
		envLookup = func(string) string { return "" }
	}

	get := func(name, fallback string) string {
		if v := envLookup(name); v != "" {
			return v
		}
		return fallback
	}

	ollamaBase := get("OLLAMA_BASE_URL", get("OLLAMA_HOST", "http://localhost:11434"))
	lmstudioBase := get("LMSTUDIO_BASE_URL", "http://localhost:1234")
	vllmBase := get("VLLM_BASE_URL", "http://localhost:8000")
	mlxBase := get("MLX_BASE_URL", "http://localhost:8080")

	r := &Registry{
		descriptors: []Descriptor{
			{
				Name:         "anthropic",
				BaseURL:      "https://api.anthropic.com",
				APIPath:      "/v1/messages",
				Prefixes:     nil, // default fallthrough target, not prefix-matched
				CredEnv:      "ANTHROPIC_API_KEY",
				Dialect:      DialectAnthropicNative,
				Capabilities: Capabilities{Tools: true, Vision: true, Streaming: true, Reasoning: true},
			},
			{
				Name:         "openrouter",
				BaseURL:      "https://openrouter.ai/api",
				APIPath:      "/v1/chat/completions",
				Prefixes:     []string{"or/"},
				CredEnv:      "OPENROUTER_API_KEY",
				Dialect:      DialectOpenAI,
				Capabilities: Capabilities{Tools: true, Vision: true, Streaming: true, Reasoning: true},
			},
			{
				Name:         "openai",
				BaseURL:      "https://api.openai.com",
				APIPath:      "/v1/chat/completions",
				Prefixes:     []string{"oai/"},
				CredEnv:      "OPENAI_API_KEY",
				Dialect:      DialectOpenAI,
				Capabilities: Capabilities{Tools: true, Vision: true, Streaming: true, Reasoning: true},
			},
			{
				Name:         "gemini",
				BaseURL:      "https://generativelanguage.googleapis.com",
				APIPath:      "/v1beta/models",
				Prefixes:     []string{"g/", "gemini/"},
				CredEnv:      "GEMINI_API_KEY",
				Dialect:      DialectGemini,
				Capabilities: Capabilities{Tools: true, Vision: true, Streaming: true, Reasoning: true},
			},
			{
				Name:         "minimax",
				BaseURL:      "https://api.minimax.chat",
				APIPath:      "/anthropic/v1/messages",
				Prefixes:     []string{"mmax/", "mm/"},
				CredEnv:      "MINIMAX_API_KEY",
				Dialect:      DialectAnthropicCompat,
				Capabilities: Capabilities{Tools: true, Streaming: true, Reasoning: true},
			},
			{
				Name:         "moonshot",
				BaseURL:      "https://api.moonshot.ai",
				APIPath:      "/anthropic/v1/messages",
				Prefixes:     []string{"kimi/", "moonshot/"},
				CredEnv:      "MOONSHOT_API_KEY",
				Dialect:      DialectAnthropicCompat,
				Capabilities: Capabilities{Tools: true, Streaming: true},
			},
			{
				Name:         "zhipu",
				BaseURL:      "https://open.bigmodel.cn/api/paas",
				APIPath:      "/v4/chat/completions",
				Prefixes:     []string{"glm/", "zhipu/"},
				CredEnv:      "ZHIPU_API_KEY",
				Dialect:      DialectOpenAI,
				Capabilities: Capabilities{Tools: true, Streaming: true},
			},
			{
				Name:         "ollama",
				BaseURL:      ollamaBase,
				APIPath:      "/v1/chat/completions",
				Prefixes:     []string{"ollama/", "ollama:"},
				Dialect:      DialectOpenAI,
				Local:        true,
				Ollama:       true,
				Capabilities: Capabilities{Tools: true, Streaming: true, Reasoning: true},
			},
			{
				Name:         "lmstudio",
				BaseURL:      lmstudioBase,
				APIPath:      "/v1/chat/completions",
				Prefixes:     []string{"lmstudio/", "lmstudio:", "mlstudio/"},
				Dialect:      DialectOpenAI,
				Local:        true,
				Capabilities: Capabilities{Tools: true, Streaming: true, SimpleOnly: true},
			},
			{
				Name:         "vllm",
				BaseURL:      vllmBase,
				APIPath:      "/v1/chat/completions",
				Prefixes:     []string{"vllm/"},
				Dialect:      DialectOpenAI,
				Local:        true,
				Capabilities: Capabilities{Tools: true, Streaming: true},
			},
			{
				Name:         "mlx",
				BaseURL:      mlxBase,
				APIPath:      "/v1/chat/completions",
				Prefixes:     []string{"mlx/"},
				Dialect:      DialectOpenAI,
				Local:        true,
				Capabilities: Capabilities{Tools: true, Streaming: true, SimpleOnly: true},
			},
		},
	}
	return r
}

// Resolved is the outcome of resolving a requested model string: the
// provider descriptor plus the remainder of the string (the model name
// with any routing prefix stripped, or the full URL-pinned spec).
type Resolved struct {
	Descriptor Descriptor
	ModelName  string
}

// Resolve applies the resolution order: URL-pinned local
// servers, then the first registered prefix that matches (in table
// order), then bare-slash
// fallback to the OpenAI-compatible aggregator, then Anthropic-native
// pass-through.
func (r *Registry) Resolve(requested string) (Resolved, error) {
	if strings.HasPrefix(requested, "http://") || strings.HasPrefix(requested, "https://") {
		return r.resolveURLPinned(requested)
	}

	for _, d := range r.descriptors {
		for _, prefix := range d.Prefixes {
			if strings.HasPrefix(requested, prefix) {
				return Resolved{Descriptor: d, ModelName: strings.TrimPrefix(requested, prefix)}, nil
			}
		}
	}

	if strings.Contains(requested, "/") {
		agg, ok := r.byName("openrouter")
		if !ok {
			return Resolved{}, fmt.Errorf("registry: no aggregator provider configured")
		}
		return Resolved{Descriptor: agg, ModelName: requested}, nil
	}

	native, ok := r.byName("anthropic")
	if !ok {
		return Resolved{}, fmt.Errorf("registry: no anthropic-native provider configured")
	}
	return Resolved{Descriptor: native, ModelName: requested}, nil
}

// resolveURLPinned synthesises an ad-hoc OpenAI-compatible local
// provider from a bare URL: the host:port becomes the base URL and the
// last path segment becomes the model name.
func (r *Registry) resolveURLPinned(requested string) (Resolved, error) {
	u, err := url.Parse(requested)
	if err != nil {
		return Resolved{}, fmt.Errorf("registry: invalid URL-pinned model %q: %w", requested, err)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	modelName := segments[len(segments)-1]
	baseURL := fmt.Sprintf("%s://%s", u.Scheme, u.Host)

	d := Descriptor{
		Name:         "url:" + u.Host,
		BaseURL:      baseURL,
		APIPath:      "/v1/chat/completions",
		Dialect:      DialectOpenAI,
		Local:        true,
		Capabilities: Capabilities{Tools: true, Streaming: true},
	}
	return Resolved{Descriptor: d, ModelName: modelName}, nil
}

// AnthropicNative returns the always-present Anthropic-native descriptor
// — the forced target in observer mode, and the registry's own fallback
// of last resort.
func (r *Registry) AnthropicNative() Descriptor {
	d, _ := r.byName("anthropic")
	return d
}

func (r *Registry) byName(name string) (Descriptor, bool) {
	for _, d := range r.descriptors {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Descriptors returns a copy of the registry's descriptor list, for
// diagnostics (the `/` status snapshot endpoint).
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// MissingCredentialError names the environment variable a handler needed
// but didn't find, plus a hint URL.
type MissingCredentialError struct {
	Provider string
	EnvVar   string
	HintURL  string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("provider %q requires credential %s (see %s)", e.Provider, e.EnvVar, e.HintURL)
}

// hintURLs maps a provider name to where a user can obtain credentials.
// Kept as data (not inline string literals scattered through the code)
// so the strings stay swappable.
var hintURLs = map[string]string{
	"openrouter": "https://openrouter.ai/keys",
	"openai":     "https://platform.openai.com/api-keys",
	"gemini":     "https://aistudio.google.com/apikey",
	"minimax":    "https://www.minimax.io/platform/user-center/basic-information/interface-key",
	"moonshot":   "https://platform.moonshot.ai/console/api-keys",
	"zhipu":      "https://open.bigmodel.cn/usercenter/apikeys",
	"anthropic":  "https://console.anthropic.com/settings/keys",
}

// HintURL returns the credential-acquisition URL for a provider, or the
// empty string if none is known (local backends need none).
func HintURL(provider string) string {
	return hintURLs[provider]
}
