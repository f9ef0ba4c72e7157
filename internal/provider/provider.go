// Package provider implements the concrete upstream handlers the router
// dispatches to: one per wire dialect (OpenAI-compatible, native Gemini,
// Anthropic-native pass-through, Anthropic-compatible aggregators). A
// handler is created lazily on first routing hit for its
// (provider, model) pair and cached by internal/router for the life of
// the process, so the session state it carries — token tracker, Gemini
// tool-call id map, health/window probe results — spans a whole
// conversation.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/howard-nolan/claudish-gateway/internal/adapter"
	"github.com/howard-nolan/claudish-gateway/internal/cache"
	"github.com/howard-nolan/claudish-gateway/internal/config"
	"github.com/howard-nolan/claudish-gateway/internal/logging"
	"github.com/howard-nolan/claudish-gateway/internal/middleware"
	"github.com/howard-nolan/claudish-gateway/internal/registry"
	"github.com/howard-nolan/claudish-gateway/internal/retry"
	"github.com/howard-nolan/claudish-gateway/internal/router"
	"github.com/howard-nolan/claudish-gateway/internal/telemetry"
	"github.com/howard-nolan/claudish-gateway/internal/tokens"
	"github.com/howard-nolan/claudish-gateway/internal/types"
	"go.opentelemetry.io/otel/trace"
)

// hardTimeout is the hard ceiling wrapped around every upstream call.
const hardTimeout = 10 * time.Minute

// Handler is what internal/server dispatches a parsed request to. The
// raw body is passed alongside the parsed Req so the Anthropic-native
// handler can forward it byte-exact.
type Handler interface {
	Descriptor() registry.Descriptor
	ServeMessages(w http.ResponseWriter, r *http.Request, req *types.Req, rawBody []byte)
	CountTokens(w http.ResponseWriter, r *http.Request, rawBody []byte)
}

// Options bundles every collaborator a handler needs. All caches are
// explicitly injected so tests can supply
// fakes.
type Options struct {
	Cfg         *config.Config
	Env         func(string) string
	CloudClient *http.Client
	LocalClient *http.Client
	Retry       *retry.Policy
	ReplayCache *middleware.ReplayCache
	HealthCache cache.Cache
	WindowCache *WindowCache
	Metrics     *telemetry.Metrics
	Tracer      trace.Tracer
	Home        string
	Port        int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Env == nil {
		out.Env = func(string) string { return "" }
	}
	if out.CloudClient == nil {
		out.CloudClient = &http.Client{Timeout: hardTimeout}
	}
	if out.LocalClient == nil {
		out.LocalClient = &http.Client{
			Timeout: retry.LocalBodyTimeout,
			Transport: &http.Transport{
				ResponseHeaderTimeout: retry.LocalHeaderTimeout,
			},
		}
	}
	if out.Retry == nil {
		out.Retry = retry.NewPolicy(5, 5)
	}
	if out.ReplayCache == nil {
		out.ReplayCache = middleware.NewReplayCache()
	}
	if out.HealthCache == nil {
		out.HealthCache = cache.NewMemory()
	}
	if out.WindowCache == nil {
		out.WindowCache = NewWindowCache(filepath.Join(out.Home, ".config", "claudish", "model-cache.json"), nil)
	}
	if out.Metrics == nil {
		out.Metrics = telemetry.NewMetrics()
	}
	if out.Tracer == nil {
		out.Tracer = telemetry.GetTracer(nil)
	}
	if out.Cfg == nil {
		out.Cfg = &config.Config{}
	}
	return out
}

// NewFactory returns the handler-construction function internal/router
// is built with: it inspects a resolved descriptor's dialect and builds
// the matching handler. Credentials are looked up here, at construction;
// a missing one doesn't fail the build, it fails every subsequent serve
// call with a structured error naming the env var.
func NewFactory(opts Options) func(registry.Resolved) (router.Handler, error) {
	resolved := opts.withDefaults()
	return func(res registry.Resolved) (router.Handler, error) {
		s := newSession(res, resolved)
		switch res.Descriptor.Dialect {
		case registry.DialectAnthropicNative:
			return &AnthropicHandler{session: s}, nil
		case registry.DialectGemini:
			return NewGeminiHandler(s), nil
		case registry.DialectAnthropicCompat:
			return &CompatHandler{session: s}, nil
		default:
			return &OpenAIHandler{session: s}, nil
		}
	}
}

// session is the state shared by every handler dialect: the resolved
// descriptor, the credential (or the error recorded when it was
// absent), the per-conversation token tracker, and the adapter chain.
type session struct {
	desc    registry.Descriptor
	model   string
	apiKey  string
	credErr error

	tracker  *tokens.Tracker
	adapters []adapter.Adapter
	mw       middleware.Middleware
	log      *log.Logger
	opts     Options
}

func newSession(res registry.Resolved, opts Options) *session {
	s := &session{
		desc:     res.Descriptor,
		model:    res.ModelName,
		adapters: adapter.DefaultChain(),
		log:      logging.New("provider:" + res.Descriptor.Name),
		opts:     opts,
	}

	if res.Descriptor.CredEnv != "" {
		s.apiKey = opts.Env(res.Descriptor.CredEnv)
		if s.apiKey == "" {
			s.credErr = &registry.MissingCredentialError{
				Provider: res.Descriptor.Name,
				EnvVar:   res.Descriptor.CredEnv,
				HintURL:  registry.HintURL(res.Descriptor.Name),
			}
		}
	}

	statusPath := ""
	if opts.Home != "" {
		statusPath = tokens.StatusPath(opts.Home, opts.Port)
	}
	s.tracker = tokens.New(res.Descriptor.Name, res.ModelName, res.Descriptor.Local, statusPath, nil)

	s.mw = middleware.NewChain(middleware.NewGeminiReasoningReplay(opts.ReplayCache, nil))
	return s
}

func (s *session) Descriptor() registry.Descriptor { return s.desc }

// client returns the HTTP client matching the backend's timeout class.
func (s *session) client() *http.Client {
	if s.desc.Local {
		return s.opts.LocalClient
	}
	return s.opts.CloudClient
}

// post performs one upstream POST. Cloud backends go through the retry
// policy; local backends get a single attempt with their generous
// timeouts — a local server that refuses a connection won't start
// accepting it a second later, and retrying a 10-minute prompt
// evaluation would double the wait.
func (s *session) post(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Response, error) {
	if s.desc.Local {
		resp, outcome := s.attempt(ctx, url, body, headers)
		if outcome != nil {
			return nil, outcome
		}
		return resp, nil
	}

	var resp *http.Response
	var lastErr *Error
	err := s.opts.Retry.Do(ctx, func(ctx context.Context) retry.Outcome {
		r, gerr := s.attempt(ctx, url, body, headers)
		if gerr == nil {
			resp = r
			return retry.Outcome{}
		}
		lastErr = gerr
		cls := retry.NonRetriable
		switch {
		case gerr.UpstreamStatus > 0:
			cls = retry.ClassifyHTTPStatus(gerr.UpstreamStatus)
		case gerr.Kind == KindConnection:
			cls = retry.RetriableTransient
		}
		return retry.Outcome{
			Err:            gerr,
			StatusCode:     gerr.UpstreamStatus,
			RetryAfter:     gerr.retryAfter,
			Classification: cls,
		}
	})
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return resp, nil
}

func (s *session) attempt(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Response, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindServer, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for k, v := range s.desc.ExtraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, &Error{
			Kind:    KindConnection,
			Message: fmt.Sprintf("cannot reach %s at %s: %v — check that the server is running", s.desc.Name, s.desc.BaseURL, err),
		}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	gerr := classifyUpstreamFailure(s.desc, s.model, resp.StatusCode, string(bytes.TrimSpace(slurp)))
	gerr.retryAfter = retry.ParseRetryAfter(resp.Header.Get("Retry-After"))
	return nil, gerr
}
