// Package router selects which upstream handler serves a given request:
// observer mode forces Anthropic-native, an explicit override model wins
// over the client's own choice, a profile map substitutes well-known
// keywords, and otherwise the client's requested model passes straight
// through to the provider registry's resolution order.
package router

import (
	"strings"
	"sync"

	"github.com/howard-nolan/claudish-gateway/internal/registry"
)

// profileKeywords is deliberately ordered: the first keyword contained
// in the requested model string wins, so "opus" is checked before
// "sonnet" before "haiku".
var profileKeywords = []string{"opus", "sonnet", "haiku"}

// Handler is anything a resolved provider descriptor can be turned into;
// defined here (rather than imported from internal/provider) so this
// package has no dependency on the concrete HTTP client implementations
// — internal/provider depends on router, not the reverse.
type Handler any

// Config carries the startup-time routing mode.
type Config struct {
	ObserverMode  bool
	OverrideModel string
	Profiles      map[string]string // "opus"|"sonnet"|"haiku" -> replacement model string
}

// Target is the outcome of selecting a model, before a Handler is built.
type Target struct {
	Resolved    registry.Resolved
	TargetModel string
}

// Router resolves requests to handlers and memoises them by target model
// so a handler's session state (token tracker, adapter accumulator)
// persists across a conversation's turns.
type Router struct {
	reg   *registry.Registry
	cfg   Config
	build func(registry.Resolved) (Handler, error)

	mu       sync.Mutex
	handlers map[string]Handler
}

// New constructs a Router. build is the injected factory that turns a
// resolved provider descriptor into a live Handler — internal/provider
// supplies this in production; tests supply a fake.
func New(reg *registry.Registry, cfg Config, build func(registry.Resolved) (Handler, error)) *Router {
	return &Router{reg: reg, cfg: cfg, build: build, handlers: map[string]Handler{}}
}

// SelectTarget applies the observer/override/profile substitution rules
// and resolves the result via the registry, without building a Handler.
// The count-tokens endpoint uses this alone — it only needs to know
// which dialect would serve the request.
func (r *Router) SelectTarget(requestedModel string) (Target, error) {
	if r.cfg.ObserverMode {
		return Target{
			Resolved:    registry.Resolved{Descriptor: r.reg.AnthropicNative(), ModelName: requestedModel},
			TargetModel: requestedModel,
		}, nil
	}

	target := requestedModel
	if r.cfg.OverrideModel != "" {
		target = r.cfg.OverrideModel
	} else if mapped, ok := matchProfile(requestedModel, r.cfg.Profiles); ok {
		target = mapped
	}

	resolved, err := r.reg.Resolve(target)
	if err != nil {
		return Target{}, err
	}
	return Target{Resolved: resolved, TargetModel: target}, nil
}

// Select resolves requestedModel to a Target and returns its memoised
// Handler, building one on first use.
func (r *Router) Select(requestedModel string) (Handler, Target, error) {
	target, err := r.SelectTarget(requestedModel)
	if err != nil {
		return nil, Target{}, err
	}

	key := target.Resolved.Descriptor.Name + "::" + target.Resolved.ModelName

	r.mu.Lock()
	h, ok := r.handlers[key]
	r.mu.Unlock()
	if ok {
		return h, target, nil
	}

	built, err := r.build(target.Resolved)
	if err != nil {
		return nil, target, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.handlers[key]; ok {
		return existing, target, nil
	}
	r.handlers[key] = built
	return built, target, nil
}

func matchProfile(requested string, profiles map[string]string) (string, bool) {
	if len(profiles) == 0 {
		return "", false
	}
	lower := strings.ToLower(requested)
	for _, kw := range profileKeywords {
		if !strings.Contains(lower, kw) {
			continue
		}
		if mapped, ok := profiles[kw]; ok && mapped != "" {
			return mapped, true
		}
	}
	return "", false
}
