package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/howard-nolan/claudish-gateway/internal/registry"
)

// Kind enumerates the error categories observable to the client.
type Kind string

const (
	KindConnection   Kind = "connection_error"
	KindAPI          Kind = "api_error"
	KindRateLimit    Kind = "rate_limit_error"
	KindModelMissing Kind = "model_not_found"
	KindCapability   Kind = "capability_error"
	KindServer       Kind = "server_error"
)

// Error is a structured gateway error carrying its client-visible kind
// and, when one exists, the upstream HTTP status that produced it.
type Error struct {
	Kind           Kind
	Message        string
	UpstreamStatus int

	// retryAfter carries a 429's parsed Retry-After header to the retry
	// policy; never client-visible.
	retryAfter time.Duration
}

func (e *Error) Error() string {
	if e.UpstreamStatus > 0 {
		return fmt.Sprintf("%s (upstream %d): %s", e.Kind, e.UpstreamStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// httpStatus maps an error kind to the status code the gateway itself
// responds with when the failure happens before streaming starts.
func (e *Error) httpStatus() int {
	switch e.Kind {
	case KindConnection:
		return http.StatusBadGateway
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindModelMissing:
		return http.StatusNotFound
	case KindCapability:
		return http.StatusBadRequest
	case KindAPI:
		if e.UpstreamStatus >= 400 {
			return e.UpstreamStatus
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError serialises err as an Anthropic-shaped error body. Any error
// that isn't a *provider.Error or *registry.MissingCredentialError is
// reported as server_error.
func WriteError(w http.ResponseWriter, err error) {
	kind := KindServer
	status := http.StatusInternalServerError
	msg := err.Error()

	var gerr *Error
	var credErr *registry.MissingCredentialError
	switch {
	case errors.As(err, &gerr):
		kind = gerr.Kind
		status = gerr.httpStatus()
		msg = gerr.Message
	case errors.As(err, &credErr):
		kind = KindAPI
		status = http.StatusUnauthorized
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    string(kind),
			"message": msg,
		},
	})
}

// classifyUpstreamFailure turns a non-2xx upstream response into the
// client-visible error for when retries are exhausted or the status is
// not retriable.
func classifyUpstreamFailure(desc registry.Descriptor, modelName string, status int, body string) *Error {
	switch {
	case status == http.StatusNotFound:
		msg := fmt.Sprintf("model %q is not available on %s", modelName, desc.Name)
		if desc.Ollama {
			msg += fmt.Sprintf(" — try: ollama pull %s", modelName)
		}
		return &Error{Kind: KindModelMissing, Message: msg, UpstreamStatus: status}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, Message: fmt.Sprintf("%s rate limit exceeded after retries", desc.Name), UpstreamStatus: status}
	default:
		msg := fmt.Sprintf("%s returned %d", desc.Name, status)
		if body != "" {
			msg += ": " + body
		}
		return &Error{Kind: KindAPI, Message: msg, UpstreamStatus: status}
	}
}
