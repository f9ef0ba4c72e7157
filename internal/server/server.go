// Package server is the gateway's HTTP surface: it
// binds the loopback interface, exposes the Anthropic-shaped endpoints,
// and routes every /v1/messages call through the model router to
// whichever provider handler serves the chosen model.
package server

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/howard-nolan/claudish-gateway/internal/logging"
	"github.com/howard-nolan/claudish-gateway/internal/registry"
	"github.com/howard-nolan/claudish-gateway/internal/router"
)

// Server holds the chi router and the collaborators its handlers need.
type Server struct {
	mux     chi.Router
	rt      *router.Router
	reg     *registry.Registry
	metrics http.Handler
	log     *log.Logger

	startedAt time.Time
	port      int
}

// New wires routes and middleware. metricsHandler serves GET /metrics;
// pass nil to disable the endpoint.
func New(rt *router.Router, reg *registry.Registry, port int, metricsHandler http.Handler) *Server {
	s := &Server{
		rt:        rt,
		reg:       reg,
		metrics:   metricsHandler,
		log:       logging.New("server"),
		startedAt: time.Now(),
		port:      port,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleStatus)
	r.Post("/v1/messages", s.handleMessages)
	r.Post("/v1/messages/count_tokens", s.handleCountTokens)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	s.mux = r
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Listen binds strictly to the loopback interface and returns the listener plus the actually-bound
// port for other components to advertise.
func (s *Server) Listen() (net.Listener, int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return nil, 0, fmt.Errorf("server: bind loopback: %w", err)
	}
	bound := ln.Addr().(*net.TCPAddr).Port
	return ln, bound, nil
}
