// Command claudish-gateway runs the local reverse proxy that
// impersonates the Anthropic Messages API on loopback and dispatches
// each request to whichever upstream provider serves the chosen model.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/howard-nolan/claudish-gateway/internal/cache"
	"github.com/howard-nolan/claudish-gateway/internal/config"
	"github.com/howard-nolan/claudish-gateway/internal/middleware"
	"github.com/howard-nolan/claudish-gateway/internal/provider"
	"github.com/howard-nolan/claudish-gateway/internal/registry"
	"github.com/howard-nolan/claudish-gateway/internal/retry"
	"github.com/howard-nolan/claudish-gateway/internal/router"
	"github.com/howard-nolan/claudish-gateway/internal/server"
	"github.com/howard-nolan/claudish-gateway/internal/telemetry"
)

func main() {
	var (
		configPath    = flag.String("config", "config.yaml", "path to config file (optional)")
		port          = flag.Int("port", 0, "listen port (overrides config; 0 = config default)")
		observer      = flag.Bool("observer", false, "observer mode: pass every request through to Anthropic")
		overrideModel = flag.String("model", "", "override model: serve every request with this model")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *observer {
		cfg.ObserverMode = true
	}
	if *overrideModel != "" {
		cfg.OverrideModel = *overrideModel
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Settings{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		log.Fatalf("failed to init telemetry: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	home, _ := os.UserHomeDir()
	metrics := telemetry.NewMetrics()
	reg := registry.New(os.Getenv)

	factory := provider.NewFactory(provider.Options{
		Cfg:         cfg,
		Env:         os.Getenv,
		Retry:       retry.NewPolicy(5, 5),
		ReplayCache: middleware.NewReplayCache(),
		HealthCache: cache.NewMemory(),
		Metrics:     metrics,
		Tracer: telemetry.GetTracer(&telemetry.Settings{
			Enabled:  cfg.Telemetry.Enabled,
			Endpoint: cfg.Telemetry.Endpoint,
		}),
		Home: home,
		Port: cfg.Port,
	})

	rt := router.New(reg, router.Config{
		ObserverMode:  cfg.ObserverMode,
		OverrideModel: cfg.OverrideModel,
		Profiles:      cfg.Profiles,
	}, factory)

	srv := server.New(rt, reg, cfg.Port, metrics.Handler())
	ln, boundPort, err := srv.Listen()
	if err != nil {
		log.Fatalf("failed to bind: %v", err)
	}

	httpServer := &http.Server{Handler: srv}

	go func() {
		log.Printf("claudish-gateway listening on 127.0.0.1:%d", boundPort)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown: let in-flight streams drain before exit.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
