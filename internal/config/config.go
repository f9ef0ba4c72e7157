// Package config loads the gateway's runtime configuration: an optional
// config.yaml layered with CLAUDISH_-prefixed environment overrides,
// after loading a.env file via godotenv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CLAUDISH_"

// defaultPort is used when nothing else specifies one; main.go may still
// override it with a CLI flag.
const defaultPort = 8317

// Config is the gateway's runtime configuration.
type Config struct {
	Port int `koanf:"port"`

	ObserverMode  bool              `koanf:"observer_mode"`
	OverrideModel string            `koanf:"override_model"`
	Profiles      map[string]string `koanf:"profiles"`

	ContextWindow   int    `koanf:"context_window"`
	OllamaKeepAlive string `koanf:"ollama_keep_alive"`
	QwenNoThink     bool   `koanf:"qwen_no_think"`

	Sampling  Sampling        `koanf:"sampling"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// Sampling carries the generation-parameter overrides forwarded to
// OpenAI-compatible upstreams. Pointers distinguish "unset" from "zero".
type Sampling struct {
	Temperature       *float64 `koanf:"temperature"`
	TopP              *float64 `koanf:"top_p"`
	TopK              *int     `koanf:"top_k"`
	MinP              *float64 `koanf:"min_p"`
	RepetitionPenalty *float64 `koanf:"repetition_penalty"`
}

// TelemetryConfig toggles internal/telemetry's OTLP exporter.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
}

// Load reads config.yaml if present, layers CLAUDISH_-prefixed
// environment variables on top, and returns a fully populated Config. A
// missing config.yaml is not an error — this gateway is meant to run
// from environment variables alone.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("config: loading env vars: %w", err)
	}

	cfg := &Config{Port: defaultPort}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	// The documented sampling knobs live at the top level with
	// abbreviated names (CLAUDISH_TOP_P, CLAUDISH_REP_PENALTY) rather
	// than under the sampling section, so they're read directly.
	applyDocumentedOverrides(cfg)

	return cfg, nil
}

// envKeyTransform maps CLAUDISH_OBSERVER_MODE -> "observer_mode". Top
// level keys keep their underscores; only the known nested sections get
// a dot separator (CLAUDISH_TELEMETRY_ENABLED -> "telemetry.enabled").
func envKeyTransform(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	for _, section := range []string{"sampling", "telemetry"} {
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}
	return key
}

func applyDocumentedOverrides(cfg *Config) {
	if v := os.Getenv("CLAUDISH_CONTEXT_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ContextWindow = n
		}
	}
	if v := os.Getenv("CLAUDISH_OLLAMA_KEEP_ALIVE"); v != "" {
		cfg.OllamaKeepAlive = v
	}
	if v := os.Getenv("CLAUDISH_QWEN_NO_THINK"); v != "" {
		cfg.QwenNoThink = v == "1" || strings.EqualFold(v, "true")
	}
	if f, ok := parseFloatEnv("CLAUDISH_TEMPERATURE"); ok {
		cfg.Sampling.Temperature = &f
	}
	if f, ok := parseFloatEnv("CLAUDISH_TOP_P"); ok {
		cfg.Sampling.TopP = &f
	}
	if v := os.Getenv("CLAUDISH_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sampling.TopK = &n
		}
	}
	if f, ok := parseFloatEnv("CLAUDISH_MIN_P"); ok {
		cfg.Sampling.MinP = &f
	}
	if f, ok := parseFloatEnv("CLAUDISH_REP_PENALTY"); ok {
		cfg.Sampling.RepetitionPenalty = &f
	}
}

func parseFloatEnv(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
