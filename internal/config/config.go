// Package config loads the switchboard runtime configuration:
// provider credentials, agent defaults, the extension set, and the
// observability surface. Files are YAML by default; ".json" and
// ".json5" paths are read with the JSON5 parser. Environment
// references ("$VAR", "${VAR}") are expanded before parsing, and
// "$include" entries merge other files into the document.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/substratelabs/switchboard/internal/extensions"
	"github.com/substratelabs/switchboard/internal/protocol"
)

const (
	// DefaultIdleTTL is how long a session may sit unused before the
	// sweeper evicts its agent.
	DefaultIdleTTL = 30 * time.Minute

	// DefaultSweepInterval is how often the sweeper runs.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultMetricsAddr is where the Prometheus endpoint listens when
	// metrics are enabled without an explicit address.
	DefaultMetricsAddr = ":9090"
)

// Config is the root configuration document.
type Config struct {
	Agent         AgentConfig         `yaml:"agent" json:"agent"`
	LLM           LLMConfig           `yaml:"llm" json:"llm"`
	Session       SessionConfig       `yaml:"session" json:"session"`
	Extensions    []ExtensionConfig   `yaml:"extensions" json:"extensions"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// AgentConfig carries the reply-loop defaults shared by every session.
type AgentConfig struct {
	Model           string   `yaml:"model" json:"model"`
	SystemPrompt    string   `yaml:"system_prompt" json:"system_prompt"`
	MaxTokens       int      `yaml:"max_tokens" json:"max_tokens"`
	MaxIterations   int      `yaml:"max_iterations" json:"max_iterations"`
	ToolParallelism int      `yaml:"tool_parallelism" json:"tool_parallelism"`
	ToolFilter      []string `yaml:"tool_filter" json:"tool_filter"`
	ChatOnly        bool     `yaml:"chat_only" json:"chat_only"`
}

type LLMConfig struct {
	DefaultProvider string                    `yaml:"default_provider" json:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers" json:"providers"`
}

// ProviderConfig describes one model endpoint. The map key under
// llm.providers selects the binding: "anthropic" and "openai" use
// their native APIs, any other key is an OpenAI-compatible endpoint
// and must set base_url.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key" json:"api_key"`
	BaseURL      string `yaml:"base_url" json:"base_url"`
	DefaultModel string `yaml:"default_model" json:"default_model"`
	DisableTools bool   `yaml:"disable_tools" json:"disable_tools"`
}

// SessionConfig controls session lifecycle. Durations are strings
// ("30m", "90s") so the document stays plain YAML.
type SessionConfig struct {
	WorkingDir    string `yaml:"working_dir" json:"working_dir"`
	IdleTTL       string `yaml:"idle_ttl" json:"idle_ttl"`
	SweepInterval string `yaml:"sweep_interval" json:"sweep_interval"`
}

// IdleTimeout returns the parsed idle TTL, falling back to the
// default when unset.
func (c SessionConfig) IdleTimeout() time.Duration {
	return durationOr(c.IdleTTL, DefaultIdleTTL)
}

// SweepEvery returns the parsed sweep interval, falling back to the
// default when unset.
func (c SessionConfig) SweepEvery() time.Duration {
	return durationOr(c.SweepInterval, DefaultSweepInterval)
}

type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level" json:"level"`

	// Format is "json", "text", or "auto". Auto picks text when
	// stderr is a terminal and json otherwise.
	Format string `yaml:"format" json:"format"`

	AddSource bool `yaml:"add_source" json:"add_source"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables
	// tracing entirely.
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
	Environment string  `yaml:"environment" json:"environment"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
}

// ExtensionConfig is the serialized form of one extension entry.
// Platform and frontend entries only name in-process pieces: the
// handler and the callback are attached by the host before the entry
// is registered.
type ExtensionConfig struct {
	Name           string            `yaml:"name" json:"name"`
	Transport      string            `yaml:"transport" json:"transport"`
	Command        string            `yaml:"command" json:"command"`
	Args           []string          `yaml:"args" json:"args"`
	Env            map[string]string `yaml:"env" json:"env"`
	URI            string            `yaml:"uri" json:"uri"`
	Headers        map[string]string `yaml:"headers" json:"headers"`
	Timeout        string            `yaml:"timeout" json:"timeout"`
	AvailableTools []string          `yaml:"available_tools" json:"available_tools"`

	// Platform selects the registered handler for a platform entry.
	// Empty means the entry name.
	Platform string `yaml:"platform" json:"platform"`

	// FrontendTools declares the tools a frontend entry exposes.
	FrontendTools []FrontendToolConfig `yaml:"frontend_tools" json:"frontend_tools"`
}

type FrontendToolConfig struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// frontendToolSchema accepts any object; frontend tools take
// free-form arguments that the attached UI interprets.
const frontendToolSchema = `{"type":"object","properties":{}}`

// Runtime converts the entry into the extension manager's config
// type. Platform handlers and frontend callbacks are not attached
// here.
func (e ExtensionConfig) Runtime() (extensions.Config, error) {
	cfg := extensions.Config{
		Name:           e.Name,
		Transport:      extensions.TransportType(e.Transport),
		Command:        e.Command,
		Args:           e.Args,
		Env:            e.Env,
		URI:            e.URI,
		Headers:        e.Headers,
		AvailableTools: e.AvailableTools,
	}
	if strings.TrimSpace(e.Timeout) != "" {
		d, err := time.ParseDuration(e.Timeout)
		if err != nil {
			return extensions.Config{}, fmt.Errorf("extension %q: invalid timeout %q: %w", e.Name, e.Timeout, err)
		}
		cfg.Timeout = d
	}
	for _, t := range e.FrontendTools {
		cfg.FrontendTools = append(cfg.FrontendTools, protocol.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: json.RawMessage(frontendToolSchema),
		})
	}
	return cfg, nil
}

// PlatformName returns the handler key a platform entry binds to.
func (e ExtensionConfig) PlatformName() string {
	if e.Platform != "" {
		return e.Platform
	}
	return e.Name
}

// DefaultConfig returns a config with every default applied and
// metrics enabled.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Observability.Metrics.Enabled = true
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Session.IdleTTL == "" {
		cfg.Session.IdleTTL = DefaultIdleTTL.String()
	}
	if cfg.Session.SweepInterval == "" {
		cfg.Session.SweepInterval = DefaultSweepInterval.String()
	}
	if cfg.Observability.Logging.Level == "" {
		cfg.Observability.Logging.Level = "info"
	}
	if cfg.Observability.Logging.Format == "" {
		cfg.Observability.Logging.Format = "auto"
	}
	if cfg.Observability.Metrics.Addr == "" {
		cfg.Observability.Metrics.Addr = DefaultMetricsAddr
	}
}

// Validate checks cross-field consistency. Load calls it after
// defaults are applied; call it directly for configs assembled in
// code.
func (cfg *Config) Validate() error {
	if len(cfg.LLM.Providers) > 0 {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			return fmt.Errorf("default_provider %q has no entry under llm.providers", cfg.LLM.DefaultProvider)
		}
	}
	if _, err := parseDuration("session.idle_ttl", cfg.Session.IdleTTL); err != nil {
		return err
	}
	if _, err := parseDuration("session.sweep_interval", cfg.Session.SweepInterval); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(cfg.Extensions))
	for i, e := range cfg.Extensions {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("extensions[%d]: name is required", i)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("extensions[%d]: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = struct{}{}

		rt, err := e.Runtime()
		if err != nil {
			return err
		}
		switch rt.Transport {
		case extensions.TransportPlatform, extensions.TransportFrontend:
			// The handler and callback arrive programmatically, so the
			// entry carries nothing else to check.
		default:
			if err := rt.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, value)
	}
	return d, nil
}

func durationOr(value string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
