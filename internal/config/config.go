// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Provider names understood by the completion dispatcher.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderEcho      = "echo"
)

// Bus drivers.
const (
	BusMemory    = "memory"
	BusJetStream = "jetstream"
)

// Config represents the complete coven-relay configuration. It is built once
// by Load and must not be modified afterwards.
type Config struct {
	Worker      WorkerConfig      `yaml:"worker" toml:"worker"`
	Bus         BusConfig         `yaml:"bus" toml:"bus"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Context     ContextConfig     `yaml:"context" toml:"context"`
	Providers   ProvidersConfig   `yaml:"providers" toml:"providers"`
	Sources     []string          `yaml:"sources" toml:"sources"`
	Dedupe      DedupeConfig      `yaml:"dedupe" toml:"dedupe"`
	Maintenance MaintenanceConfig `yaml:"maintenance" toml:"maintenance"`
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// WorkerConfig holds the worker pool settings
type WorkerConfig struct {
	Name              string        `yaml:"name" toml:"name" validate:"required"`
	Concurrency       int           `yaml:"concurrency" toml:"concurrency" validate:"min=1,max=1024"`
	ProcessingTimeout time.Duration `yaml:"-" toml:"-"`
	DrainTimeout      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ProcessingTimeoutRaw string `yaml:"processing_timeout" toml:"processing_timeout"`
	DrainTimeoutRaw      string `yaml:"drain_timeout" toml:"drain_timeout"`
}

// BusConfig describes the inbound, outbound and dead-letter channels
type BusConfig struct {
	Driver            string        `yaml:"driver" toml:"driver" validate:"oneof=memory jetstream"`
	URL               string        `yaml:"url" toml:"url"`
	Stream            string        `yaml:"stream" toml:"stream"`
	InboundSubject    string        `yaml:"inbound_subject" toml:"inbound_subject" validate:"required"`
	Consumer          string        `yaml:"consumer" toml:"consumer" validate:"required"`
	OutboundSubject   string        `yaml:"outbound_subject" toml:"outbound_subject" validate:"required"`
	DeadLetterSubject string        `yaml:"dead_letter_subject" toml:"dead_letter_subject" validate:"required"`
	MaxDeliver        int           `yaml:"max_deliver" toml:"max_deliver" validate:"min=-1"`
	FetchBatch        int           `yaml:"fetch_batch" toml:"fetch_batch" validate:"min=1"`
	AckWait           time.Duration `yaml:"-" toml:"-"`
	FetchWait         time.Duration `yaml:"-" toml:"-"`

	AckWaitRaw   string `yaml:"ack_wait" toml:"ack_wait"`
	FetchWaitRaw string `yaml:"fetch_wait" toml:"fetch_wait"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" validate:"required"`
}

// ContextConfig bounds how much history is fetched per message
type ContextConfig struct {
	Window int `yaml:"window" toml:"window" validate:"min=1,max=500"`
}

// ProvidersConfig selects and configures completion providers
type ProvidersConfig struct {
	Default   string         `yaml:"default" toml:"default" validate:"oneof=openai anthropic gemini echo"`
	AllowHint bool           `yaml:"allow_hint" toml:"allow_hint"`
	OpenAI    ProviderConfig `yaml:"openai" toml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic" toml:"anthropic"`
	Gemini    ProviderConfig `yaml:"gemini" toml:"gemini"`
	Echo      ProviderConfig `yaml:"echo" toml:"echo"`
}

// ProviderConfig holds settings shared by every provider variant
type ProviderConfig struct {
	Enabled           bool          `yaml:"enabled" toml:"enabled"`
	APIKey            string        `yaml:"api_key" toml:"api_key"`
	BaseURL           string        `yaml:"base_url" toml:"base_url"`
	Model             string        `yaml:"model" toml:"model"`
	MaxTokens         int64         `yaml:"max_tokens" toml:"max_tokens" validate:"min=0"`
	Temperature       float64       `yaml:"temperature" toml:"temperature" validate:"min=0,max=2"`
	HistoryTurns      int           `yaml:"history_turns" toml:"history_turns" validate:"min=0"`
	SystemPrompt      string        `yaml:"system_prompt" toml:"system_prompt"`
	RequestsPerSecond float64       `yaml:"requests_per_second" toml:"requests_per_second" validate:"min=0"`
	Burst             int           `yaml:"burst" toml:"burst" validate:"min=0"`
	BreakerFailures   uint32        `yaml:"breaker_failures" toml:"breaker_failures"`
	BreakerCooldown   time.Duration `yaml:"-" toml:"-"`

	BreakerCooldownRaw string `yaml:"breaker_cooldown" toml:"breaker_cooldown"`
}

// ByName returns the provider settings for name.
func (p *ProvidersConfig) ByName(name string) (*ProviderConfig, bool) {
	switch name {
	case ProviderOpenAI:
		return &p.OpenAI, true
	case ProviderAnthropic:
		return &p.Anthropic, true
	case ProviderGemini:
		return &p.Gemini, true
	case ProviderEcho:
		return &p.Echo, true
	default:
		return nil, false
	}
}

// DedupeConfig sizes the in-flight guard for redelivered envelopes
type DedupeConfig struct {
	MaxSize int           `yaml:"max_size" toml:"max_size" validate:"min=1"`
	TTL     time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// MaintenanceConfig controls background housekeeping
type MaintenanceConfig struct {
	Enabled              bool          `yaml:"enabled" toml:"enabled"`
	IdempotencyRetention time.Duration `yaml:"-" toml:"-"`
	PruneInterval        time.Duration `yaml:"-" toml:"-"`

	IdempotencyRetentionRaw string `yaml:"idempotency_retention" toml:"idempotency_retention"`
	PruneIntervalRaw        string `yaml:"prune_interval" toml:"prune_interval"`
}

// ServerConfig holds the health and diagnostics listener addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"omitempty,oneof=json text"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Name:                 "coven-relay",
			Concurrency:          10,
			ProcessingTimeoutRaw: "60s",
			DrainTimeoutRaw:      "30s",
		},
		Bus: BusConfig{
			Driver:            BusJetStream,
			URL:               "nats://127.0.0.1:4222",
			Stream:            "RELAY",
			InboundSubject:    "relay.messages",
			Consumer:          "relay-worker",
			OutboundSubject:   "relay.responses",
			DeadLetterSubject: "relay.deadletter",
			MaxDeliver:        10,
			FetchBatch:        10,
			AckWaitRaw:        "90s",
			FetchWaitRaw:      "5s",
		},
		Context: ContextConfig{Window: 20},
		Providers: ProvidersConfig{
			Default:   ProviderOpenAI,
			AllowHint: true,
			OpenAI: ProviderConfig{
				Model:              "gpt-4",
				MaxTokens:          1000,
				Temperature:        0.7,
				HistoryTurns:       10,
				BreakerFailures:    5,
				BreakerCooldownRaw: "30s",
			},
			Anthropic: ProviderConfig{
				Model:              "claude-3-sonnet-20240229",
				MaxTokens:          1000,
				Temperature:        0.7,
				HistoryTurns:       5,
				BreakerFailures:    5,
				BreakerCooldownRaw: "30s",
			},
			Gemini: ProviderConfig{
				Model:              "gemini-2.0-flash",
				MaxTokens:          1000,
				Temperature:        0.7,
				HistoryTurns:       10,
				BreakerFailures:    5,
				BreakerCooldownRaw: "30s",
			},
			Echo: ProviderConfig{
				Model:              "echo",
				HistoryTurns:       10,
				BreakerFailures:    5,
				BreakerCooldownRaw: "30s",
			},
		},
		Dedupe: DedupeConfig{MaxSize: 10000, TTLRaw: "10m"},
		Maintenance: MaintenanceConfig{
			Enabled:                 true,
			IdempotencyRetentionRaw: "168h",
			PruneIntervalRaw:        "1h",
		},
		Server:  ServerConfig{HTTPAddr: "0.0.0.0:8080", GRPCAddr: "0.0.0.0:50051"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize parses durations and validates the configuration. Load calls it;
// tests that build a Config by hand call it directly.
func (c *Config) Finalize() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that all required configuration fields are present and valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param())
		}
		return err
	}

	if c.Bus.Driver == BusJetStream {
		if c.Bus.URL == "" {
			return errors.New("bus.url is required for the jetstream driver")
		}
		if c.Bus.Stream == "" {
			return errors.New("bus.stream is required for the jetstream driver")
		}
	}

	if c.Worker.ProcessingTimeout <= 0 {
		return errors.New("worker.processing_timeout must be positive")
	}

	def, _ := c.Providers.ByName(c.Providers.Default)
	if !def.Enabled {
		return fmt.Errorf("providers.default is %q but providers.%s.enabled is false", c.Providers.Default, c.Providers.Default)
	}
	for _, name := range []string{ProviderOpenAI, ProviderAnthropic, ProviderGemini} {
		p, _ := c.Providers.ByName(name)
		if p.Enabled && p.APIKey == "" {
			return fmt.Errorf("providers.%s.api_key is required when enabled", name)
		}
		if p.Enabled && p.Model == "" {
			return fmt.Errorf("providers.%s.model is required when enabled", name)
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	return nil
}

// EnabledProviders returns the names of enabled providers in a stable order.
func (c *Config) EnabledProviders() []string {
	var names []string
	for _, name := range []string{ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderEcho} {
		if p, _ := c.Providers.ByName(name); p.Enabled {
			names = append(names, name)
		}
	}
	return names
}

func parseDuration(raw, field string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	*dst = d
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw   string
		field string
		dst   *time.Duration
	}{
		{cfg.Worker.ProcessingTimeoutRaw, "worker.processing_timeout", &cfg.Worker.ProcessingTimeout},
		{cfg.Worker.DrainTimeoutRaw, "worker.drain_timeout", &cfg.Worker.DrainTimeout},
		{cfg.Bus.AckWaitRaw, "bus.ack_wait", &cfg.Bus.AckWait},
		{cfg.Bus.FetchWaitRaw, "bus.fetch_wait", &cfg.Bus.FetchWait},
		{cfg.Dedupe.TTLRaw, "dedupe.ttl", &cfg.Dedupe.TTL},
		{cfg.Maintenance.IdempotencyRetentionRaw, "maintenance.idempotency_retention", &cfg.Maintenance.IdempotencyRetention},
		{cfg.Maintenance.PruneIntervalRaw, "maintenance.prune_interval", &cfg.Maintenance.PruneInterval},
		{cfg.Providers.OpenAI.BreakerCooldownRaw, "providers.openai.breaker_cooldown", &cfg.Providers.OpenAI.BreakerCooldown},
		{cfg.Providers.Anthropic.BreakerCooldownRaw, "providers.anthropic.breaker_cooldown", &cfg.Providers.Anthropic.BreakerCooldown},
		{cfg.Providers.Gemini.BreakerCooldownRaw, "providers.gemini.breaker_cooldown", &cfg.Providers.Gemini.BreakerCooldown},
		{cfg.Providers.Echo.BreakerCooldownRaw, "providers.echo.breaker_cooldown", &cfg.Providers.Echo.BreakerCooldown},
	}
	for _, f := range fields {
		if err := parseDuration(f.raw, f.field, f.dst); err != nil {
			return err
		}
	}
	return nil
}
