// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")

	path := writeConfig(t, "relay.yaml", `
worker:
  name: "vocoeng-worker"
  concurrency: 4
  processing_timeout: "45s"

bus:
  driver: "memory"
  inbound_subject: "vocoeng.messages"
  consumer: "vocoeng-messages-sub"
  outbound_subject: "vocoeng.responses"

database:
  path: "./relay.db"

context:
  window: 12

providers:
  default: "openai"
  openai:
    enabled: true
    api_key: "${TEST_OPENAI_KEY}"
    breaker_cooldown: "15s"

sources: ["sms"]

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Worker.Name != "vocoeng-worker" {
		t.Errorf("Worker.Name = %q, want %q", cfg.Worker.Name, "vocoeng-worker")
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("Worker.Concurrency = %d, want 4", cfg.Worker.Concurrency)
	}
	if cfg.Worker.ProcessingTimeout != 45*time.Second {
		t.Errorf("Worker.ProcessingTimeout = %v, want 45s", cfg.Worker.ProcessingTimeout)
	}
	if cfg.Worker.DrainTimeout != 30*time.Second {
		t.Errorf("Worker.DrainTimeout = %v, want default 30s", cfg.Worker.DrainTimeout)
	}
	if cfg.Bus.Consumer != "vocoeng-messages-sub" {
		t.Errorf("Bus.Consumer = %q", cfg.Bus.Consumer)
	}
	if cfg.Bus.DeadLetterSubject != "relay.deadletter" {
		t.Errorf("Bus.DeadLetterSubject = %q, want default", cfg.Bus.DeadLetterSubject)
	}
	if cfg.Context.Window != 12 {
		t.Errorf("Context.Window = %d, want 12", cfg.Context.Window)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-test" {
		t.Errorf("OpenAI.APIKey = %q, want expanded env var", cfg.Providers.OpenAI.APIKey)
	}
	if cfg.Providers.OpenAI.Model != "gpt-4" {
		t.Errorf("OpenAI.Model = %q, want default gpt-4", cfg.Providers.OpenAI.Model)
	}
	if cfg.Providers.OpenAI.BreakerCooldown != 15*time.Second {
		t.Errorf("OpenAI.BreakerCooldown = %v, want 15s", cfg.Providers.OpenAI.BreakerCooldown)
	}
	if cfg.Providers.Anthropic.HistoryTurns != 5 {
		t.Errorf("Anthropic.HistoryTurns = %d, want 5", cfg.Providers.Anthropic.HistoryTurns)
	}
	if cfg.Providers.Anthropic.BreakerFailures != 5 || cfg.Providers.Anthropic.BreakerCooldown != 30*time.Second {
		t.Errorf("Anthropic breaker = %d/%v, want default 5/30s", cfg.Providers.Anthropic.BreakerFailures, cfg.Providers.Anthropic.BreakerCooldown)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0] != "sms" {
		t.Errorf("Sources = %v, want [sms]", cfg.Sources)
	}
	if cfg.Maintenance.IdempotencyRetention != 168*time.Hour {
		t.Errorf("IdempotencyRetention = %v, want 168h", cfg.Maintenance.IdempotencyRetention)
	}
	if got := cfg.EnabledProviders(); len(got) != 1 || got[0] != ProviderOpenAI {
		t.Errorf("EnabledProviders() = %v, want [openai]", got)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "relay.toml", `
[worker]
name = "relay-toml"
concurrency = 2

[bus]
driver = "memory"

[database]
path = "/tmp/relay.db"

[providers]
default = "echo"

[providers.echo]
enabled = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.Name != "relay-toml" {
		t.Errorf("Worker.Name = %q", cfg.Worker.Name)
	}
	if cfg.Providers.Default != ProviderEcho || !cfg.Providers.Echo.Enabled {
		t.Errorf("Providers = %+v, want echo enabled as default", cfg.Providers)
	}
	if cfg.Worker.ProcessingTimeout != 60*time.Second {
		t.Errorf("ProcessingTimeout = %v, want 60s", cfg.Worker.ProcessingTimeout)
	}
}

func TestLoad_Errors(t *testing.T) {
	base := `
bus:
  driver: "memory"
database:
  path: "relay.db"
providers:
  default: "echo"
  echo:
    enabled: true
`
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad duration", base + "worker:\n  processing_timeout: \"soon\"\n", "worker.processing_timeout"},
		{"zero concurrency", base + "worker:\n  concurrency: 0\n", "Concurrency"},
		{"unknown driver", strings.Replace(base, `"memory"`, `"kafka"`, 1), "Driver"},
		{"missing database", strings.Replace(base, `path: "relay.db"`, `path: ""`, 1), "Path"},
		{"default disabled", strings.Replace(base, "enabled: true", "enabled: false", 1), "providers.default"},
		{"enabled without key", base + "  openai:\n    enabled: true\n", "providers.openai.api_key"},
		{"tailscale hostname", base + "tailscale:\n  enabled: true\n", "tailscale.hostname"},
		{"bad log level", base + "logging:\n  level: \"loud\"\n", "Level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "relay.yaml", tt.content))
			if err == nil {
				t.Fatalf("Load() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() error = nil, want error for missing file")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RELAY_TEST_VAR", "value")
	got := expandEnvVars("a=${RELAY_TEST_VAR} b=${RELAY_TEST_UNSET}")
	if got != "a=value b=" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}
