// ABOUTME: Interactive config generator for coven-relay
// ABOUTME: Prompts for bus, provider, storage and listener settings and writes relay.yaml

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-relay/internal/config"
)

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

// initAnswers holds what runInit collected.
type initAnswers struct {
	WorkerName  string
	BusDriver   string
	NATSURL     string
	Provider    string
	APIKeyEnv   string
	Model       string
	DBPath      string
	HTTPAddr    string
	GRPCAddr    string
	Tailscale   bool
	TSHostname  string
	TSEphemeral bool
	LogLevel    string
	LogFormat   string
}

// renderConfig produces the YAML written by init.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-relay configuration\n")
	cfg.WriteString("# Generated by coven-relay init\n\n")

	cfg.WriteString("worker:\n")
	cfg.WriteString(fmt.Sprintf("  name: %q\n", a.WorkerName))
	cfg.WriteString("  concurrency: 10\n")
	cfg.WriteString("  processing_timeout: \"60s\"\n")
	cfg.WriteString("  drain_timeout: \"30s\"\n\n")

	cfg.WriteString("bus:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", a.BusDriver))
	if a.BusDriver == config.BusJetStream {
		cfg.WriteString(fmt.Sprintf("  url: %q\n", a.NATSURL))
		cfg.WriteString("  stream: \"RELAY\"\n")
	}
	cfg.WriteString("  inbound_subject: \"relay.messages\"\n")
	cfg.WriteString("  consumer: \"relay-worker\"\n")
	cfg.WriteString("  outbound_subject: \"relay.responses\"\n")
	cfg.WriteString("  dead_letter_subject: \"relay.deadletter\"\n")
	cfg.WriteString("  ack_wait: \"90s\"\n")
	cfg.WriteString("  max_deliver: 10\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", a.DBPath))

	cfg.WriteString("context:\n")
	cfg.WriteString("  window: 20\n\n")

	cfg.WriteString("providers:\n")
	cfg.WriteString(fmt.Sprintf("  default: %q\n", a.Provider))
	cfg.WriteString(fmt.Sprintf("  %s:\n", a.Provider))
	cfg.WriteString("    enabled: true\n")
	if a.APIKeyEnv != "" {
		cfg.WriteString(fmt.Sprintf("    api_key: \"${%s}\"\n", a.APIKeyEnv))
	}
	if a.Model != "" {
		cfg.WriteString(fmt.Sprintf("    model: %q\n", a.Model))
	}
	cfg.WriteString("\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n\n", a.GRPCAddr))

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.Tailscale))
	if a.Tailscale {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", a.TSHostname))
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", a.TSEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))
	return cfg.String()
}

func defaultAPIKeyEnv(provider string) string {
	switch provider {
	case config.ProviderOpenAI:
		return "OPENAI_API_KEY"
	case config.ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case config.ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultDBPath := filepath.Join(getDataPath(), "relay.db")
	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers
	a.WorkerName = prompt(reader, "Worker name", "coven-relay")

	fmt.Println("\n--- Message Bus ---")
	a.BusDriver = prompt(reader, "Bus driver (jetstream/memory)", config.BusJetStream)
	if a.BusDriver == config.BusJetStream {
		a.NATSURL = prompt(reader, "NATS URL", "nats://127.0.0.1:4222")
	}

	fmt.Println("\n--- Completion Provider ---")
	a.Provider = prompt(reader, "Default provider (openai/anthropic/gemini/echo)", config.ProviderOpenAI)
	if envName := defaultAPIKeyEnv(a.Provider); envName != "" {
		a.APIKeyEnv = prompt(reader, "Environment variable holding the API key", envName)
	}
	a.Model = prompt(reader, "Model (empty for the provider default)", "")

	fmt.Println("\n--- Storage ---")
	a.DBPath = prompt(reader, "SQLite database path", defaultDBPath)

	fmt.Println("\n--- Listeners ---")
	a.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")
	a.GRPCAddr = prompt(reader, "gRPC health address", "localhost:50051")
	a.Tailscale = yes(prompt(reader, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, "Tailscale hostname", "coven-relay")
		a.TSEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	if a.APIKeyEnv != "" {
		fmt.Printf("Export %s before starting the relay.\n", a.APIKeyEnv)
	}
	fmt.Println("\nTo start the relay:")
	fmt.Printf("  coven-relay serve\n")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
