// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded once at startup into an immutable Config that is
// passed explicitly to every component. Unset fields keep the values from
// Default.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// Files ending in .toml are decoded as TOML; all others as YAML.
//
// # Environment Variable Expansion
//
// Provider keys are normally injected through the environment:
//
//	providers:
//	  openai:
//	    enabled: true
//	    api_key: "${OPENAI_API_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	worker:
//	  processing_timeout: "60s"
//	  drain_timeout: "30s"
package config
