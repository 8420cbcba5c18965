// ABOUTME: Builds the completion dispatcher from provider configuration.
// ABOUTME: Each enabled provider becomes a variant guarded by its own limiter and breaker.

package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-relay/internal/completion"
	"github.com/2389/coven-relay/internal/completion/anthropic"
	"github.com/2389/coven-relay/internal/completion/gemini"
	"github.com/2389/coven-relay/internal/completion/openai"
	"github.com/2389/coven-relay/internal/config"
)

// buildDispatcher registers every enabled provider.
func buildDispatcher(ctx context.Context, cfg *config.ProvidersConfig, logger *slog.Logger) (*completion.Dispatcher, error) {
	d := completion.NewDispatcher(cfg.Default, cfg.AllowHint, logger)

	for _, name := range []string{config.ProviderOpenAI, config.ProviderAnthropic, config.ProviderGemini, config.ProviderEcho} {
		pc, _ := cfg.ByName(name)
		if !pc.Enabled {
			continue
		}
		p, err := newProvider(ctx, name, pc)
		if err != nil {
			return nil, fmt.Errorf("creating %s provider: %w", name, err)
		}
		d.Register(p, completion.Options{
			HistoryTurns:      pc.HistoryTurns,
			RequestsPerSecond: pc.RequestsPerSecond,
			Burst:             pc.Burst,
			BreakerFailures:   pc.BreakerFailures,
			BreakerCooldown:   pc.BreakerCooldown,
		})
		logger.Info("completion provider enabled", "provider", name, "model", pc.Model, "history_turns", pc.HistoryTurns)
	}

	if _, err := d.Select(""); err != nil {
		return nil, err
	}
	return d, nil
}

func newProvider(ctx context.Context, name string, pc *config.ProviderConfig) (completion.Provider, error) {
	switch name {
	case config.ProviderOpenAI:
		return openai.New(openai.Options{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			Model:        pc.Model,
			Temperature:  pc.Temperature,
			MaxTokens:    pc.MaxTokens,
			SystemPrompt: pc.SystemPrompt,
		}), nil
	case config.ProviderAnthropic:
		return anthropic.New(anthropic.Options{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			Model:        pc.Model,
			Temperature:  pc.Temperature,
			MaxTokens:    pc.MaxTokens,
			SystemPrompt: pc.SystemPrompt,
		}), nil
	case config.ProviderGemini:
		return gemini.New(ctx, gemini.Options{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			Model:        pc.Model,
			Temperature:  pc.Temperature,
			MaxTokens:    pc.MaxTokens,
			SystemPrompt: pc.SystemPrompt,
		})
	case config.ProviderEcho:
		return &completion.Echo{Model: pc.Model}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
