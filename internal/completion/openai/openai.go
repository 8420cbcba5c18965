// ABOUTME: OpenAI Chat Completions variant of the completion Provider.
// ABOUTME: Maps stored history to chat messages and classifies API failures.

// Package openai adapts the OpenAI Chat Completions API to completion.Provider.
package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/coven-relay/internal/completion"
	"github.com/2389/coven-relay/internal/envelope"
)

// Name is the provider name used in configuration and response metadata.
const Name = "openai"

// Options configure the provider.
type Options struct {
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float64
	MaxTokens    int64
	SystemPrompt string
}

// Provider calls the Chat Completions API.
type Provider struct {
	client *openai.Client
	opts   Options
}

// New creates a provider with its own client. SDK retries are disabled.
func New(opts Options) *Provider {
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)
	return NewFromClient(&client, opts)
}

// NewFromClient creates a provider from an existing client.
func NewFromClient(client *openai.Client, opts Options) *Provider {
	if opts.Model == "" {
		opts.Model = "gpt-4"
	}
	return &Provider{client: client, opts: opts}
}

func (p *Provider) Name() string { return Name }

// Generate sends the history followed by the new message.
func (p *Provider) Generate(ctx context.Context, req *completion.Request) (*completion.Response, error) {
	params := openai.ChatCompletionNewParams{
		Messages:    buildMessages(p.opts.SystemPrompt, req),
		Model:       p.opts.Model,
		Temperature: openai.Float(p.opts.Temperature),
	}
	if p.opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(p.opts.MaxTokens)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, completion.Empty(Name, "no choices")
	}
	choice := resp.Choices[0]
	if choice.Message.Content == "" {
		return nil, completion.Empty(Name, choice.FinishReason)
	}

	md := envelope.NewMetadata()
	if choice.FinishReason != "" {
		md.Set("finish_reason", envelope.String(choice.FinishReason))
	}
	if resp.ID != "" {
		md.Set("response_id", envelope.String(resp.ID))
	}

	return &completion.Response{
		Text:  choice.Message.Content,
		Model: resp.Model,
		Usage: envelope.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Metadata: *md,
	}, nil
}

func buildMessages(system string, req *completion.Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	for _, m := range req.History {
		if m.Role == completion.RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(m.Text))
			continue
		}
		msgs = append(msgs, openai.UserMessage(m.Text))
	}
	return append(msgs, openai.UserMessage(req.Message))
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return completion.ClassifyStatus(Name, apiErr.StatusCode, err)
	}
	return completion.Unavailable(Name, err)
}
