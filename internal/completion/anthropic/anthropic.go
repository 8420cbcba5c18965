// ABOUTME: Anthropic Messages API variant of the completion Provider.
// ABOUTME: Builds strictly alternating turns and reports total usage as input plus output.

// Package anthropic adapts the Anthropic Messages API to completion.Provider.
package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/2389/coven-relay/internal/completion"
	"github.com/2389/coven-relay/internal/envelope"
)

// Name is the provider name used in configuration and response metadata.
const Name = "anthropic"

// Options configure the provider.
type Options struct {
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float64
	MaxTokens    int64
	SystemPrompt string
}

// Provider calls the Messages API.
type Provider struct {
	client *anthropic.Client
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
	client := anthropic.NewClient(clientOpts...)
	return NewFromClient(&client, opts)
}

// NewFromClient creates a provider from an existing client.
func NewFromClient(client *anthropic.Client, opts Options) *Provider {
	if opts.Model == "" {
		opts.Model = "claude-3-sonnet-20240229"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1000
	}
	return &Provider{client: client, opts: opts}
}

func (p *Provider) Name() string { return Name }

// Generate sends the conversation and returns the concatenated text blocks.
func (p *Provider) Generate(ctx context.Context, req *completion.Request) (*completion.Response, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.opts.Model),
		MaxTokens:   p.opts.MaxTokens,
		Messages:    buildMessages(req),
		Temperature: anthropic.Float(p.opts.Temperature),
	}
	if p.opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.opts.SystemPrompt}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	if b.Len() == 0 {
		return nil, completion.Empty(Name, string(resp.StopReason))
	}

	md := envelope.NewMetadata()
	if resp.StopReason != "" {
		md.Set("finish_reason", envelope.String(string(resp.StopReason)))
	}
	if resp.ID != "" {
		md.Set("response_id", envelope.String(resp.ID))
	}

	in, out := resp.Usage.InputTokens, resp.Usage.OutputTokens
	return &completion.Response{
		Text:  b.String(),
		Model: string(resp.Model),
		Usage: envelope.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
		Metadata: *md,
	}, nil
}

// turn is a pending message before conversion to SDK params.
type turn struct {
	role completion.Role
	text string
}

// alternate merges consecutive same-role messages and drops leading
// assistant messages, ending with the new user message.
func alternate(req *completion.Request) []turn {
	var turns []turn
	push := func(role completion.Role, text string) {
		if len(turns) == 0 && role == completion.RoleAssistant {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].text += "\n\n" + text
			return
		}
		turns = append(turns, turn{role: role, text: text})
	}
	for _, m := range req.History {
		push(m.Role, m.Text)
	}
	push(completion.RoleUser, req.Message)
	return turns
}

func buildMessages(req *completion.Request) []anthropic.MessageParam {
	turns := alternate(req)
	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.text)
		if t.role == completion.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
			continue
		}
		msgs = append(msgs, anthropic.NewUserMessage(block))
	}
	return msgs
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return completion.ClassifyStatus(Name, apiErr.StatusCode, err)
	}
	return completion.Unavailable(Name, err)
}
