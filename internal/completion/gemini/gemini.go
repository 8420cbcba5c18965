// ABOUTME: Gemini variant of the completion Provider built on the genai SDK.
// ABOUTME: Treats safety blocks as rejections and API 5xx/429 responses as transient.

// Package gemini adapts the Gemini API to completion.Provider.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/2389/coven-relay/internal/completion"
	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/failure"
)

// Name is the provider name used in configuration and response metadata.
const Name = "gemini"

// Options configure the provider.
type Options struct {
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float64
	MaxTokens    int64
	SystemPrompt string
}

// Provider calls Models.GenerateContent.
type Provider struct {
	client *genai.Client
	opts   Options
	config *genai.GenerateContentConfig
}

// New creates a provider backed by the Gemini API.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return NewFromClient(client, opts), nil
}

// NewFromClient creates a provider from an existing client.
func NewFromClient(client *genai.Client, opts Options) *Provider {
	if opts.Model == "" {
		opts.Model = "gemini-2.0-flash"
	}
	return &Provider{client: client, opts: opts, config: contentConfig(opts)}
}

func (p *Provider) Name() string { return Name }

// Generate sends the history as alternating user/model contents.
func (p *Provider) Generate(ctx context.Context, req *completion.Request) (*completion.Response, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.opts.Model, buildContents(req), p.config)
	if err != nil {
		return nil, classify(err)
	}
	return fromResponse(p.opts.Model, resp)
}

func contentConfig(opts Options) *genai.GenerateContentConfig {
	temperature := float32(opts.Temperature)
	cfg := &genai.GenerateContentConfig{Temperature: &temperature}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: opts.SystemPrompt}}}
	}
	return cfg
}

func buildContents(req *completion.Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		var role genai.Role = genai.RoleUser
		if m.Role == completion.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}
	return append(contents, genai.NewContentFromText(req.Message, genai.RoleUser))
}

func fromResponse(model string, resp *genai.GenerateContentResponse) (*completion.Response, error) {
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" && fb.BlockReason != genai.BlockedReasonUnspecified {
		reason := string(fb.BlockReason)
		if fb.BlockReasonMessage != "" {
			reason = fb.BlockReasonMessage
		}
		return nil, failure.Rejected("gemini blocked the prompt: "+reason, nil)
	}

	var finish string
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		finish = string(resp.Candidates[0].FinishReason)
	}
	text := resp.Text()
	if text == "" {
		return nil, completion.Empty(Name, finish)
	}

	md := envelope.NewMetadata()
	if finish != "" {
		md.Set("finish_reason", envelope.String(finish))
	}
	if resp.ResponseID != "" {
		md.Set("response_id", envelope.String(resp.ResponseID))
	}
	if resp.ModelVersion != "" {
		model = resp.ModelVersion
	}

	var usage envelope.Usage
	if um := resp.UsageMetadata; um != nil {
		usage = envelope.Usage{
			PromptTokens:     int64(um.PromptTokenCount),
			CompletionTokens: int64(um.CandidatesTokenCount),
			TotalTokens:      int64(um.TotalTokenCount),
		}
	}

	return &completion.Response{Text: text, Model: model, Usage: usage, Metadata: *md}, nil
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return completion.ClassifyStatus(Name, apiErr.Code, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return completion.ClassifyStatus(Name, apiErrPtr.Code, err)
	}
	return completion.Unavailable(Name, err)
}
