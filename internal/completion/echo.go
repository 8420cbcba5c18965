// ABOUTME: Deterministic providers for local runs and tests.
// ABOUTME: Echo repeats the message; Func delegates to a caller-supplied function.

package completion

import (
	"context"
	"strings"

	"github.com/2389/coven-relay/internal/envelope"
)

// Echo answers every message with "echo: <message>".
type Echo struct {
	Model string
}

func (e *Echo) Name() string { return "echo" }

// Generate counts whitespace-separated words as tokens.
func (e *Echo) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("echo", err)
	}
	text := "echo: " + req.Message

	var prompt int64
	for _, m := range req.History {
		prompt += int64(len(strings.Fields(m.Text)))
	}
	prompt += int64(len(strings.Fields(req.Message)))
	completionTokens := int64(len(strings.Fields(text)))

	model := e.Model
	if model == "" {
		model = "echo"
	}
	return &Response{
		Text:  text,
		Model: model,
		Usage: envelope.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completionTokens,
			TotalTokens:      prompt + completionTokens,
		},
		Metadata: *envelope.NewMetadata("history_messages", len(req.History)),
	}, nil
}

// Func adapts a function to the Provider interface.
type Func struct {
	ProviderName string
	Fn           func(ctx context.Context, req *Request) (*Response, error)
}

func (f *Func) Name() string { return f.ProviderName }

func (f *Func) Generate(ctx context.Context, req *Request) (*Response, error) {
	return f.Fn(ctx, req)
}
