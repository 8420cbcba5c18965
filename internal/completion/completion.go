// ABOUTME: Provider-neutral completion request/response types and the Provider capability.
// ABOUTME: Concrete providers live in subpackages and adapt their SDK shapes to these types.

package completion

import (
	"context"

	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/store"
)

// Role is the speaker of a prior message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior turn as seen by a provider.
type Message struct {
	Role Role
	Text string
}

// Request asks a provider to answer Message given History.
type Request struct {
	History  []Message // oldest first
	Message  string
	Provider string // requested provider; empty selects the default
}

// Response is a provider's normalized answer.
type Response struct {
	Text     string
	Model    string
	Usage    envelope.Usage
	Metadata envelope.Metadata // provider-specific extras
}

// Provider generates a response for a request. Implementations classify
// their failures with the failure package and never retry internally.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// FromTurns converts stored turns into provider messages. Provider-produced
// turns become assistant messages; everything else is user input.
func FromTurns(turns []*store.Turn) []Message {
	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		role := RoleUser
		if t.FromProvider() {
			role = RoleAssistant
		}
		out = append(out, Message{Role: role, Text: t.Message})
	}
	return out
}

// Last returns at most n trailing messages.
func Last(history []Message, n int) []Message {
	if n <= 0 {
		return nil
	}
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// Completion converts r to the shape carried in the outbound envelope,
// tagging it with the provider that produced it.
func (r *Response) Completion(provider string) *envelope.Completion {
	md := envelope.NewMetadata("provider", provider)
	r.Metadata.Range(func(k string, v envelope.Value) bool {
		if k != "provider" {
			md.Set(k, v)
		}
		return true
	})
	return &envelope.Completion{
		Response: r.Text,
		Model:    r.Model,
		Usage:    r.Usage,
		Metadata: *md,
	}
}
