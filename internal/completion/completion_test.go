// ABOUTME: Tests for the completion dispatcher and helpers
// ABOUTME: Covers provider selection, classification, breaker and rate limiting

package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/failure"
	"github.com/2389/coven-relay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixed(name string) *Func {
	return &Func{ProviderName: name, Fn: func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{
			Text:     "Hi there",
			Model:    "m1",
			Usage:    envelope.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
			Metadata: *envelope.NewMetadata("finish_reason", "stop", "provider", "spoofed"),
		}, nil
	}}
}

func failing(name string, err error, calls *int32) *Func {
	return &Func{ProviderName: name, Fn: func(ctx context.Context, req *Request) (*Response, error) {
		atomic.AddInt32(calls, 1)
		return nil, err
	}}
}

func TestFromTurns(t *testing.T) {
	msgs := FromTurns([]*store.Turn{
		{Source: envelope.SourceWhatsApp, Message: "hi"},
		{Source: envelope.SourceAI, Message: "hello"},
		{Source: envelope.SourceAPI, Message: "bye"},
	})
	assert.Equal(t, []Message{
		{Role: RoleUser, Text: "hi"},
		{Role: RoleAssistant, Text: "hello"},
		{Role: RoleUser, Text: "bye"},
	}, msgs)
}

func TestLast(t *testing.T) {
	h := []Message{{Text: "a"}, {Text: "b"}, {Text: "c"}}
	assert.Nil(t, Last(h, 0))
	assert.Equal(t, h, Last(h, 5))
	assert.Equal(t, []Message{{Text: "b"}, {Text: "c"}}, Last(h, 2))
}

func TestClassifyStatus(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		status int
		want   failure.Class
	}{
		{http.StatusRequestTimeout, failure.ClassRetryable},
		{http.StatusConflict, failure.ClassRetryable},
		{http.StatusTooManyRequests, failure.ClassRetryable},
		{http.StatusUnauthorized, failure.ClassRetryable},
		{http.StatusForbidden, failure.ClassRetryable},
		{http.StatusInternalServerError, failure.ClassRetryable},
		{http.StatusServiceUnavailable, failure.ClassRetryable},
		{http.StatusBadRequest, failure.ClassPermanent},
		{http.StatusUnprocessableEntity, failure.ClassPermanent},
		{http.StatusNotFound, failure.ClassPermanent},
	}
	for _, tt := range tests {
		err := ClassifyStatus("p", tt.status, cause)
		assert.Equal(t, tt.want, failure.ClassOf(err), "status %d", tt.status)
		assert.ErrorIs(t, err, cause)
	}
}

func TestEcho(t *testing.T) {
	e := &Echo{}
	resp, err := e.Generate(context.Background(), &Request{
		History: []Message{{Role: RoleUser, Text: "one two"}},
		Message: "three",
	})
	require.NoError(t, err)
	assert.Equal(t, "echo: three", resp.Text)
	assert.Equal(t, "echo", resp.Model)
	assert.Equal(t, envelope.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, resp.Usage)
}

func TestDispatcher_DefaultProviderAndMetadata(t *testing.T) {
	d := NewDispatcher("fixed", true, testLogger())
	d.Register(fixed("fixed"), Options{HistoryTurns: 10})

	c, err := d.Dispatch(context.Background(), &Request{Message: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", c.Response)
	assert.Equal(t, "m1", c.Model)
	assert.Equal(t, int64(8), c.Usage.TotalTokens)
	assert.Equal(t, []string{"provider", "finish_reason"}, c.Metadata.Keys())
	assert.Equal(t, "fixed", c.Metadata.GetString("provider"))

	raw, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"response":"Hi there","model":"m1",
		"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8},
		"metadata":{"provider":"fixed","finish_reason":"stop"}}`, string(raw))
}

func TestDispatcher_HintSelection(t *testing.T) {
	d := NewDispatcher("a", true, testLogger())
	d.Register(fixed("a"), Options{})
	d.Register(fixed("b"), Options{})

	name, err := d.Select("B ")
	require.NoError(t, err)
	assert.Equal(t, "b", name)

	_, err = d.Select("nope")
	assert.True(t, failure.IsPermanent(err))
	assert.Equal(t, failure.CodeValidation, failure.Code(err))

	ignoring := NewDispatcher("a", false, testLogger())
	ignoring.Register(fixed("a"), Options{})
	name, err = ignoring.Select("nope")
	require.NoError(t, err)
	assert.Equal(t, "a", name)

	assert.Equal(t, []string{"a", "b"}, d.Providers())
}

func TestDispatcher_MissingDefault(t *testing.T) {
	d := NewDispatcher("openai", false, testLogger())
	_, err := d.Dispatch(context.Background(), &Request{Message: "x"})
	assert.True(t, failure.IsPermanent(err))
}

func TestDispatcher_TrimsHistory(t *testing.T) {
	var seen []Message
	d := NewDispatcher("p", false, testLogger())
	d.Register(&Func{ProviderName: "p", Fn: func(ctx context.Context, req *Request) (*Response, error) {
		seen = req.History
		assert.Equal(t, "p", req.Provider)
		return &Response{Text: "ok"}, nil
	}}, Options{HistoryTurns: 2})

	_, err := d.Dispatch(context.Background(), &Request{
		History: []Message{{Text: "1"}, {Text: "2"}, {Text: "3"}},
		Message: "4",
	})
	require.NoError(t, err)
	assert.Equal(t, []Message{{Text: "2"}, {Text: "3"}}, seen)
}

func TestDispatcher_Classification(t *testing.T) {
	var calls int32
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unclassified", errors.New("socket closed"), failure.CodeTransient},
		{"deadline", context.DeadlineExceeded, failure.CodeTransient},
		{"rejected", failure.Rejected("content policy", nil), failure.CodeRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher("p", false, testLogger())
			d.Register(failing("p", tt.err, &calls), Options{})
			_, err := d.Dispatch(context.Background(), &Request{Message: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, failure.Code(err))
		})
	}
}

func TestDispatcher_EmptyResponseIsRejected(t *testing.T) {
	d := NewDispatcher("p", false, testLogger())
	d.Register(&Func{ProviderName: "p", Fn: func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Text: "   "}, nil
	}}, Options{})

	_, err := d.Dispatch(context.Background(), &Request{Message: "x"})
	assert.Equal(t, failure.CodeRejected, failure.Code(err))
}

func TestDispatcher_BreakerOpensOnTransientFailures(t *testing.T) {
	var calls int32
	d := NewDispatcher("p", false, testLogger())
	d.Register(failing("p", failure.Transient("down", nil), &calls), Options{
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := d.Dispatch(ctx, &Request{Message: "x"})
		require.True(t, failure.IsRetryable(err))
	}
	assert.Equal(t, "open", d.BreakerStates()["p"])

	_, err := d.Dispatch(ctx, &Request{Message: "x"})
	assert.True(t, failure.IsRetryable(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "open circuit must not reach the provider")
}

func TestDispatcher_BreakerIgnoresRejections(t *testing.T) {
	var calls int32
	d := NewDispatcher("p", false, testLogger())
	d.Register(failing("p", failure.Rejected("policy", nil), &calls), Options{BreakerFailures: 1, BreakerCooldown: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), &Request{Message: "x"})
		assert.True(t, failure.IsPermanent(err))
	}
	assert.Equal(t, "closed", d.BreakerStates()["p"])
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatcher_RateLimitWaitHonoursContext(t *testing.T) {
	d := NewDispatcher("p", false, testLogger())
	d.Register(fixed("p"), Options{RequestsPerSecond: 0.001, Burst: 1})

	_, err := d.Dispatch(context.Background(), &Request{Message: "x"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Dispatch(ctx, &Request{Message: "x"})
	require.Error(t, err)
	assert.True(t, failure.IsRetryable(err))
}
