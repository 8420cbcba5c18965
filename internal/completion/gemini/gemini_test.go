// ABOUTME: Tests for the Gemini provider
// ABOUTME: Exercises request building, response mapping and error classification

package gemini

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/2389/coven-relay/internal/completion"
	"github.com/2389/coven-relay/internal/failure"
)

func TestBuildContents(t *testing.T) {
	contents := buildContents(&completion.Request{
		History: []completion.Message{
			{Role: completion.RoleUser, Text: "hi"},
			{Role: completion.RoleAssistant, Text: "hello"},
		},
		Message: "bye",
	})
	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleUser, contents[0].Role)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	assert.Equal(t, genai.RoleUser, contents[2].Role)
	assert.Equal(t, "bye", contents[2].Parts[0].Text)
}

func TestContentConfig(t *testing.T) {
	cfg := contentConfig(Options{Temperature: 0.5, MaxTokens: 200, SystemPrompt: "be brief"})
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.5, *cfg.Temperature, 0.0001)
	assert.Equal(t, int32(200), cfg.MaxOutputTokens)
	assert.Equal(t, "be brief", cfg.SystemInstruction.Parts[0].Text)
}

func TestFromResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		ResponseID:   "resp-1",
		ModelVersion: "gemini-2.0-flash-001",
		Candidates: []*genai.Candidate{{
			Content:      genai.NewContentFromText("Hi there", genai.RoleModel),
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     5,
			CandidatesTokenCount: 3,
			TotalTokenCount:      8,
		},
	}
	out, err := fromResponse("gemini-2.0-flash", resp)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", out.Text)
	assert.Equal(t, "gemini-2.0-flash-001", out.Model)
	assert.Equal(t, int64(8), out.Usage.TotalTokens)
	assert.Equal(t, "STOP", out.Metadata.GetString("finish_reason"))
	assert.Equal(t, "resp-1", out.Metadata.GetString("response_id"))
}

func TestFromResponse_BlockedIsRejected(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety},
	}
	_, err := fromResponse("m", resp)
	assert.Equal(t, failure.CodeRejected, failure.Code(err))
}

func TestFromResponse_EmptyIsRejected(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonMaxTokens}},
	}
	_, err := fromResponse("m", resp)
	assert.Equal(t, failure.CodeRejected, failure.Code(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, failure.CodeTransient, failure.Code(classify(genai.APIError{Code: 503, Message: "unavailable"})))
	assert.Equal(t, failure.CodeRejected, failure.Code(classify(fmt.Errorf("wrapped: %w", genai.APIError{Code: 400}))))
	assert.Equal(t, failure.CodeTransient, failure.Code(classify(errors.New("dial tcp: refused"))))
}
