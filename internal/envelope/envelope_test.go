// ABOUTME: Tests for inbound and outbound envelopes
// ABOUTME: Covers decoding, idempotency keys, metadata order and validation

package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/failure"
)

func TestDecodeInbound(t *testing.T) {
	body := []byte(`{"source":"whatsapp","user_id":"+15550100","message":"hi",
		"timestamp":"2025-03-01T10:00:00.5Z","metadata":{"ip":"10.0.0.1","attempt":2,"nested":{"b":true,"a":null}}}`)

	in, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, SourceWhatsApp, in.Source)
	assert.Equal(t, "+15550100", in.UserID)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 500_000_000, time.UTC), in.Timestamp)
	assert.Equal(t, []string{"ip", "attempt", "nested"}, in.Metadata.Keys())

	nested, ok := in.Metadata.Get("nested")
	require.True(t, ok)
	obj, ok := nested.Obj()
	require.True(t, ok)
	assert.Equal(t, []string{"b", "a"}, obj.Keys())
}

func TestDecodeNaiveTimestamp(t *testing.T) {
	in, err := Decode([]byte(`{"source":"api","user_id":"u1","message":"x","timestamp":"2025-01-02 03:04:05.123456"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 123456000, time.UTC), in.Timestamp)
}

func TestDecodeMissingTimestamp(t *testing.T) {
	in, err := Decode([]byte(`{"source":"api","user_id":"u1","message":"Hello"}`))
	require.NoError(t, err)
	assert.True(t, in.Timestamp.IsZero())
	assert.Equal(t, 0, in.Metadata.Len())
}

func TestDecodeMalformed(t *testing.T) {
	for _, body := range []string{`{`, `{"timestamp":"yesterday"}`, `{"metadata":[1,2]}`} {
		_, err := Decode([]byte(body))
		require.Error(t, err, body)
		assert.True(t, failure.IsPermanent(err), body)
	}
}

func TestInboundRoundTripPreservesMetadataOrder(t *testing.T) {
	in := Inbound{
		Source:    SourceAPI,
		UserID:    "u1",
		Message:   "hello",
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Metadata:  *NewMetadata("z", "last", "a", 1, "m", true),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"api","user_id":"u1","message":"hello",
		"timestamp":"2025-01-01T00:00:00Z","metadata":{"z":"last","a":1,"m":true}}`, string(data))
	assert.Contains(t, string(data), `{"z":"last","a":1,"m":true}`)
}

func TestIdempotencyKey(t *testing.T) {
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	a := &Inbound{Source: SourceAPI, UserID: "u1", Message: "hi", Timestamp: ts}
	b := &Inbound{Source: SourceWhatsApp, UserID: "u1", Message: "hi", Timestamp: ts.In(time.FixedZone("x", 3600))}
	c := &Inbound{Source: SourceAPI, UserID: "u1", Message: "hi", Timestamp: ts.Add(time.Millisecond)}
	d := &Inbound{Source: SourceAPI, UserID: "u1h", Message: "i", Timestamp: ts}

	assert.Len(t, a.IdempotencyKey(), 64)
	assert.Equal(t, a.IdempotencyKey(), b.IdempotencyKey(), "source and zone do not change the key")
	assert.NotEqual(t, a.IdempotencyKey(), c.IdempotencyKey())
	assert.NotEqual(t, a.IdempotencyKey(), d.IdempotencyKey(), "fields are separated")
}

func TestValidator(t *testing.T) {
	v := NewValidator("Sms")

	tests := []struct {
		name    string
		in      *Inbound
		wantErr string
	}{
		{"valid", &Inbound{Source: SourceAPI, UserID: "u1", Message: "hi"}, ""},
		{"extra source", &Inbound{Source: "sms", UserID: "u1", Message: "hi"}, ""},
		{"empty message", &Inbound{Source: SourceAPI, UserID: "u1", Message: ""}, "message is required"},
		{"blank message", &Inbound{Source: SourceAPI, UserID: "u1", Message: "  \n"}, "message is required"},
		{"missing user", &Inbound{Source: SourceAPI, Message: "hi"}, "user_id is required"},
		{"unknown source", &Inbound{Source: "fax", UserID: "u1", Message: "hi"}, `source "fax" is not recognized`},
		{"ai is not an ingress source", &Inbound{Source: SourceAI, UserID: "u1", Message: "hi"}, "not recognized"},
		{"nil", nil, "missing envelope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.in)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, failure.CodeValidation, failure.Code(err))
		})
	}
}

func TestValidatorRecognized(t *testing.T) {
	v := NewValidator(" Sms ", "")

	assert.True(t, v.Recognized(SourceAPI))
	assert.True(t, v.Recognized("sms"))
	assert.False(t, v.Recognized("Sms"), "tags are normalised at construction, not lookup")
	assert.False(t, v.Recognized(""))
	assert.False(t, v.Recognized(SourceAI))
}

func TestOutboundJSONShape(t *testing.T) {
	in := &Inbound{Source: SourceAPI, UserID: "u1", Message: "Hello"}
	out := NewOutbound(in, StoredIDs{MessageID: "m-1", ResponseID: "r-1"}, Completion{
		Response: "Hi there",
		Model:    "m1",
		Usage:    Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		Metadata: *NewMetadata("provider", "echo"),
	}, 1500*time.Millisecond, time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC))

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"message_id":"m-1","user_id":"u1","original_message":"Hello",
		"ai_response":{"response":"Hi there","model":"m1",
			"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8},
			"metadata":{"provider":"echo"}},
		"processing_time_ms":1500,"timestamp":"2025-01-01T00:00:01Z",
		"metadata":{"firestore_ids":{"message_id":"m-1","response_id":"r-1"},"source":"api"}
	}`, string(data))

	var back Outbound
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "echo", back.AIResponse.Metadata.GetString("provider"))
}

func TestValueNumbersKeepRawText(t *testing.T) {
	var m Metadata
	require.NoError(t, json.Unmarshal([]byte(`{"big":12345678901234567,"f":1.50}`), &m))
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"big":12345678901234567,"f":1.50}`, string(data))
}
