// ABOUTME: Tests for the response publisher and dead-letter sink
// ABOUTME: Uses the in-memory bus to capture published payloads

package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/bus"
	"github.com/2389/coven-relay/internal/bus/memory"
	"github.com/2389/coven-relay/internal/failure"
)

func TestResponsePublisher(t *testing.T) {
	b := memory.New(nil)
	p := bus.NewResponsePublisher(b, "relay.responses")

	require.NoError(t, p.Publish(context.Background(), []byte(`{"a":1}`)))
	assert.Equal(t, [][]byte{[]byte(`{"a":1}`)}, b.Published("relay.responses"))

	b.FailNext("relay.responses", errors.New("no responders"))
	err := p.Publish(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.True(t, failure.IsRetryable(err))
}

func TestDeadLetter_Record(t *testing.T) {
	b := memory.New(nil)
	dl := bus.NewDeadLetter(b, "relay.deadletter")

	cause := failure.Validation("message is required", nil)
	require.NoError(t, dl.Send(context.Background(), []byte(`{"user_id":"u1","message":""}`), 3, cause))

	out := b.Published("relay.deadletter")
	require.Len(t, out, 1)

	var rec bus.DeadLetterRecord
	require.NoError(t, json.Unmarshal(out[0], &rec))
	assert.JSONEq(t, `{"user_id":"u1","message":""}`, string(rec.Payload))
	assert.Equal(t, failure.CodeValidation, rec.Code)
	assert.Contains(t, rec.Error, "message is required")
	assert.Equal(t, 3, rec.DeliveryAttempt)
	assert.WithinDuration(t, time.Now(), rec.FailedAt, 5*time.Second)
}

func TestDeadLetter_NonJSONPayloadIsQuoted(t *testing.T) {
	b := memory.New(nil)
	dl := bus.NewDeadLetter(b, "dlq")

	require.NoError(t, dl.Send(context.Background(), []byte("not json {"), 1, errors.New("bad")))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b.Published("dlq")[0], &raw))
	assert.Equal(t, "not json {", raw["payload"])
}

func TestDeadLetter_PublishFailureIsRetryable(t *testing.T) {
	b := memory.New(nil)
	dl := bus.NewDeadLetter(b, "dlq")
	b.FailNext("dlq", errors.New("down"))

	err := dl.Send(context.Background(), []byte(`{}`), 1, failure.Rejected("policy", nil))
	assert.True(t, failure.IsRetryable(err))
}
